package vmsock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by AcquireLockfile when another live daemon already
// holds the lock for this socket path — the "lockfile busy" startup error
// spec.md §8 requires to be distinguishable from other bind failures (S5).
var ErrLocked = errors.New("vmsock: socket path is locked by another daemon")

// Lockfile is the advisory exclusive lock at "<socket-path>.lock" that
// makes a bound socket path exclusive for the process lifetime (spec.md
// §3, "Socket lockfile"). The descriptor stays open until Release, which
// the daemon calls only from its exit-time cleanup: closing it any earlier
// would also release the lock.
type Lockfile struct {
	path string
	fd   int
}

// LockPath returns the lockfile path for a given socket path.
func LockPath(socketPath string) string { return socketPath + ".lock" }

// AcquireLockfile creates (or opens) path and takes a non-blocking
// exclusive flock on it. If another process already holds the lock, it
// returns ErrLocked without blocking — the lock is released automatically
// by the kernel when the owning process dies, so a stale lockfile left
// behind by a crash is always reclaimable.
func AcquireLockfile(path string) (*Lockfile, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("vmsock: open lockfile %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("vmsock: flock lockfile %s: %w", path, err)
	}

	return &Lockfile{path: path, fd: fd}, nil
}

// Release removes the lockfile and closes (thereby releasing) the lock.
// Safe to call once per successful AcquireLockfile; idempotent on ENOENT.
func (l *Lockfile) Release() error {
	if l == nil {
		return nil
	}
	rmErr := unix.Unlink(l.path)
	if rmErr != nil && !errors.Is(rmErr, unix.ENOENT) {
		unix.Close(l.fd)
		return fmt.Errorf("vmsock: remove lockfile %s: %w", l.path, rmErr)
	}
	return unix.Close(l.fd)
}
