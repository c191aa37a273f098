package vmsock

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// peekBufferSize only needs to be large enough to tell a sub-64-byte
// handshake datagram apart from a real frame; it does not need to hold a
// full TSO-sized frame.
const peekBufferSize = 2048

// shortFrameThreshold is the spec.md §4.3 cutoff: a first datagram shorter
// than this is a known benign handshake blob some clients send, which the
// NIC would reject, and is silently discarded.
const shortFrameThreshold = 64

// ConnectWaiter completes the path-mode "mini state machine": wait for the
// listening socket to become readable, peek the first datagram to learn
// the client's address, connect() to pin it as the only peer for the rest
// of the process, and discard the datagram if it looks like a handshake
// blob rather than a real frame.
type ConnectWaiter interface {
	WaitForClient(ctx context.Context) error
}

type connectWaiter struct {
	sock *Socket
}

// Listen creates the socket lockfile, then creates, binds (mode 0600), and
// returns a socket listening at path, plus a ConnectWaiter that completes
// the handshake described in spec.md §4.3. If the lockfile is already held
// by a live daemon, Listen returns ErrLocked without creating the socket.
func Listen(path string) (*Socket, ConnectWaiter, error) {
	lock, err := AcquireLockfile(LockPath(path))
	if err != nil {
		return nil, nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		lock.Release()
		return nil, nil, fmt.Errorf("vmsock: socket: %w", err)
	}

	// A stale socket file from a crashed daemon would otherwise fail bind
	// with EADDRINUSE; since the lockfile above proves no live daemon owns
	// this path, removing leftover debris is safe (spec.md §3 explicitly
	// tolerates the socket file being left behind on crash).
	unix.Unlink(path)

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		lock.Release()
		return nil, nil, fmt.Errorf("vmsock: bind %s: %w", path, err)
	}

	if err := unix.Chmod(path, 0600); err != nil {
		unix.Close(fd)
		lock.Release()
		unix.Unlink(path)
		return nil, nil, fmt.Errorf("vmsock: chmod %s: %w", path, err)
	}

	setSocketBuffers(fd)

	s := &Socket{fd: fd, bulkCapable: supportsBulkIO(), lock: lock, path: path}
	return s, &connectWaiter{sock: s}, nil
}

// WaitForClient blocks until a datagram is pending, learns the sender's
// address from it without consuming it, connect()s to pin that address as
// the permanent peer, and — if the peeked datagram is shorter than 64
// bytes — consumes and drops it.
func (w *connectWaiter) WaitForClient(ctx context.Context) error {
	if err := waitReadable(ctx, w.sock.fd); err != nil {
		return err
	}

	buf := make([]byte, peekBufferSize)
	n, from, err := unix.Recvfrom(w.sock.fd, buf, unix.MSG_PEEK)
	if err != nil {
		return fmt.Errorf("vmsock: peek first datagram: %w", err)
	}
	if from == nil {
		return fmt.Errorf("vmsock: peek first datagram: no sender address")
	}

	if err := unix.Connect(w.sock.fd, from); err != nil {
		return fmt.Errorf("vmsock: connect to client: %w", err)
	}

	if n < shortFrameThreshold {
		if _, err := unix.Read(w.sock.fd, buf[:n]); err != nil {
			return fmt.Errorf("vmsock: discard short first datagram: %w", err)
		}
	}

	return nil
}

// waitReadable polls fd for readability, honoring ctx cancellation. There
// is no portable way to wake a blocking poll(2) from a context's Done
// channel, so this polls on a short timeout instead of blocking forever.
func waitReadable(ctx context.Context, fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("vmsock: poll: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

// Lockfile returns the lockfile held for this socket (path mode only; nil
// in fd mode).
func (s *Socket) Lockfile() *Lockfile { return s.lock }

// Path returns the filesystem path this socket is bound to (path mode
// only; empty in fd mode).
func (s *Socket) Path() string { return s.path }
