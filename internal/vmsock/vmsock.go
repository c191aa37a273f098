// Package vmsock implements the VM-side transport: a connected AF_UNIX
// SOCK_DGRAM socket carrying raw Ethernet frames, adopted either from an
// inherited descriptor (fd mode) or bound and waited-on at a filesystem
// path (path mode). See spec.md §4.3.
package vmsock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Buffer sizing per spec.md §4.3: the receive buffer is recommended ~4x
// the send buffer, and the send buffer must exceed the largest permissible
// TSO frame. 1MiB/256KiB comfortably covers the NIC's reported max packet
// size even with TSO enabled.
const (
	DefaultSendBufferSize    = 256 * 1024
	DefaultReceiveBufferSize = 4 * DefaultSendBufferSize
)

// Datagram is a view into one endpoint slot shaped for the socket's
// batched sendmsg_x/recvmsg_x API. Len is both the input capacity (before
// ReadBatch) and the output length (after ReadBatch, and the input send
// size before WriteBatch).
type Datagram struct {
	Buf []byte
	Len int
}

// ReadWriteBatcher is the forwarding engine's view of a VM socket: batched
// I/O when available, single-datagram fallback always available.
type ReadWriteBatcher interface {
	// ReadBatch reads up to len(dgrams) datagrams. On platforms without a
	// batched recv syscall this reads exactly one.
	ReadBatch(dgrams []Datagram) (n int, err error)

	// WriteBatch makes one send attempt for dgrams (one batched syscall,
	// or only dgrams[0] on platforms without batched send), returning the
	// number of datagrams actually accepted by the kernel so the caller can
	// resume from that offset on a partial send.
	WriteBatch(dgrams []Datagram) (sent int, err error)

	// Write sends exactly one datagram; used by the slow path. A partial
	// write on a datagram socket is impossible by construction; Socket.Write
	// asserts against it by panicking.
	Write(b []byte) error

	// Read reads exactly one datagram; used by the slow path and as the
	// only path on platforms without batched recv.
	Read(b []byte) (int, error)

	// SupportsBulkIO reports whether ReadBatch/WriteBatch use a real batch
	// syscall (true) or degrade to a single-datagram loop (false).
	SupportsBulkIO() bool

	FD() int
	Close() error
}

// Socket is the common state shared by both construction paths. Platform
// files add ReadBatch/WriteBatch.
type Socket struct {
	fd          int
	bulkCapable bool
	lock        *Lockfile // path mode only
	path        string    // path mode only
}

// AdoptFD wraps an already-connected datagram socket passed in by a parent
// launcher process (fd mode, spec.md §4.3). No bind/connect is performed;
// only the socket buffer sizes are tuned.
func AdoptFD(fd int) (*Socket, error) {
	s := &Socket{fd: fd, bulkCapable: supportsBulkIO()}
	setSocketBuffers(fd)
	return s, nil
}

// FD returns the underlying file descriptor.
func (s *Socket) FD() int { return s.fd }

// SupportsBulkIO reports whether the batched sendmsg_x/recvmsg_x syscalls
// are available on this OS version (see nic.SupportsBulkForwarding for the
// NIC-side equivalent of the same OS-version gate).
func (s *Socket) SupportsBulkIO() bool { return s.bulkCapable }

// Close closes the underlying socket.
func (s *Socket) Close() error { return unix.Close(s.fd) }

// Write sends exactly one datagram. A partial write on a connected
// datagram socket cannot happen; callers that observe one have found a
// kernel or transport bug, not a condition to handle gracefully.
func (s *Socket) Write(b []byte) error {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		return err
	}
	if n != len(b) {
		panic(fmt.Sprintf("vmsock: partial write on datagram socket: wrote %d of %d bytes", n, len(b)))
	}
	return nil
}

// Read reads exactly one datagram into b, returning its length. A
// zero-length return (n==0, err==nil) means the peer closed its end.
func (s *Socket) Read(b []byte) (int, error) {
	return unix.Read(s.fd, b)
}

// setSocketBuffers sets SO_SNDBUF/SO_RCVBUF. Failures are not fatal, per
// spec.md §4.3 — this is a performance tuning knob only. Both construction
// paths ignore the returned errors; nothing logs them.
func setSocketBuffers(fd int) (sndErr, rcvErr error) {
	sndErr = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, DefaultSendBufferSize)
	rcvErr = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, DefaultReceiveBufferSize)
	return sndErr, rcvErr
}

// SetSocketBuffers is the exported form of setSocketBuffers, which both
// construction paths in this package call; exercised directly by tests.
func SetSocketBuffers(fd int) (sndErr, rcvErr error) {
	return setSocketBuffers(fd)
}

// readBatchSlow is the portable single-datagram fallback for ReadBatch: it
// reads exactly one datagram and reports it as a one-element batch. Used
// as the only path on platforms without a batched recv syscall, and as the
// fast path's fallback when the OS version gate says bulk I/O is
// unavailable.
func readBatchSlow(s *Socket, dgrams []Datagram) (int, error) {
	if len(dgrams) == 0 {
		return 0, nil
	}
	n, err := s.Read(dgrams[0].Buf)
	if err != nil {
		return 0, err
	}
	dgrams[0].Len = n
	return 1, nil
}

// IsENOBUFS reports whether err is the transient "send buffer exhausted"
// condition the forwarder's back-pressure policy retries on (spec.md §4.4,
// §7). Every send/write path in this package surfaces the kernel's errno
// unwrapped, so a plain errors.Is against unix.ENOBUFS is enough.
func IsENOBUFS(err error) bool {
	return errors.Is(err, unix.ENOBUFS)
}

// writeBatchSlow is the portable single-datagram fallback for WriteBatch:
// it sends exactly dgrams[0] and reports it as accepted. Back-pressure
// (ENOBUFS) retry is the caller's (forwarder's) responsibility; this
// performs one send attempt.
func writeBatchSlow(s *Socket, dgrams []Datagram) (int, error) {
	if len(dgrams) == 0 {
		return 0, nil
	}
	if err := s.Write(dgrams[0].Buf[:dgrams[0].Len]); err != nil {
		return 0, err
	}
	return 1, nil
}
