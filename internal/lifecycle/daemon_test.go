package lifecycle

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xfeldman/vmnet-helper/internal/nic"
	"github.com/xfeldman/vmnet-helper/internal/options"
	"github.com/xfeldman/vmnet-helper/internal/reactor"
	"github.com/xfeldman/vmnet-helper/internal/vmlog"
)

// fakeNIC is a no-traffic nic.Adapter: ReadBatch always reports zero
// pending frames, so these lifecycle tests exercise startup/teardown
// sequencing and the VM->host peer-close path without needing any host
// ingress.
type fakeNIC struct {
	stopped bool
}

func (f *fakeNIC) Start(nic.Config) (nic.Info, error) {
	return nic.Info{
		MACAddress:    "aa:bb:cc:dd:ee:ff",
		MTU:           1500,
		MaxPacketSize: 2048,
	}, nil
}
func (f *fakeNIC) Stop() error                              { f.stopped = true; return nil }
func (f *fakeNIC) ReadBatch(pkts []nic.Packet) (int, error) { return 0, nil }
func (f *fakeNIC) WriteBatch(pkts []nic.Packet) error       { return nil }
func (f *fakeNIC) OnPacketsAvailable(func(int))             {}
func (f *fakeNIC) SupportsBulkForwarding() bool             { return true }

// fakeReactor is a reactor.Reactor that either always reports a signal, or
// relays whatever Trigger posts, so tests can exercise both of Daemon's
// wait paths without a real kqueue.
type fakeReactor struct {
	forceSignal bool
	triggered   chan uint32
	closed      bool
}

func newFakeReactor(forceSignal bool) *fakeReactor {
	return &fakeReactor{forceSignal: forceSignal, triggered: make(chan uint32, 1)}
}

func (r *fakeReactor) Trigger(flags uint32) {
	select {
	case r.triggered <- flags:
	default:
	}
}

func (r *fakeReactor) Wait(ctx context.Context) (reactor.Event, error) {
	if r.forceSignal {
		return reactor.Event{Cause: reactor.CauseSignal, Signal: "SIGTERM"}, nil
	}
	select {
	case flags := <-r.triggered:
		return reactor.Event{Cause: reactor.CauseShutdownEvent, Flags: flags}, nil
	case <-ctx.Done():
		return reactor.Event{}, ctx.Err()
	}
}

func (r *fakeReactor) Close() error { r.closed = true; return nil }

func newTestDaemon(t *testing.T, opts options.Options, n *fakeNIC, r *fakeReactor) *Daemon {
	t.Helper()
	d := New(opts, vmlog.New(io.Discard, true))
	d.newNIC = func() nic.Adapter { return n }
	d.newReactor = func() (reactor.Reactor, error) { return r, nil }
	d.privDrop = func(options.Privileges) error { return nil }
	d.stdout = bufio.NewWriter(io.Discard)
	return d
}

func TestRunFDModePeerCloseExitsZero(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	n := &fakeNIC{}
	r := newFakeReactor(false)
	opts := options.Options{HasFD: true, FD: fds[0]}
	d := newTestDaemon(t, opts, n, r)

	done := make(chan int, 1)
	go func() { done <- d.Run(context.Background()) }()

	// Give forwarding a moment to start, then close the peer end so the
	// VM->host loop observes a zero-length read.
	time.Sleep(50 * time.Millisecond)
	unix.Close(fds[1])

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer close")
	}

	if !n.stopped {
		t.Error("NIC was not stopped on exit")
	}
	if d.flags.load() != FlagStopped {
		t.Errorf("flags = %v, want FlagStopped", d.flags.load())
	}
}

func TestRunSignalExitsZero(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	n := &fakeNIC{}
	r := newFakeReactor(true)
	opts := options.Options{HasFD: true, FD: fds[0]}
	d := newTestDaemon(t, opts, n, r)

	code := d.Run(context.Background())
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !n.stopped {
		t.Error("NIC was not stopped on exit")
	}
	if d.flags.load() != FlagStopped {
		t.Errorf("flags = %v, want FlagStopped", d.flags.load())
	}
}

func TestRunPathModeCleansUpSocketAndLockfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmnet.sock")

	n := &fakeNIC{}
	r := newFakeReactor(false)
	opts := options.Options{SocketPath: path}
	d := newTestDaemon(t, opts, n, r)

	done := make(chan int, 1)
	go func() { done <- d.Run(context.Background()) }()

	// Act as the VM client: send one datagram so WaitForClient's peek
	// succeeds and the daemon proceeds past SOCKET_ATTACHED.
	var client *net0Conn
	for i := 0; i < 50; i++ {
		conn, err := dialUnixgram(path)
		if err == nil {
			client = conn
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if client == nil {
		t.Fatal("could not dial daemon's socket in time")
	}
	defer client.Close()
	client.Write([]byte("hello"))

	// Now that the client has attached, post a shutdown event the way the
	// forwarder would once it sees the peer close.
	r.Trigger(uint32(FlagStopped))

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket path %s was not removed", path)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("lockfile %s was not removed", path+".lock")
	}
}

// TestRunPathModeSignalDuringWaitForClientExitsCleanly guards against a
// regression where a signal arriving before any client ever connects would
// hang the daemon forever: attachSocket's wait-for-client must itself
// observe the reactor, since Daemon.wait is not reached until attach
// completes.
func TestRunPathModeSignalDuringWaitForClientExitsCleanly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmnet.sock")

	n := &fakeNIC{}
	r := newFakeReactor(true) // signal "arrives" immediately, before any client dials
	opts := options.Options{SocketPath: path}
	d := newTestDaemon(t, opts, n, r)

	done := make(chan int, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run hung waiting for a client instead of observing the signal")
	}

	if d.flags.load() != FlagStopped {
		t.Errorf("flags = %v, want FlagStopped", d.flags.load())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket path %s was not removed", path)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("lockfile %s was not removed", path+".lock")
	}
}

// net0Conn and dialUnixgram are a tiny seam around unix.Socket/Connect so
// the path-mode test above doesn't need to import net just for one dial.
type net0Conn struct{ fd int }

func dialUnixgram(path string) (*net0Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &net0Conn{fd: fd}, nil
}

func (c *net0Conn) Write(b []byte) (int, error) { return unix.Write(c.fd, b) }
func (c *net0Conn) Close() error                { return unix.Close(c.fd) }
