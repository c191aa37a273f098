// Package lifecycle sequences the daemon's startup, client attach,
// privilege drop, forwarding, and teardown, and owns the shutdown-flags
// aggregation and exit-time cleanup (spec.md §4.6, §9). Daemon is
// constructed once in main and is the only non-global state in the
// process, the way aegisd's own main.go builds one lifecycle.Manager
// rather than relying on package-level singletons.
package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/xfeldman/vmnet-helper/internal/cleanup"
	"github.com/xfeldman/vmnet-helper/internal/endpoint"
	"github.com/xfeldman/vmnet-helper/internal/forwarder"
	"github.com/xfeldman/vmnet-helper/internal/nic"
	"github.com/xfeldman/vmnet-helper/internal/options"
	"github.com/xfeldman/vmnet-helper/internal/reactor"
	"github.com/xfeldman/vmnet-helper/internal/vmlog"
	"github.com/xfeldman/vmnet-helper/internal/vmsock"
)

// State is a step in the lifecycle's unconditional transition sequence
// (spec.md §4.4's state-machine diagram).
type State int

const (
	StateInit State = iota
	StateKQUp
	StateNICUp
	StatePrivDropped
	StateSocketAttached
	StateHostForwardArmed
	StateVMForwardRunning
	StateWaiting
	StateStopping
	StateNICDown
	StateExit
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateKQUp:
		return "KQ_UP"
	case StateNICUp:
		return "NIC_UP"
	case StatePrivDropped:
		return "PRIV_DROPPED"
	case StateSocketAttached:
		return "SOCKET_ATTACHED"
	case StateHostForwardArmed:
		return "HOST_FWD_ARMED"
	case StateVMForwardRunning:
		return "VM_FWD_RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateStopping:
		return "STOPPING"
	case StateNICDown:
		return "NIC_DOWN"
	case StateExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// EndpointSlots is N from spec.md §4.4 — both endpoint pools use the
// forwarder's batch size so a full batch always fits in one pass.
const EndpointSlots = forwarder.BatchSize

// Daemon owns every piece of process-lifetime state: options, the NIC
// adapter, the two endpoint pools, the VM socket, the forwarding engine,
// the reactor, and the aggregated shutdown flags. Construct with New, then
// call Run once.
type Daemon struct {
	opts options.Options
	log  *vmlog.Logger

	nicAdapter nic.Adapter
	reactor    reactor.Reactor
	engine     *forwarder.Engine
	sock       vmsock.ReadWriteBatcher
	lockfile   *vmsock.Lockfile
	socketPath string

	cleanup cleanup.Scoped
	flags   shutdownFlags

	state State

	// stdout is where the NIC-start JSON line is written; overridable by
	// tests. Production always uses os.Stdout.
	stdout *bufio.Writer

	// newNIC/newReactor/privDrop are seams so lifecycle tests can run the
	// whole sequence without vmnet, a real kqueue, or actual setuid(2).
	newNIC     func() nic.Adapter
	newReactor func() (reactor.Reactor, error)
	privDrop   func(options.Privileges) error
}

// New constructs a Daemon ready to Run. Production callers leave the
// unexported seam fields (newNIC, newReactor, privDrop) at their
// defaults, set below; daemon_test.go, in the same package, overrides
// them directly to drive Run without vmnet, a real kqueue, or setuid(2).
func New(opts options.Options, log *vmlog.Logger) *Daemon {
	return &Daemon{
		opts:       opts,
		log:        log,
		state:      StateInit,
		stdout:     bufio.NewWriter(os.Stdout),
		newNIC:     nic.New,
		newReactor: reactor.New,
		privDrop:   dropPrivileges,
	}
}

func (d *Daemon) transition(s State) {
	d.state = s
	d.log.Infof("state -> %s", s)
}

// Run sequences the full lifecycle and returns the process exit code. It
// never panics on a collaborator error: every failure is logged and maps
// to a non-zero exit, with cleanup always run before returning.
func (d *Daemon) Run(ctx context.Context) int {
	defer d.cleanup.Run()

	r, err := d.newReactor()
	if err != nil {
		d.log.Errorf("reactor init: %v", err)
		return 1
	}
	d.reactor = r
	d.cleanup.Add(func() { d.reactor.Close() })
	d.transition(StateKQUp)

	d.nicAdapter = d.newNIC()
	info, err := d.nicAdapter.Start(d.opts.NICConfig())
	if err != nil {
		d.log.Errorf("nic start: %v", err)
		return 1
	}
	d.cleanup.Add(func() {
		if err := d.nicAdapter.Stop(); err != nil {
			d.log.Errorf("nic stop: %v", err)
		}
	})
	d.transition(StateNICUp)

	if err := d.emitInfo(info); err != nil {
		d.log.Errorf("write interface info: %v", err)
		return 1
	}

	maxPacketSize := int(info.MaxPacketSize)
	if maxPacketSize <= 0 {
		maxPacketSize = 1514
	}

	if err := d.dropPrivileges(); err != nil {
		d.log.Errorf("drop privileges: %v", err)
		return 1
	}
	d.transition(StatePrivDropped)

	if err := d.attachSocket(ctx); err != nil {
		var interrupted *errAttachInterrupted
		if errors.As(err, &interrupted) {
			// A signal (or, in principle, a triggered shutdown) arrived
			// before any client connected: this is a clean/failed exit per
			// its cause, not an attach failure, so skip straight to
			// teardown with the cause already folded into d.flags.
			d.recordEvent(interrupted.ev)
			d.transition(StateStopping)
			d.transition(StateNICDown)
			d.transition(StateExit)
			return d.flags.load().ExitCode()
		}
		d.log.Errorf("socket attach: %v", err)
		return 1
	}
	d.transition(StateSocketAttached)

	host := endpoint.NewPool(EndpointSlots, maxPacketSize)
	vm := endpoint.NewPool(EndpointSlots, maxPacketSize)

	d.engine = forwarder.New(d.nicAdapter, d.sock, host, vm, d.log, d.onForwarderShutdown)
	d.transition(StateHostForwardArmed)
	d.engine.Start()
	d.transition(StateVMForwardRunning)

	d.transition(StateWaiting)
	d.wait(ctx)

	d.transition(StateStopping)
	snap := d.engine.Stats.Snapshot()
	d.log.Infof("forwarded host->vm=%d dropped=%d retries=%d vm->host=%d",
		snap.HostToVMForwarded, snap.HostToVMDropped, snap.HostToVMRetries, snap.VMToHostForwarded)

	// cleanup.Run (deferred above) performs NIC_DOWN and releases the
	// socket path/lockfile; this call just names the transition the spec
	// diagram expects before EXIT.
	d.transition(StateNICDown)
	d.transition(StateExit)

	return d.flags.load().ExitCode()
}

// wait blocks on the reactor until a signal or shutdown event arrives,
// folding the cause into the aggregated shutdown flags, per spec.md §4.5.
func (d *Daemon) wait(ctx context.Context) {
	for {
		ev, err := d.reactor.Wait(ctx)
		if err != nil {
			d.log.Errorf("reactor wait: %v", err)
			d.flags.add(FlagFailure)
			return
		}
		if ev.Cause == reactor.CauseSignal || ev.Cause == reactor.CauseShutdownEvent {
			d.recordEvent(ev)
			return
		}
	}
}

// recordEvent folds a reactor event's cause into the aggregated shutdown
// flags; shared by wait (post-attach) and attachSocket (during
// wait-for-client), so both paths treat a signal identically.
func (d *Daemon) recordEvent(ev reactor.Event) {
	switch ev.Cause {
	case reactor.CauseSignal:
		d.log.Infof("received %s", ev.Signal)
		d.flags.add(FlagStopped)
	case reactor.CauseShutdownEvent:
		d.flags.add(ShutdownFlags(ev.Flags))
	}
}

// errAttachInterrupted is returned by attachSocket when a reactor event
// (signal, or in principle a forwarder-triggered shutdown — though nothing
// can trigger one this early) preempts the wait for a client, instead of
// an actual attach failure.
type errAttachInterrupted struct {
	ev reactor.Event
}

func (e *errAttachInterrupted) Error() string {
	if e.ev.Cause == reactor.CauseSignal {
		return "attach: interrupted by " + e.ev.Signal + " while waiting for client"
	}
	return "attach: interrupted by shutdown event while waiting for client"
}

// onForwarderShutdown is passed to forwarder.New; either forwarding
// direction calls it at most once, from whichever goroutine observed the
// terminal condition, and it simply posts the cause to the reactor so
// Daemon.wait is the only place that actually unblocks the lifecycle.
func (d *Daemon) onForwarderShutdown(cause forwarder.ShutdownCause, err error) {
	var f ShutdownFlags
	switch cause {
	case forwarder.CausePeerClosed:
		f = FlagStopped
	case forwarder.CauseIOError:
		f = FlagFailure
	}
	if err != nil {
		d.log.Errorf("forwarding stopped: %v", err)
	}
	d.reactor.Trigger(uint32(f))
}

// emitInfo writes the NIC-start JSON line to stdout and flushes it
// immediately, matching helper.c's fflush(stdout) right after
// write_vmnet_info (spec.md §6.2). When the adapter reported RawJSON (the
// framework's dictionary, converted to JSON text by the shim itself) that
// is written through unaltered, so a uint64 field above 2^53 keeps its
// exact value; round-tripping through map[string]interface{} would
// collapse it to a float64 and potentially lose precision. The
// field-by-field fallback only runs for adapters with nothing to report
// verbatim (the stub adapter, and test fakes).
func (d *Daemon) emitInfo(info nic.Info) error {
	var enc []byte
	if len(info.RawJSON) > 0 {
		enc = info.RawJSON
	} else {
		raw := info.Raw
		if raw == nil {
			raw = map[string]interface{}{}
		}
		if _, ok := raw["vmnet_mac_address"]; !ok && info.MACAddress != "" {
			raw["vmnet_mac_address"] = info.MACAddress
		}
		if _, ok := raw["vmnet_mtu"]; !ok && info.MTU != 0 {
			raw["vmnet_mtu"] = info.MTU
		}
		if _, ok := raw["vmnet_max_packet_size"]; !ok && info.MaxPacketSize != 0 {
			raw["vmnet_max_packet_size"] = info.MaxPacketSize
		}
		if _, ok := raw["vmnet_interface_id"]; !ok {
			raw["vmnet_interface_id"] = info.InterfaceID.String()
		}

		var err error
		enc, err = json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("marshal interface info: %w", err)
		}
	}

	if _, err := d.stdout.Write(enc); err != nil {
		return err
	}
	if _, err := d.stdout.WriteString("\n"); err != nil {
		return err
	}
	return d.stdout.Flush()
}

// attachSocket completes SOCKET_ATTACHED: trivial in fd mode, a mini
// state machine in path mode (spec.md §4.4).
func (d *Daemon) attachSocket(ctx context.Context) error {
	if d.opts.HasFD {
		s, err := vmsock.AdoptFD(d.opts.FD)
		if err != nil {
			return err
		}
		d.sock = s
		d.cleanup.Add(func() { s.Close() })
		return nil
	}

	s, waiter, err := vmsock.Listen(d.opts.SocketPath)
	if err != nil {
		if err == vmsock.ErrLocked {
			return fmt.Errorf("socket path %s is in use by another vmnet-helper: %w", d.opts.SocketPath, err)
		}
		return err
	}
	d.socketPath = d.opts.SocketPath
	d.lockfile = s.Lockfile()
	d.cleanup.Add(func() { s.Close() })
	d.cleanup.Add(func() {
		if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
			d.log.Warnf("remove socket %s: %v", d.socketPath, err)
		}
	})
	d.cleanup.Add(func() {
		if err := d.lockfile.Release(); err != nil {
			d.log.Warnf("release lockfile: %v", err)
		}
	})

	d.log.Info("waiting for client")
	if err := d.waitForClient(ctx, waiter); err != nil {
		return err
	}
	d.log.Info("client attached")

	d.sock = s
	return nil
}

// waitForClient blocks until a client connects, racing it against the
// reactor so a SIGTERM/SIGINT arriving before any client connects aborts
// the wait instead of hanging until SIGKILL: the reactor already has
// SIGTERM/SIGINT blocked process-wide at this point (reactor.New runs
// before attachSocket in Run), so nothing else can observe them. Returns
// *errAttachInterrupted if the reactor won the race.
func (d *Daemon) waitForClient(ctx context.Context, waiter vmsock.ConnectWaiter) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reactorEvent := make(chan reactor.Event, 1)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ev, err := d.reactor.Wait(waitCtx)
		if err == nil {
			reactorEvent <- ev
			cancel()
		}
	}()

	err := waiter.WaitForClient(waitCtx)
	cancel()
	// Wait for the watcher goroutine to actually return before this
	// function does: Daemon.wait will call d.reactor.Wait again once
	// forwarding starts, and two concurrent Wait calls on the same
	// kqueue/signal channel could steal each other's events.
	<-watcherDone

	select {
	case ev := <-reactorEvent:
		return &errAttachInterrupted{ev: ev}
	default:
		return err
	}
}

// dropPrivileges resolves the drop target from the environment/real
// identity and performs the drop, unless the Daemon was constructed with
// a test seam overriding it.
func (d *Daemon) dropPrivileges() error {
	priv, err := options.ResolvePrivileges(os.Getuid(), os.Getgid())
	if err != nil {
		return err
	}
	return d.privDrop(priv)
}

// dropPrivileges performs the real setgid/setuid sequence: group first,
// then user, since dropping the user id first would leave the process
// unable to change its group. Idempotent if already running unprivileged
// (Setgid/Setuid to the current id succeeds as a no-op).
func dropPrivileges(priv options.Privileges) error {
	if err := unix.Setgid(priv.GID); err != nil {
		return fmt.Errorf("setgid(%d): %w", priv.GID, err)
	}
	if err := unix.Setuid(priv.UID); err != nil {
		return fmt.Errorf("setuid(%d): %w", priv.UID, err)
	}
	return nil
}

// State returns the daemon's current lifecycle state, for tests.
func (d *Daemon) State() State { return d.state }
