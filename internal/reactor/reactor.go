// Package reactor is the daemon's kernel-event-driven dispatch loop: it
// owns signal delivery and a user-triggered shutdown event, and is the
// only place either is observed (spec.md §4.5). Concrete implementations
// are platform-specific (a real kqueue on darwin, os/signal plus a
// channel elsewhere) behind the Reactor interface so forwarder and
// lifecycle tests never need root or a real kqueue.
package reactor

import "context"

// Cause identifies why Wait returned.
type Cause int

const (
	// CauseSignal means a watched signal (SIGTERM, SIGINT) arrived.
	CauseSignal Cause = iota
	// CauseShutdownEvent means Trigger was called by one of the
	// forwarding loops.
	CauseShutdownEvent
)

// Event is the result of a completed Wait.
type Event struct {
	Cause Cause

	// Signal names the signal received, valid when Cause == CauseSignal.
	Signal string

	// Flags carries the aggregated shutdown cause posted by Trigger, valid
	// when Cause == CauseShutdownEvent. Declared as uint32 here (rather
	// than importing lifecycle) to avoid a reactor<->lifecycle import
	// cycle; lifecycle.ShutdownFlags is itself a uint32 and converts
	// trivially at the call site.
	Flags uint32
}

// Reactor is the event queue abstraction. SIGPIPE is never delivered
// through it: the implementation ignores SIGPIPE globally at
// construction, the way the original ignores it process-wide before
// relying on inline EPIPE handling on the socket.
type Reactor interface {
	// Trigger posts the user-event carrying flags, waking a blocked Wait.
	// Callable from any goroutine, including the forwarder's loops.
	Trigger(flags uint32)

	// Wait blocks until a signal arrives or Trigger is called, or ctx is
	// done.
	Wait(ctx context.Context) (Event, error)

	// Close releases the reactor's resources.
	Close() error
}
