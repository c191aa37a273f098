package lifecycle

import "sync/atomic"

// ShutdownFlags is the two-bit aggregated shutdown cause from spec.md §3:
// FLAG_STOPPED alone (or zero) is a clean exit, any FLAG_FAILURE makes the
// exit non-zero. Readers only observe the final value after Reactor.Wait
// unblocks, per spec.md §5.
type ShutdownFlags uint32

const (
	FlagStopped ShutdownFlags = 1 << iota
	FlagFailure
)

// ExitCode maps the aggregated flags to a process exit code (spec.md §6/§7).
func (f ShutdownFlags) ExitCode() int {
	if f&FlagFailure != 0 {
		return 1
	}
	return 0
}

func (f ShutdownFlags) String() string {
	switch {
	case f&FlagFailure != 0 && f&FlagStopped != 0:
		return "STOPPED|FAILURE"
	case f&FlagFailure != 0:
		return "FAILURE"
	case f&FlagStopped != 0:
		return "STOPPED"
	default:
		return "NONE"
	}
}

// shutdownFlags is the atomic OR-accumulator: every writer (signal
// arrival, forwarder termination, reactor error) combines its cause with
// whatever is already set, never overwrites.
type shutdownFlags struct {
	v atomic.Uint32
}

func (s *shutdownFlags) add(f ShutdownFlags) {
	for {
		old := s.v.Load()
		next := old | uint32(f)
		if next == old || s.v.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *shutdownFlags) load() ShutdownFlags {
	return ShutdownFlags(s.v.Load())
}
