//go:build darwin

package reactor

import (
	"context"
	"fmt"
	"os/signal"

	"golang.org/x/sys/unix"
)

const userEventIdent = 1

// kqueueReactor implements Reactor over a real kqueue(2) instance,
// mirroring setup_kq/trigger_shutdown/wait_for_termination in the
// original. SIGTERM and SIGINT are blocked at the process level (so they
// are never delivered asynchronously) and observed solely via
// EVFILT_SIGNAL; the shutdown event is EVFILT_USER with
// NOTE_TRIGGER|NOTE_FFOR carrying the cause in fflags.
type kqueueReactor struct {
	kq int
}

// New constructs and arms a kqueue-backed Reactor. SIGTERM/SIGINT are
// blocked process-wide (so only this reactor observes them) and SIGPIPE is
// globally ignored, per spec.md §4.5.
func New() (Reactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("reactor: kqueue: %w", err)
	}

	// Block SIGTERM/SIGINT at the process level before registering them
	// with kqueue, so the runtime never delivers them as asynchronous
	// signals; only this reactor ever observes them, via EVFILT_SIGNAL.
	// Go's signal.Ignore on SIGPIPE leaves EPIPE to be handled inline on
	// the socket, matching the original's "globally ignored".
	signal.Ignore(unix.SIGPIPE)
	var set unix.Sigset_t
	unix.SigsetAdd(&set, unix.SIGTERM)
	unix.SigsetAdd(&set, unix.SIGINT)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("reactor: block signals: %w", err)
	}

	changes := []unix.Kevent_t{
		{Ident: uint64(unix.SIGTERM), Filter: unix.EVFILT_SIGNAL, Flags: unix.EV_ADD},
		{Ident: uint64(unix.SIGINT), Filter: unix.EVFILT_SIGNAL, Flags: unix.EV_ADD},
		{Ident: userEventIdent, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR},
	}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("reactor: register kevents: %w", err)
	}

	return &kqueueReactor{kq: kq}, nil
}

func (r *kqueueReactor) Trigger(flags uint32) {
	// NOTE_FFNOP would discard the low fflags bits entirely (EVFILT_USER
	// ignores the input fflags under NOTE_FFNOP); NOTE_FFOR ORs them into
	// the knote instead, so the shutdown cause actually survives to Wait.
	ev := []unix.Kevent_t{{
		Ident:  userEventIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER | unix.NOTE_FFOR | (flags & unix.NOTE_FFLAGSMASK),
	}}
	unix.Kevent(r.kq, ev, nil, nil)
}

func (r *kqueueReactor) Wait(ctx context.Context) (Event, error) {
	events := make([]unix.Kevent_t, 4)
	// A short timeout lets Wait notice ctx cancellation without a second,
	// OS-specific wakeup mechanism; kqueue itself has no portable way to
	// be interrupted by a Go context.
	timeout := unix.NsecToTimespec(int64(200 * 1e6))

	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		n, err := unix.Kevent(r.kq, nil, events, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Event{}, fmt.Errorf("reactor: kevent wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			switch ev.Filter {
			case unix.EVFILT_SIGNAL:
				return Event{Cause: CauseSignal, Signal: signalName(int(ev.Ident))}, nil
			case unix.EVFILT_USER:
				return Event{Cause: CauseShutdownEvent, Flags: ev.Fflags & unix.NOTE_FFLAGSMASK}, nil
			}
		}
	}
}

func (r *kqueueReactor) Close() error {
	return unix.Close(r.kq)
}

func signalName(sig int) string {
	switch sig {
	case int(unix.SIGTERM):
		return "SIGTERM"
	case int(unix.SIGINT):
		return "SIGINT"
	default:
		return fmt.Sprintf("signal %d", sig)
	}
}
