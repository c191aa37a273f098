// Package cleanup provides a single scoped-release abstraction so the
// daemon's two exit-time cleanups — socket path removal and lockfile
// release — run on every exit path, including fatal startup errors,
// instead of being duplicated at each return site. Grounded on the
// repeated defer-based cleanup already used throughout the teacher
// codebase's aegisd/main.go (defer reg.Close(), defer os.Remove(pidPath)),
// generalized into one registry.
package cleanup

import "sync"

// Scoped is an ordered list of cleanup functions. Add appends; Run invokes
// every registered function exactly once, in last-added-first-run order
// (mirroring defer), and is itself idempotent.
type Scoped struct {
	mu  sync.Mutex
	fns []func()
	ran bool
}

// Add registers fn to run when Run is called. Safe to call from any
// goroutine.
func (s *Scoped) Add(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// Run invokes every registered cleanup in reverse registration order.
// Calling Run more than once is a no-op after the first call.
func (s *Scoped) Run() {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return
	}
	s.ran = true
	fns := s.fns
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
