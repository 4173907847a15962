package statesync

import "sync/atomic"

// Listener is notified after a dispatch has fully completed.
type Listener func()

// ListenerOption configures a subscription.
type ListenerOption func(*listener)

// PanicHandler is called when a listener panics.
type PanicHandler func(panicValue any)

// listener wraps a callback with metadata
type listener struct {
	fn       Listener
	once     bool
	executed int32
	removed  bool
}

// Once configures the listener to be called only once.
func Once() ListenerOption {
	return func(l *listener) {
		l.once = true
	}
}

// scheduler defers listener notification until no dispatch is in progress.
// A flush requested while notifying (a listener dispatched) is queued behind
// the current pass instead of nesting inside it.
type scheduler struct {
	guard        *guard
	listeners    []*listener
	flushing     bool
	pending      bool
	panicHandler PanicHandler
	logger       Logger
}

func newScheduler(g *guard, logger Logger) *scheduler {
	return &scheduler{guard: g, logger: logger}
}

// subscribe registers fn and returns a function removing it.
func (s *scheduler) subscribe(fn Listener, opts ...ListenerOption) func() {
	l := &listener{fn: fn}
	for _, opt := range opts {
		opt(l)
	}
	s.listeners = append(s.listeners, l)
	return func() { s.remove(l) }
}

func (s *scheduler) remove(target *listener) {
	target.removed = true
	kept := s.listeners[:0]
	for _, l := range s.listeners {
		if l != target {
			kept = append(kept, l)
		}
	}
	for i := len(kept); i < len(s.listeners); i++ {
		s.listeners[i] = nil
	}
	s.listeners = kept
}

// flush notifies every listener once, unless a dispatch is still running, in
// which case the outermost dispatch flushes when it completes.
func (s *scheduler) flush() {
	if s.guard.Dispatching() {
		return
	}
	if s.flushing {
		s.pending = true
		return
	}
	s.flushing = true
	defer func() { s.flushing = false }()

	for {
		s.pending = false

		// Copy listeners to allow subscribe/unsubscribe from a listener
		snapshot := make([]*listener, len(s.listeners))
		copy(snapshot, s.listeners)

		for _, l := range snapshot {
			if l.removed {
				continue
			}
			if l.once {
				if !atomic.CompareAndSwapInt32(&l.executed, 0, 1) {
					continue
				}
				s.remove(l)
			}
			s.call(l)
		}

		if !s.pending {
			return
		}
	}
}

// call executes a listener, recovering panics into the panic handler
func (s *scheduler) call(l *listener) {
	defer func() {
		if r := recover(); r != nil {
			if s.panicHandler != nil {
				s.panicHandler(r)
				return
			}
			s.logger.Error("statesync: listener panicked", "panic", r)
		}
	}()
	l.fn()
}

// count returns the number of registered listeners.
func (s *scheduler) count() int {
	return len(s.listeners)
}
