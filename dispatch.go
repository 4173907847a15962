package statesync

import "fmt"

// DispatchHook runs before or after the underlying dispatch.
// A returned error aborts the dispatch and is passed to the caller.
type DispatchHook func(action *Action) error

// guard marks an in-progress dispatch. It nests, so a dispatch started from a
// hook restores the outer marker when it returns.
type guard struct {
	depth int
}

// Dispatching reports whether a dispatch is in progress.
func (g *guard) Dispatching() bool {
	return g.depth > 0
}

// run executes fn with the marker held, releasing it on every exit path
// including panics.
func (g *guard) run(fn func() error) error {
	g.depth++
	defer func() { g.depth-- }()
	return fn()
}

// runHooked runs pre-hook, store dispatch and post-hook with the guard held.
func runHooked(g *guard, cfg *config, store Store, action *Action) error {
	return g.run(func() error {
		if cfg.preDispatch != nil {
			if err := cfg.preDispatch(action); err != nil {
				return fmt.Errorf("statesync: pre-dispatch: %w", err)
			}
		}
		if err := store.Dispatch(action); err != nil {
			return err
		}
		if cfg.postDispatch != nil {
			if err := cfg.postDispatch(action); err != nil {
				return fmt.Errorf("statesync: post-dispatch: %w", err)
			}
		}
		return nil
	})
}
