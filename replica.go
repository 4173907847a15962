package statesync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Replica holds a locally synchronized, possibly filtered, copy of the
// primary's state.
//
// Like Primary, a Replica is confined to one goroutine.
type Replica struct {
	cfg      *config
	upstream Upstream
	reducer  Reducer
	store    Store
	guard    guard
	sched    *scheduler
	clientID string
	source   string

	// applyDelta switches the next reducer invocation to delta application.
	applyDelta bool
}

// NewReplica bootstraps a replica from the primary reachable through
// upstream and registers its filter with it.
//
// The primary's state is projected through the filter when unfiltered state
// is excluded, passed through the state transformer and merged over initial.
// A nil initial is obtained from the reducer with a nil state and an empty
// action. Bootstrap fails with ErrPrimaryUnreachable when no primary state
// is available; it is not retried.
func NewReplica(ctx context.Context, reducer Reducer, initial Tree, upstream Upstream, opts ...Option) (*Replica, error) {
	if reducer == nil {
		return nil, errors.New("statesync: replica reducer is required")
	}
	cfg := newConfig(opts)
	if err := cfg.filter.Validate(); err != nil {
		return nil, fmt.Errorf("statesync: replica filter: %w", err)
	}
	// Named shapes known locally are bound so the filter can also be applied
	// here. The rest are resolved by the primary.
	if bound, err := cfg.filter.Bind(cfg.shapeFuncs); err == nil {
		cfg.filter = bound
	}

	clientID := upstream.ClientID()
	if clientID == "" {
		return nil, errors.New("statesync: replica client id is required")
	}

	r := &Replica{
		cfg:      cfg,
		upstream: upstream,
		reducer:  reducer,
		clientID: clientID,
		source:   cfg.sourceName,
	}
	if r.source == "" {
		r.source = clientID
	}
	r.sched = newScheduler(&r.guard, cfg.logger)
	r.sched.panicHandler = cfg.panicHandler

	preload, err := r.fetchPreload(ctx)
	if err != nil {
		return nil, err
	}
	if initial == nil {
		initial, err = reducer(nil, &Action{})
		if err != nil {
			return nil, fmt.Errorf("statesync: initial state: %w", err)
		}
	}
	r.store = cfg.storeCreator(r.reduce, Merge(initial, preload))

	if err := upstream.Send(ctx, NewRegisterMessage(clientID, cfg.filter)); err != nil {
		return nil, fmt.Errorf("statesync: register with primary: %w", err)
	}
	cfg.logger.Debug("statesync: replica registered", "client", clientID, "synchronous", cfg.synchronous)
	return r, nil
}

func (r *Replica) fetchPreload(ctx context.Context) (Tree, error) {
	raw, err := r.upstream.FetchState(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrimaryUnreachable, err)
	}
	if raw == "" {
		return nil, ErrPrimaryUnreachable
	}
	state, err := UnmarshalState(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrimaryUnreachable, err)
	}
	if state == nil {
		return nil, ErrPrimaryUnreachable
	}

	if r.cfg.excludeUnfiltered {
		state, err = ProjectTree(state, r.cfg.filter)
		if err != nil {
			return nil, err
		}
	}
	return r.cfg.transform(state), nil
}

// reduce wraps the user reducer. In delta-apply mode it applies the
// broadcast delta instead, for exactly one invocation.
func (r *Replica) reduce(state Tree, action *Action) (Tree, error) {
	if r.applyDelta {
		r.applyDelta = false
		var delta Delta
		if action != nil && action.Data != nil {
			delta = *action.Data
		}
		delta.Deleted = r.cfg.transform(delta.Deleted)
		delta.Updated = r.cfg.transform(delta.Updated)
		return ApplyDelta(state, delta)
	}

	reduced, err := r.reducer(state, action)
	if err != nil {
		return nil, err
	}
	if r.cfg.excludeUnfiltered {
		return ProjectTree(reduced, r.cfg.filter)
	}
	return reduced, nil
}

// ClientID returns the replica's identity as seen by the primary.
func (r *Replica) ClientID() string { return r.clientID }

// State returns the local state.
func (r *Replica) State() Tree { return r.store.State() }

// Store returns the store built around the replica reducer.
func (r *Replica) Store() Store { return r.store }

// Synchronous reports whether local actions are applied optimistically.
func (r *Replica) Synchronous() bool { return r.cfg.synchronous }

// Dispatching reports whether a dispatch is in progress.
func (r *Replica) Dispatching() bool { return r.guard.Dispatching() }

// Subscribe registers a listener notified after each dispatch or applied
// broadcast. It returns a function removing the listener.
func (r *Replica) Subscribe(listener Listener, opts ...ListenerOption) func() {
	return r.sched.subscribe(listener, opts...)
}

// Dispatch is DispatchContext with a background context.
func (r *Replica) Dispatch(action *Action) (*Action, error) {
	return r.DispatchContext(context.Background(), action)
}

// DispatchContext stamps action with the replica's source, applies it
// locally when synchronous, and forwards it to the primary.
func (r *Replica) DispatchContext(ctx context.Context, action *Action) (*Action, error) {
	if action == nil {
		err := r.store.Dispatch(nil)
		r.sched.flush()
		return nil, err
	}
	action.Source = r.source

	ctx = r.cfg.observer.OnDispatchStart(ctx, SideReplica, action.Type)
	start := time.Now()

	if r.cfg.synchronous {
		if err := runHooked(&r.guard, r.cfg, r.store, action); err != nil {
			r.cfg.observer.OnDispatchComplete(ctx, time.Since(start), err)
			return action, err
		}
	}

	err := r.forward(ctx, action)
	r.cfg.observer.OnDispatchComplete(ctx, time.Since(start), err)
	r.sched.flush()
	return action, err
}

func (r *Replica) forward(ctx context.Context, action *Action) error {
	msg, err := NewReplicaDispatchMessage(action, r.clientID)
	if err != nil {
		return err
	}
	if err := r.upstream.Send(ctx, msg); err != nil {
		return fmt.Errorf("statesync: forward %q: %w", action.Type, err)
	}
	return nil
}

// HandleMessage applies a primary broadcast. Echoes of the replica's own
// actions are skipped in synchronous mode, since they were already applied.
func (r *Replica) HandleMessage(ctx context.Context, msg *Message) error {
	if msg.Kind != KindPrimaryBroadcast {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Kind)
	}
	if r.cfg.synchronous && msg.SourceClientID == r.clientID {
		r.cfg.logger.Debug("statesync: skipping own echo", "client", r.clientID)
		r.cfg.observer.OnDeltaApplied(ctx, msg.SourceClientID, true)
		return nil
	}

	action, err := DecodeAction(msg.Action)
	if err != nil {
		return err
	}

	r.applyDelta = true
	err = runHooked(&r.guard, r.cfg, r.store, action)
	r.applyDelta = false
	if err != nil {
		return fmt.Errorf("statesync: apply broadcast from %s: %w", msg.SourceClientID, err)
	}
	r.cfg.observer.OnDeltaApplied(ctx, msg.SourceClientID, false)
	r.sched.flush()
	return nil
}
