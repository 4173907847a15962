package statesync

import (
	"context"
	"fmt"
	"time"
)

// Primary owns the authoritative state and broadcasts every change to the
// registered replicas.
//
// A Primary is confined to one goroutine: Dispatch, HandleMessage and the
// lifecycle callbacks must all run on the loop that owns it.
type Primary struct {
	cfg      *config
	store    Store
	guard    guard
	sched    *scheduler
	registry *Registry
	source   string

	// origin is the client id of the replica whose forwarded action is being
	// dispatched, empty otherwise.
	origin string
}

// NewPrimary wraps store so that its changes reach every replica.
func NewPrimary(store Store, opts ...Option) *Primary {
	cfg := newConfig(opts)
	p := &Primary{
		cfg:      cfg,
		store:    store,
		registry: newRegistry(cfg),
		source:   cfg.sourceName,
	}
	if p.source == "" {
		p.source = DefaultPrimarySource
	}
	p.sched = newScheduler(&p.guard, cfg.logger)
	p.sched.panicHandler = cfg.panicHandler
	return p
}

// Store returns the wrapped store.
func (p *Primary) Store() Store { return p.store }

// State returns the current authoritative state.
func (p *Primary) State() Tree { return p.store.State() }

// Registry returns the subscriber registry.
func (p *Primary) Registry() *Registry { return p.registry }

// SourceName returns the source stamped on locally dispatched actions.
func (p *Primary) SourceName() string { return p.source }

// Dispatching reports whether a dispatch is in progress.
func (p *Primary) Dispatching() bool { return p.guard.Dispatching() }

// Subscribe registers a listener notified after each dispatch and its
// broadcast complete. It returns a function removing the listener.
func (p *Primary) Subscribe(listener Listener, opts ...ListenerOption) func() {
	return p.sched.subscribe(listener, opts...)
}

// SerializedState returns the full current state as JSON, for replica
// bootstrap.
func (p *Primary) SerializedState() (string, error) {
	return marshalState(p.store.State())
}

// Deactivate tears down a subscriber connection.
func (p *Primary) Deactivate(connID string) {
	p.registry.Deactivate(connID)
}

// Dispatch is DispatchContext with a background context.
func (p *Primary) Dispatch(action *Action) (*Action, error) {
	return p.DispatchContext(context.Background(), action)
}

// DispatchContext runs action through the store and broadcasts the resulting
// delta. A nil action goes straight to the store.
func (p *Primary) DispatchContext(ctx context.Context, action *Action) (*Action, error) {
	if action == nil {
		err := p.store.Dispatch(nil)
		p.origin = ""
		p.sched.flush()
		return nil, err
	}
	if action.Source == "" {
		action.Source = p.source
	}

	ctx = p.cfg.observer.OnDispatchStart(ctx, SidePrimary, action.Type)
	start := time.Now()

	applied, err := p.dispatch(ctx, action)
	p.origin = ""
	p.cfg.observer.OnDispatchComplete(ctx, time.Since(start), err)
	if applied {
		p.sched.flush()
	}
	return action, err
}

// dispatch reports whether the store accepted the action, so listeners are
// still notified when only the broadcast failed.
func (p *Primary) dispatch(ctx context.Context, action *Action) (bool, error) {
	before := p.store.State()
	if err := runHooked(&p.guard, p.cfg, p.store, action); err != nil {
		return false, err
	}
	after := p.store.State()

	delta := Diff(before, after)
	origin := p.origin
	if origin == "" {
		origin = p.source
	}
	return true, p.registry.Broadcast(ctx, delta, action, origin)
}

// HandleMessage processes a message received from a replica on conn.
func (p *Primary) HandleMessage(ctx context.Context, conn Conn, msg *Message) error {
	switch msg.Kind {
	case KindRegister:
		var shape Shape
		if msg.Filter != nil {
			shape = *msg.Filter
		}
		return p.registry.Register(ctx, conn, shape, msg.ClientID)

	case KindReplicaDispatch:
		action, err := DecodeAction(msg.Action)
		if err != nil {
			return err
		}
		p.origin = msg.ClientID
		_, err = p.DispatchContext(ctx, action)
		return err

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Kind)
	}
}
