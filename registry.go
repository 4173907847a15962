package statesync

import (
	"context"
	"errors"
	"fmt"
)

// SubscriberState is the lifecycle state of a subscriber record.
type SubscriberState uint8

const (
	// SubscriberActive subscribers receive broadcasts.
	SubscriberActive SubscriberState = iota + 1
	// SubscriberInactive subscribers are kept for in-flight messages but
	// never receive broadcasts again.
	SubscriberInactive
)

func (s SubscriberState) String() string {
	switch s {
	case SubscriberActive:
		return "active"
	case SubscriberInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Subscriber is the registry record for one replica connection.
type Subscriber struct {
	ConnID   string
	ClientID string
	OwnerID  string
	Shape    Shape
	State    SubscriberState
	conn     Conn
}

// Active reports whether the subscriber receives broadcasts.
func (s Subscriber) Active() bool {
	return s.State == SubscriberActive
}

// Registry tracks the replicas connected to a primary. Records are never
// removed, only deactivated.
type Registry struct {
	subscribers map[string]*Subscriber
	order       []string
	owners      map[string]string // owner id -> connection id
	cfg         *config
}

func newRegistry(cfg *config) *Registry {
	return &Registry{
		subscribers: make(map[string]*Subscriber),
		owners:      make(map[string]string),
		cfg:         cfg,
	}
}

// Register records conn with its interest shape.
//
// A connection that is already active is left untouched. Registering a new
// connection for an owner deactivates the owner's previous connection.
func (r *Registry) Register(ctx context.Context, conn Conn, shape Shape, clientID string) error {
	connID := conn.ID()
	if existing, ok := r.subscribers[connID]; ok && existing.Active() {
		r.cfg.logger.Debug("statesync: duplicate registration ignored", "conn", connID, "client", clientID)
		return nil
	}

	bound, err := shape.Bind(r.cfg.shapeFuncs)
	if err != nil {
		return fmt.Errorf("statesync: register %s: %w", clientID, err)
	}
	if err := bound.Validate(); err != nil {
		return fmt.Errorf("statesync: register %s: %w", clientID, err)
	}

	if _, known := r.subscribers[connID]; !known {
		r.order = append(r.order, connID)
	}
	ownerID := conn.OwnerID()
	r.subscribers[connID] = &Subscriber{
		ConnID:   connID,
		ClientID: clientID,
		OwnerID:  ownerID,
		Shape:    bound,
		State:    SubscriberActive,
		conn:     conn,
	}
	r.cfg.logger.Debug("statesync: subscriber registered", "conn", connID, "client", clientID, "filter", bound.String())

	if ownerID == "" {
		return nil
	}
	if previous, ok := r.owners[ownerID]; ok && previous != connID {
		r.deactivate(ctx, previous, "superseded")
	}
	r.owners[ownerID] = connID
	if r.cfg.lifecycle != nil {
		r.cfg.lifecycle.OnOwnerClosed(ownerID, func() {
			r.deactivate(context.Background(), connID, "owner closed")
		})
	}
	return nil
}

// Deactivate marks the connection inactive. Unknown connections are ignored.
func (r *Registry) Deactivate(connID string) {
	r.deactivate(context.Background(), connID, "teardown")
}

func (r *Registry) deactivate(ctx context.Context, connID, reason string) {
	sub, ok := r.subscribers[connID]
	if !ok || !sub.Active() {
		return
	}
	sub.State = SubscriberInactive
	r.cfg.logger.Debug("statesync: subscriber deactivated", "conn", connID, "client", sub.ClientID, "reason", reason)
	r.cfg.observer.OnSubscriberDeactivated(ctx, connID, reason)
}

// Subscriber returns a copy of the record for connID.
func (r *Registry) Subscriber(connID string) (Subscriber, bool) {
	sub, ok := r.subscribers[connID]
	if !ok {
		return Subscriber{}, false
	}
	return *sub, true
}

// Subscribers returns copies of all records in registration order.
func (r *Registry) Subscribers() []Subscriber {
	subs := make([]Subscriber, 0, len(r.order))
	for _, id := range r.order {
		subs = append(subs, *r.subscribers[id])
	}
	return subs
}

// ActiveCount returns the number of active subscribers.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, sub := range r.subscribers {
		if sub.Active() {
			n++
		}
	}
	return n
}

// Broadcast sends delta, projected through each subscriber's shape, to every
// active subscriber. Dead transports are deactivated and skipped. Projection
// failures are returned together once every subscriber has been visited.
func (r *Registry) Broadcast(ctx context.Context, delta Delta, action *Action, originClientID string) error {
	var errs []error
	for _, id := range r.order {
		sub := r.subscribers[id]
		if !sub.Active() {
			continue
		}
		if !sub.conn.Alive() {
			r.cfg.logger.Debug("statesync: dead transport", "conn", id, "client", sub.ClientID)
			r.deactivate(ctx, id, "transport dead")
			continue
		}

		projected, err := delta.Project(sub.Shape)
		if err != nil {
			errs = append(errs, fmt.Errorf("statesync: project delta for %s: %w", sub.ClientID, err))
			continue
		}
		msg, err := NewBroadcastMessage(action, projected, originClientID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		err = sub.conn.Send(ctx, msg)
		r.cfg.observer.OnBroadcast(ctx, sub.ClientID, err)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrConnClosed) {
			r.deactivate(ctx, id, "transport dead")
			continue
		}
		r.cfg.logger.Error("statesync: broadcast send failed", "conn", id, "client", sub.ClientID, "err", err)
	}
	return errors.Join(errs...)
}
