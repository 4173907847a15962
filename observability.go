package statesync

import (
	"context"
	"time"
)

// Side identifies which end of the protocol produced an observation.
type Side string

const (
	SidePrimary Side = "primary"
	SideReplica Side = "replica"
)

// Observability receives lifecycle callbacks from Primary and Replica.
// See the otel package for an OpenTelemetry implementation.
type Observability interface {
	// OnDispatchStart is called before every non-nil dispatch runs.
	OnDispatchStart(ctx context.Context, side Side, actionType string) context.Context
	// OnDispatchComplete is called once the dispatch (and broadcast) is done.
	OnDispatchComplete(ctx context.Context, duration time.Duration, err error)
	// OnBroadcast is called for every send attempted to a subscriber.
	OnBroadcast(ctx context.Context, clientID string, err error)
	// OnSubscriberDeactivated is called when a subscriber becomes inactive.
	OnSubscriberDeactivated(ctx context.Context, connID string, reason string)
	// OnDeltaApplied is called when a replica handles a primary broadcast.
	// skipped is true for echoes of the replica's own optimistic dispatch.
	OnDeltaApplied(ctx context.Context, sourceClientID string, skipped bool)
}

// nopObservability discards every observation.
type nopObservability struct{}

func (nopObservability) OnDispatchStart(ctx context.Context, _ Side, _ string) context.Context {
	return ctx
}
func (nopObservability) OnDispatchComplete(context.Context, time.Duration, error) {}
func (nopObservability) OnBroadcast(context.Context, string, error) {}
func (nopObservability) OnSubscriberDeactivated(context.Context, string, string) {}
func (nopObservability) OnDeltaApplied(context.Context, string, bool) {}
