package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jilio/statesync"
)

const (
	instrumentationName = "github.com/jilio/statesync"
)

// Observability implements statesync.Observability using OpenTelemetry
type Observability struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	dispatchCounter  metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	dispatchErrors   metric.Int64Counter
	broadcastCounter metric.Int64Counter
	broadcastErrors  metric.Int64Counter
	deactivated      metric.Int64Counter
	deltaApplied     metric.Int64Counter
	deltaSkipped     metric.Int64Counter
}

// Option configures the Observability
type Option func(*Observability)

// WithTracerProvider sets a custom tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *Observability) {
		o.tracer = provider.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets a custom meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Observability) {
		o.meter = provider.Meter(instrumentationName)
	}
}

// New creates a new OpenTelemetry observability implementation
func New(opts ...Option) (*Observability, error) {
	obs := &Observability{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	for _, opt := range opts {
		opt(obs)
	}

	var err error

	obs.dispatchCounter, err = obs.meter.Int64Counter(
		"statesync.dispatch.count",
		metric.WithDescription("Number of actions dispatched"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	obs.dispatchDuration, err = obs.meter.Float64Histogram(
		"statesync.dispatch.duration",
		metric.WithDescription("Dispatch duration including broadcast"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	obs.dispatchErrors, err = obs.meter.Int64Counter(
		"statesync.dispatch.errors",
		metric.WithDescription("Number of failed dispatches"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	obs.broadcastCounter, err = obs.meter.Int64Counter(
		"statesync.broadcast.count",
		metric.WithDescription("Number of deltas sent to subscribers"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	obs.broadcastErrors, err = obs.meter.Int64Counter(
		"statesync.broadcast.errors",
		metric.WithDescription("Number of failed subscriber sends"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	obs.deactivated, err = obs.meter.Int64Counter(
		"statesync.subscriber.deactivated",
		metric.WithDescription("Number of subscribers deactivated"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, err
	}

	obs.deltaApplied, err = obs.meter.Int64Counter(
		"statesync.delta.applied",
		metric.WithDescription("Number of broadcasts applied by replicas"),
		metric.WithUnit("{delta}"),
	)
	if err != nil {
		return nil, err
	}

	obs.deltaSkipped, err = obs.meter.Int64Counter(
		"statesync.delta.skipped",
		metric.WithDescription("Number of own-echo broadcasts skipped by replicas"),
		metric.WithUnit("{delta}"),
	)
	if err != nil {
		return nil, err
	}

	return obs, nil
}

type dispatchKey struct{}

// dispatchInfo carries the dispatch attributes from start to completion.
type dispatchInfo struct {
	attrs []attribute.KeyValue
}

func dispatchAttrs(ctx context.Context) []attribute.KeyValue {
	if info, ok := ctx.Value(dispatchKey{}).(*dispatchInfo); ok {
		return info.attrs
	}
	return nil
}

// OnDispatchStart is called when an action starts dispatching
func (o *Observability) OnDispatchStart(ctx context.Context, side statesync.Side, actionType string) context.Context {
	attrs := []attribute.KeyValue{
		attribute.String("statesync.side", string(side)),
		attribute.String("action.type", actionType),
	}

	ctx, _ = o.tracer.Start(ctx, "statesync.dispatch: "+actionType,
		trace.WithAttributes(attrs...),
	)
	ctx = context.WithValue(ctx, dispatchKey{}, &dispatchInfo{attrs: attrs})

	o.dispatchCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx
}

// OnDispatchComplete is called when a dispatch and its broadcast are done
func (o *Observability) OnDispatchComplete(ctx context.Context, duration time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	attrs := dispatchAttrs(ctx)

	durationMs := float64(duration.Milliseconds())
	o.dispatchDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		o.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// OnBroadcast is called for every delta sent to a subscriber
func (o *Observability) OnBroadcast(ctx context.Context, clientID string, err error) {
	attrs := []attribute.KeyValue{attribute.String("client.id", clientID)}
	span := trace.SpanFromContext(ctx)

	o.broadcastCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		span.AddEvent("statesync.broadcast.failed", trace.WithAttributes(
			append(attrs, attribute.String("error", err.Error()))...,
		))
		o.broadcastErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	span.AddEvent("statesync.broadcast", trace.WithAttributes(attrs...))
}

// OnSubscriberDeactivated is called when a subscriber stops receiving broadcasts
func (o *Observability) OnSubscriberDeactivated(ctx context.Context, connID string, reason string) {
	trace.SpanFromContext(ctx).AddEvent("statesync.subscriber.deactivated", trace.WithAttributes(
		attribute.String("conn.id", connID),
		attribute.String("reason", reason),
	))
	o.deactivated.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// OnDeltaApplied is called when a replica handles a primary broadcast
func (o *Observability) OnDeltaApplied(ctx context.Context, sourceClientID string, skipped bool) {
	attrs := metric.WithAttributes(attribute.String("source.client.id", sourceClientID))
	if skipped {
		o.deltaSkipped.Add(ctx, 1, attrs)
		return
	}
	o.deltaApplied.Add(ctx, 1, attrs)
}

// Ensure Observability implements statesync.Observability
var _ statesync.Observability = (*Observability)(nil)
