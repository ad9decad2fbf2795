package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-eventually/go-eventually-dispatch/event"
)

// Attribute keys used by the subscription engines instrumentation.
const (
	EndpointKey       attribute.Key = "subscription.endpoint"
	EventStreamIDKey  attribute.Key = "event.stream_id"
	EventTypeKey      attribute.Key = "event.type"
	EventPositionKey  attribute.Key = "event.position"
	DispatchResultKey attribute.Key = "dispatch.result"
	AttemptsKey       attribute.Key = "dispatch.attempts"
)

// Instruments holds the metrics and the tracer used by the subscription engines.
//
// A nil *Instruments is valid and records nothing.
type Instruments struct {
	tracer     trace.Tracer
	attributes []attribute.KeyValue

	queueFull        metric.Int64Counter
	dispatched       metric.Int64Counter
	retries          metric.Int64Counter
	acknowledged     metric.Int64Counter
	abandoned        metric.Int64Counter
	poisoned         metric.Int64Counter
	dispatchDuration metric.Int64Histogram
}

// NewInstruments registers the subscription engines metrics.
//
// An error is returned if metrics could not be registered.
func NewInstruments(options ...Option) (*Instruments, error) {
	cfg := newConfig(options...)
	meter := cfg.meterProvider.Meter(instrumentationName)

	i := &Instruments{
		tracer:     cfg.tracerProvider.Tracer(instrumentationName),
		attributes: cfg.attributes,
	}

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&i.queueFull, "eventually.subscription.queue_full", "Number of times the dispatcher rejected an event due to backpressure."},
		{&i.dispatched, "eventually.subscription.dispatched", "Number of events dispatched to the handlers."},
		{&i.retries, "eventually.subscription.retries", "Number of failed deliveries that have been retried."},
		{&i.acknowledged, "eventually.subscription.acknowledged", "Number of events acknowledged to the Event Log."},
		{&i.abandoned, "eventually.subscription.abandoned", "Number of events abandoned without acknowledgement."},
		{&i.poisoned, "eventually.subscription.poisoned", "Number of undecodable events reported as poison."},
	}

	var err error

	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.description)); err != nil {
			return nil, fmt.Errorf("opentelemetry.NewInstruments: failed to register metric '%s': %w", c.name, err)
		}
	}

	if i.dispatchDuration, err = meter.Int64Histogram(
		"eventually.subscription.dispatch.duration.milliseconds",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of event dispatches, retries included."),
	); err != nil {
		return nil, fmt.Errorf("opentelemetry.NewInstruments: failed to register metric: %w", err)
	}

	return i, nil
}

// StartDispatch starts tracing the dispatch of an event. The returned function
// must be called with the dispatch outcome once it completes.
func (i *Instruments) StartDispatch(
	ctx context.Context,
	endpoint string,
	e event.Resolved,
) (context.Context, func(err error)) {
	if i == nil {
		return ctx, func(error) {}
	}

	attributes := append(i.with(),
		EndpointKey.String(endpoint),
		EventStreamIDKey.String(e.Event.StreamID),
		EventTypeKey.String(e.Event.Type),
		EventPositionKey.Int64(int64(e.OriginalPosition())), //nolint:gosec // Positions fit in int64.
	)

	ctx, span := i.tracer.Start(ctx, "subscription.Dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attributes...),
	)

	start := time.Now()

	return ctx, func(err error) {
		result := "success"

		if err != nil {
			result = "error"

			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		attributes := metric.WithAttributes(i.with(EndpointKey.String(endpoint), DispatchResultKey.String(result))...)

		i.dispatched.Add(ctx, 1, attributes)
		i.dispatchDuration.Record(ctx, time.Since(start).Milliseconds(), attributes)
		span.End()
	}
}

// QueueFull records a backpressure signal from the dispatcher.
func (i *Instruments) QueueFull(ctx context.Context, endpoint string) {
	if i != nil {
		i.queueFull.Add(ctx, 1, metric.WithAttributes(i.with(EndpointKey.String(endpoint))...))
	}
}

// Retried records a failed delivery that is going to be retried.
func (i *Instruments) Retried(ctx context.Context, endpoint string, attempts int) {
	if i != nil {
		i.retries.Add(ctx, 1, metric.WithAttributes(i.with(EndpointKey.String(endpoint), AttemptsKey.Int(attempts))...))
	}
}

// Acknowledged records an event acknowledged to the Event Log.
func (i *Instruments) Acknowledged(ctx context.Context, endpoint string) {
	if i != nil {
		i.acknowledged.Add(ctx, 1, metric.WithAttributes(i.with(EndpointKey.String(endpoint))...))
	}
}

// Abandoned records an event left unacknowledged.
func (i *Instruments) Abandoned(ctx context.Context, endpoint string) {
	if i != nil {
		i.abandoned.Add(ctx, 1, metric.WithAttributes(i.with(EndpointKey.String(endpoint))...))
	}
}

// Poisoned records an undecodable event.
func (i *Instruments) Poisoned(ctx context.Context, endpoint string) {
	if i != nil {
		i.poisoned.Add(ctx, 1, metric.WithAttributes(i.with(EndpointKey.String(endpoint))...))
	}
}

// with returns the attributes of the Instruments followed by kvs.
func (i *Instruments) with(kvs ...attribute.KeyValue) []attribute.KeyValue {
	attributes := make([]attribute.KeyValue, 0, len(i.attributes)+len(kvs))
	attributes = append(attributes, i.attributes...)

	return append(attributes, kvs...)
}
