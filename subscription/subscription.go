package subscription

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/get-eventually/go-eventually-dispatch/logger"
	"github.com/get-eventually/go-eventually-dispatch/opentelemetry"
)

var (
	// ErrMissingDiscovery is returned when an Event Log connection has no
	// cluster seeds configured.
	ErrMissingDiscovery = errors.New("subscription: event log connection has no discovery seeds")

	// ErrEndpointVersion is returned when the projection of an endpoint exists
	// with a different definition: the set of handled event types has changed,
	// and the endpoint version must be bumped.
	ErrEndpointVersion = errors.New("subscription: projection definition changed, endpoint version must be bumped")

	// ErrNotReady is returned when the pipeline does not become ready in time.
	ErrNotReady = errors.New("subscription: pipeline not ready")

	// ErrClosed is returned when using a subscriber that has been closed.
	ErrClosed = errors.New("subscription: closed")
)

type options struct {
	logger      logger.Logger
	instruments *opentelemetry.Instruments
}

// Option customizes a subscriber.
type Option func(*options)

// WithLogger sets the Logger used by the subscriber.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInstruments sets the metrics and tracer used by the subscriber.
func WithInstruments(instruments *opentelemetry.Instruments) Option {
	return func(o *options) { o.instruments = instruments }
}

func newOptions(opts ...Option) options {
	var o options

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

var _ backoff.BackOff = new(linearBackOff)

// linearBackOff waits step, 2 x step, 3 x step, and so on.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
