// Package pipeline describes the boundary between the subscription engines
// and the business handlers: the Pipeline used by persistent group
// subscribers, the Dispatcher used by competing subscribers, and Bus,
// an in-process implementation of both.
package pipeline

import (
	"context"
	"errors"

	"github.com/get-eventually/go-eventually-dispatch/envelope"
	"github.com/get-eventually/go-eventually-dispatch/message"
)

var (
	// ErrQueueFull is returned by a Dispatcher that cannot accept more messages.
	// Callers should back off and retry later.
	ErrQueueFull = errors.New("pipeline: queue is full")

	// ErrDisposed is returned by a pipeline that has been shut down.
	ErrDisposed = errors.New("pipeline: disposed")
)

// Context is a single delivery of a message to the Pipeline.
type Context struct {
	MessageID string
	Headers   message.Metadata
	Body      []byte

	// Attempts is the number of deliveries of the message that have failed so far.
	Attempts int
}

// ErrorContext describes a failed delivery.
type ErrorContext struct {
	Context

	Err error
}

// ErrorResult tells the caller what to do with a failed delivery.
type ErrorResult int

const (
	// Default asks the caller to retry the delivery.
	Default ErrorResult = iota

	// Handled means the failure has been dealt with, and the message
	// must not be delivered again.
	Handled
)

func (r ErrorResult) String() string {
	if r == Handled {
		return "Handled"
	}

	return "Default"
}

// Pipeline processes messages delivered by a persistent group subscriber.
type Pipeline interface {
	OnMessage(ctx context.Context, msg Context) error
	OnError(ctx context.Context, failure ErrorContext) (ErrorResult, error)
}

// Dispatcher hands decoded events to the business handlers.
//
// Implementations may process events asynchronously, and return ErrQueueFull
// to signal backpressure.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg message.Message, descriptor envelope.Descriptor) error
}

// DispatcherFunc is a functional implementation of the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, msg message.Message, descriptor envelope.Descriptor) error

// Dispatch implements the Dispatcher interface.
func (fn DispatcherFunc) Dispatch(ctx context.Context, msg message.Message, descriptor envelope.Descriptor) error {
	return fn(ctx, msg, descriptor)
}

// Readiness is implemented by the pipelines that need some time to start up.
// Ready returns a channel closed once the pipeline can accept messages.
type Readiness interface {
	Ready() <-chan struct{}
}
