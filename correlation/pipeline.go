package correlation

import (
	"context"

	"github.com/get-eventually/go-eventually-dispatch/envelope"
	"github.com/get-eventually/go-eventually-dispatch/message"
	"github.com/get-eventually/go-eventually-dispatch/pipeline"
)

var (
	_ pipeline.Handler    = HandlerWrapper{}
	_ pipeline.Dispatcher = DispatcherWrapper{}
)

// HandlerWrapper adds the Correlation and Causation ids to the context
// of the wrapped pipeline.Handler, if found in the message headers.
type HandlerWrapper struct {
	pipeline.Handler
}

// Handle implements the pipeline.Handler interface.
func (hw HandlerWrapper) Handle(ctx context.Context, msg message.GenericEnvelope) error {
	if id, ok := msg.Metadata.Get(CorrelationIDKey); ok && id != "" {
		ctx = WithCorrelationID(ctx, id)
	}

	// Actions taken by the handler are caused by the delivered event.
	if id, ok := msg.Metadata.Get(envelope.EventIDHeader); ok && id != "" {
		ctx = WithCausationID(ctx, id)
	}

	return hw.Handler.Handle(ctx, msg)
}

// DispatcherWrapper adds the Correlation id found in the envelope headers
// to the context of the wrapped pipeline.Dispatcher.
type DispatcherWrapper struct {
	pipeline.Dispatcher
}

// Dispatch implements the pipeline.Dispatcher interface.
func (dw DispatcherWrapper) Dispatch(ctx context.Context, msg message.Message, descriptor envelope.Descriptor) error {
	if id, ok := descriptor.Headers.Get(CorrelationIDKey); ok && id != "" {
		ctx = WithCorrelationID(ctx, id)
	}

	return dw.Dispatcher.Dispatch(ctx, msg, descriptor)
}
