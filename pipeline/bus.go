package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/get-eventually/go-eventually-dispatch/envelope"
	"github.com/get-eventually/go-eventually-dispatch/logger"
	"github.com/get-eventually/go-eventually-dispatch/message"
)

// Default values used by a Bus.
const (
	DefaultQueueSize           = 1024
	DefaultWorkers             = 4
	DefaultMaxImmediateRetries = 5
)

var (
	_ Pipeline   = new(Bus)
	_ Dispatcher = new(Bus)
	_ Readiness  = new(Bus)
)

// Handler handles a message routed by the Bus.
type Handler interface {
	Handle(ctx context.Context, msg message.GenericEnvelope) error
}

// HandlerFunc is a functional implementation of the Handler interface.
type HandlerFunc func(ctx context.Context, msg message.GenericEnvelope) error

// Handle implements the Handler interface.
func (fn HandlerFunc) Handle(ctx context.Context, msg message.GenericEnvelope) error { return fn(ctx, msg) }

// PoisonQueue receives the deliveries that failed too many times.
type PoisonQueue interface {
	Put(ctx context.Context, failure ErrorContext) error
}

// PoisonQueueFunc is a functional implementation of the PoisonQueue interface.
type PoisonQueueFunc func(ctx context.Context, failure ErrorContext) error

// Put implements the PoisonQueue interface.
func (fn PoisonQueueFunc) Put(ctx context.Context, failure ErrorContext) error { return fn(ctx, failure) }

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithQueueSize sets how many dispatched messages can wait for a worker.
func WithQueueSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithWorkers sets how many goroutines process the dispatched messages.
func WithWorkers(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithMaxImmediateRetries sets how many failed deliveries a message can have
// before being moved to the PoisonQueue.
func WithMaxImmediateRetries(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.maxImmediateRetries = n
		}
	}
}

// WithPoisonQueue sets the PoisonQueue for messages that keep failing.
func WithPoisonQueue(queue PoisonQueue) BusOption {
	return func(b *Bus) { b.poison = queue }
}

// WithLogger sets the Logger used by the Bus.
func WithLogger(l logger.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

type dispatched struct {
	msg        message.Message
	descriptor envelope.Descriptor
}

// Bus is an in-process message bus routing messages to the Handlers
// registered for their type, or for any type of their hierarchy.
//
// Messages received through Dispatch are queued and processed asynchronously
// by a pool of workers, while OnMessage processes them synchronously.
type Bus struct {
	registry *envelope.Registry
	logger   logger.Logger
	poison   PoisonQueue

	queueSize           int
	workers             int
	maxImmediateRetries int

	handlersMx sync.RWMutex
	handlers   map[string][]Handler

	mx       sync.RWMutex
	queue    chan dispatched
	started  bool
	disposed bool
	ready    chan struct{}
	wg       sync.WaitGroup
}

// NewBus returns a new Bus decoding message bodies with the Registry.
func NewBus(registry *envelope.Registry, opts ...BusOption) *Bus {
	b := &Bus{
		registry:            registry,
		queueSize:           DefaultQueueSize,
		workers:             DefaultWorkers,
		maxImmediateRetries: DefaultMaxImmediateRetries,
		handlers:            make(map[string][]Handler),
		ready:               make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.queue = make(chan dispatched, b.queueSize)

	return b
}

// Handle registers a Handler for a message type.
func (b *Bus) Handle(messageType string, handler Handler) {
	b.handlersMx.Lock()
	defer b.handlersMx.Unlock()

	b.handlers[messageType] = append(b.handlers[messageType], handler)
}

// Start starts the workers processing dispatched messages, and makes the Bus ready.
// The workers stop when the context is canceled or the Bus is closed.
func (b *Bus) Start(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.disposed {
		return fmt.Errorf("pipeline.Bus: failed to start, %w", ErrDisposed)
	}

	if b.started {
		return nil
	}

	b.started = true

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)

		go b.work(ctx)
	}

	close(b.ready)
	logger.Info(b.logger, "bus started", logger.With("workers", b.workers))

	return nil
}

// Ready implements the Readiness interface.
func (b *Bus) Ready() <-chan struct{} { return b.ready }

// Close stops accepting messages and waits for the queued ones to be processed.
func (b *Bus) Close() error {
	b.mx.Lock()

	if b.disposed {
		b.mx.Unlock()
		return nil
	}

	b.disposed = true
	close(b.queue)
	b.mx.Unlock()

	b.wg.Wait()

	return nil
}

// Dispatch implements the Dispatcher interface.
//
// The message is queued for the workers: ErrQueueFull is returned
// if the queue has no room left.
func (b *Bus) Dispatch(_ context.Context, msg message.Message, descriptor envelope.Descriptor) error {
	b.mx.RLock()
	defer b.mx.RUnlock()

	if b.disposed {
		return fmt.Errorf("pipeline.Bus: failed to dispatch message, %w", ErrDisposed)
	}

	select {
	case b.queue <- dispatched{msg: msg, descriptor: descriptor}:
		return nil
	default:
		return fmt.Errorf("pipeline.Bus: failed to dispatch '%s', %w", msg.Name(), ErrQueueFull)
	}
}

// OnMessage implements the Pipeline interface.
//
// The body is decoded using the first of the enclosed message types, and
// handed to the Handlers of every enclosed type.
func (b *Bus) OnMessage(ctx context.Context, msg Context) error {
	if b.isDisposed() {
		return fmt.Errorf("pipeline.Bus: failed to process message, %w", ErrDisposed)
	}

	enclosed, _ := msg.Headers.Get(envelope.EnclosedMessageTypesHeader)
	if enclosed == "" {
		return fmt.Errorf("pipeline.Bus: message '%s' has no enclosed types", msg.MessageID)
	}

	types := strings.Split(enclosed, envelope.EnclosedTypesSeparator)

	payload, err := b.registry.Decode(types[0], msg.Body)
	if err != nil {
		return fmt.Errorf("pipeline.Bus: failed to decode message '%s', %w", msg.MessageID, err)
	}

	if payload == nil {
		logger.Debug(b.logger, "no payload to handle",
			logger.With("messageId", msg.MessageID),
			logger.With("type", types[0]),
		)

		return nil
	}

	return b.handle(ctx, message.GenericEnvelope{Message: payload, Metadata: msg.Headers}, types)
}

// OnError implements the Pipeline interface.
//
// Failures are retried until the maximum number of immediate retries
// is reached, after which the delivery is moved to the PoisonQueue.
func (b *Bus) OnError(ctx context.Context, failure ErrorContext) (ErrorResult, error) {
	if b.isDisposed() {
		return Default, fmt.Errorf("pipeline.Bus: failed to process error, %w", ErrDisposed)
	}

	if failure.Attempts < b.maxImmediateRetries {
		logger.Warn(b.logger, "message processing failed, retrying",
			logger.With("messageId", failure.MessageID),
			logger.With("attempts", failure.Attempts),
			logger.Err(failure.Err),
		)

		return Default, nil
	}

	logger.Error(b.logger, "message processing failed too many times, moving to poison queue",
		logger.With("messageId", failure.MessageID),
		logger.With("attempts", failure.Attempts),
		logger.Err(failure.Err),
	)

	if b.poison != nil {
		if err := b.poison.Put(ctx, failure); err != nil {
			return Default, fmt.Errorf("pipeline.Bus: failed to move message to poison queue, %w", err)
		}
	}

	return Handled, nil
}

func (b *Bus) isDisposed() bool {
	b.mx.RLock()
	defer b.mx.RUnlock()

	return b.disposed
}

func (b *Bus) work(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-b.queue:
			if !ok {
				return
			}

			msg := message.GenericEnvelope{Message: d.msg, Metadata: d.descriptor.Headers}
			types := b.registry.Hierarchy(d.msg.Name())

			if err := b.handle(ctx, msg, types); err != nil {
				logger.Error(b.logger, "failed to handle dispatched message",
					logger.With("type", d.msg.Name()),
					logger.Err(err),
				)
			}
		}
	}
}

func (b *Bus) handle(ctx context.Context, msg message.GenericEnvelope, types []string) error {
	b.handlersMx.RLock()

	var handlers []Handler
	for _, t := range types {
		handlers = append(handlers, b.handlers[t]...)
	}

	b.handlersMx.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, msg); err != nil {
			return fmt.Errorf("pipeline.Bus: handler failed, %w", err)
		}
	}

	return nil
}
