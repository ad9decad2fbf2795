package eventuallynats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/logger"
)

// SubscribeToAllFrom implements the eventlog.Connection interface.
//
// The subscription is an ordered consumer over all the subjects of the
// Event Log stream, starting right after the specified position.
func (c *Connection) SubscribeToAllFrom(
	ctx context.Context,
	from event.Position,
	handlers eventlog.CatchUpHandlers,
) (eventlog.CatchUpSubscription, error) {
	if handlers.OnEvent == nil {
		return nil, errors.New("eventuallynats.Connection: OnEvent handler is required")
	}

	if err := c.ensureStream(ctx); err != nil {
		return nil, fmt.Errorf("eventuallynats.Connection: failed to subscribe, %w", err)
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{c.prefix + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}

	if from > event.Start {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = uint64(from) + 1
	}

	stream, err := c.js.Stream(ctx, c.stream)
	if err != nil {
		return nil, fmt.Errorf("eventuallynats.Connection: failed to get stream, %w", err)
	}

	// History is everything committed up to now.
	head := stream.CachedInfo().State.LastSeq

	cons, err := c.js.OrderedConsumer(ctx, c.stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventuallynats.Connection: failed to create ordered consumer, %w", err)
	}

	iter, err := cons.Messages()
	if err != nil {
		return nil, fmt.Errorf("eventuallynats.Connection: failed to start consuming, %w", err)
	}

	sub := &catchUp{
		handlers: handlers,
		iter:     iter,
		logger:   c.logger,
		nc:       c.nc,
		head:     head,
		stop:     make(chan struct{}),
	}

	sub.unregister = c.OnDisconnect(func() { sub.stopWith(eventlog.DropReasonConnectionClosed) })

	go sub.watch(ctx)
	go sub.run(head <= uint64(from))

	return sub, nil
}

// catchUp delivers the records read by run, while watch reports the drop
// once the subscription is stopped: the iterator may never return from
// Next after its connection has been closed.
type catchUp struct {
	handlers   eventlog.CatchUpHandlers
	iter       jetstream.MessagesContext
	logger     logger.Logger
	nc         *nats.Conn
	unregister func()
	head       uint64
	stop       chan struct{}

	// callbackMx is held while a handler runs, and guards failure.
	callbackMx sync.Mutex
	failure    error

	reason   atomic.Int32
	stopOnce sync.Once
}

// Stop implements the eventlog.CatchUpSubscription interface.
//
// Stop does not wait for a callback in progress, so it is safe to call it
// from inside one; no record is delivered after Stop returns.
func (s *catchUp) Stop() {
	s.stopWith(eventlog.DropReasonUserInitiated)
}

func (s *catchUp) stopWith(reason eventlog.DropReason) {
	s.reason.CompareAndSwap(int32(eventlog.DropReasonUnknown), int32(reason))
	s.stopOnce.Do(func() {
		close(s.stop)
		s.iter.Stop()
	})
}

func (s *catchUp) stopped() bool {
	return eventlog.DropReason(s.reason.Load()) != eventlog.DropReasonUnknown
}

// fail stops the subscription with the reason, reporting err on drop.
func (s *catchUp) fail(reason eventlog.DropReason, err error) {
	s.callbackMx.Lock()
	defer s.callbackMx.Unlock()

	if s.failure == nil {
		s.failure = err
	}

	s.stopWith(reason)
}

func (s *catchUp) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.stopWith(eventlog.DropReasonUserInitiated)
	case <-s.stop:
	}

	// Waits for the callback in progress, if any.
	s.callbackMx.Lock()
	err := s.failure
	s.callbackMx.Unlock()

	s.drop(err)
}

func (s *catchUp) drop(err error) {
	defer s.unregister()

	reason := eventlog.DropReason(s.reason.Load())

	if reason == eventlog.DropReasonUserInitiated {
		err = nil
	}

	if s.handlers.OnDropped != nil {
		s.handlers.OnDropped(reason, err)
	}
}

func (s *catchUp) live() {
	if s.handlers.OnLive != nil {
		s.handlers.OnLive()
	}
}

// deliver runs the handler unless the subscription has been stopped,
// and reports whether reading should continue.
func (s *catchUp) deliver(rec event.Recorded) bool {
	s.callbackMx.Lock()
	defer s.callbackMx.Unlock()

	if s.stopped() {
		return false
	}

	if err := s.handlers.OnEvent(s, event.Resolved{Event: rec}); err != nil {
		s.failure = err
		s.stopWith(eventlog.DropReasonHandlerError)

		return false
	}

	return !s.stopped()
}

func (s *catchUp) run(live bool) {
	if live {
		s.live()
	}

	for {
		msg, err := s.iter.Next()
		if err != nil {
			if s.nc.IsConnected() {
				s.fail(eventlog.DropReasonServerError, err)
			} else {
				s.fail(eventlog.DropReasonConnectionClosed, err)
			}

			return
		}

		if s.stopped() {
			return
		}

		meta, err := msg.Metadata()
		if err != nil {
			s.fail(eventlog.DropReasonServerError,
				fmt.Errorf("eventuallynats.Connection: failed to read message metadata, %w", err))

			return
		}

		rec, err := recordFrom(msg.Headers(), msg.Data(), meta.Sequence.Stream)
		if err != nil {
			logger.Warn(s.logger, "Skipped unreadable record",
				logger.With("subject", msg.Subject()),
				logger.With("position", meta.Sequence.Stream),
				logger.Err(err),
			)
		} else if !s.deliver(rec) {
			return
		}

		if !live && (meta.Sequence.Stream >= s.head || meta.NumPending == 0) {
			live = true
			s.live()
		}
	}
}
