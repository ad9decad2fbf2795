package eventuallynats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/logger"
)

// LinkEventType is the type of the links delivered by the persistent
// subscription groups of a projection.
const LinkEventType = "$>"

// NewWorker implements the eventlog.Connection interface.
func (c *Connection) NewWorker(stream, group string, index, bufferSize int) eventlog.Worker {
	return &worker{
		conn:       c,
		target:     stream,
		stream:     streamName(stream),
		durable:    streamName(group),
		index:      index,
		bufferSize: max(bufferSize, 1),
		buffer:     make(chan event.Resolved, max(bufferSize, 1)),
		pending:    make(map[uuid.UUID]jetstream.Msg),
		stop:       make(chan struct{}),
	}
}

type worker struct {
	conn       *Connection
	target     string
	stream     string
	durable    string
	index      int
	bufferSize int
	buffer     chan event.Resolved
	stop       chan struct{}

	mx        sync.Mutex
	connected bool
	closed    bool
	types     map[string]struct{}
	iter      jetstream.MessagesContext
	done      chan struct{}
	pending   map[uuid.UUID]jetstream.Msg
}

// Connect implements the eventlog.Worker interface.
func (w *worker) Connect(ctx context.Context) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	if w.closed {
		return fmt.Errorf("eventuallynats.Worker: failed to connect, %w", eventlog.ErrStopped)
	}

	if w.connected {
		return nil
	}

	stream, err := w.conn.js.Stream(ctx, w.stream)
	if err != nil {
		return fmt.Errorf("eventuallynats.Worker: failed to get stream '%s', %w", w.target, err)
	}

	if types := stream.CachedInfo().Config.Metadata[metadataTypes]; types != "" {
		w.types = make(map[string]struct{})

		for _, t := range strings.Split(types, ",") {
			w.types[t] = struct{}{}
		}
	}

	cons, err := w.conn.js.Consumer(ctx, w.stream, w.durable)
	if err != nil {
		return fmt.Errorf("eventuallynats.Worker: failed to get consumer '%s', %w", w.durable, err)
	}

	iter, err := cons.Messages(jetstream.PullMaxMessages(w.bufferSize))
	if err != nil {
		return fmt.Errorf("eventuallynats.Worker: failed to start consuming, %w", err)
	}

	w.iter, w.done, w.connected = iter, make(chan struct{}), true

	go w.pull(iter, w.done)

	return nil
}

func (w *worker) pull(iter jetstream.MessagesContext, done chan<- struct{}) {
	defer close(done)

	for {
		msg, err := iter.Next()
		if err != nil {
			if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				logger.Warn(w.conn.logger, "Worker stopped pulling",
					logger.With("group", w.durable),
					logger.With("slot", w.index),
					logger.Err(err),
				)
			}

			return
		}

		resolved, ok := w.resolve(msg)
		if !ok {
			continue
		}

		w.mx.Lock()
		w.pending[resolvedID(resolved)] = msg
		w.mx.Unlock()

		select {
		case w.buffer <- resolved:
		case <-w.stop:
			return
		}
	}
}

// resolve turns a message of the projection stream into the link
// it represents and the record it points to.
func (w *worker) resolve(msg jetstream.Msg) (event.Resolved, bool) {
	meta, err := msg.Metadata()
	if err != nil {
		logger.Warn(w.conn.logger, "Dropped message without metadata", logger.Err(err))
		return event.Resolved{}, false
	}

	position, sourced := sourcePosition(msg.Headers().Get(sourceHeader))
	if !sourced {
		position = meta.Sequence.Stream
	}

	rec, err := recordFrom(msg.Headers(), msg.Data(), position)
	if err != nil {
		logger.Warn(w.conn.logger, "Terminated unreadable record",
			logger.With("stream", w.target),
			logger.With("position", meta.Sequence.Stream),
			logger.Err(err),
		)

		_ = msg.Term()

		return event.Resolved{}, false
	}

	if w.types != nil {
		if _, ok := w.types[rec.Type]; !ok {
			_ = msg.Ack()
			return event.Resolved{}, false
		}
	}

	if !sourced {
		return event.Resolved{Event: rec}, true
	}

	return event.Resolved{
		Event: rec,
		Link: &event.Recorded{
			ID:       uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s/%d", w.target, meta.Sequence.Stream)),
			StreamID: w.target,
			Number:   meta.Sequence.Stream - 1,
			Position: event.Position(meta.Sequence.Stream),
			Type:     LinkEventType,
			Data:     fmt.Appendf(nil, "%d@%s", rec.Number, rec.StreamID),
		},
	}, true
}

func resolvedID(e event.Resolved) uuid.UUID {
	if e.Link != nil {
		return e.Link.ID
	}

	return e.Event.ID
}

// TryDequeue implements the eventlog.Worker interface.
func (w *worker) TryDequeue() (event.Resolved, bool) {
	select {
	case e := <-w.buffer:
		return e, true
	default:
		return event.Resolved{}, false
	}
}

// Acknowledge implements the eventlog.Worker interface.
func (w *worker) Acknowledge(ctx context.Context, e event.Resolved) error {
	id := resolvedID(e)

	w.mx.Lock()
	msg, ok := w.pending[id]
	delete(w.pending, id)
	w.mx.Unlock()

	if !ok {
		return fmt.Errorf("eventuallynats.Worker: record '%s' is not in flight", id)
	}

	if err := msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("eventuallynats.Worker: failed to acknowledge '%s', %w", id, err)
	}

	return nil
}

// Close implements the eventlog.Worker interface.
//
// Records delivered and not acknowledged yet are negatively acknowledged,
// so that the server redelivers them to the other workers of the group.
func (w *worker) Close() error {
	w.mx.Lock()

	if w.closed {
		w.mx.Unlock()
		return nil
	}

	w.closed = true
	close(w.stop)

	iter, done := w.iter, w.done
	w.mx.Unlock()

	if iter != nil {
		iter.Stop()
		<-done
	}

	for drained := false; !drained; {
		select {
		case <-w.buffer:
		default:
			drained = true
		}
	}

	w.mx.Lock()
	defer w.mx.Unlock()

	var errs []error

	for id, msg := range w.pending {
		if err := msg.Nak(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release '%s', %w", id, err))
		}

		delete(w.pending, id)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("eventuallynats.Worker: failed to close, %w", err)
	}

	return nil
}
