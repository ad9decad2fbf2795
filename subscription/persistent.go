package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/go-eventually-dispatch/config"
	"github.com/get-eventually/go-eventually-dispatch/envelope"
	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/logger"
	"github.com/get-eventually/go-eventually-dispatch/message"
	"github.com/get-eventually/go-eventually-dispatch/pipeline"
)

// Streams linked into the endpoint stream by its projection.
const (
	DomainCategoryStream = eventlog.CategoryStreamPrefix + "DOMAIN"
	OOBCategoryStream    = eventlog.CategoryStreamPrefix + "OOB"
)

// Naming of the resources created on the Event Log for an endpoint.
const (
	projectionSuffix = ".projection"
	groupSuffix      = ".PINNED"
)

// PersistentGroupSubscriber delivers the records of the handled event types
// to the Pipeline, reading them from a persistent consumer group on each
// of the Event Log connections.
//
// Each connection is served by config.Subscriber.Concurrency worker slots,
// and each slot dispatches at most one record at a time. Failed deliveries
// are retried with a linear backoff until they succeed or the Pipeline
// reports them as handled; only then the record is acknowledged.
type PersistentGroupSubscriber struct {
	conns    []eventlog.Connection
	pipeline pipeline.Pipeline
	registry *envelope.Registry
	cfg      config.Subscriber
	options

	mx         sync.Mutex
	endpoint   string
	stream     string
	readSize   int
	extraStats bool
	ready      bool
	running    bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
	slots      []*workerSlot
	unregister []func()
}

// NewPersistentGroupSubscriber returns a new PersistentGroupSubscriber.
func NewPersistentGroupSubscriber(
	conns []eventlog.Connection,
	p pipeline.Pipeline,
	registry *envelope.Registry,
	cfg config.Subscriber,
	opts ...Option,
) *PersistentGroupSubscriber {
	return &PersistentGroupSubscriber{
		conns:    conns,
		pipeline: p,
		registry: registry,
		cfg:      cfg,
		options:  newOptions(opts...),
	}
}

// Stream returns the name of the stream the endpoint reads from.
func (s *PersistentGroupSubscriber) Stream() string {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.stream
}

// Setup makes sure every connection has the projection linking the handled
// event types into the endpoint stream.
//
// ErrEndpointVersion is returned if the projection exists with a different
// set of event types, and ErrMissingDiscovery if a connection is not configured.
func (s *PersistentGroupSubscriber) Setup(ctx context.Context, endpoint string, readSize int, extraStats bool) error {
	if readSize <= 0 {
		return fmt.Errorf("subscription.PersistentGroupSubscriber: read size must be positive, got %d", readSize)
	}

	stream := endpoint + "." + s.cfg.EndpointVersion
	projection := eventlog.Projection{
		Name:          stream + projectionSuffix,
		TargetStream:  stream,
		SourceStreams: []string{DomainCategoryStream, OOBCategoryStream},
		EventTypes:    s.registry.Types(),
	}

	group, ctx := errgroup.WithContext(ctx)

	for _, conn := range s.conns {
		group.Go(func() error {
			return s.ensureProjection(ctx, conn, projection)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	s.endpoint = endpoint
	s.stream = stream
	s.readSize = readSize
	s.extraStats = extraStats
	s.ready = true

	logger.Info(s.logger, "endpoint setup completed",
		logger.With("endpoint", endpoint),
		logger.With("stream", stream),
		logger.With("eventTypes", len(projection.EventTypes)),
	)

	return nil
}

func (s *PersistentGroupSubscriber) ensureProjection(
	ctx context.Context,
	conn eventlog.Connection,
	projection eventlog.Projection,
) error {
	wrapErr := func(err error, msg string) error {
		return fmt.Errorf("subscription.PersistentGroupSubscriber: %s on '%s': %w", msg, conn.Name(), err)
	}

	if len(conn.Discovery()) == 0 {
		logger.Error(s.logger, "event log connection has no discovery seeds", logger.With("connection", conn.Name()))
		return wrapErr(ErrMissingDiscovery, "invalid connection")
	}

	if err := conn.EnableProjection(ctx, eventlog.ByCategory); err != nil {
		return wrapErr(err, "failed to enable category projection")
	}

	existing, err := conn.GetProjectionQuery(ctx, projection.Name)

	switch {
	case err == nil:
		if existing != projection.Query() {
			logger.Error(s.logger, "projection definition changed, bump the endpoint version",
				logger.With("connection", conn.Name()),
				logger.With("projection", projection.Name),
			)

			return wrapErr(ErrEndpointVersion, "failed to verify projection")
		}

		return nil

	case errors.Is(err, eventlog.ErrProjectionNotFound):
		err := conn.CreateContinuousProjection(ctx, projection)
		if err != nil && !errors.Is(err, eventlog.ErrProjectionExists) {
			return wrapErr(err, "failed to create projection")
		}

		logger.Info(s.logger, "projection created",
			logger.With("connection", conn.Name()),
			logger.With("projection", projection.Name),
		)

		return nil

	default:
		return wrapErr(err, "failed to get projection query")
	}
}

// Subscribe waits for the Pipeline to be ready, joins the consumer group of
// every connection and starts dispatching records in the background,
// until the context is canceled or Close is called.
func (s *PersistentGroupSubscriber) Subscribe(ctx context.Context) error {
	s.mx.Lock()
	closed, ready, running := s.closed, s.ready, s.running
	s.mx.Unlock()

	switch {
	case closed:
		return fmt.Errorf("subscription.PersistentGroupSubscriber: failed to subscribe, %w", ErrClosed)
	case !ready:
		return errors.New("subscription.PersistentGroupSubscriber: Setup must be called before Subscribe")
	case running:
		return errors.New("subscription.PersistentGroupSubscriber: already subscribed")
	}

	if err := s.waitReady(ctx); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if s.closed {
		return fmt.Errorf("subscription.PersistentGroupSubscriber: failed to subscribe, %w", ErrClosed)
	}

	settings := eventlog.PersistentSubscriptionSettings{
		StartFromBeginning: true,
		MaxRetries:         10,
		ReadBatchSize:      s.readSize,
		LiveBufferSize:     s.readSize * s.readSize,
		MessageTimeout:     math.MaxInt32 * time.Millisecond,
		CheckpointAfter:    5 * time.Second,
		MaxCheckpointCount: s.readSize * s.readSize,
		ResolveLinkTos:     true,
		ExtraStatistics:    s.extraStats,
		ConsumerStrategy:   eventlog.Pinned,
	}

	group := s.stream + groupSuffix

	for _, conn := range s.conns {
		err := conn.CreatePersistentSubscription(ctx, s.stream, group, settings)
		if err != nil && !errors.Is(err, eventlog.ErrSubscriptionExists) {
			return fmt.Errorf("subscription.PersistentGroupSubscriber: failed to create group on '%s': %w", conn.Name(), err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)

	slots := make([]*workerSlot, 0, len(s.conns)*s.cfg.Concurrency)
	unregister := make([]func(), 0, len(s.conns))

	for _, conn := range s.conns {
		connCtx, connCancel := context.WithCancel(loopCtx)

		unregister = append(unregister, conn.OnDisconnect(func() {
			logger.Warn(s.logger, "event log connection lost, stopping its workers", logger.With("connection", conn.Name()))
			connCancel()
		}), connCancel)

		for i := 0; i < s.cfg.Concurrency; i++ {
			slots = append(slots, &workerSlot{
				conn:   conn.Name(),
				index:  i,
				ctx:    connCtx,
				worker: conn.NewWorker(s.stream, group, i, s.readSize),
			})
		}
	}

	for _, slot := range slots {
		if err := slot.worker.Connect(slot.ctx); err != nil {
			cancel()
			closeSlots(slots)

			for _, fn := range unregister {
				fn()
			}

			return fmt.Errorf("subscription.PersistentGroupSubscriber: failed to connect worker %d on '%s': %w",
				slot.index, slot.conn, err)
		}
	}

	s.running = true
	s.cancel = cancel
	s.slots = slots
	s.unregister = unregister
	s.done = make(chan struct{})

	logger.Info(s.logger, "persistent subscription started",
		logger.With("endpoint", s.endpoint),
		logger.With("stream", s.stream),
		logger.With("group", group),
		logger.With("slots", len(slots)),
	)

	go s.run(loopCtx, slots, s.done)

	return nil
}

// Close stops dispatching records, waits for the in-flight dispatches
// and closes all the workers.
func (s *PersistentGroupSubscriber) Close() error {
	s.mx.Lock()

	if s.closed {
		s.mx.Unlock()
		return nil
	}

	s.closed = true
	cancel, done, slots, unregister := s.cancel, s.done, s.slots, s.unregister
	s.mx.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	for _, fn := range unregister {
		fn()
	}

	if err := closeSlots(slots); err != nil {
		return fmt.Errorf("subscription.PersistentGroupSubscriber: failed to close workers: %w", err)
	}

	return nil
}

func closeSlots(slots []*workerSlot) error {
	var errs []error

	for _, slot := range slots {
		if err := slot.worker.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// waitReady waits for the Pipeline to be ready, if it supports readiness,
// warning every second while waiting.
func (s *PersistentGroupSubscriber) waitReady(ctx context.Context) error {
	readiness, ok := s.pipeline.(pipeline.Readiness)
	if !ok {
		return nil
	}

	timeout := time.NewTimer(s.cfg.ReadinessTimeout)
	defer timeout.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-readiness.Ready():
			return nil
		case <-ticker.C:
			logger.Warn(s.logger, "waiting for the pipeline to be ready", logger.With("endpoint", s.endpoint))
		case <-timeout.C:
			return fmt.Errorf("subscription.PersistentGroupSubscriber: waited %s: %w", s.cfg.ReadinessTimeout, ErrNotReady)
		case <-ctx.Done():
			return fmt.Errorf("subscription.PersistentGroupSubscriber: failed to wait for pipeline: %w", ctx.Err())
		}
	}
}

// run is the scheduling loop: it scans the slots, starting a dispatch for
// each idle slot with a buffered record, and waits when there is nothing
// to start until a dispatch completes or the idle interval elapses.
func (s *PersistentGroupSubscriber) run(ctx context.Context, slots []*workerSlot, done chan<- struct{}) {
	defer close(done)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	wake := make(chan struct{}, 1)

	for ctx.Err() == nil {
		started := false

		for _, slot := range slots {
			if slot.busy.Load() || slot.ctx.Err() != nil {
				continue
			}

			e, ok := slot.worker.TryDequeue()
			if !ok {
				continue
			}

			started = true

			slot.busy.Store(true)
			inflight.Add(1)

			go func(slot *workerSlot, e event.Resolved) {
				s.dispatch(slot, e)

				slot.busy.Store(false)
				inflight.Done()

				select {
				case wake <- struct{}{}:
				default:
				}
			}(slot, e)
		}

		if started {
			continue
		}

		idle := time.NewTimer(s.cfg.IdleInterval)

		select {
		case <-ctx.Done():
		case <-wake:
		case <-idle.C:
		}

		idle.Stop()
	}
}

// dispatch delivers a record to the Pipeline until it succeeds or is handled,
// then acknowledges it. The record is abandoned without acknowledgement if
// the slot is stopped or the Pipeline has been disposed.
func (s *PersistentGroupSubscriber) dispatch(slot *workerSlot, e event.Resolved) {
	ctx, end := s.instruments.StartDispatch(slot.ctx, s.endpoint, e)

	err := s.deliver(ctx, slot, e)
	end(err)

	if err != nil {
		s.instruments.Abandoned(ctx, s.endpoint)

		logger.Debug(s.logger, "record abandoned without acknowledgement",
			logger.With("connection", slot.conn),
			logger.With("slot", slot.index),
			logger.With("streamId", e.Event.StreamID),
			logger.With("position", e.OriginalPosition()),
			logger.Err(err),
		)

		return
	}

	if err := slot.worker.Acknowledge(context.WithoutCancel(ctx), e); err != nil {
		logger.Error(s.logger, "failed to acknowledge record",
			logger.With("connection", slot.conn),
			logger.With("slot", slot.index),
			logger.With("position", e.OriginalPosition()),
			logger.Err(err),
		)

		return
	}

	s.instruments.Acknowledged(ctx, s.endpoint)
}

// deliver returns nil when the record must be acknowledged.
func (s *PersistentGroupSubscriber) deliver(ctx context.Context, slot *workerSlot, e event.Resolved) error {
	msg := pipeline.Context{MessageID: uuid.NewString()}

	descriptor, body, err := envelope.Open(e.Event)
	if err != nil {
		msg.Headers = s.headers(nil, e, msg.MessageID)
		msg.Body = e.Event.Data

		return s.poison(ctx, slot, msg, err)
	}

	msg.Headers = s.headers(descriptor.Headers, e, msg.MessageID)
	msg.Body = body

	retry := &linearBackOff{step: s.cfg.RetryBaseDelay}

	for {
		err := s.onMessage(ctx, msg)
		if err == nil {
			return nil
		}

		if abandoned(ctx, err) {
			return err
		}

		msg.Attempts++

		result, errorErr := s.onError(ctx, pipeline.ErrorContext{Context: msg, Err: err})
		if errorErr != nil {
			if abandoned(ctx, errorErr) {
				return errorErr
			}

			logger.Error(s.logger, "pipeline failed to process delivery error",
				logger.With("messageId", msg.MessageID),
				logger.Err(errorErr),
			)
		}

		if result == pipeline.Handled {
			return nil
		}

		delay := retry.NextBackOff()
		s.instruments.Retried(ctx, s.endpoint, msg.Attempts)

		logger.Warn(s.logger, "delivery failed, retrying",
			logger.With("connection", slot.conn),
			logger.With("slot", slot.index),
			logger.With("messageId", msg.MessageID),
			logger.With("attempts", msg.Attempts),
			logger.With("delay", delay),
			logger.Err(err),
		)

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// poison reports an undecodable record to the Pipeline once, as if it had
// exhausted all its attempts.
func (s *PersistentGroupSubscriber) poison(ctx context.Context, slot *workerSlot, msg pipeline.Context, err error) error {
	s.instruments.Poisoned(ctx, s.endpoint)

	logger.Error(s.logger, "undecodable record, reporting as poison",
		logger.With("connection", slot.conn),
		logger.With("slot", slot.index),
		logger.With("messageId", msg.MessageID),
		logger.Err(err),
	)

	msg.Attempts = math.MaxInt

	if _, errorErr := s.onError(ctx, pipeline.ErrorContext{Context: msg, Err: err}); errorErr != nil {
		if abandoned(ctx, errorErr) {
			return errorErr
		}

		logger.Error(s.logger, "pipeline failed to process poison record", logger.Err(errorErr))
	}

	return nil
}

func (s *PersistentGroupSubscriber) headers(base message.Metadata, e event.Resolved, messageID string) message.Metadata {
	headers := make(message.Metadata, len(base)+7)

	for k, v := range base {
		headers[k] = v
	}

	headers[envelope.MessageIntentHeader] = envelope.IntentSend
	headers[envelope.EnclosedMessageTypesHeader] = strings.Join(s.registry.Hierarchy(e.Event.Type), envelope.EnclosedTypesSeparator)
	headers[envelope.MessageIDHeader] = messageID
	headers[envelope.EventIDHeader] = e.Event.ID.String()
	headers[envelope.EventStreamIDHeader] = e.Event.StreamID
	headers[envelope.EventNumberHeader] = strconv.FormatUint(e.Event.Number, 10)
	headers[envelope.EventPositionHeader] = e.OriginalPosition().String()

	return headers
}

// onMessage calls the Pipeline, turning a panic into an error.
func (s *PersistentGroupSubscriber) onMessage(ctx context.Context, msg pipeline.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription.PersistentGroupSubscriber: pipeline panicked handling message: %v", r)
		}
	}()

	return s.pipeline.OnMessage(ctx, msg)
}

// onError calls the Pipeline, turning a panic into an error.
func (s *PersistentGroupSubscriber) onError(
	ctx context.Context,
	errCtx pipeline.ErrorContext,
) (result pipeline.ErrorResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = pipeline.Default
			err = fmt.Errorf("subscription.PersistentGroupSubscriber: pipeline panicked handling error: %v", r)
		}
	}()

	return s.pipeline.OnError(ctx, errCtx)
}

// abandoned reports whether the record must be left unacknowledged:
// only a disposed Pipeline or a stopped slot abandon a record, errors
// of the handlers themselves are retried.
func abandoned(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, pipeline.ErrDisposed)
}
