package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/get-eventually/go-eventually-dispatch/config"
	"github.com/get-eventually/go-eventually-dispatch/envelope"
	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/logger"
	"github.com/get-eventually/go-eventually-dispatch/pipeline"
	"github.com/get-eventually/go-eventually-dispatch/subscription/checkpoint"
	"github.com/get-eventually/go-eventually-dispatch/subscription/claim"
)

// CompetingSubscriber processes all the records of the Event Log belonging
// to the domains it manages to claim, up to config.Subscriber.HandledDomains.
//
// The checkpoint of the endpoint is saved after each dispatched record.
// When the Dispatcher signals backpressure with pipeline.ErrQueueFull,
// the subscription is stopped and reopened from the last checkpoint
// after config.Subscriber.BackpressureCooldown.
type CompetingSubscriber struct {
	conn        eventlog.Connection
	checkpoints checkpoint.Store
	claims      claim.Registry
	dispatcher  pipeline.Dispatcher
	registry    *envelope.Registry
	cfg         config.Subscriber
	options

	domainsMx sync.RWMutex
	domains   map[string]struct{}

	mx       sync.Mutex
	endpoint string
	ctx      context.Context //nolint:containedctx // Lifetime of the subscription.
	cancel   context.CancelFunc
	sub      eventlog.CatchUpSubscription
	closed   bool
	wg       sync.WaitGroup
}

// NewCompetingSubscriber returns a new CompetingSubscriber.
func NewCompetingSubscriber(
	conn eventlog.Connection,
	checkpoints checkpoint.Store,
	claims claim.Registry,
	dispatcher pipeline.Dispatcher,
	registry *envelope.Registry,
	cfg config.Subscriber,
	opts ...Option,
) *CompetingSubscriber {
	return &CompetingSubscriber{
		conn:        conn,
		checkpoints: checkpoints,
		claims:      claims,
		dispatcher:  dispatcher,
		registry:    registry,
		cfg:         cfg,
		options:     newOptions(opts...),
		domains:     make(map[string]struct{}),
	}
}

// SubscribeToAll opens the catch-up subscription for the endpoint, starting
// from its last checkpoint. Records are processed in the background until
// the context is canceled or Close is called.
func (s *CompetingSubscriber) SubscribeToAll(ctx context.Context, endpoint string) error {
	s.mx.Lock()

	if s.closed {
		s.mx.Unlock()
		return fmt.Errorf("subscription.CompetingSubscriber: failed to subscribe, %w", ErrClosed)
	}

	if s.ctx != nil {
		s.mx.Unlock()
		return errors.New("subscription.CompetingSubscriber: already subscribed")
	}

	s.endpoint = endpoint
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mx.Unlock()

	return s.subscribe(s.ctx)
}

// ActiveDomains returns the domains claimed by the subscriber.
func (s *CompetingSubscriber) ActiveDomains() []string {
	s.domainsMx.RLock()
	defer s.domainsMx.RUnlock()

	domains := make([]string, 0, len(s.domains))
	for domain := range s.domains {
		domains = append(domains, domain)
	}

	return domains
}

// Close stops the subscription, including a pending resubscription.
func (s *CompetingSubscriber) Close() error {
	s.mx.Lock()

	if s.closed {
		s.mx.Unlock()
		return nil
	}

	s.closed = true

	if s.cancel != nil {
		s.cancel()
	}

	if s.sub != nil {
		s.sub.Stop()
	}

	s.mx.Unlock()

	s.wg.Wait()

	return nil
}

func (s *CompetingSubscriber) subscribe(ctx context.Context) error {
	position, err := s.checkpoints.Load(ctx, s.endpoint)
	if err != nil {
		return fmt.Errorf("subscription.CompetingSubscriber: failed to load checkpoint: %w", err)
	}

	logger.Info(s.logger, "subscribing to all records",
		logger.With("endpoint", s.endpoint),
		logger.With("connection", s.conn.Name()),
		logger.With("position", position),
	)

	s.mx.Lock()
	defer s.mx.Unlock()

	if s.closed {
		return fmt.Errorf("subscription.CompetingSubscriber: failed to subscribe, %w", ErrClosed)
	}

	sub, err := s.conn.SubscribeToAllFrom(ctx, position, eventlog.CatchUpHandlers{
		OnEvent: func(sub eventlog.CatchUpSubscription, e event.Resolved) error {
			return s.onEvent(ctx, sub, e)
		},
		OnLive: func() {
			logger.Info(s.logger, "live processing started", logger.With("endpoint", s.endpoint))
		},
		OnDropped: func(reason eventlog.DropReason, err error) {
			logger.Warn(s.logger, "subscription dropped",
				logger.With("endpoint", s.endpoint),
				logger.With("reason", reason.String()),
				logger.Err(err),
			)
		},
	})
	if err != nil {
		return fmt.Errorf("subscription.CompetingSubscriber: failed to subscribe: %w", err)
	}

	s.sub = sub

	return nil
}

func (s *CompetingSubscriber) onEvent(ctx context.Context, sub eventlog.CatchUpSubscription, e event.Resolved) error {
	descriptor, data, err := envelope.Open(e.Event)
	if err != nil {
		logger.Debug(s.logger, "skipping record without a valid envelope",
			logger.With("streamId", e.Event.StreamID),
			logger.With("position", e.OriginalPosition()),
			logger.Err(err),
		)

		return nil
	}

	domain, ok := descriptor.Domain()
	if !ok {
		return nil
	}

	if ok, err := s.claim(ctx, domain); err != nil || !ok {
		return err
	}

	msg, err := s.registry.Decode(e.Event.Type, data)
	if err != nil {
		logger.Error(s.logger, "skipping record with undecodable payload",
			logger.With("streamId", e.Event.StreamID),
			logger.With("type", e.Event.Type),
			logger.With("position", e.OriginalPosition()),
			logger.Err(err),
		)

		return nil
	}

	if msg == nil {
		return nil
	}

	dispatchCtx, end := s.instruments.StartDispatch(ctx, s.endpoint, e)
	err = s.dispatcher.Dispatch(dispatchCtx, msg, descriptor)
	end(err)

	if errors.Is(err, pipeline.ErrQueueFull) {
		s.instruments.QueueFull(ctx, s.endpoint)

		logger.Warn(s.logger, "dispatcher queue is full, pausing subscription",
			logger.With("endpoint", s.endpoint),
			logger.With("position", e.OriginalPosition()),
			logger.With("cooldown", s.cfg.BackpressureCooldown),
		)

		sub.Stop()
		s.resubscribeAfter(ctx, s.cfg.BackpressureCooldown)

		return nil
	}

	if err != nil {
		return fmt.Errorf("subscription.CompetingSubscriber: failed to dispatch record: %w", err)
	}

	if err := s.checkpoints.Save(ctx, s.endpoint, e.OriginalPosition()); err != nil {
		return fmt.Errorf("subscription.CompetingSubscriber: failed to checkpoint subscription: %w", err)
	}

	return nil
}

// claim reports whether the records of the domain should be processed,
// claiming the domain if there is room for another one.
func (s *CompetingSubscriber) claim(ctx context.Context, domain string) (bool, error) {
	s.domainsMx.RLock()
	_, active := s.domains[domain]
	count := len(s.domains)
	s.domainsMx.RUnlock()

	if active {
		return true, nil
	}

	if count >= s.cfg.MaxDomains() {
		return false, nil
	}

	granted, err := s.claims.CheckOrSave(ctx, s.endpoint, domain)
	if err != nil {
		return false, fmt.Errorf("subscription.CompetingSubscriber: failed to claim domain '%s': %w", domain, err)
	}

	if !granted {
		logger.Debug(s.logger, "domain claimed by another endpoint",
			logger.With("endpoint", s.endpoint),
			logger.With("domain", domain),
		)

		return false, nil
	}

	s.domainsMx.Lock()
	s.domains[domain] = struct{}{}
	s.domainsMx.Unlock()

	logger.Info(s.logger, "domain claimed",
		logger.With("endpoint", s.endpoint),
		logger.With("domain", domain),
	)

	return true, nil
}

// resubscribeAfter reopens the subscription from the last checkpoint
// once the delay has passed, retrying failed attempts.
func (s *CompetingSubscriber) resubscribeAfter(ctx context.Context, delay time.Duration) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.closed {
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = 0 // Don't stop the backoff!

		b := backoff.WithContext(exp, ctx)

		err := backoff.RetryNotify(
			func() error {
				if err := s.subscribe(ctx); err != nil {
					if errors.Is(err, ErrClosed) {
						return backoff.Permanent(err)
					}

					return err
				}

				return nil
			},
			b,
			func(err error, next time.Duration) {
				logger.Error(s.logger, "failed to resubscribe, retrying",
					logger.With("endpoint", s.endpoint),
					logger.With("next", next),
					logger.Err(err),
				)
			},
		)
		if err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			logger.Error(s.logger, "failed to resubscribe", logger.With("endpoint", s.endpoint), logger.Err(err))
		}
	}()
}
