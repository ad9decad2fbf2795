package subscription_test

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/get-eventually/go-eventually-dispatch/envelope"
	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/eventlog/inmemory"
	"github.com/get-eventually/go-eventually-dispatch/message"
	"github.com/get-eventually/go-eventually-dispatch/pipeline"
	"github.com/get-eventually/go-eventually-dispatch/subscription"
)

const (
	endpoint = "Orders"
	stream   = "Orders.1"
	group    = "Orders.1.PINNED"
)

type call struct {
	msg pipeline.Context
	at  time.Time
}

// fakePipeline records every call, delegating the results to the optional functions.
type fakePipeline struct {
	mx       sync.Mutex
	messages []call
	failures []pipeline.ErrorContext

	onMessage func(n int, msg pipeline.Context) error
	onError   func(failure pipeline.ErrorContext) (pipeline.ErrorResult, error)
	delay     time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (p *fakePipeline) OnMessage(_ context.Context, msg pipeline.Context) error {
	current := p.inflight.Add(1)
	defer p.inflight.Add(-1)

	for {
		peak := p.maxInflight.Load()
		if current <= peak || p.maxInflight.CompareAndSwap(peak, current) {
			break
		}
	}

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mx.Lock()
	p.messages = append(p.messages, call{msg: msg, at: time.Now()})
	n := len(p.messages)
	p.mx.Unlock()

	if p.onMessage != nil {
		return p.onMessage(n, msg)
	}

	return nil
}

func (p *fakePipeline) OnError(_ context.Context, failure pipeline.ErrorContext) (pipeline.ErrorResult, error) {
	p.mx.Lock()
	p.failures = append(p.failures, failure)
	p.mx.Unlock()

	if p.onError != nil {
		return p.onError(failure)
	}

	return pipeline.Default, nil
}

func (p *fakePipeline) calls() []call {
	p.mx.Lock()
	defer p.mx.Unlock()

	return append([]call(nil), p.messages...)
}

func (p *fakePipeline) errors() []pipeline.ErrorContext {
	p.mx.Lock()
	defer p.mx.Unlock()

	return append([]pipeline.ErrorContext(nil), p.failures...)
}

type readyPipeline struct {
	*fakePipeline

	ready chan struct{}
}

func (p readyPipeline) Ready() <-chan struct{} { return p.ready }

func TestPersistentGroupSubscriber(t *testing.T) {
	suite.Run(t, new(PersistentGroupSuite))
}

type PersistentGroupSuite struct {
	suite.Suite

	log      *inmemory.Log
	pipeline *fakePipeline
	sub      *subscription.PersistentGroupSubscriber
}

func (s *PersistentGroupSuite) SetupTest() {
	s.log = inmemory.NewLog("test")
	s.pipeline = new(fakePipeline)
	s.sub = subscription.NewPersistentGroupSubscriber(
		[]eventlog.Connection{s.log}, s.pipeline, newRegistry(), testConfig(),
	)
}

func (s *PersistentGroupSuite) TearDownTest() {
	s.Require().NoError(s.sub.Close())
}

func (s *PersistentGroupSuite) start() {
	ctx := context.Background()

	s.Require().NoError(s.sub.Setup(ctx, endpoint, 10, false))
	s.Require().NoError(s.sub.Subscribe(ctx))
}

func (s *PersistentGroupSuite) acknowledged() map[string]int {
	acks := make(map[string]int)

	for id, count := range s.log.Acknowledged(stream, group) {
		acks[id.String()] = count
	}

	return acks
}

func (s *PersistentGroupSuite) TestSetup() {
	ctx := context.Background()

	s.Run("creates the projection of the endpoint", func() {
		s.Require().NoError(s.sub.Setup(ctx, endpoint, 10, false))
		s.Equal(stream, s.sub.Stream())

		query, err := s.log.GetProjectionQuery(ctx, stream+".projection")
		s.Require().NoError(err)

		expected := eventlog.Projection{
			Name:          stream + ".projection",
			TargetStream:  stream,
			SourceStreams: []string{"$ce-DOMAIN", "$ce-OOB"},
			EventTypes:    []string{"InvoiceIssued", "OrderPlaced"},
		}

		s.Equal(expected.Query(), query)
	})

	s.Run("is idempotent when the handled types did not change", func() {
		s.Require().NoError(s.sub.Setup(ctx, endpoint, 10, false))

		other := subscription.NewPersistentGroupSubscriber([]eventlog.Connection{s.log}, s.pipeline, newRegistry(), testConfig())
		s.NoError(other.Setup(ctx, endpoint, 10, false))
	})

	s.Run("fails when the handled types changed without a version bump", func() {
		registry := newRegistry()
		envelope.RegisterJSON(registry, "OrderShipped", func() orderPlaced { return orderPlaced{} })

		changed := subscription.NewPersistentGroupSubscriber([]eventlog.Connection{s.log}, s.pipeline, registry, testConfig())
		s.ErrorIs(changed.Setup(ctx, endpoint, 10, false), subscription.ErrEndpointVersion)

		cfg := testConfig()
		cfg.EndpointVersion = "2"

		bumped := subscription.NewPersistentGroupSubscriber([]eventlog.Connection{s.log}, s.pipeline, registry, cfg)
		s.NoError(bumped.Setup(ctx, endpoint, 10, false))
		s.Equal("Orders.2", bumped.Stream())
	})

	s.Run("fails on connections without discovery seeds", func() {
		unconfigured := inmemory.NewLog("unconfigured", inmemory.WithDiscovery())

		sub := subscription.NewPersistentGroupSubscriber(
			[]eventlog.Connection{s.log, unconfigured}, s.pipeline, newRegistry(), testConfig(),
		)

		s.ErrorIs(sub.Setup(ctx, endpoint, 10, false), subscription.ErrMissingDiscovery)
	})

	s.Run("rejects invalid read sizes", func() {
		s.Error(s.sub.Setup(ctx, endpoint, 0, false))
	})
}

func (s *PersistentGroupSuite) TestSubscribe_RequiresSetup() {
	s.Error(s.sub.Subscribe(context.Background()))
}

func (s *PersistentGroupSuite) TestSubscribe_DeliversAndAcknowledges() {
	s.start()

	placed := appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)
	appendEvent(s.T(), s.log, "OOB-1", "InvoiceIssued", "", `{"invoiceId":"1"}`)
	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderShipped", "Sales", `{}`)

	descriptor := envelope.Descriptor{Compressed: true, Headers: message.Metadata{envelope.DomainHeader: "Sales"}}
	data, metadata, err := envelope.Encode(descriptor, []byte(`{"orderId":"2"}`))
	s.Require().NoError(err)

	_, err = s.log.Append(context.Background(), "DOMAIN-order-2", eventlog.Record{
		Type: "OrderPlaced", Data: data, Metadata: metadata, IsJSON: true,
	})
	s.Require().NoError(err)

	s.Eventually(func() bool { return len(s.acknowledged()) == 3 }, waitFor, tick)
	s.Never(func() bool { return len(s.pipeline.calls()) > 3 }, 100*time.Millisecond, tick)

	for _, count := range s.acknowledged() {
		s.Equal(1, count)
	}

	bodies := make(map[string]string)

	for _, c := range s.pipeline.calls() {
		bodies[c.msg.Headers[envelope.EventStreamIDHeader]] = string(c.msg.Body)

		s.Equal(envelope.IntentSend, c.msg.Headers[envelope.MessageIntentHeader])
		s.Equal(c.msg.MessageID, c.msg.Headers[envelope.MessageIDHeader])
		s.Zero(c.msg.Attempts)

		if c.msg.Headers[envelope.EventIDHeader] != placed.ID.String() {
			continue
		}

		s.Equal("OrderPlaced;IOrderEvent", c.msg.Headers[envelope.EnclosedMessageTypesHeader])
		s.Equal("Sales", c.msg.Headers[envelope.DomainHeader])
		s.Equal("DOMAIN-order-1", c.msg.Headers[envelope.EventStreamIDHeader])
		s.Equal(strconv.FormatUint(placed.Number, 10), c.msg.Headers[envelope.EventNumberHeader])
		s.NotEmpty(c.msg.Headers[envelope.EventPositionHeader])
	}

	s.Equal(map[string]string{
		"DOMAIN-order-1": `{"orderId":"1"}`,
		"OOB-1":          `{"invoiceId":"1"}`,
		"DOMAIN-order-2": `{"orderId":"2"}`,
	}, bodies)
}

func (s *PersistentGroupSuite) TestSubscribe_RetriesWithLinearBackoff() {
	s.pipeline.onMessage = func(n int, _ pipeline.Context) error {
		if n < 3 {
			return assert.AnError
		}

		return nil
	}

	s.start()
	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)

	s.Eventually(func() bool { return len(s.acknowledged()) == 1 }, waitFor, tick)

	calls := s.pipeline.calls()
	s.Require().Len(calls, 3)

	base := testConfig().RetryBaseDelay
	s.GreaterOrEqual(calls[1].at.Sub(calls[0].at), base)
	s.GreaterOrEqual(calls[2].at.Sub(calls[1].at), 2*base)
	s.Equal(2, calls[2].msg.Attempts)

	failures := s.pipeline.errors()
	s.Require().Len(failures, 2)
	s.Equal(1, failures[0].Attempts)
	s.Equal(2, failures[1].Attempts)
	s.ErrorIs(failures[0].Err, assert.AnError)

	for _, count := range s.acknowledged() {
		s.Equal(1, count)
	}
}

func (s *PersistentGroupSuite) TestSubscribe_HandledFailuresAreAcknowledged() {
	s.pipeline.onMessage = func(int, pipeline.Context) error { return assert.AnError }
	s.pipeline.onError = func(pipeline.ErrorContext) (pipeline.ErrorResult, error) { return pipeline.Handled, nil }

	s.start()
	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)

	s.Eventually(func() bool { return len(s.acknowledged()) == 1 }, waitFor, tick)
	s.Never(func() bool { return len(s.pipeline.calls()) > 1 }, 100*time.Millisecond, tick)
}

func (s *PersistentGroupSuite) TestSubscribe_DisposedPipelineAbandonsRecords() {
	s.pipeline.onMessage = func(int, pipeline.Context) error { return pipeline.ErrDisposed }

	s.start()
	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)

	s.Eventually(func() bool { return len(s.pipeline.calls()) == 1 }, waitFor, tick)
	s.Never(func() bool { return len(s.acknowledged()) > 0 }, 100*time.Millisecond, tick)
	s.Empty(s.pipeline.errors())
}

func (s *PersistentGroupSuite) TestSubscribe_RetriesHandlerTimeouts() {
	s.pipeline.onMessage = func(n int, _ pipeline.Context) error {
		if n == 1 {
			return fmt.Errorf("calling inventory service: %w", context.DeadlineExceeded)
		}

		return nil
	}

	s.start()
	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)

	s.Eventually(func() bool { return len(s.acknowledged()) == 1 }, waitFor, tick)
	s.Len(s.pipeline.calls(), 2)

	failures := s.pipeline.errors()
	s.Require().Len(failures, 1)
	s.Equal(1, failures[0].Attempts)
	s.ErrorIs(failures[0].Err, context.DeadlineExceeded)
}

func (s *PersistentGroupSuite) TestSubscribe_RecoversFromPipelinePanics() {
	s.pipeline.onMessage = func(n int, _ pipeline.Context) error {
		if n == 1 {
			panic("handler crashed")
		}

		return nil
	}

	s.start()
	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)

	s.Eventually(func() bool { return len(s.acknowledged()) == 1 }, waitFor, tick)
	s.Len(s.pipeline.calls(), 2)

	failures := s.pipeline.errors()
	s.Require().Len(failures, 1)
	s.ErrorContains(failures[0].Err, "handler crashed")
}

func (s *PersistentGroupSuite) TestSubscribe_RetriesWhenErrorHandlingPanics() {
	s.pipeline.onMessage = func(n int, _ pipeline.Context) error {
		if n == 1 {
			return assert.AnError
		}

		return nil
	}
	s.pipeline.onError = func(pipeline.ErrorContext) (pipeline.ErrorResult, error) {
		panic("error handler crashed")
	}

	s.start()
	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)

	s.Eventually(func() bool { return len(s.acknowledged()) == 1 }, waitFor, tick)
	s.Len(s.pipeline.calls(), 2)
	s.Len(s.pipeline.errors(), 1)
}

func (s *PersistentGroupSuite) TestSubscribe_RetriesWhenErrorHandlingFails() {
	s.pipeline.onMessage = func(n int, _ pipeline.Context) error {
		if n < 3 {
			return assert.AnError
		}

		return nil
	}
	s.pipeline.onError = func(pipeline.ErrorContext) (pipeline.ErrorResult, error) {
		return pipeline.Default, fmt.Errorf("writing to the error queue: %w", context.Canceled)
	}

	s.start()
	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)

	s.Eventually(func() bool { return len(s.acknowledged()) == 1 }, waitFor, tick)
	s.Len(s.pipeline.calls(), 3)
	s.Len(s.pipeline.errors(), 2)
}

func (s *PersistentGroupSuite) TestSubscribe_UndecodableRecordsArePoison() {
	s.start()

	_, err := s.log.Append(context.Background(), "DOMAIN-order-1", eventlog.Record{Type: "OrderPlaced", Data: []byte{0x01}})
	s.Require().NoError(err)

	s.Eventually(func() bool { return len(s.acknowledged()) == 1 }, waitFor, tick)
	s.Empty(s.pipeline.calls())

	failures := s.pipeline.errors()
	s.Require().Len(failures, 1)
	s.Equal(math.MaxInt, failures[0].Attempts)
	s.ErrorIs(failures[0].Err, envelope.ErrNotJSON)
}

func (s *PersistentGroupSuite) TestSubscribe_StopsServingDisconnectedConnections() {
	s.start()

	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)
	s.Eventually(func() bool { return len(s.acknowledged()) == 1 }, waitFor, tick)

	s.log.Disconnect()

	appendEvent(s.T(), s.log, "DOMAIN-order-2", "OrderPlaced", "Sales", `{"orderId":"2"}`)
	s.Never(func() bool { return len(s.pipeline.calls()) > 1 }, 200*time.Millisecond, tick)
}

func (s *PersistentGroupSuite) TestClose() {
	s.start()

	s.Require().NoError(s.sub.Close())
	s.Require().NoError(s.sub.Close())

	s.ErrorIs(s.sub.Subscribe(context.Background()), subscription.ErrClosed)

	appendEvent(s.T(), s.log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)
	s.Never(func() bool { return len(s.pipeline.calls()) > 0 }, 100*time.Millisecond, tick)
}

// slotConnection records which worker slot dequeued each record.
type slotConnection struct {
	*inmemory.Log

	owners *sync.Map
}

func (c slotConnection) NewWorker(stream, group string, index, bufferSize int) eventlog.Worker {
	return slotWorker{
		Worker: c.Log.NewWorker(stream, group, index, bufferSize),
		slot:   c.Name() + "/" + strconv.Itoa(index),
		owners: c.owners,
	}
}

type slotWorker struct {
	eventlog.Worker

	slot   string
	owners *sync.Map
}

func (w slotWorker) TryDequeue() (event.Resolved, bool) {
	e, ok := w.Worker.TryDequeue()
	if ok {
		w.owners.Store(e.Event.ID.String(), w.slot)
	}

	return e, ok
}

// slotPipeline counts the dispatches running at the same time on a slot.
type slotPipeline struct {
	*fakePipeline

	owners *sync.Map

	mx       sync.Mutex
	inflight map[string]int
	slots    map[string]struct{}
	overlaps int
}

func (p *slotPipeline) OnMessage(ctx context.Context, msg pipeline.Context) error {
	owner, _ := p.owners.Load(msg.Headers[envelope.EventIDHeader])
	slot, _ := owner.(string)

	p.mx.Lock()
	p.inflight[slot]++
	p.slots[slot] = struct{}{}

	if p.inflight[slot] > 1 {
		p.overlaps++
	}
	p.mx.Unlock()

	defer func() {
		p.mx.Lock()
		p.inflight[slot]--
		p.mx.Unlock()
	}()

	return p.fakePipeline.OnMessage(ctx, msg)
}

func TestPersistentGroupSubscriber_BoundsInFlightDispatches(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Concurrency = 2

	owners := new(sync.Map)
	logs := []*inmemory.Log{inmemory.NewLog("first"), inmemory.NewLog("second")}
	p := &slotPipeline{
		fakePipeline: &fakePipeline{delay: 20 * time.Millisecond},
		owners:       owners,
		inflight:     make(map[string]int),
		slots:        make(map[string]struct{}),
	}

	sub := subscription.NewPersistentGroupSubscriber(
		[]eventlog.Connection{
			slotConnection{Log: logs[0], owners: owners},
			slotConnection{Log: logs[1], owners: owners},
		},
		p, newRegistry(), cfg,
	)

	defer sub.Close()

	require.NoError(t, sub.Setup(ctx, endpoint, 5, false))
	require.NoError(t, sub.Subscribe(ctx))

	for i := 0; i < 20; i++ {
		for _, log := range logs {
			appendEvent(t, log, "DOMAIN-order-"+strconv.Itoa(i), "OrderPlaced", "Sales", `{}`)
		}
	}

	assert.Eventually(t, func() bool { return len(p.calls()) == 40 }, 5*time.Second, tick)
	assert.LessOrEqual(t, p.maxInflight.Load(), int32(4))

	p.mx.Lock()
	assert.Zero(t, p.overlaps, "a slot ran two dispatches at the same time")
	assert.NotContains(t, p.slots, "", "every dispatched record comes from a known slot")
	assert.Greater(t, len(p.slots), 2)
	p.mx.Unlock()

	for _, log := range logs {
		acks := log.Acknowledged(stream, group)
		assert.Len(t, acks, 20)

		for _, count := range acks {
			assert.Equal(t, 1, count)
		}
	}
}

func TestPersistentGroupSubscriber_WaitsForReadiness(t *testing.T) {
	ctx := context.Background()

	t.Run("fails when the pipeline is never ready", func(t *testing.T) {
		p := readyPipeline{fakePipeline: new(fakePipeline), ready: make(chan struct{})}
		sub := subscription.NewPersistentGroupSubscriber([]eventlog.Connection{inmemory.NewLog("test")}, p, newRegistry(), testConfig())

		defer sub.Close()

		require.NoError(t, sub.Setup(ctx, endpoint, 10, false))
		assert.ErrorIs(t, sub.Subscribe(ctx), subscription.ErrNotReady)
	})

	t.Run("subscribes once the pipeline is ready", func(t *testing.T) {
		log := inmemory.NewLog("test")
		p := readyPipeline{fakePipeline: new(fakePipeline), ready: make(chan struct{})}
		sub := subscription.NewPersistentGroupSubscriber([]eventlog.Connection{log}, p, newRegistry(), testConfig())

		defer sub.Close()

		require.NoError(t, sub.Setup(ctx, endpoint, 10, false))

		time.AfterFunc(50*time.Millisecond, func() { close(p.ready) })
		require.NoError(t, sub.Subscribe(ctx))

		appendEvent(t, log, "DOMAIN-order-1", "OrderPlaced", "Sales", `{"orderId":"1"}`)
		assert.Eventually(t, func() bool { return len(p.calls()) == 1 }, waitFor, tick)
	})
}
