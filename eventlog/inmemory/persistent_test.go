package inmemory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/eventlog/inmemory"
)

const (
	stream    = "orders.1"
	groupName = "orders.1.PINNED"
)

func newProjectedLog(t *testing.T) *inmemory.Log {
	t.Helper()

	ctx := context.Background()
	log := inmemory.NewLog("test")

	require.NoError(t, log.EnableProjection(ctx, eventlog.ByCategory))
	require.NoError(t, log.CreateContinuousProjection(ctx, eventlog.Projection{
		Name:          stream + ".projection",
		TargetStream:  stream,
		SourceStreams: []string{"$ce-DOMAIN"},
		EventTypes:    []string{"OrderPlaced"},
	}))

	return log
}

func settings(strategy eventlog.ConsumerStrategy) eventlog.PersistentSubscriptionSettings {
	return eventlog.PersistentSubscriptionSettings{
		StartFromBeginning: true,
		ResolveLinkTos:     true,
		ConsumerStrategy:   strategy,
	}
}

func drain(w eventlog.Worker) []event.Resolved {
	var records []event.Resolved

	for {
		e, ok := w.TryDequeue()
		if !ok {
			return records
		}

		records = append(records, e)
	}
}

func TestLog_CreatePersistentSubscription(t *testing.T) {
	ctx := context.Background()
	log := newProjectedLog(t)

	require.NoError(t, log.CreatePersistentSubscription(ctx, stream, groupName, settings(eventlog.Pinned)))

	err := log.CreatePersistentSubscription(ctx, stream, groupName, settings(eventlog.Pinned))
	assert.ErrorIs(t, err, eventlog.ErrSubscriptionExists)

	w := log.NewWorker(stream, "unknown", 0, 1)
	assert.Error(t, w.Connect(ctx))
}

func TestWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("records are resolved and acknowledged", func(t *testing.T) {
		log := newProjectedLog(t)
		appendTypes(t, log, "DOMAIN-order-1", "OrderPlaced", "OrderShipped")

		require.NoError(t, log.CreatePersistentSubscription(ctx, stream, groupName, settings(eventlog.RoundRobin)))

		w := log.NewWorker(stream, groupName, 0, 10)
		require.NoError(t, w.Connect(ctx))

		records := drain(w)
		require.Len(t, records, 1)
		assert.Equal(t, "OrderPlaced", records[0].Event.Type)
		assert.Equal(t, "DOMAIN-order-1", records[0].Event.StreamID)
		require.NotNil(t, records[0].Link)
		assert.Equal(t, stream, records[0].OriginalStreamID())

		require.NoError(t, w.Acknowledge(ctx, records[0]))
		assert.Equal(t, 1, log.Acknowledged(stream, groupName)[records[0].Link.ID])

		require.NoError(t, w.Close())
		assert.ErrorIs(t, w.Acknowledge(ctx, records[0]), eventlog.ErrStopped)
		assert.ErrorIs(t, w.Connect(ctx), eventlog.ErrStopped)
	})

	t.Run("buffers are bounded and refilled on acknowledgement", func(t *testing.T) {
		log := newProjectedLog(t)
		require.NoError(t, log.CreatePersistentSubscription(ctx, stream, groupName, settings(eventlog.RoundRobin)))

		w := log.NewWorker(stream, groupName, 0, 2)
		require.NoError(t, w.Connect(ctx))

		appendTypes(t, log, "DOMAIN-order-1", "OrderPlaced", "OrderPlaced", "OrderPlaced")

		first := drain(w)
		require.Len(t, first, 2)

		for _, e := range first {
			require.NoError(t, w.Acknowledge(ctx, e))
		}

		assert.Len(t, drain(w), 1)
	})

	t.Run("round robin spreads records across workers", func(t *testing.T) {
		log := newProjectedLog(t)
		require.NoError(t, log.CreatePersistentSubscription(ctx, stream, groupName, settings(eventlog.RoundRobin)))

		w1 := log.NewWorker(stream, groupName, 0, 10)
		w2 := log.NewWorker(stream, groupName, 1, 10)
		require.NoError(t, w1.Connect(ctx))
		require.NoError(t, w2.Connect(ctx))

		appendTypes(t, log, "DOMAIN-order-1", "OrderPlaced", "OrderPlaced", "OrderPlaced", "OrderPlaced")

		assert.Len(t, drain(w1), 2)
		assert.Len(t, drain(w2), 2)
	})

	t.Run("pinned delivers the same stream to the same worker", func(t *testing.T) {
		log := newProjectedLog(t)
		require.NoError(t, log.CreatePersistentSubscription(ctx, stream, groupName, settings(eventlog.Pinned)))

		w1 := log.NewWorker(stream, groupName, 0, 10)
		w2 := log.NewWorker(stream, groupName, 1, 10)
		require.NoError(t, w1.Connect(ctx))
		require.NoError(t, w2.Connect(ctx))

		for _, streamID := range []string{"DOMAIN-a", "DOMAIN-b", "DOMAIN-c", "DOMAIN-a", "DOMAIN-b", "DOMAIN-c"} {
			appendTypes(t, log, streamID, "OrderPlaced")
		}

		owners := make(map[string]int)

		for i, w := range []eventlog.Worker{w1, w2} {
			for _, e := range drain(w) {
				owner, ok := owners[e.Event.StreamID]
				if ok {
					assert.Equal(t, owner, i, "stream %s delivered to two workers", e.Event.StreamID)
				}

				owners[e.Event.StreamID] = i
			}
		}

		assert.Len(t, owners, 3)
	})

	t.Run("unacknowledged records are redelivered when a worker closes", func(t *testing.T) {
		log := newProjectedLog(t)
		require.NoError(t, log.CreatePersistentSubscription(ctx, stream, groupName, settings(eventlog.RoundRobin)))

		w1 := log.NewWorker(stream, groupName, 0, 10)
		require.NoError(t, w1.Connect(ctx))

		appendTypes(t, log, "DOMAIN-order-1", "OrderPlaced", "OrderPlaced", "OrderPlaced")

		dequeued, ok := w1.TryDequeue()
		require.True(t, ok)
		require.NoError(t, w1.Acknowledge(ctx, dequeued))

		_, ok = w1.TryDequeue()
		require.True(t, ok)

		w2 := log.NewWorker(stream, groupName, 1, 10)
		require.NoError(t, w2.Connect(ctx))
		require.NoError(t, w1.Close())

		redelivered := drain(w2)
		assert.Len(t, redelivered, 2)

		for _, e := range redelivered {
			assert.NotEqual(t, dequeued.Link.ID, e.Link.ID)
		}
	})
}
