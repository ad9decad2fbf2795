package mongodb_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/mongodb"
)

func newClient(t *testing.T) *mongo.Client {
	t.Helper()

	ctx := context.Background()

	container, err := tcmongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, container.Terminate(context.Background()))
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, client.Disconnect(context.Background()))
	})

	return client
}

func TestMongoDB(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}

	ctx := context.Background()
	client := newClient(t)

	t.Run("checkpoints never move backwards", func(t *testing.T) {
		checkpointer := mongodb.Checkpointer{Client: client, DatabaseName: "eventually"}

		position, err := checkpointer.Load(ctx, "Orders.1")
		require.NoError(t, err)
		assert.Equal(t, event.Start, position)

		for _, p := range []event.Position{10, 5, 12, 11} {
			require.NoError(t, checkpointer.Save(ctx, "Orders.1", p))
		}

		position, err = checkpointer.Load(ctx, "Orders.1")
		require.NoError(t, err)
		assert.Equal(t, event.Position(12), position)
	})

	t.Run("concurrent checkpoints keep the maximum", func(t *testing.T) {
		checkpointer := mongodb.Checkpointer{Client: client, DatabaseName: "eventually"}

		var wg sync.WaitGroup

		for i := 1; i <= 20; i++ {
			wg.Add(1)

			go func(p event.Position) {
				defer wg.Done()
				assert.NoError(t, checkpointer.Save(ctx, "Billing", p))
			}(event.Position(i))
		}

		wg.Wait()

		position, err := checkpointer.Load(ctx, "Billing")
		require.NoError(t, err)
		assert.Equal(t, event.Position(20), position)
	})

	t.Run("the first endpoint claiming a domain owns it", func(t *testing.T) {
		registry := mongodb.ClaimRegistry{Client: client, DatabaseName: "eventually"}

		granted, err := registry.CheckOrSave(ctx, "Orders", "sales")
		require.NoError(t, err)
		assert.True(t, granted)

		granted, err = registry.CheckOrSave(ctx, "Orders.2", "sales")
		require.NoError(t, err)
		assert.False(t, granted)

		granted, err = registry.CheckOrSave(ctx, "Orders", "sales")
		require.NoError(t, err)
		assert.True(t, granted)
	})
}
