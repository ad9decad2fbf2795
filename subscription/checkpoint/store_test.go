package checkpoint_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/subscription/checkpoint"
)

const endpoint = "orders"

func TestNop(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, checkpoint.Nop.Save(ctx, endpoint, 1200))

	position, err := checkpoint.Nop.Load(ctx, endpoint)
	assert.NoError(t, err)
	assert.Equal(t, event.Start, position)
}

func TestFixed(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.Fixed{StartingFrom: 100}

	require.NoError(t, store.Save(ctx, endpoint, 1200))

	position, err := store.Load(ctx, endpoint)
	assert.NoError(t, err)
	assert.Equal(t, event.Position(100), position)
}

func TestInMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("checkpoints never move backwards", func(t *testing.T) {
		store := checkpoint.NewInMemory()

		position, err := store.Load(ctx, endpoint)
		require.NoError(t, err)
		assert.Equal(t, event.Start, position)

		for _, p := range []event.Position{10, 5, 12, 11} {
			require.NoError(t, store.Save(ctx, endpoint, p))
		}

		position, err = store.Load(ctx, endpoint)
		require.NoError(t, err)
		assert.Equal(t, event.Position(12), position)

		other, err := store.Load(ctx, "billing")
		require.NoError(t, err)
		assert.Equal(t, event.Start, other)
	})

	t.Run("concurrent saves keep the maximum", func(t *testing.T) {
		store := checkpoint.NewInMemory()

		var wg sync.WaitGroup

		for i := 1; i <= 100; i++ {
			wg.Add(1)

			go func(p event.Position) {
				defer wg.Done()
				assert.NoError(t, store.Save(ctx, endpoint, p))
			}(event.Position(i))
		}

		wg.Wait()

		position, err := store.Load(ctx, endpoint)
		require.NoError(t, err)
		assert.Equal(t, event.Position(100), position)
	})
}
