package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-dispatch/config"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := config.Parse()
		require.NoError(t, err)
		assert.Equal(t, config.Default(), cfg)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("EVENTUALLY_HANDLED_DOMAINS", "2")
		t.Setenv("EVENTUALLY_ENDPOINT_VERSION", "7")
		t.Setenv("EVENTUALLY_READ_SIZE", "10")
		t.Setenv("EVENTUALLY_CONCURRENCY", "4")
		t.Setenv("EVENTUALLY_EXTRA_STATS", "true")
		t.Setenv("EVENTUALLY_BACKPRESSURE_COOLDOWN", "1s")
		t.Setenv("EVENTUALLY_RETRY_BASE_DELAY", "10ms")

		cfg, err := config.Parse()
		require.NoError(t, err)

		assert.Equal(t, 2, cfg.HandledDomains)
		assert.Equal(t, 2, cfg.MaxDomains())
		assert.Equal(t, "7", cfg.EndpointVersion)
		assert.Equal(t, 10, cfg.ReadSize)
		assert.Equal(t, 4, cfg.Concurrency)
		assert.True(t, cfg.ExtraStats)
		assert.Equal(t, time.Second, cfg.BackpressureCooldown)
		assert.Equal(t, 10*time.Millisecond, cfg.RetryBaseDelay)
		assert.Equal(t, 100*time.Millisecond, cfg.IdleInterval)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		t.Setenv("EVENTUALLY_CONCURRENCY", "0")

		_, err := config.Parse()
		assert.Error(t, err)
	})

	t.Run("malformed values are rejected", func(t *testing.T) {
		t.Setenv("EVENTUALLY_READ_SIZE", "many")

		_, err := config.Parse()
		assert.Error(t, err)
	})
}

func TestSubscriber_MaxDomains(t *testing.T) {
	cfg := config.Default()
	assert.Greater(t, cfg.MaxDomains(), 1<<30)
}
