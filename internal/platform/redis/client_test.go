package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohort/internal/platform/config"
)

func TestOptions(t *testing.T) {
	t.Run("settings override the url", func(t *testing.T) {
		opts, err := Options(config.RedisConfig{
			URL:          "redis://cache.internal:6380/2",
			PoolSize:     7,
			MinIdleConns: 1,
			DialTimeout:  time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, "cache.internal:6380", opts.Addr)
		assert.Equal(t, 2, opts.DB)
		assert.Equal(t, 7, opts.PoolSize)
		assert.Equal(t, 1, opts.MinIdleConns)
		assert.Equal(t, time.Second, opts.DialTimeout)
		assert.Equal(t, 2*time.Second, opts.ReadTimeout)
		assert.Equal(t, 3*time.Second, opts.WriteTimeout)
		assert.Equal(t, "cohort-lockout", opts.ClientName)
	})

	t.Run("zero settings keep library defaults", func(t *testing.T) {
		opts, err := Options(config.RedisConfig{URL: "redis://localhost:6379/0"})
		require.NoError(t, err)
		assert.Zero(t, opts.PoolSize)
		assert.Zero(t, opts.DialTimeout)
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := Options(config.RedisConfig{URL: "http://localhost"})
		assert.ErrorContains(t, err, "COHORT_REDIS_URL")
	})
}

func TestNewWithoutURL(t *testing.T) {
	c, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}
