package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("AllowsUpToLimit", func(t *testing.T) {
		limiter := NewMemoryLimiter(3, time.Hour)

		for i := 0; i < 3; i++ {
			ok, err := limiter.Allow(ctx, 42)
			require.NoError(t, err)
			assert.True(t, ok, "attempt %d should be allowed", i+1)
		}

		ok, err := limiter.Allow(ctx, 42)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PerUserIsolation", func(t *testing.T) {
		limiter := NewMemoryLimiter(1, time.Hour)

		ok, err := limiter.Allow(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = limiter.Allow(ctx, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = limiter.Allow(ctx, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("WindowSlides", func(t *testing.T) {
		limiter := NewMemoryLimiter(1, time.Hour)

		current := time.Now()
		limiter.now = func() time.Time { return current }

		ok, err := limiter.Allow(ctx, 42)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = limiter.Allow(ctx, 42)
		require.NoError(t, err)
		assert.False(t, ok)

		// Two hours later the old attempt has aged out.
		current = current.Add(2 * time.Hour)
		ok, err = limiter.Allow(ctx, 42)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ZeroLimitDisables", func(t *testing.T) {
		limiter := NewMemoryLimiter(0, time.Hour)

		for i := 0; i < 100; i++ {
			ok, err := limiter.Allow(ctx, 42)
			require.NoError(t, err)
			assert.True(t, ok)
		}
	})
}
