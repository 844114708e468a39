package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

func testConfig(mode string, calls int, window time.Duration) *config.Config {
	cfg := config.Default()
	pc := cfg.Providers[types.ProviderPOS]
	pc.RateLimit = config.RateLimitPolicy{Mode: mode, Calls: calls, Window: window}
	cfg.Providers[types.ProviderPOS] = pc
	return &cfg
}

func boltWindow(t *testing.T) Window {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewStoreWindow(store)
}

func redisWindow(t *testing.T) Window {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWindow(client)
}

func TestFixedWindowBackends(t *testing.T) {
	backends := []struct {
		name   string
		window func(t *testing.T) Window
	}{
		{"store", boltWindow},
		{"redis", redisWindow},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewMockClock(t0.Add(10 * time.Second))
			l := New(testConfig(config.ModeFixed, 3, time.Minute), clk, tt.window(t))

			for i := 0; i < 3; i++ {
				d, err := l.TryAcquire(ctx, types.ProviderPOS)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "call %d", i)
			}

			sat, err := l.Saturation(ctx, types.ProviderPOS)
			require.NoError(t, err)
			assert.Equal(t, 1.0, sat)

			d, err := l.TryAcquire(ctx, types.ProviderPOS)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 50*time.Second, d.Wait)

			// Next window resets the counter
			clk.Set(t0.Add(time.Minute))
			d, err = l.TryAcquire(ctx, types.ProviderPOS)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			sat, err = l.Saturation(ctx, types.ProviderPOS)
			require.NoError(t, err)
			assert.InDelta(t, 1.0/3, sat, 1e-9)
		})
	}
}

func TestRetryAfterIsHonoured(t *testing.T) {
	backends := []struct {
		name   string
		window func(t *testing.T) Window
	}{
		{"store", boltWindow},
		{"redis", redisWindow},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewMockClock(t0)
			l := New(testConfig(config.ModeFixed, 100, time.Minute), clk, tt.window(t))

			require.NoError(t, l.ObserveRetryAfter(ctx, types.ProviderPOS, 90*time.Second))
			// A shorter hint never shortens the active one
			require.NoError(t, l.ObserveRetryAfter(ctx, types.ProviderPOS, 10*time.Second))

			clk.Add(30 * time.Second)
			d, err := l.TryAcquire(ctx, types.ProviderPOS)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 60*time.Second, d.Wait)

			u, err := l.Usage(ctx, types.ProviderPOS)
			require.NoError(t, err)
			assert.Equal(t, 60*time.Second, u.RetryAfter)
			assert.Zero(t, u.Saturation, "denied calls consume nothing")

			clk.Add(60 * time.Second)
			d, err = l.TryAcquire(ctx, types.ProviderPOS)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestRetryAfterLongerThanWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(t0)
	l := New(testConfig(config.ModeFixed, 1, time.Second), clk, boltWindow(t))

	require.NoError(t, l.ObserveRetryAfter(ctx, types.ProviderPOS, 5*time.Minute))
	d, err := l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5*time.Minute, d.Wait)
}

func TestRetryAfterShorterThanExhaustedWindow(t *testing.T) {
	backends := []struct {
		name   string
		window func(t *testing.T) Window
	}{
		{"store", boltWindow},
		{"redis", redisWindow},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewMockClock(t0.Add(10 * time.Second))
			l := New(testConfig(config.ModeFixed, 2, time.Minute), clk, tt.window(t))

			for i := 0; i < 2; i++ {
				d, err := l.TryAcquire(ctx, types.ProviderPOS)
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}
			require.NoError(t, l.ObserveRetryAfter(ctx, types.ProviderPOS, 5*time.Second))

			// The window is spent for another 50s, longer than the hint
			d, err := l.TryAcquire(ctx, types.ProviderPOS)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 50*time.Second, d.Wait)
		})
	}
}

func TestRetryAfterShorterThanBucketRefill(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(t0)
	l := New(testConfig(config.ModeSliding, 1, time.Minute), clk, boltWindow(t))

	d, err := l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, l.ObserveRetryAfter(ctx, types.ProviderPOS, 5*time.Second))

	d, err = l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.Wait)

	// Asking did not use up the refill
	clk.Add(time.Minute)
	d, err = l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestObserveRetryAfterIgnoresNonPositive(t *testing.T) {
	ctx := context.Background()
	l := New(testConfig(config.ModeFixed, 1, time.Minute), clock.NewMockClock(t0), boltWindow(t))
	require.NoError(t, l.ObserveRetryAfter(ctx, types.ProviderPOS, 0))

	d, err := l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSlidingMode(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(t0)
	l := New(testConfig(config.ModeSliding, 2, 10*time.Second), clk, boltWindow(t))

	for i := 0; i < 2; i++ {
		d, err := l.TryAcquire(ctx, types.ProviderPOS)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, float64(5*time.Second), float64(d.Wait), float64(time.Millisecond))

	sat, err := l.Saturation(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sat, 1e-9)

	// One token refills every window/calls
	clk.Add(6 * time.Second)
	d, err = l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestProvidersAreIndependent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.ModeFixed, 1, time.Minute)
	pc := cfg.Providers[types.ProviderAccounting]
	pc.RateLimit = config.RateLimitPolicy{Mode: config.ModeFixed, Calls: 1, Window: time.Minute}
	cfg.Providers[types.ProviderAccounting] = pc

	l := New(cfg, clock.NewMockClock(t0), boltWindow(t))

	d, err := l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.TryAcquire(ctx, types.ProviderAccounting)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.TryAcquire(ctx, types.ProviderPOS)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisWindowSharedAcrossLimiters(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	newWindow := func() Window {
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewRedisWindow(client)
	}

	clk := clock.NewMockClock(t0)
	cfg := testConfig(config.ModeFixed, 2, time.Minute)
	a := New(cfg, clk, newWindow())
	b := New(cfg, clk, newWindow())

	allowed := 0
	for i := 0; i < 4; i++ {
		l := a
		if i%2 == 1 {
			l = b
		}
		d, err := l.TryAcquire(ctx, types.ProviderPOS)
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}
