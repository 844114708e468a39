package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Window is a shared fixed-window call counter. Acquire must be atomic per
// provider across every process using the same backend.
type Window interface {
	// Acquire consumes one call in the window containing now if capacity remains
	Acquire(ctx context.Context, p types.Provider, now time.Time, size time.Duration, allowed int) (*types.RateLimitWindow, bool, error)
	// Current returns the window state without consuming
	Current(ctx context.Context, p types.Provider, now time.Time, size time.Duration) (*types.RateLimitWindow, error)
	// SetRetryAfter records a provider retry-after deadline; an earlier
	// deadline never shortens a later one
	SetRetryAfter(ctx context.Context, p types.Provider, until time.Time) error
}

// StoreWindow keeps windows in the engine store next to the queue
type StoreWindow struct {
	store storage.Store
}

// NewStoreWindow creates a window backed by store
func NewStoreWindow(store storage.Store) *StoreWindow {
	return &StoreWindow{store: store}
}

func (w *StoreWindow) Acquire(ctx context.Context, p types.Provider, now time.Time, size time.Duration, allowed int) (*types.RateLimitWindow, bool, error) {
	return w.store.AcquireWindow(ctx, p, now, size, allowed)
}

func (w *StoreWindow) Current(ctx context.Context, p types.Provider, now time.Time, size time.Duration) (*types.RateLimitWindow, error) {
	win, err := w.store.GetWindow(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.RateLimitWindow{Provider: p, WindowStart: now.Truncate(size)}, nil
	}
	if err != nil {
		return nil, err
	}
	if start := now.Truncate(size); !win.WindowStart.Equal(start) {
		win.WindowStart = start
		win.Consumed = 0
	}
	return win, nil
}

func (w *StoreWindow) SetRetryAfter(ctx context.Context, p types.Provider, until time.Time) error {
	return w.store.SetRetryAfter(ctx, p, until)
}

const keyPrefix = "ledgerlink:ratelimit:"

// acquireScript consumes one call unless the window is full. It returns the
// new count, or -1 when denied. The key expires with its window.
var acquireScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[2]) then
  return -1
end
n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// retryAfterScript keeps the later of the stored and given deadlines
var retryAfterScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
return 0
`)

// RedisWindow counts calls in Redis so worker processes on different hosts
// share one allowance per provider
type RedisWindow struct {
	client *redis.Client
}

// NewRedisWindow wraps an existing client
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

// OpenRedisWindow connects to url and verifies the connection
func OpenRedisWindow(ctx context.Context, url string) (*RedisWindow, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisWindow{client: client}, nil
}

// Close releases the Redis connection
func (w *RedisWindow) Close() error {
	return w.client.Close()
}

func windowKey(p types.Provider, start time.Time) string {
	return keyPrefix + string(p) + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}

func retryKey(p types.Provider) string {
	return keyPrefix + string(p) + ":retry-after"
}

func (w *RedisWindow) Acquire(ctx context.Context, p types.Provider, now time.Time, size time.Duration, allowed int) (*types.RateLimitWindow, bool, error) {
	start := now.Truncate(size)
	n, err := acquireScript.Run(ctx, w.client, []string{windowKey(p, start)}, size.Milliseconds(), allowed).Int64()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire rate window: %w", err)
	}

	win := &types.RateLimitWindow{Provider: p, WindowStart: start, Allowed: allowed}
	if n < 0 {
		win.Consumed = allowed
		return win, false, nil
	}
	win.Consumed = int(n)
	return win, true, nil
}

func (w *RedisWindow) Current(ctx context.Context, p types.Provider, now time.Time, size time.Duration) (*types.RateLimitWindow, error) {
	start := now.Truncate(size)
	win := &types.RateLimitWindow{Provider: p, WindowStart: start}

	consumed, err := w.client.Get(ctx, windowKey(p, start)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read rate window: %w", err)
	}
	win.Consumed = consumed

	until, err := w.client.Get(ctx, retryKey(p)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read retry-after: %w", err)
	}
	if until > 0 {
		win.RetryAfterUntil = time.UnixMilli(until).UTC()
	}
	return win, nil
}

func (w *RedisWindow) SetRetryAfter(ctx context.Context, p types.Provider, until time.Time) error {
	// The key only has to outlive the deadline; reads compare against the
	// caller's clock
	ttl := time.Until(until) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	err := retryAfterScript.Run(ctx, w.client, []string{retryKey(p)}, until.UnixMilli(), ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to record retry-after: %w", err)
	}
	return nil
}
