package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Decision is the answer to one TryAcquire. A denial is backpressure, not
// an error: the caller should come back after Wait.
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

// Usage is the current pressure on a provider's allowance
type Usage struct {
	Saturation float64       // consumed / allowed, 0..1
	RetryAfter time.Duration // remaining provider-imposed wait, 0 when none
}

// Limiter enforces per-provider call allowances. Fixed-mode providers count
// calls in a shared Window; sliding-mode providers use an in-process token
// bucket. Provider retry-after signals are always kept in the Window so
// every process honours them.
type Limiter struct {
	cfg    *config.Config
	clock  clock.Clock
	window Window
	logger zerolog.Logger

	mu      sync.Mutex
	buckets map[types.Provider]*rate.Limiter
}

// New creates a limiter over window
func New(cfg *config.Config, clk clock.Clock, window Window) *Limiter {
	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		window:  window,
		logger:  log.WithComponent("ratelimit"),
		buckets: make(map[types.Provider]*rate.Limiter),
	}
}

// TryAcquire takes one call from the provider's allowance if it can.
// While a provider retry-after is active every call is denied and nothing is
// consumed; the wait is the longer of the remaining retry-after and the wait
// the allowance alone would impose.
func (l *Limiter) TryAcquire(ctx context.Context, p types.Provider) (Decision, error) {
	policy := l.cfg.Provider(p).RateLimit
	now := l.clock.Now()

	current, err := l.window.Current(ctx, p, now, policy.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read rate window for %s: %w", p, err)
	}
	if remaining := current.RetryAfterUntil.Sub(now); remaining > 0 {
		return l.deny(p, max(remaining, l.allowanceWait(p, policy, current, now))), nil
	}

	if policy.Mode == config.ModeSliding {
		bucket := l.bucket(p, policy)
		r := bucket.ReserveN(now, 1)
		if !r.OK() {
			return l.deny(p, policy.Window), nil
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return l.deny(p, delay), nil
		}
		return Decision{Allowed: true}, nil
	}

	win, ok, err := l.window.Acquire(ctx, p, now, policy.Window, policy.Calls)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to acquire rate window for %s: %w", p, err)
	}
	if !ok {
		return l.deny(p, win.WindowStart.Add(policy.Window).Sub(now)), nil
	}
	return Decision{Allowed: true}, nil
}

// allowanceWait is how long the allowance alone would make the next call
// wait, without consuming any of it
func (l *Limiter) allowanceWait(p types.Provider, policy config.RateLimitPolicy, current *types.RateLimitWindow, now time.Time) time.Duration {
	if policy.Mode == config.ModeSliding {
		r := l.bucket(p, policy).ReserveN(now, 1)
		if !r.OK() {
			return policy.Window
		}
		defer r.CancelAt(now)
		return r.DelayFrom(now)
	}
	if current.Consumed >= policy.Calls {
		return current.WindowStart.Add(policy.Window).Sub(now)
	}
	return 0
}

func (l *Limiter) deny(p types.Provider, wait time.Duration) Decision {
	metrics.RateLimitDenials.WithLabelValues(string(p)).Inc()
	l.logger.Debug().
		Str("provider", string(p)).
		Dur("wait", wait).
		Msg("Rate limit denied call")
	return Decision{Allowed: false, Wait: wait}
}

// ObserveRetryAfter records a wait the provider asked for. Later
// TryAcquire calls deny until it has passed.
func (l *Limiter) ObserveRetryAfter(ctx context.Context, p types.Provider, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	until := l.clock.Now().Add(d)
	if err := l.window.SetRetryAfter(ctx, p, until); err != nil {
		return fmt.Errorf("failed to record retry-after for %s: %w", p, err)
	}
	l.logger.Info().
		Str("provider", string(p)).
		Time("until", until).
		Msg("Provider requested retry-after")
	return nil
}

// Saturation returns consumed/allowed for the provider's current window
func (l *Limiter) Saturation(ctx context.Context, p types.Provider) (float64, error) {
	u, err := l.Usage(ctx, p)
	return u.Saturation, err
}

// Usage reports saturation and any active retry-after, refreshing the
// saturation gauge
func (l *Limiter) Usage(ctx context.Context, p types.Provider) (Usage, error) {
	policy := l.cfg.Provider(p).RateLimit
	now := l.clock.Now()

	current, err := l.window.Current(ctx, p, now, policy.Window)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read rate window for %s: %w", p, err)
	}

	var u Usage
	if remaining := current.RetryAfterUntil.Sub(now); remaining > 0 {
		u.RetryAfter = remaining
	}

	if policy.Mode == config.ModeSliding {
		bucket := l.bucket(p, policy)
		u.Saturation = 1 - bucket.TokensAt(now)/float64(bucket.Burst())
	} else if policy.Calls > 0 {
		u.Saturation = float64(current.Consumed) / float64(policy.Calls)
	}
	u.Saturation = min(max(u.Saturation, 0), 1)

	metrics.RateLimitSaturation.WithLabelValues(string(p)).Set(u.Saturation)
	return u, nil
}

// bucket returns the provider's token bucket, refilling calls per window
// with a burst of one full window
func (l *Limiter) bucket(p types.Provider, policy config.RateLimitPolicy) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[p]
	if !ok {
		every := policy.Window / time.Duration(policy.Calls)
		b = rate.NewLimiter(rate.Every(every), policy.Calls)
		// Start full as of the engine clock rather than wall time
		b.SetLimitAt(l.clock.Now(), rate.Every(every))
		l.buckets[p] = b
	}
	return b
}
