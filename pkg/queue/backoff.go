package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/ledgerlink/pkg/config"
)

// jitterDivisor bounds jitter to ±1/5 (20%) of the exponential delay
const jitterDivisor = 5

// BackoffPolicy is the retry schedule of one provider
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// PolicyFor reads a provider's retry schedule from configuration
func PolicyFor(pc config.ProviderConfig) BackoffPolicy {
	return BackoffPolicy{Base: pc.BackoffBase, Cap: pc.BackoffCap, MaxAttempts: pc.MaxAttempts}
}

// Delay returns the wait before the next attempt after attempt previous
// failures (0 for the first failure): Base × 2^attempt with deterministic
// ±20% jitter, never above Cap. Once the exponential term reaches Cap the
// result is exactly Cap, so successive delays never decrease.
func (p BackoffPolicy) Delay(key string, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	limit := p.Cap
	if limit < p.Base {
		limit = p.Base
	}
	if p.Base <= 0 {
		return 0
	}

	shift := attempt
	if shift > 30 {
		shift = 30
	}
	factor := time.Duration(1) << shift
	if attempt > 30 || p.Base > limit/factor {
		return limit
	}
	exp := p.Base * factor
	if exp >= limit {
		return limit
	}

	d := exp + jitter(key, attempt, exp/jitterDivisor)
	if d > limit {
		d = limit
	}
	return d
}

// jitter derives a value in [-span, span] from the job key and attempt so a
// given job always gets the same schedule
func jitter(key string, attempt int, span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	width := uint64(2*span + 1)
	return time.Duration(basis%width) - span
}
