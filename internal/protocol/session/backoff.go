package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt (1-based). Jitter scales the
// capped delay by a factor in [0.5, 1.5) and needs rng.
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	m := math.Max(c.Multiplier, 1)
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= m
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			break
		}
		if d >= math.MaxInt64/2 {
			break
		}
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	return time.Duration(d)
}

// Backoff counts consecutive failures of one operation. Not safe for
// concurrent use.
type Backoff struct {
	cfg     BackoffConfig
	limit   int
	rng     *rand.Rand
	attempt int
}

// NewBackoff allows limit consecutive failures; zero means no limit.
func NewBackoff(cfg BackoffConfig, limit int, seed int64) *Backoff {
	return &Backoff{
		cfg:   cfg,
		limit: limit,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Fail records a failure and reports whether another try is allowed.
func (b *Backoff) Fail() bool {
	b.attempt++
	return b.limit <= 0 || b.attempt < b.limit
}

func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }

// Wait sleeps for the current attempt's delay or until ctx ends.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.cfg.Delay(b.attempt, b.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
