// ABOUTME: Exponential backoff with full jitter for stream reconnects and send retries
// ABOUTME: The exponential ceiling comes from cenkalti/backoff; the delay is uniform in [0, ceiling]

package transport

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default reconnect policy.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Backoff produces full-jitter delays: attempt n sleeps a uniform random
// duration in [0, min(cap, base*2^n)]. Not safe for concurrent use.
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	jitter func(n int64) int64
}

// NewBackoff creates a Backoff. Zero values fall back to the defaults.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.MaxInterval = cap
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Backoff{exp: exp, jitter: rand.Int64N}
}

// Ceiling returns the upper bound for the next delay without consuming an attempt.
func (b *Backoff) Ceiling() time.Duration {
	clone := *b.exp
	return clone.NextBackOff()
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	ceiling := b.exp.NextBackOff()
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(b.jitter(int64(ceiling) + 1))
}

// Reset starts the sequence over, e.g. after a successful connection.
func (b *Backoff) Reset() {
	b.exp.Reset()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
