package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// MaxBackoffDelay caps every configured backoff interval.
const MaxBackoffDelay = time.Hour

// Backoff configures the delay between conflict retries. It never limits
// the number of attempts; callers stop retrying on their own conditions.
type Backoff struct {
	// Base is the delay before the second attempt.
	Base time.Duration `yaml:"base"`

	// Max caps the exponential growth.
	Max time.Duration `yaml:"max"`
}

// DefaultBackoff is used for optimistic-concurrency retries.
var DefaultBackoff = Backoff{Base: 2 * time.Millisecond, Max: 250 * time.Millisecond}

// Start returns the delay sequence for one retry loop. Delays double from
// Base up to Max with up to 25% jitter either way.
func (b Backoff) Start() *Retrier {
	if b.Base <= 0 {
		return &Retrier{}
	}

	base := min(b.Base, MaxBackoffDelay)
	ceiling := min(max(b.Max, base), MaxBackoffDelay)

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0.25,
		Multiplier:          2,
		MaxInterval:         ceiling,
	}
	exp.Reset()

	return &Retrier{exp: exp, ceiling: ceiling + ceiling/4}
}

// Retrier hands out the delays of one retry loop.
type Retrier struct {
	exp      *backoff.ExponentialBackOff
	ceiling  time.Duration
	attempts int
}

// Attempts returns the number of delays handed out so far.
func (r *Retrier) Attempts() int {
	return r.attempts
}

// Next returns the delay before the next attempt.
func (r *Retrier) Next() time.Duration {
	r.attempts++
	if r.exp == nil {
		return 0
	}

	d := r.exp.NextBackOff()
	if d < 0 || d > r.ceiling {
		d = r.ceiling
	}
	return d
}

// Wait sleeps for Next() or until ctx is done.
func (r *Retrier) Wait(ctx context.Context) error {
	d := r.Next()
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
