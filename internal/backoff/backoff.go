// Package backoff computes the delay before a failed job becomes claimable again.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultBase is the delay before the first retry.
const DefaultBase = 2 * time.Second

// MaxJitter bounds the relative jitter applied to a delay.
const MaxJitter = 0.2

// Exponential doubles the delay each attempt:
// Delay = Base * 2^(attempt-1), capped at Max when Max > 0,
// then spread by a random factor in [1-Jitter, 1+Jitter].
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rnd returns a value in [0,1). nil means math/rand/v2.
	rnd func() float64
}

// New creates an exponential strategy. Jitter is clamped to [0, MaxJitter].
func New(base, maxDelay time.Duration, jitter float64) *Exponential {
	if base <= 0 {
		base = DefaultBase
	}
	if jitter < 0 {
		jitter = 0
	} else if jitter > MaxJitter {
		jitter = MaxJitter
	}
	return &Exponential{Base: base, Max: maxDelay, Jitter: jitter}
}

// Delay returns the delay before retrying after attempt (1-indexed).
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^62 ns is already ~146 years; avoid float overflow past that.
	exp := math.Min(float64(attempt-1), 62)
	d := float64(e.Base) * math.Pow(2, exp)
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter > 0 {
		r := e.rnd
		if r == nil {
			r = rand.Float64 //nolint:gosec // jitter does not need crypto rand
		}
		d *= 1 + e.Jitter*(2*r()-1)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
