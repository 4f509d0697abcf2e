// SPDX-License-Identifier: Apache-2.0
// Package resilience provides backoff, retry, timeout and circuit breaker
// primitives used by the scheduler and the tool layer.
package resilience

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential delays: Base * Multiplier^attempt, capped at Max.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds randomness; 0.1 means ±10%. Zero keeps delays deterministic.
	Jitter float64
}

// DefaultBackoff returns the scheduler's default retry backoff.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before the given retry attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult == 0 {
		mult = 2.0
	}
	raw := float64(b.Base) * math.Pow(mult, float64(attempt))
	if raw > math.MaxInt64 {
		raw = math.MaxInt64
	}
	delay := time.Duration(raw)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 {
		jitter := float64(delay) * b.Jitter * 2 * (rand.Float64() - 0.5)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Total returns the sum of delays for the first n retries, ignoring jitter.
func (b Backoff) Total(n int) time.Duration {
	nb := b
	nb.Jitter = 0
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += nb.Delay(i)
	}
	return sum
}
