// Package backoff computes retry delays for background work such as the
// initial application credential fetch.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry number attempt (0-based).
type Strategy interface {
	Delay(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialJitter grows the delay by multiplier per attempt and adds up to
// jitter*delay of uniform noise, capped at max.
type ExponentialJitter struct{}

// Delay implements Strategy.
func (ExponentialJitter) Delay(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	d := time.Duration(float64(initial) * pow(multiplier, attempt))
	if d < 0 || d > max {
		d = max
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		extra := time.Duration(float64(d) * jitter * rand.Float64())
		if d+extra > max {
			return max
		}
		d += extra
	}
	return d
}

// DecorrelatedJitter picks a delay uniformly between initial and
// min(max, initial*3^attempt).
type DecorrelatedJitter struct{}

// Delay implements Strategy. multiplier and jitter are ignored.
func (DecorrelatedJitter) Delay(attempt int, initial, max time.Duration, _, _ float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initial)
	upper := base * pow(3.0, attempt)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > max {
		return max
	}
	return d
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
