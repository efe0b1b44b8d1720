package backoff

import (
	"sync"
	"time"
)

// Schedule hands out successive delays from a Strategy. It is safe for
// concurrent use.
type Schedule struct {
	mu         sync.Mutex
	attempt    int
	strategy   Strategy
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

// NewSchedule returns a schedule using ExponentialJitter with a 2x multiplier
// and 10% jitter.
func NewSchedule(initial, max time.Duration) *Schedule {
	return NewScheduleWithStrategy(ExponentialJitter{}, initial, max, 2.0, 0.1)
}

// NewScheduleWithStrategy returns a schedule with explicit parameters.
func NewScheduleWithStrategy(strategy Strategy, initial, max time.Duration, multiplier, jitter float64) *Schedule {
	if strategy == nil {
		strategy = ExponentialJitter{}
	}
	if max < initial {
		max = initial
	}
	return &Schedule{
		strategy:   strategy,
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		jitter:     jitter,
	}
}

// Strategy returns the strategy delays are drawn from.
func (s *Schedule) Strategy() Strategy {
	return s.strategy
}

// Next returns the delay for the current attempt and advances.
func (s *Schedule) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.strategy.Delay(s.attempt, s.initial, s.max, s.multiplier, s.jitter)
	s.attempt++
	return d
}

// Attempt returns how many delays have been handed out since the last Reset.
func (s *Schedule) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Reset starts the schedule over.
func (s *Schedule) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}
