package sink

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // normal operation
	BreakerOpen     BreakerState = 1 // tripped, calls rejected immediately
	BreakerHalfOpen BreakerState = 2 // one probe call allowed through
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops hammering an unavailable store. After maxFailures
// consecutive failures it opens and rejects calls for resetTimeout, then
// lets a single probe through. Permanent errors mean the store answered, so
// they do not count as failures.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	probing      bool

	now func() time.Time

	// OnStateChange is called on transitions, with the lock held.
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a breaker. maxFailures <= 0 disables tripping.
func NewBreaker(maxFailures int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		now:          time.Now,
	}
}

// Execute runs fn through the breaker. It returns ErrBreakerOpen without
// calling fn while the breaker is open or a half-open probe is in flight.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err != nil && !IsPermanent(err) {
		b.failures++
		b.lastFailure = b.now()
		if b.state == BreakerHalfOpen {
			b.transition(BreakerOpen)
		} else if b.maxFailures > 0 && b.failures >= b.maxFailures && b.state == BreakerClosed {
			b.transition(BreakerOpen)
		}
		return err
	}

	if b.state == BreakerHalfOpen {
		b.transition(BreakerClosed)
	}
	b.failures = 0
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil && from != to {
		b.OnStateChange(from, to)
	}
}
