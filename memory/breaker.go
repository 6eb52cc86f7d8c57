package memory

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// halfOpenSuccesses is how many trial calls must succeed to close again.
const halfOpenSuccesses = 3

// Breaker fails LTM calls fast after repeated storage failures.
//
// threshold consecutive failures open it. After cooldown it lets calls
// through half-open; halfOpenSuccesses successes close it and any failure
// reopens it.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker. now may be nil.
func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: now}
}

// State returns the current state, moving Open to HalfOpen if the cooldown
// has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Record feeds a call outcome back. Only storage failures count; caller
// mistakes such as ErrNotFound or ErrInvalidInput leave the breaker alone.
func (b *Breaker) Record(err error) {
	if err != nil && !countsAsFailure(err) {
		err = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	if err == nil {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= halfOpenSuccesses {
				b.state, b.failures, b.successes = BreakerClosed, 0, 0
			}
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.successes = BreakerClosed, 0, 0
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

func countsAsFailure(err error) bool {
	return errors.Is(err, ErrStorage) && !errors.Is(err, ErrCircuitOpen)
}
