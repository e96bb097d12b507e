package connector

import (
	"sync"
	"time"
)

// circuitState is the breaker's position: closed passes calls through, open
// refuses them, half-open admits a single probe after the cool-down.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker counts consecutive exchange failures and opens once they reach the
// threshold. While open, every call is refused until the cool-down elapses;
// the first caller after that becomes the half-open probe, and its outcome
// decides between closing and another full cool-down.
type breaker struct {
	mu          sync.Mutex
	threshold   int
	coolDown    time.Duration
	state       circuitState
	consecutive int
	openedAt    time.Time
	probing     bool

	// onTransition runs outside the lock after every state change.
	onTransition func(from, to circuitState)
	now          func() time.Time
}

func newBreaker(threshold int, coolDown time.Duration, onTransition func(from, to circuitState)) *breaker {
	return &breaker{
		threshold:    threshold,
		coolDown:     coolDown,
		onTransition: onTransition,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed now. At most one caller is let
// through per half-open window.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	switch b.state {
	case circuitClosed:
		b.mu.Unlock()
		return true
	case circuitOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			b.mu.Unlock()
			return false
		}
		b.state = circuitHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.transition(circuitOpen, circuitHalfOpen)
		return true
	default:
		if b.probing {
			b.mu.Unlock()
			return false
		}
		b.probing = true
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess clears the failure streak. A success in any non-closed state
// closes the circuit: the exchange has proven itself.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.consecutive = 0
	b.probing = false
	if from == circuitClosed {
		b.mu.Unlock()
		return
	}
	b.state = circuitClosed
	b.mu.Unlock()
	b.transition(from, circuitClosed)
}

// RecordFailure extends the streak. A failed half-open probe reopens for a
// full cool-down.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case circuitHalfOpen:
		b.state = circuitOpen
		b.openedAt = b.now()
		b.probing = false
	case circuitClosed:
		b.consecutive++
		if b.threshold > 0 && b.consecutive >= b.threshold {
			b.state = circuitOpen
			b.openedAt = b.now()
		}
	case circuitOpen:
		// Stragglers from calls that started before the trip keep the
		// window where it is.
	}
	to := b.state
	b.mu.Unlock()
	if to != from {
		b.transition(from, to)
	}
}

func (b *breaker) transition(from, to circuitState) {
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// State reads the current position without side effects.
func (b *breaker) State() circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
