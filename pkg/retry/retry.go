package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how an operation is retried. Ladder, when set, gives the
// exact wait before each retry (attempt n sleeps Ladder[n]); otherwise waits
// grow exponentially from InitialBackoff up to MaxBackoff.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Ladder         []time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// LadderPolicy retries once per ladder step with the given waits.
func LadderPolicy(ladder []time.Duration) Policy {
	return Policy{
		MaxAttempts: len(ladder) + 1,
		Ladder:      ladder,
	}
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Backoff returns the wait before retry number attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if len(p.Ladder) > 0 {
		if attempt >= len(p.Ladder) {
			return p.Ladder[len(p.Ladder)-1]
		}
		return p.Ladder[attempt]
	}
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = minDuration(backoff*2, p.MaxBackoff)
	}
	return backoff
}

// Do executes fn with retries according to the policy. Non-transient errors
// return immediately; context cancellation interrupts the wait.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		backoff := policy.Backoff(attempt)
		// Jittered wait: backoff + random(0, 50% of backoff)
		jitter := time.Duration(0)
		if backoff > 1 {
			jitter = time.Duration(rand.Int63n(int64(backoff / 2)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
