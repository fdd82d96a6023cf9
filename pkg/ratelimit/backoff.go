package ratelimit

import (
	"math/rand"
	"time"
)

// BackoffPolicy shapes retry delays for a failing account: exponential
// growth from Base, capped at Cap, with jitter added on top so a burst
// of failures does not resynchronize into a thundering herd.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy matches the provider guidance for transient
// failures: 1s, 2s, 4s, ... capped at 30s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff delay for the given 1-based attempt number,
// jitter included. Attempt values below 1 are treated as 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}

	// jitter in [0, delay)
	return delay + time.Duration(rand.Int63n(int64(delay)))
}
