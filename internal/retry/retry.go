// Package retry computes reconnection backoff.
package retry

import (
	"math"
	"time"
)

// Policy is an exponential backoff schedule with a ceiling.
//
// Attempt numbers count retries: after the n-th failed try the caller
// checks Exhausted(n) and, if false, waits NextDelay(n) before trying again
type Policy struct {
	MaxAttempts  int // 0 = unbounded
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy is 10 retries, 2s initial delay, 10s ceiling
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  10,
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// NextDelay returns min(InitialDelay * 2^(attempt-1), MaxDelay).
// Attempts below 1 are treated as 1
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		next := delay * 2
		if next <= delay {
			// overflow
			delay = math.MaxInt64
			break
		}
		delay = next
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt is past the retry budget
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
