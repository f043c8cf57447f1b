// Package retry holds the retry policy shared by event polling and
// mutation delivery.
package retry

import (
	"time"

	"github.com/Martian-dev/mailbox-sync/internal/remote"
)

// Backoff is a stateless exponential retry policy.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Default returns the policy used when nothing is configured.
func Default() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute, MaxAttempts: 8}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ShouldRetry reports whether a request that failed with err on attempt
// should be tried again. Non-idempotent requests are never retried.
func (b Backoff) ShouldRetry(attempt int, idempotent bool, err error) bool {
	if !idempotent || err == nil {
		return false
	}
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return false
	}
	return remote.Classify(err).Transient()
}
