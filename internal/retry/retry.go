// Package retry implements the pure retry-delay schedule of spec §4.1. It reads no
// clock and rolls no dice: next_delay is a total function of attempt index and
// policy, so the supervisor's backoff state is fully reproducible in tests.
package retry

import (
	"time"

	"github.com/maoXyzt/ssh-channels-hub/internal/model"
)

// NextDelay returns the delay before attempt k (k starts at 1). Under exponential
// backoff it is min(initial*2^(k-1), max); under fixed backoff it is initial.
func NextDelay(p model.ReconnectPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if !p.Exponential {
		return p.InitialDelay
	}
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether a failed attempt k may be followed by another
// attempt: false iff max_attempts > 0 and k exceeds it.
func ShouldRetry(p model.ReconnectPolicy, attempt int) bool {
	if p.MaxAttempts <= 0 {
		return true
	}
	return attempt <= p.MaxAttempts
}
