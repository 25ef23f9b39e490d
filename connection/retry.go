package connection

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryBackOff spaces out reconnection attempts from disconnected. The n-th
// consecutive attempt waits initial * min((n+2)/3, 2), less up to 20% jitter,
// so the first few retries come at the configured interval and later ones at
// twice it.
type retryBackOff struct {
	initial  time.Duration
	attempts int
	random   func() float64
}

var _ backoff.BackOff = (*retryBackOff)(nil)

func newRetryBackOff(initial time.Duration) *retryBackOff {
	return &retryBackOff{
		initial: initial,
		random:  rand.Float64,
	}
}

// NewRetryBackOff returns the same policy for other components that retry on
// a fixed base interval, such as channels reattaching from suspended
func NewRetryBackOff(initial time.Duration) backoff.BackOff {
	return newRetryBackOff(initial)
}

func (r *retryBackOff) NextBackOff() time.Duration {
	r.attempts++
	return retryDelay(r.initial, r.attempts, r.random())
}

func (r *retryBackOff) Reset() {
	r.attempts = 0
}

func (r *retryBackOff) Attempts() int {
	return r.attempts
}

func retryDelay(initial time.Duration, attempt int, random float64) time.Duration {
	factor := float64(attempt+2) / 3
	if factor > 2 {
		factor = 2
	}
	jitter := 1 - random*0.2
	return time.Duration(float64(initial) * factor * jitter)
}
