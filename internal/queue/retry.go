package queue

import (
	"math"
	"time"

	"trialsync/internal/models"
)

// RetryPolicy defines exponential backoff for queued writes.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps the delay when positive.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 3 retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: models.DefaultMaxRetries, BaseDelay: models.DefaultQueueBaseDelay}
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = models.DefaultMaxRetries
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = models.DefaultQueueBaseDelay
	}
	return r
}

// Delay returns BaseDelay * 2^retryCount for an item that has failed
// retryCount times.
func (r RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	base := r.BaseDelay
	if base <= 0 {
		base = models.DefaultQueueBaseDelay
	}

	delay := float64(base) * math.Pow(2, float64(retryCount))
	d := time.Duration(math.MaxInt64)
	if delay < float64(math.MaxInt64) {
		d = time.Duration(delay)
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// Exhausted reports whether an item with retryCount failures is out of retries.
func (r RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= r.MaxRetries
}
