package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := DefaultRetryPolicy()

	for k := 0; k <= policy.MaxRetries; k++ {
		want := time.Duration(1<<k) * time.Second
		assert.Equal(t, want, policy.Delay(k), "retryCount=%d", k)
	}
	assert.Equal(t, time.Second, policy.Delay(-1))
}

func TestRetryPolicyMaxDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}

	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 3*time.Second, policy.Delay(2))
	assert.Equal(t, 3*time.Second, policy.Delay(60))
}

func TestRetryPolicyExhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3}

	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
}
