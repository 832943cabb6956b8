package engine

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStrategyValidate(t *testing.T) {
	tests := []struct {
		name     string
		strategy RetryStrategy
		wantErr  bool
	}{
		{"default", DefaultRetryStrategy, false},
		{"single attempt", RetryStrategy{MaxAttempts: 1, InitialDelay: time.Second, BackoffFactor: 1.5, MaxDelay: time.Second}, false},
		{"zero attempts", RetryStrategy{MaxAttempts: 0, InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: time.Minute}, true},
		{"factor of one", RetryStrategy{MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 1, MaxDelay: time.Minute}, true},
		{"negative delay", RetryStrategy{MaxAttempts: 3, InitialDelay: -time.Second, BackoffFactor: 2, MaxDelay: time.Minute}, true},
		{"max below initial", RetryStrategy{MaxAttempts: 3, InitialDelay: time.Minute, BackoffFactor: 2, MaxDelay: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.strategy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryPolicy_BaseDelay(t *testing.T) {
	p := NewRetryPolicy()
	s := DefaultRetryStrategy

	assert.Equal(t, time.Second, p.BaseDelay(s, 0))
	assert.Equal(t, 2*time.Second, p.BaseDelay(s, 1))
	assert.Equal(t, 4*time.Second, p.BaseDelay(s, 2))
	assert.Equal(t, 16*time.Second, p.BaseDelay(s, 4))
	assert.Equal(t, 30*time.Second, p.BaseDelay(s, 5), "capped at max delay")
	assert.Equal(t, 30*time.Second, p.BaseDelay(s, 2000), "huge exponents stay capped")
}

func TestRetryPolicy_DelayForStaysWithinJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	p := NewRetryPolicy(WithJitter(rng.Float64))

	strategies := []RetryStrategy{
		DefaultRetryStrategy,
		{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, BackoffFactor: 3, MaxDelay: 5 * time.Second},
		{MaxAttempts: 8, InitialDelay: 250 * time.Millisecond, BackoffFactor: 1.5, MaxDelay: time.Minute},
	}

	for _, s := range strategies {
		for attempt := 0; attempt < s.MaxAttempts; attempt++ {
			expected := float64(p.BaseDelay(s, attempt))
			for i := 0; i < 200; i++ {
				got := float64(p.DelayFor(s, attempt))
				assert.GreaterOrEqual(t, got, 0.8*expected)
				assert.Less(t, got, 1.2*expected+1)
			}
		}
	}
}

func TestRetryPolicy_DelayForJitterExtremes(t *testing.T) {
	s := RetryStrategy{MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: time.Minute}

	low := NewRetryPolicy(WithJitter(func() float64 { return 0 }))
	assert.Equal(t, 1600*time.Millisecond, low.DelayFor(s, 1))

	mid := NewRetryPolicy(WithJitter(func() float64 { return 0.5 }))
	assert.Equal(t, 2*time.Second, mid.DelayFor(s, 1))
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := NewRetryPolicy()
	s := RetryStrategy{MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: time.Minute}

	timeout := NewDeploymentError(CodeTimeout, "", nil)
	conn := NewDeploymentError(CodeConnectionFailed, "", nil)
	auth := NewDeploymentError(CodeAuthFailed, "", nil)
	perm := NewDeploymentError(CodePermissionDenied, "", nil)

	assert.True(t, p.ShouldRetry(s, 0, timeout))
	assert.True(t, p.ShouldRetry(s, 1, conn))
	assert.False(t, p.ShouldRetry(s, 2, conn), "last attempt is never retried")
	assert.False(t, p.ShouldRetry(s, 0, auth), "authentication is recoverable but not auto-recoverable")
	assert.False(t, p.ShouldRetry(s, 0, perm))
	assert.False(t, p.ShouldRetry(s, 0, nil))

	unrecoverable := NewDeploymentError(CodeTimeout, "", nil)
	unrecoverable.Recoverable = false
	assert.False(t, p.ShouldRetry(s, 0, unrecoverable))

	single := s
	single.MaxAttempts = 1
	assert.False(t, p.ShouldRetry(single, 0, timeout))
}

func TestRetryPolicy_WithAutoRecoverable(t *testing.T) {
	p := NewRetryPolicy(WithAutoRecoverable(CategoryAuthentication))
	s := DefaultRetryStrategy

	require.True(t, p.ShouldRetry(s, 0, NewDeploymentError(CodeAuthFailed, "", nil)))
	require.False(t, p.ShouldRetry(s, 0, NewDeploymentError(CodeTimeout, "", nil)))
}
