package engine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// DefaultRetryStrategy is used when a run does not configure one.
var DefaultRetryStrategy = RetryStrategy{
	MaxAttempts:   3,
	InitialDelay:  time.Second,
	BackoffFactor: 2,
	MaxDelay:      30 * time.Second,
}

// Jitter bounds applied to every computed delay.
const (
	jitterMin   = 0.8
	jitterRange = 0.4
)

// Validate checks the strategy parameters.
func (s RetryStrategy) Validate() error {
	if s.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", s.MaxAttempts)
	}
	if s.BackoffFactor <= 1 {
		return fmt.Errorf("backoff factor must be greater than 1, got %v", s.BackoffFactor)
	}
	if s.InitialDelay < 0 {
		return fmt.Errorf("initial delay must not be negative, got %s", s.InitialDelay)
	}
	if s.MaxDelay < s.InitialDelay {
		return fmt.Errorf("max delay %s is less than initial delay %s", s.MaxDelay, s.InitialDelay)
	}
	return nil
}

// RetryPolicy decides whether and when a failed step is retried.
// It holds no per-run state and is safe for concurrent use.
type RetryPolicy struct {
	autoRecoverable map[ErrorCategory]bool
	jitter          func() float64
}

// RetryOption configures a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithAutoRecoverable replaces the set of categories that are retried automatically.
func WithAutoRecoverable(categories ...ErrorCategory) RetryOption {
	return func(p *RetryPolicy) {
		p.autoRecoverable = make(map[ErrorCategory]bool, len(categories))
		for _, c := range categories {
			p.autoRecoverable[c] = true
		}
	}
}

// WithJitter sets the random source. fn must return values in [0, 1).
func WithJitter(fn func() float64) RetryOption {
	return func(p *RetryPolicy) {
		p.jitter = fn
	}
}

// NewRetryPolicy creates a policy that retries timeout and connection errors.
func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		autoRecoverable: map[ErrorCategory]bool{
			CategoryTimeout:    true,
			CategoryConnection: true,
		},
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BaseDelay returns min(initialDelay * backoffFactor^attempt, maxDelay) without jitter.
func (p *RetryPolicy) BaseDelay(strategy RetryStrategy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(strategy.InitialDelay) * math.Pow(strategy.BackoffFactor, float64(attempt))
	if delay > float64(strategy.MaxDelay) || math.IsInf(delay, 1) {
		return strategy.MaxDelay
	}
	return time.Duration(delay)
}

// DelayFor returns the backoff delay for attempt with a jitter factor in [0.8, 1.2).
func (p *RetryPolicy) DelayFor(strategy RetryStrategy, attempt int) time.Duration {
	factor := jitterMin + jitterRange*p.jitter()
	return time.Duration(float64(p.BaseDelay(strategy, attempt)) * factor)
}

// ShouldRetry reports whether the attempt that just failed with err may be retried.
// attempt is zero-based.
func (p *RetryPolicy) ShouldRetry(strategy RetryStrategy, attempt int, err *DeploymentError) bool {
	if err == nil {
		return false
	}
	if attempt >= strategy.MaxAttempts-1 {
		return false
	}
	return err.Recoverable && p.CanAutoRecover(err)
}

// CanAutoRecover reports whether the error's category is retried automatically.
func (p *RetryPolicy) CanAutoRecover(err *DeploymentError) bool {
	return err != nil && p.autoRecoverable[err.Category]
}
