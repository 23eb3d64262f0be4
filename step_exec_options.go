package productionline

import (
	"sync"
	"time"
)

type StepExecutionOptions struct {
	// Timeout bounds how long the step may take to signal completion. Zero means no limit.
	Timeout     time.Duration
	RetryPolicy RetryPolicy
}

// RetryPolicy decides whether a failed step action is invoked again, and after how long.
type RetryPolicy interface {
	ShouldRetry(error) (bool, time.Duration)
}

type StepOptionPreparer func(*StepExecutionOptions) *StepExecutionOptions

func WithRetry(retryPolicy RetryPolicy) StepOptionPreparer {
	return func(options *StepExecutionOptions) *StepExecutionOptions {
		options.RetryPolicy = retryPolicy
		return options
	}
}

func WithTimeout(timeout time.Duration) StepOptionPreparer {
	return func(options *StepExecutionOptions) *StepExecutionOptions {
		options.Timeout = timeout
		return options
	}
}

type linearRetryPolicy struct {
	sleepInterval time.Duration
	maxRetryCount int

	mu    sync.Mutex
	tried int
}

// NewLinearRetryPolicy retries up to maxRetryCount times, sleeping sleepInterval between attempts.
// The budget is spent by every step the policy is attached to, across runs; give each step its own
// policy for an independent budget.
func NewLinearRetryPolicy(sleepInterval time.Duration, maxRetryCount int) RetryPolicy {
	return &linearRetryPolicy{
		sleepInterval: sleepInterval,
		maxRetryCount: maxRetryCount,
	}
}

func (lrp *linearRetryPolicy) ShouldRetry(error) (bool, time.Duration) {
	lrp.mu.Lock()
	defer lrp.mu.Unlock()
	if lrp.tried < lrp.maxRetryCount {
		lrp.tried++
		return true, lrp.sleepInterval
	}
	return false, 0
}
