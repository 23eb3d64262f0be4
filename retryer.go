package productionline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// internal retryer to execute a step action under its RetryPolicy.
// A panic inside the action is converted into an error so the queue can halt cleanly.
type retryer struct {
	ctx         context.Context
	retryPolicy RetryPolicy
	retryReport *RetryReport
	function    func() error
}

func newRetryer(ctx context.Context, policy RetryPolicy, report *RetryReport, toRetry func() error) *retryer {
	return &retryer{ctx: ctx, retryPolicy: policy, retryReport: report, function: toRetry}
}

func (r *retryer) funcWithPanicHandled() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic caught: %v, StackTrace: %s", rec, debug.Stack())
		}
	}()
	return r.function()
}

func (r *retryer) Run() error {
	err := r.funcWithPanicHandled()
	for err != nil && r.retryPolicy != nil {
		shouldRetry, duration := r.retryPolicy.ShouldRetry(err)
		if !shouldRetry {
			break
		}
		if r.retryReport != nil {
			r.retryReport.Count++
		}
		select {
		case <-time.After(duration):
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
		err = r.funcWithPanicHandled()
	}

	return err
}
