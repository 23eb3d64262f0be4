package productionline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type StepState string

const StepStatePending StepState = "pending"
const StepStateRunning StepState = "running"
const StepStateFailed StepState = "failed"
const StepStateCompleted StepState = "completed"

type stepKind string

const stepKindSync stepKind = "sync"
const stepKindAsync stepKind = "async"

// ActionFunc is a step action that completes when it returns.
type ActionFunc func(ctx context.Context) error

// AsyncActionFunc is a step action that completes when done is invoked.
type AsyncActionFunc func(ctx context.Context, done Done)

// Done signals completion of an asynchronous step. Only the first call counts;
// a non-nil error fails the step.
type Done func(err error)

// Step is the unit of work registered on a TaskQueue. Build one with Sync or Async.
type Step struct {
	kind   stepKind
	action ActionFunc
	async  AsyncActionFunc
}

// Sync wraps an action that completes when it returns.
func Sync(fn ActionFunc) Step {
	return Step{kind: stepKindSync, action: fn}
}

// Async wraps an action that completes when it calls done.
func Async(fn AsyncActionFunc) Step {
	return Step{kind: stepKindAsync, async: fn}
}

// IsAsync reports whether the step completes through an explicit Done signal.
func (s Step) IsAsync() bool {
	return s.kind == stepKindAsync
}

// invoke runs the action and blocks until it has completed.
func (s Step) invoke(ctx context.Context) error {
	switch s.kind {
	case stepKindSync:
		if s.action == nil {
			return nil
		}
		return s.action(ctx)
	case stepKindAsync:
		if s.async == nil {
			return nil
		}
		result := make(chan error, 1)
		var once sync.Once
		s.async(ctx, func(err error) {
			once.Do(func() { result <- err })
		})
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.kind)
	}
}

// StepInfo is a read-only snapshot of a registered step.
type StepInfo struct {
	Name          string
	Label         string
	Sequence      int
	Async         bool
	State         StepState
	ExecutionData StepExecutionData
}

type queuedStep struct {
	name     string
	sequence int
	step     Step
	options  *StepExecutionOptions

	mu            sync.RWMutex
	state         StepState
	executionData *StepExecutionData
}

func newQueuedStep(name string, sequence int, step Step, optionDecorators ...StepOptionPreparer) *queuedStep {
	qs := &queuedStep{
		name:          name,
		sequence:      sequence,
		step:          step,
		options:       &StepExecutionOptions{},
		state:         StepStatePending,
		executionData: &StepExecutionData{},
	}

	for _, decorator := range optionDecorators {
		qs.options = decorator(qs.options)
	}

	return qs
}

// label is the display and timer key of a step: its name, or "STEP n" when unnamed.
func (qs *queuedStep) label() string {
	if qs.name != "" {
		return qs.name
	}
	return fmt.Sprintf("STEP %d", qs.sequence)
}

func (qs *queuedStep) info() StepInfo {
	qs.mu.RLock()
	defer qs.mu.RUnlock()

	data := *qs.executionData
	if qs.executionData.Retried != nil {
		retried := *qs.executionData.Retried
		data.Retried = &retried
	}

	return StepInfo{
		Name:          qs.name,
		Label:         qs.label(),
		Sequence:      qs.sequence,
		Async:         qs.step.IsAsync(),
		State:         qs.state,
		ExecutionData: data,
	}
}

// run executes the action with the step's timeout and retry policy applied.
func (qs *queuedStep) run(ctx context.Context) error {
	if qs.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qs.options.Timeout)
		defer cancel()
	}

	var report *RetryReport
	if qs.options.RetryPolicy != nil {
		report = &RetryReport{}
	}

	err := newRetryer(ctx, qs.options.RetryPolicy, report, func() error { return qs.step.invoke(ctx) }).Run()
	if report != nil {
		qs.mu.Lock()
		qs.executionData.Retried = report
		qs.mu.Unlock()
	}
	if err != nil && qs.options.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		return ErrStepTimeout.WithMessage(fmt.Sprintf(MsgStepTimeout, qs.options.Timeout))
	}
	return err
}
