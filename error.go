package productionline

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrInvalidLabel ErrorCode = "InvalidLabel"
	MsgInvalidLabel string    = "timer label must not be empty"

	ErrUnknownMarker ErrorCode = "UnknownMarker"
	MsgUnknownMarker string    = "no timer marker registered under label %q"

	ErrConfiguration      ErrorCode = "Configuration"
	MsgSourceNotExist     string    = "source directory %q does not exist"
	MsgAssetNotExist      string    = "asset path %q does not exist"
	MsgSourceNotDirectory string    = "source path %q is not a directory"

	ErrStepFailed  ErrorCode = "StepFailed"
	ErrStepTimeout ErrorCode = "StepTimeout"
	MsgStepTimeout string    = "step did not signal completion within %s"

	ErrMonitorCallback ErrorCode = "MonitorCallback"

	ErrQueueRunning ErrorCode = "QueueRunning"
	MsgQueueRunning string    = "task queue is already running"

	ErrUnknownCommand ErrorCode = "UnknownCommand"
	MsgUnknownCommand string    = "command %q is not registered"

	ErrMonitorExists ErrorCode = "MonitorExists"
	MsgMonitorExists string    = "builder is already watching %q"
)

func (code ErrorCode) Error() string {
	return string(code)
}

func (code ErrorCode) WithMessage(msg string) *MessageError {
	return &MessageError{Code: code, Message: msg}
}

type MessageError struct {
	Code    ErrorCode
	Message string
}

func (me *MessageError) Error() string {
	return me.Code.Error() + ": " + me.Message
}

func (me *MessageError) Unwrap() error {
	return me.Code
}

// StepExecutionError is surfaced when a step action returns an error, panics,
// or times out. errors.Is(err, ErrStepFailed) holds for every instance.
type StepExecutionError struct {
	Code     ErrorCode
	StepName string
	Sequence int
	Cause    error
}

func newStepExecutionError(step *queuedStep, cause error) *StepExecutionError {
	code := ErrStepFailed
	if errors.Is(cause, ErrStepTimeout) {
		code = ErrStepTimeout
	}
	return &StepExecutionError{Code: code, StepName: step.label(), Sequence: step.sequence, Cause: cause}
}

func (se *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d %q failed: %s", se.Sequence, se.StepName, se.Cause.Error())
}

func (se *StepExecutionError) Unwrap() []error {
	return []error{ErrStepFailed, se.Cause}
}

// MonitorCallbackError wraps a failure raised by a file-change callback. The
// monitor keeps watching after reporting it.
type MonitorCallbackError struct {
	Action Action
	Path   string
	Cause  error
}

func (me *MonitorCallbackError) Error() string {
	return fmt.Sprintf("%s: %s %s: %s", ErrMonitorCallback, me.Action, me.Path, me.Cause.Error())
}

func (me *MonitorCallbackError) Unwrap() []error {
	return []error{ErrMonitorCallback, me.Cause}
}
