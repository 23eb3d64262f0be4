package productionline

import (
	"time"
)

// StepExecutionData is the wall-clock record of a step's last execution.
type StepExecutionData struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Retried   *RetryReport
}

// RetryReport counts the extra attempts made under a RetryPolicy.
type RetryReport struct {
	Count uint
}
