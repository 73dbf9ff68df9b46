package engine

import (
	"errors"
	"fmt"

	"github.com/taskpilot/taskpilot/internal/classify"
)

var (
	// ErrEmergencyShutdown tells the daemon a Critical condition requires
	// stopping everything after a final backup.
	ErrEmergencyShutdown = errors.New("emergency shutdown requested")

	// ErrUsageLimit marks a run interrupted while waiting out a usage
	// limit; the task is requeued with a not-before gate, not failed.
	ErrUsageLimit = errors.New("usage limit pause")

	// ErrManualRecovery marks a task failed with a diagnostic report
	// written for a human to act on.
	ErrManualRecovery = errors.New("manual recovery required")
)

// StepExecutionError carries the step context and classification of a step
// failure up to the daemon.
type StepExecutionError struct {
	TaskID   string
	Phase    string
	Severity classify.Severity
	Strategy classify.Strategy
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s of task %s failed (%s/%s): %v", e.Phase, e.TaskID, e.Severity, e.Strategy, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}
