package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusError      Status = "error"
)

type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

type TaskType string

const (
	TypeCustom      TaskType = "custom"
	TypeGitHubIssue TaskType = "github_issue"
	TypeGitHubPR    TaskType = "github_pr"
	TypeWorkflow    TaskType = "workflow"
)

var validTaskTypes = map[TaskType]bool{
	TypeCustom:      true,
	TypeGitHubIssue: true,
	TypeGitHubPR:    true,
	TypeWorkflow:    true,
}

func ValidTaskType(t TaskType) bool {
	return validTaskTypes[t]
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusTimeout:   true,
	StatusError:     true,
}

// Task status transitions: pending ↔ in_progress → terminal.
// pending → completed is forbidden: completion is only reachable through
// in_progress, so every completed task has an in_progress checkpoint behind it.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusFailed:     true,
		StatusError:      true,
	},
	StatusInProgress: {
		StatusPending:   true, // requeue after crash recovery or usage-limit abort
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimeout:   true,
		StatusError:     true,
	},
}

var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepStatusPending: {
		StepStatusInProgress: true,
	},
	StepStatusInProgress: {
		StepStatusPending:   true, // retry resets the step
		StepStatusCompleted: true,
		StepStatusFailed:    true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsStepTerminal(s StepStatus) bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateStepTransition(from, to StepStatus) error {
	if IsStepTerminal(from) && !(from == StepStatusFailed && to == StepStatusPending) {
		return fmt.Errorf("cannot transition from terminal step status %q", from)
	}
	if from == StepStatusFailed && to == StepStatusPending {
		// resume/retry may reopen a failed step
		return nil
	}
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("unknown step status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q → %q", from, to)
	}
	return nil
}
