// Package model defines the data structures for taskpilot's configuration,
// queue, workflows, and checkpoints.
package model

import "time"

type TaskQueue struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	Paused        bool      `yaml:"paused"`
	PausedReason  *string   `yaml:"paused_reason,omitempty"`
	Tasks         []Task    `yaml:"tasks"`
	Meta          QueueMeta `yaml:"meta"`
}

type QueueMeta struct {
	TotalAdded   int    `yaml:"total_added"`
	TotalRemoved int    `yaml:"total_removed"`
	LastModified string `yaml:"last_modified"`
}

type Task struct {
	ID             string            `yaml:"id"`
	Type           TaskType          `yaml:"type"`
	Status         Status            `yaml:"status"`
	Priority       int               `yaml:"priority"`
	Command        string            `yaml:"command"`
	Description    string            `yaml:"description"`
	RetryCount     int               `yaml:"retry_count"`
	MaxRetries     int               `yaml:"max_retries"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Metadata       map[string]string `yaml:"metadata,omitempty"`
	Workflow       *Workflow         `yaml:"workflow,omitempty"`
	LastError      *string           `yaml:"last_error,omitempty"`
	Note           *string           `yaml:"note,omitempty"`
	NotBefore      *string           `yaml:"not_before,omitempty"`
	StartedAt      *string           `yaml:"started_at,omitempty"`
	CompletedAt    *string           `yaml:"completed_at,omitempty"`
	CreatedAt      string            `yaml:"created_at"`
	UpdatedAt      string            `yaml:"updated_at"`
}

// Workflow is the ordered-step specialization of a task. Step i+1 may only
// start after step i is completed; the workflow's own status is derived.
type Workflow struct {
	Kind    string `yaml:"kind"`
	IssueID string `yaml:"issue_id,omitempty"`
	Steps   []Step `yaml:"steps"`
}

type Step struct {
	Phase       string            `yaml:"phase"`
	Command     string            `yaml:"command"`
	Status      StepStatus        `yaml:"status"`
	Attempts    int               `yaml:"attempts"`
	StartedAt   *string           `yaml:"started_at,omitempty"`
	CompletedAt *string           `yaml:"completed_at,omitempty"`
	Result      map[string]string `yaml:"result,omitempty"`
}

// DerivedStatus computes the workflow-level status from its steps: pending
// until the first step starts, completed when the last step completes, failed
// when any step has failed, in_progress otherwise.
func (w *Workflow) DerivedStatus() Status {
	if len(w.Steps) == 0 {
		return StatusPending
	}
	started := false
	completed := 0
	for _, s := range w.Steps {
		switch s.Status {
		case StepStatusFailed:
			return StatusFailed
		case StepStatusCompleted:
			completed++
			started = true
		case StepStatusInProgress:
			started = true
		}
	}
	if completed == len(w.Steps) {
		return StatusCompleted
	}
	if !started {
		return StatusPending
	}
	return StatusInProgress
}

// NextStepIndex returns the index of the first step that is not completed,
// or -1 if every step is completed. Resume logic starts here and never
// re-executes completed steps.
func (w *Workflow) NextStepIndex() int {
	for i, s := range w.Steps {
		if s.Status != StepStatusCompleted {
			return i
		}
	}
	return -1
}

type Checkpoint struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	ID            string `yaml:"id"`
	TaskID        string `yaml:"task_id"`
	Reason        string `yaml:"reason"`
	CreatedAt     string `yaml:"created_at"`
	Task          Task   `yaml:"task"`
}

type Backup struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	ID            string    `yaml:"id"`
	Reason        string    `yaml:"reason"`
	CreatedAt     string    `yaml:"created_at"`
	Queue         TaskQueue `yaml:"queue"`
	ActiveTaskIDs []string  `yaml:"active_task_ids"`
	Config        Config    `yaml:"config"`
}

type UsageLimitHistory struct {
	SchemaVersion int                    `yaml:"schema_version"`
	FileType      string                 `yaml:"file_type"`
	Occurrences   []UsageLimitOccurrence `yaml:"occurrences"`
}

type UsageLimitOccurrence struct {
	ContextID   string `yaml:"context_id"`
	DetectedAt  string `yaml:"detected_at"`
	Pattern     string `yaml:"pattern"`
	WaitSeconds int    `yaml:"wait_seconds"`
}

// Timestamp formats a time the way every persisted record stores it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTimestamp parses a persisted RFC3339 timestamp. The zero time is
// returned for empty or malformed values so sorting stays total.
func ParseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
