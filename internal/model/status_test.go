package model

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
		{StatusError, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct {
		from, to Status
	}{
		{StatusPending, StatusInProgress},
		{StatusPending, StatusFailed},
		{StatusInProgress, StatusPending},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusTimeout},
		{StatusInProgress, StatusError},
	}
	for _, tt := range valid {
		if err := ValidateTaskTransition(tt.from, tt.to); err != nil {
			t.Errorf("ValidateTaskTransition(%q, %q) = %v, want nil", tt.from, tt.to, err)
		}
	}

	invalid := []struct {
		from, to Status
	}{
		{StatusPending, StatusCompleted}, // must pass through in_progress
		{StatusPending, StatusTimeout},
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusInProgress},
		{StatusTimeout, StatusCompleted},
	}
	for _, tt := range invalid {
		if err := ValidateTaskTransition(tt.from, tt.to); err == nil {
			t.Errorf("ValidateTaskTransition(%q, %q) = nil, want error", tt.from, tt.to)
		}
	}
}

func TestValidateStepTransition(t *testing.T) {
	if err := ValidateStepTransition(StepStatusPending, StepStatusInProgress); err != nil {
		t.Errorf("pending → in_progress: %v", err)
	}
	if err := ValidateStepTransition(StepStatusInProgress, StepStatusCompleted); err != nil {
		t.Errorf("in_progress → completed: %v", err)
	}
	if err := ValidateStepTransition(StepStatusFailed, StepStatusPending); err != nil {
		t.Errorf("failed → pending (retry reopen): %v", err)
	}
	if err := ValidateStepTransition(StepStatusCompleted, StepStatusInProgress); err == nil {
		t.Error("completed → in_progress should be rejected")
	}
	if err := ValidateStepTransition(StepStatusPending, StepStatusCompleted); err == nil {
		t.Error("pending → completed should be rejected")
	}
}

func TestWorkflowDerivedStatus(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  Status
	}{
		{"empty", nil, StatusPending},
		{"all pending", []Step{{Status: StepStatusPending}, {Status: StepStatusPending}}, StatusPending},
		{"first running", []Step{{Status: StepStatusInProgress}, {Status: StepStatusPending}}, StatusInProgress},
		{"partial", []Step{{Status: StepStatusCompleted}, {Status: StepStatusPending}}, StatusInProgress},
		{"all done", []Step{{Status: StepStatusCompleted}, {Status: StepStatusCompleted}}, StatusCompleted},
		{"one failed", []Step{{Status: StepStatusCompleted}, {Status: StepStatusFailed}}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Workflow{Steps: tt.steps}
			if got := w.DerivedStatus(); got != tt.want {
				t.Errorf("DerivedStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWorkflowNextStepIndex(t *testing.T) {
	w := &Workflow{Steps: []Step{
		{Phase: "develop", Status: StepStatusCompleted},
		{Phase: "clear", Status: StepStatusCompleted},
		{Phase: "review", Status: StepStatusPending},
		{Phase: "merge", Status: StepStatusPending},
	}}
	if got := w.NextStepIndex(); got != 2 {
		t.Errorf("NextStepIndex() = %d, want 2", got)
	}

	for i := range w.Steps {
		w.Steps[i].Status = StepStatusCompleted
	}
	if got := w.NextStepIndex(); got != -1 {
		t.Errorf("NextStepIndex() on complete workflow = %d, want -1", got)
	}
}
