package engine

import (
	"fmt"

	"github.com/taskpilot/taskpilot/internal/model"
)

// Workflow kinds with built-in step templates.
const (
	KindIssueMerge = "issue_merge"
	KindSingle     = "single"
)

// Phases of the issue-merge workflow, in execution order.
const (
	PhaseDevelop = "develop"
	PhaseClear   = "clear"
	PhaseReview  = "review"
	PhaseMerge   = "merge"
	PhaseRun     = "run"
)

// IssueMergeWorkflow builds the fixed develop → clear → review → merge
// sequence for a GitHub issue, each command templated from the issue id.
func IssueMergeWorkflow(issueID string) *model.Workflow {
	return &model.Workflow{
		Kind:    KindIssueMerge,
		IssueID: issueID,
		Steps: []model.Step{
			{
				Phase:   PhaseDevelop,
				Command: fmt.Sprintf("Work on issue #%s: implement the change it describes, run the test suite, and commit the result.", issueID),
				Status:  model.StepStatusPending,
			},
			{
				Phase:   PhaseClear,
				Command: "/clear",
				Status:  model.StepStatusPending,
			},
			{
				Phase:   PhaseReview,
				Command: fmt.Sprintf("Review the committed changes for issue #%s: check correctness, style, and test coverage, and fix anything that fails review.", issueID),
				Status:  model.StepStatusPending,
			},
			{
				Phase:   PhaseMerge,
				Command: fmt.Sprintf("Merge the approved changes for issue #%s into the main branch and close the issue.", issueID),
				Status:  model.StepStatusPending,
			},
		},
	}
}

// SingleStepWorkflow wraps a plain command as a one-step workflow so every
// task runs through the same step machinery.
func SingleStepWorkflow(command string) *model.Workflow {
	return &model.Workflow{
		Kind: KindSingle,
		Steps: []model.Step{
			{Phase: PhaseRun, Command: command, Status: model.StepStatusPending},
		},
	}
}

// WorkflowFor returns the workflow to execute for a task, synthesizing the
// one-step wrapper for plain tasks.
func WorkflowFor(t model.Task) *model.Workflow {
	if t.Workflow != nil && len(t.Workflow.Steps) > 0 {
		return t.Workflow
	}
	return SingleStepWorkflow(t.Command)
}
