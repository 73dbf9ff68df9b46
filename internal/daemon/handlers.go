package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskpilot/taskpilot/internal/engine"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/scheduler"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/uds"
)

// Wire shapes shared with the CLI.

type AddParams struct {
	ID          string            `json:"id,omitempty"`
	Type        string            `json:"type"`
	Priority    int               `json:"priority"`
	Command     string            `json:"command,omitempty"`
	Description string            `json:"description"`
	MaxRetries  int               `json:"max_retries,omitempty"`
	TimeoutSec  int               `json:"timeout_sec,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ListParams struct {
	Status      string `json:"status,omitempty"`
	Type        string `json:"type,omitempty"`
	PriorityMin *int   `json:"priority_min,omitempty"`
	PriorityMax *int   `json:"priority_max,omitempty"`
	Search      string `json:"search,omitempty"`
}

type IDParams struct {
	ID string `json:"id"`
}

type PauseParams struct {
	Reason string `json:"reason,omitempty"`
}

type CleanupParams struct {
	OlderThanDays int `json:"older_than_days,omitempty"`
}

type WorkflowCreateParams struct {
	Issue    string `json:"issue"`
	Priority int    `json:"priority"`
}

type StatusReport struct {
	Paused       bool           `json:"paused"`
	PausedReason string         `json:"paused_reason,omitempty"`
	Counts       map[string]int `json:"counts"`
	InFlight     int            `json:"in_flight"`
	TotalAdded   int            `json:"total_added"`
	TotalRemoved int            `json:"total_removed"`
	LastModified string         `json:"last_modified,omitempty"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle("scan", func(*uds.Request) *uds.Response {
		d.Wake()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})
	d.server.Handle("shutdown", func(*uds.Request) *uds.Response {
		d.logger.Infof("event=shutdown_requested source=uds")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("add", d.handleAdd)
	d.server.Handle("list", d.handleList)
	d.server.Handle("remove", d.handleRemove)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("pause", d.handlePause)
	d.server.Handle("resume", d.handleResume)
	d.server.Handle("clear", d.handleClear)
	d.server.Handle("cleanup", d.handleCleanup)
	d.server.Handle("workflow_create", d.handleWorkflowCreate)
	d.server.Handle("workflow_execute", d.handleWorkflowExecute)
	d.server.Handle("workflow_resume", d.handleWorkflowResume)
}

func (d *Daemon) handleAdd(req *uds.Request) *uds.Response {
	var p AddParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Description == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "description is required")
	}

	q, err := d.store.Snapshot(d.ctx)
	if err != nil {
		return errResponse(err)
	}
	if q.Paused {
		return errResponse(fmt.Errorf("cannot add while paused: %w", store.ErrQueuePaused))
	}

	id, err := d.store.AddTask(d.ctx, store.TaskSpec{
		ID:          p.ID,
		Type:        model.TaskType(p.Type),
		Priority:    p.Priority,
		Command:     p.Command,
		Description: p.Description,
		MaxRetries:  p.MaxRetries,
		TimeoutSec:  p.TimeoutSec,
		Metadata:    p.Metadata,
	})
	if err != nil {
		return errResponse(err)
	}

	d.bus.Publish(events.EventTaskAdded, map[string]any{"task_id": id, "type": p.Type})
	d.Wake()
	return uds.SuccessResponse(map[string]string{"task_id": id})
}

func (d *Daemon) handleList(req *uds.Request) *uds.Response {
	var p ListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}

	tasks, err := d.store.List(d.ctx, store.Filter{
		Status:      model.Status(p.Status),
		Type:        model.TaskType(p.Type),
		PriorityMin: p.PriorityMin,
		PriorityMax: p.PriorityMax,
		Search:      p.Search,
	})
	if err != nil {
		return errResponse(err)
	}
	return uds.SuccessResponse(map[string]any{"tasks": tasks})
}

func (d *Daemon) handleRemove(req *uds.Request) *uds.Response {
	var p IDParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := d.store.RemoveTask(d.ctx, p.ID); err != nil {
		return errResponse(err)
	}
	d.bus.Publish(events.EventTaskRemoved, map[string]any{"task_id": p.ID})
	return uds.SuccessResponse(map[string]string{"task_id": p.ID})
}

func (d *Daemon) handleStatus(*uds.Request) *uds.Response {
	q, err := d.store.Snapshot(d.ctx)
	if err != nil {
		return errResponse(err)
	}
	return uds.SuccessResponse(BuildStatusReport(q))
}

// BuildStatusReport summarizes a queue snapshot. Shared with the CLI's
// daemonless read path.
func BuildStatusReport(q model.TaskQueue) StatusReport {
	report := StatusReport{
		Paused:       q.Paused,
		Counts:       map[string]int{},
		InFlight:     scheduler.InFlight(q),
		TotalAdded:   q.Meta.TotalAdded,
		TotalRemoved: q.Meta.TotalRemoved,
		LastModified: q.Meta.LastModified,
	}
	if q.PausedReason != nil {
		report.PausedReason = *q.PausedReason
	}
	for _, t := range q.Tasks {
		report.Counts[string(t.Status)]++
	}
	return report
}

func (d *Daemon) handlePause(req *uds.Request) *uds.Response {
	var p PauseParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}
	if err := d.store.Pause(d.ctx, p.Reason); err != nil {
		return errResponse(err)
	}
	d.bus.Publish(events.EventQueuePaused, map[string]any{"reason": p.Reason})
	d.refreshGauges()
	return uds.SuccessResponse(map[string]string{"status": "paused"})
}

func (d *Daemon) handleResume(*uds.Request) *uds.Response {
	if err := d.store.Resume(d.ctx); err != nil {
		return errResponse(err)
	}
	d.bus.Publish(events.EventQueueResumed, nil)
	d.refreshGauges()
	d.Wake()
	return uds.SuccessResponse(map[string]string{"status": "resumed"})
}

func (d *Daemon) handleClear(*uds.Request) *uds.Response {
	removed, err := d.store.ClearPending(d.ctx)
	if err != nil {
		return errResponse(err)
	}
	d.refreshGauges()
	return uds.SuccessResponse(map[string]int{"removed": removed})
}

func (d *Daemon) handleCleanup(req *uds.Request) *uds.Response {
	var p CleanupParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}
	days := p.OlderThanDays
	if days <= 0 {
		days = d.cfg.Queue.RetentionDays
	}

	removed, err := d.store.CleanupTerminal(d.ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return errResponse(err)
	}
	pruned, err := d.backups.Cleanup()
	if err != nil {
		d.logger.Warnf("event=backup_cleanup_failed err=%v", err)
	}
	return uds.SuccessResponse(map[string]int{"tasks_removed": removed, "backups_pruned": pruned})
}

func (d *Daemon) handleWorkflowCreate(req *uds.Request) *uds.Response {
	var p WorkflowCreateParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Issue == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "issue number is required")
	}

	id, err := d.store.AddTask(d.ctx, store.TaskSpec{
		Type:        model.TypeWorkflow,
		Priority:    p.Priority,
		Description: fmt.Sprintf("issue-merge workflow for issue #%s", p.Issue),
		Workflow:    engine.IssueMergeWorkflow(p.Issue),
		Metadata:    map[string]string{"issue": p.Issue},
	})
	if err != nil {
		return errResponse(err)
	}

	d.bus.Publish(events.EventTaskAdded, map[string]any{"task_id": id, "type": string(model.TypeWorkflow)})
	return uds.SuccessResponse(map[string]string{"task_id": id})
}

// handleWorkflowExecute nudges a pending task to the front of the runner's
// attention. Execution order is still the scheduler's call.
func (d *Daemon) handleWorkflowExecute(req *uds.Request) *uds.Response {
	var p IDParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	task, err := d.store.GetTask(d.ctx, p.ID)
	if err != nil {
		return errResponse(err)
	}
	if task.Status != model.StatusPending {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("task %s is %s, only pending tasks can be executed", p.ID, task.Status))
	}
	if task.NotBefore != nil {
		if gate := model.ParseTimestamp(*task.NotBefore); gate.After(time.Now()) {
			return uds.ErrorResponse(uds.ErrCodeUsageLimit,
				fmt.Sprintf("task %s is deferred until %s", p.ID, gate.Format(time.RFC3339)))
		}
	}

	d.Wake()
	return uds.SuccessResponse(map[string]string{"task_id": p.ID, "status": "queued"})
}

// handleWorkflowResume reopens a terminal workflow task as a fresh pending
// task carrying the surviving step progress. Completed steps stay completed;
// failed steps are reset so the engine retries from there. Terminal records
// themselves are immutable, so resume clones rather than mutates.
func (d *Daemon) handleWorkflowResume(req *uds.Request) *uds.Response {
	var p IDParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	task, err := d.store.GetTask(d.ctx, p.ID)
	if err != nil {
		return errResponse(err)
	}

	switch task.Status {
	case model.StatusPending:
		d.Wake()
		return uds.SuccessResponse(map[string]string{"task_id": p.ID, "status": "queued"})
	case model.StatusInProgress:
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("task %s is already running", p.ID))
	}

	wf := task.Workflow
	if cp, err := d.backups.LatestCheckpoint(p.ID); err == nil && cp != nil && cp.Task.Workflow != nil {
		// Prefer checkpointed progress when it is further along.
		if wf == nil || completedSteps(cp.Task.Workflow) > completedSteps(wf) {
			wf = cp.Task.Workflow
		}
	}
	if wf == nil || len(wf.Steps) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("task %s has no workflow to resume", p.ID))
	}
	if wf.NextStepIndex() == -1 {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("task %s already completed every step", p.ID))
	}

	resumed := cloneForResume(*wf)
	id, err := d.store.AddTask(d.ctx, store.TaskSpec{
		Type:        task.Type,
		Priority:    task.Priority,
		Command:     task.Command,
		Description: task.Description,
		MaxRetries:  task.MaxRetries,
		TimeoutSec:  task.TimeoutSeconds,
		Metadata:    task.Metadata,
		Workflow:    &resumed,
	})
	if err != nil {
		return errResponse(err)
	}

	d.bus.Publish(events.EventTaskAdded, map[string]any{
		"task_id":    id,
		"resumed_of": p.ID,
	})
	d.Wake()
	return uds.SuccessResponse(map[string]string{"task_id": id, "resumed_of": p.ID})
}

// cloneForResume copies a workflow, resetting non-completed steps to pending.
func cloneForResume(wf model.Workflow) model.Workflow {
	out := wf
	out.Steps = make([]model.Step, len(wf.Steps))
	copy(out.Steps, wf.Steps)
	for i := range out.Steps {
		if out.Steps[i].Status != model.StepStatusCompleted {
			out.Steps[i].Status = model.StepStatusPending
			out.Steps[i].StartedAt = nil
			out.Steps[i].CompletedAt = nil
		}
	}
	return out
}

func completedSteps(wf *model.Workflow) int {
	n := 0
	for _, s := range wf.Steps {
		if s.Status == model.StepStatusCompleted {
			n++
		}
	}
	return n
}

// errResponse maps store sentinels onto wire error codes.
func errResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, store.ErrDuplicateID):
		return uds.ErrorResponse(uds.ErrCodeDuplicate, err.Error())
	case errors.Is(err, store.ErrQueueFull):
		return uds.ErrorResponse(uds.ErrCodeQueueFull, err.Error())
	case errors.Is(err, store.ErrQueuePaused):
		return uds.ErrorResponse(uds.ErrCodeQueuePaused, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
