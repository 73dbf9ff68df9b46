// Package engine executes tasks and workflows against the session executor:
// step sequencing, completion detection, usage-limit pauses, failure
// classification, and checkpoint-based resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskpilot/taskpilot/internal/classify"
	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/metrics"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/session"
	"github.com/taskpilot/taskpilot/internal/usagelimit"
	"github.com/taskpilot/taskpilot/internal/watchdog"
)

// ErrStepTimeout is returned when the watchdog expired the task mid-step.
// The task is already in timeout status by the time Run returns this.
var ErrStepTimeout = errors.New("step timed out")

// TaskStore is the slice of the queue store the engine uses.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (model.Task, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, note string) error
	Mutate(ctx context.Context, id string, fn func(t *model.Task) error) error
}

// Checkpoints is the slice of the backup manager the engine uses.
type Checkpoints interface {
	Checkpoint(task model.Task, reason string) (string, error)
	LatestCheckpoint(taskID string) (*model.Checkpoint, error)
}

// Watchdog registers step deadlines.
type Watchdog interface {
	Start(taskID string, timeout time.Duration) *watchdog.Handle
}

// Limiter is the usage-limit recovery surface the engine consumes.
type Limiter interface {
	Record(contextID string, m *usagelimit.Match, wait time.Duration) (int, error)
	EscalatedWait(base time.Duration, occurrences int) time.Duration
	DefaultCooldown() time.Duration
	Wait(ctx context.Context, d time.Duration, progress usagelimit.Progress) usagelimit.WaitResult
}

type Engine struct {
	baseDir     string
	cfg         model.Config
	store       TaskStore
	checkpoints Checkpoints
	watchdog    Watchdog
	limiter     Limiter
	sess        session.Executor
	logger      *logging.Logger

	pollInterval time.Duration
	retryDelay   time.Duration
}

func New(baseDir string, cfg model.Config, store TaskStore, cps Checkpoints, wd Watchdog, limiter Limiter, sess session.Executor, logger *logging.Logger) *Engine {
	return &Engine{
		baseDir:      baseDir,
		cfg:          cfg,
		store:        store,
		checkpoints:  cps,
		watchdog:     wd,
		limiter:      limiter,
		sess:         sess,
		logger:       logger,
		pollInterval: time.Duration(cfg.Session.PollIntervalSec) * time.Second,
		retryDelay:   time.Duration(cfg.Retry.RetryDelaySec) * time.Second,
	}
}

// Run executes the task to a terminal state. The caller has already moved it
// to in_progress. Completed steps recorded in the store or the latest
// checkpoint are never re-executed.
func (e *Engine) Run(ctx context.Context, taskID string) error {
	if err := e.ensureWorkflow(ctx, taskID); err != nil {
		return err
	}
	if err := e.adoptCheckpointProgress(ctx, taskID); err != nil {
		e.logger.Warnf("event=resume_checkpoint_skipped task=%s err=%v", taskID, err)
	}

	for {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}

		idx := task.Workflow.NextStepIndex()
		if idx == -1 {
			if err := e.store.UpdateStatus(ctx, taskID, model.StatusCompleted, ""); err != nil {
				return err
			}
			e.logger.Infof("event=task_completed task=%s steps=%d", taskID, len(task.Workflow.Steps))
			return nil
		}

		if err := e.runStep(ctx, task, idx); err != nil {
			return err
		}
	}
}

// ensureWorkflow persists the synthesized one-step workflow for plain tasks
// so step progress survives restarts.
func (e *Engine) ensureWorkflow(ctx context.Context, taskID string) error {
	return e.store.Mutate(ctx, taskID, func(t *model.Task) error {
		if t.Workflow == nil || len(t.Workflow.Steps) == 0 {
			t.Workflow = WorkflowFor(*t)
		}
		return nil
	})
}

// adoptCheckpointProgress merges step progress from the latest checkpoint
// when it is ahead of the store, which happens after the store was restored
// from an older backup.
func (e *Engine) adoptCheckpointProgress(ctx context.Context, taskID string) error {
	cp, err := e.checkpoints.LatestCheckpoint(taskID)
	if err != nil || cp == nil || cp.Task.Workflow == nil {
		return err
	}
	return e.store.Mutate(ctx, taskID, func(t *model.Task) error {
		if completedSteps(cp.Task.Workflow) > completedSteps(t.Workflow) {
			e.logger.Infof("event=resume_from_checkpoint task=%s checkpoint=%s", taskID, cp.ID)
			t.Workflow = cp.Task.Workflow
		}
		return nil
	})
}

func completedSteps(w *model.Workflow) int {
	if w == nil {
		return 0
	}
	n := 0
	for _, s := range w.Steps {
		if s.Status == model.StepStatusCompleted {
			n++
		}
	}
	return n
}

func (e *Engine) runStep(ctx context.Context, task model.Task, idx int) error {
	step := task.Workflow.Steps[idx]
	e.logger.Infof("event=step_start task=%s phase=%s attempt=%d", task.ID, step.Phase, step.Attempts+1)

	if err := e.markStep(ctx, task.ID, idx, model.StepStatusInProgress); err != nil {
		return err
	}

	if !e.sess.IsAlive() {
		if err := e.sess.StartSession(ctx); err != nil {
			return e.infrastructureFailure(ctx, task, step.Phase, fmt.Errorf("start session: %w", err))
		}
	}

	timeout := time.Duration(e.cfg.TimeoutFor(task)) * time.Second
	wd := e.watchdog.Start(task.ID, timeout)
	// Closure so the deferred stop sees the handle restarted after a
	// usage-limit pause, not the original one.
	defer func() { wd.Stop() }()

	if err := e.sess.SendCommand(ctx, step.Command); err != nil {
		wd.Stop()
		return e.stepFailure(ctx, task, idx, fmt.Errorf("send command: %w", err), "")
	}

	detector, err := NewMarkerDetector(e.cfg.Session.CompletionMarkers, e.cfg.Session.BusyPatterns,
		time.Duration(e.cfg.Session.IdleStableSec)*time.Second)
	if err != nil {
		return fmt.Errorf("build detector: %w", err)
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	captureFailures := 0
	for {
		select {
		case <-ctx.Done():
			return e.suspend(ctx, task, idx, "shutdown")
		case now := <-ticker.C:
			if wd.Expired() {
				e.markStepBestEffort(task.ID, idx, model.StepStatusFailed)
				e.terminateRunaway(detector)
				return fmt.Errorf("task %s phase %s: %w", task.ID, step.Phase, ErrStepTimeout)
			}

			out, err := e.sess.CaptureRecentOutput(e.cfg.Session.CaptureLines)
			if err != nil {
				captureFailures++
				if captureFailures >= 3 || !e.sess.IsAlive() {
					wd.Stop()
					return e.infrastructureFailure(ctx, task, step.Phase, fmt.Errorf("capture output: %w", err))
				}
				continue
			}
			captureFailures = 0

			if m := usagelimit.Detect(out); m != nil {
				wd.Stop()
				if err := e.waitOutLimit(ctx, task, idx, m, now); err != nil {
					return err
				}
				// Fresh deadline and detector for the re-sent command.
				wd = e.watchdog.Start(task.ID, timeout)
				if err := e.sess.SendCommand(ctx, step.Command); err != nil {
					wd.Stop()
					return e.stepFailure(ctx, task, idx, fmt.Errorf("resend after usage limit: %w", err), out)
				}
				detector.Reset()
				continue
			}

			if detector.Observe(out, now) {
				wd.Stop()
				return e.completeStep(ctx, task, idx)
			}
		}
	}
}

// terminateRunaway stops whatever a timed-out step left running in the
// session, so the next dispatched command is not typed into a busy pane.
// Interrupt first; if the pane still shows busy output after a settle
// window, kill the session outright. The next step restarts it.
func (e *Engine) terminateRunaway(detector *MarkerDetector) {
	if err := e.sess.Interrupt(); err != nil {
		e.logger.Warnf("event=interrupt_failed err=%v", err)
	}
	time.Sleep(e.pollInterval)

	out, err := e.sess.CaptureRecentOutput(e.cfg.Session.CaptureLines)
	if err == nil && !detector.Busy(out) {
		e.logger.Infof("event=runaway_interrupted")
		return
	}
	if kerr := e.sess.Kill(); kerr != nil {
		e.logger.Warnf("event=session_kill_failed err=%v", kerr)
		return
	}
	e.logger.Warnf("event=session_killed reason=step_timeout")
}

// waitOutLimit checkpoints, records the occurrence, and blocks until the
// computed window passes. A shutdown during the wait requeues the task with
// a not-before gate at the window's end.
func (e *Engine) waitOutLimit(ctx context.Context, task model.Task, idx int, m *usagelimit.Match, now time.Time) error {
	step := task.Workflow.Steps[idx]

	if current, err := e.store.GetTask(ctx, task.ID); err == nil {
		if _, err := e.checkpoints.Checkpoint(current, "usage_limit"); err != nil {
			e.logger.Warnf("event=usage_limit_checkpoint_failed task=%s err=%v", task.ID, err)
		}
	}

	wait := usagelimit.ComputeWait(m, now, e.limiter.DefaultCooldown())
	occurrences, err := e.limiter.Record(task.ID, m, wait)
	if err != nil {
		e.logger.Warnf("event=usage_limit_record_failed task=%s err=%v", task.ID, err)
	}
	if m.Pattern == usagelimit.PatternGeneric {
		// No explicit resume time: escalate repeat offenders.
		wait = e.limiter.EscalatedWait(wait, occurrences)
	}

	e.logger.Warnf("event=usage_limit task=%s phase=%s pattern=%s wait=%s occurrence=%d",
		task.ID, step.Phase, m.Pattern, wait, occurrences)

	resumeAt := time.Now().Add(wait)
	result := e.limiter.Wait(ctx, wait, func(elapsed, remaining time.Duration) {
		if int(elapsed.Seconds())%60 == 0 {
			e.logger.Infof("event=usage_limit_waiting task=%s remaining=%s", task.ID, remaining.Round(time.Second))
		}
	})
	if result == usagelimit.WaitCanceled {
		if err := e.requeue(task.ID, idx, &resumeAt, "usage limit wait interrupted by shutdown"); err != nil {
			e.logger.Errorf("event=requeue_failed task=%s err=%v", task.ID, err)
		}
		return fmt.Errorf("task %s: %w", task.ID, ErrUsageLimit)
	}
	metrics.UsageLimitWaitSeconds.Add(wait.Seconds())
	return nil
}

func (e *Engine) completeStep(ctx context.Context, task model.Task, idx int) error {
	if err := e.markStep(ctx, task.ID, idx, model.StepStatusCompleted); err != nil {
		return err
	}
	current, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if _, err := e.checkpoints.Checkpoint(current, "step_completed"); err != nil {
		e.logger.Warnf("event=step_checkpoint_failed task=%s err=%v", task.ID, err)
	}

	done := current.Workflow.Steps[idx]
	if done.StartedAt != nil && done.CompletedAt != nil {
		elapsed := model.ParseTimestamp(*done.CompletedAt).Sub(model.ParseTimestamp(*done.StartedAt))
		metrics.StepDuration.WithLabelValues(done.Phase).Observe(elapsed.Seconds())
	}
	e.logger.Infof("event=step_completed task=%s phase=%s", task.ID, task.Workflow.Steps[idx].Phase)
	return nil
}

// stepFailure routes a failed step through the classifier.
func (e *Engine) stepFailure(ctx context.Context, task model.Task, idx int, stepErr error, recentOutput string) error {
	phase := task.Workflow.Steps[idx].Phase

	current, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		current = task
	}

	sev := classify.Classify(stepErr.Error(), recentOutput)
	strat := classify.SelectStrategy(sev, current.RetryCount, current.MaxRetries)
	e.logger.Warnf("event=step_failure task=%s phase=%s severity=%s strategy=%s err=%v",
		task.ID, phase, sev, strat, stepErr)
	metrics.RecoveryActions.WithLabelValues(string(strat)).Inc()

	wrapped := &StepExecutionError{TaskID: task.ID, Phase: phase, Severity: sev, Strategy: strat, Err: stepErr}

	switch strat {
	case classify.StrategySimpleRetry:
		// Re-run the step immediately; the attempt counter keeps growing.
		return e.retryStep(ctx, task.ID, idx, nil)

	case classify.StrategyAutomaticRecovery:
		if err := e.bumpRetry(ctx, task.ID, stepErr); err != nil {
			return err
		}
		select {
		case <-time.After(e.retryDelay):
		case <-ctx.Done():
			return e.suspend(ctx, task, idx, "shutdown during retry delay")
		}
		return e.retryStep(ctx, task.ID, idx, nil)

	case classify.StrategyManualRecovery:
		if _, rerr := e.writeReport(current, phase, sev, strat, stepErr, recentOutput); rerr != nil {
			e.logger.Errorf("event=report_write_failed task=%s err=%v", task.ID, rerr)
		}
		e.markStepBestEffort(task.ID, idx, model.StepStatusFailed)
		if err := e.store.UpdateStatus(ctx, task.ID, model.StatusFailed, "manual recovery: "+stepErr.Error()); err != nil {
			e.logger.Errorf("event=fail_transition_failed task=%s err=%v", task.ID, err)
		}
		wrapped.Err = fmt.Errorf("%w: %v", ErrManualRecovery, stepErr)
		return wrapped

	case classify.StrategyEmergencyShutdown:
		e.markStepBestEffort(task.ID, idx, model.StepStatusFailed)
		if err := e.store.UpdateStatus(ctx, task.ID, model.StatusError, "critical: "+stepErr.Error()); err != nil {
			e.logger.Errorf("event=error_transition_failed task=%s err=%v", task.ID, err)
		}
		wrapped.Err = fmt.Errorf("%w: %v", ErrEmergencyShutdown, stepErr)
		return wrapped

	default: // safe_recovery
		if current.ID != "" {
			if _, cerr := e.checkpoints.Checkpoint(current, "safe_recovery"); cerr != nil {
				e.logger.Warnf("event=safe_recovery_checkpoint_failed task=%s err=%v", task.ID, cerr)
			}
		}
		gate := time.Now().Add(e.retryDelay)
		if err := e.requeue(task.ID, idx, &gate, "safe recovery: "+stepErr.Error()); err != nil {
			e.logger.Errorf("event=requeue_failed task=%s err=%v", task.ID, err)
		}
		return wrapped
	}
}

// retryStep resets the step to pending so the main loop picks it up again.
func (e *Engine) retryStep(ctx context.Context, taskID string, idx int, gate *time.Time) error {
	return e.store.Mutate(ctx, taskID, func(t *model.Task) error {
		s := &t.Workflow.Steps[idx]
		if err := model.ValidateStepTransition(s.Status, model.StepStatusPending); err != nil {
			return err
		}
		s.Status = model.StepStatusPending
		if gate != nil {
			g := model.Timestamp(*gate)
			t.NotBefore = &g
		}
		return nil
	})
}

// infrastructureFailure marks the task as error: the environment is broken,
// not the work.
func (e *Engine) infrastructureFailure(ctx context.Context, task model.Task, phase string, err error) error {
	e.markStepBestEffort(task.ID, task.Workflow.NextStepIndex(), model.StepStatusFailed)
	if uerr := e.store.UpdateStatus(ctx, task.ID, model.StatusError, "infrastructure: "+err.Error()); uerr != nil {
		e.logger.Errorf("event=error_transition_failed task=%s err=%v", task.ID, uerr)
	}
	return &StepExecutionError{TaskID: task.ID, Phase: phase, Severity: classify.SeverityCritical,
		Strategy: classify.StrategyEmergencyShutdown, Err: fmt.Errorf("%w: %v", ErrEmergencyShutdown, err)}
}

// suspend checkpoints current progress and requeues the task; used on
// shutdown so nothing is silently lost.
func (e *Engine) suspend(ctx context.Context, task model.Task, idx int, reason string) error {
	if current, err := e.store.GetTask(context.WithoutCancel(ctx), task.ID); err == nil {
		if _, cerr := e.checkpoints.Checkpoint(current, "suspend"); cerr != nil {
			e.logger.Warnf("event=suspend_checkpoint_failed task=%s err=%v", task.ID, cerr)
		}
	}
	if err := e.requeue(task.ID, idx, nil, reason); err != nil {
		e.logger.Errorf("event=requeue_failed task=%s err=%v", task.ID, err)
	}
	return ctx.Err()
}

// requeue returns the task to pending with its current step reopened, so a
// later run resumes exactly where this one stopped. Uses a fresh context:
// requeue must work during shutdown.
func (e *Engine) requeue(taskID string, idx int, notBefore *time.Time, note string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return e.store.Mutate(ctx, taskID, func(t *model.Task) error {
		s := &t.Workflow.Steps[idx]
		if s.Status == model.StepStatusInProgress {
			s.Status = model.StepStatusPending
		}
		if err := model.ValidateTaskTransition(t.Status, model.StatusPending); err != nil {
			return err
		}
		t.Status = model.StatusPending
		if notBefore != nil {
			g := model.Timestamp(*notBefore)
			t.NotBefore = &g
		}
		n := note
		t.Note = &n
		return nil
	})
}

func (e *Engine) bumpRetry(ctx context.Context, taskID string, stepErr error) error {
	return e.store.Mutate(ctx, taskID, func(t *model.Task) error {
		t.RetryCount++
		msg := stepErr.Error()
		t.LastError = &msg
		return nil
	})
}

func (e *Engine) markStep(ctx context.Context, taskID string, idx int, status model.StepStatus) error {
	return e.store.Mutate(ctx, taskID, func(t *model.Task) error {
		s := &t.Workflow.Steps[idx]
		if err := model.ValidateStepTransition(s.Status, status); err != nil {
			return err
		}
		now := model.Timestamp(time.Now())
		s.Status = status
		switch status {
		case model.StepStatusInProgress:
			s.Attempts++
			s.StartedAt = &now
		case model.StepStatusCompleted, model.StepStatusFailed:
			s.CompletedAt = &now
		}
		return nil
	})
}

func (e *Engine) markStepBestEffort(taskID string, idx int, status model.StepStatus) {
	if idx < 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.markStep(ctx, taskID, idx, status); err != nil {
		e.logger.Warnf("event=step_mark_failed task=%s step=%d status=%s err=%v", taskID, idx, status, err)
	}
}
