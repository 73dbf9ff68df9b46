package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/taskpilot/taskpilot/internal/engine"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/metrics"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/scheduler"
)

// runnerLoop claims and executes tasks until the daemon context is cancelled.
// It sleeps on the scan ticker, the wake channel, and the earliest NotBefore
// gate, whichever fires first.
func (d *Daemon) runnerLoop() error {
	scanInterval := time.Duration(d.cfg.Daemon.ScanIntervalSec) * time.Second
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		d.drainQueue()

		sleep := scanInterval
		if q, err := d.store.Snapshot(d.ctx); err == nil {
			d.maintain(q)
			if next := scheduler.NextWakeup(q, time.Now()); !next.IsZero() {
				if until := time.Until(next); until > 0 && until < sleep {
					sleep = until
				}
			}
		}

		gate := time.NewTimer(sleep)
		select {
		case <-d.ctx.Done():
			gate.Stop()
			return nil
		case <-d.wake:
			gate.Stop()
		case <-ticker.C:
			gate.Stop()
		case <-gate.C:
		}
	}
}

// drainQueue runs eligible tasks back to back until the queue has nothing
// ready or the daemon is shutting down.
func (d *Daemon) drainQueue() {
	for {
		if d.ctx.Err() != nil {
			return
		}
		task, ok := d.claimNext()
		if !ok {
			return
		}
		d.runTask(task)
	}
}

// claimNext picks the scheduler's next task and transitions it to
// in_progress. A lost race with a sibling runner shows up as a transition
// rejection and is not an error.
func (d *Daemon) claimNext() (model.Task, bool) {
	q, err := d.store.Snapshot(d.ctx)
	if err != nil {
		d.logger.Errorf("event=claim_snapshot_failed err=%v", err)
		return model.Task{}, false
	}

	next := scheduler.Next(q, time.Now())
	if next == nil {
		return model.Task{}, false
	}

	if err := d.store.UpdateStatus(d.ctx, next.ID, model.StatusInProgress, "claimed by runner"); err != nil {
		d.logger.Debugf("event=claim_lost task=%s err=%v", next.ID, err)
		return model.Task{}, false
	}
	return *next, true
}

func (d *Daemon) runTask(task model.Task) {
	d.running.Add(1)
	defer d.running.Add(-1)

	metrics.TasksStarted.WithLabelValues(string(task.Type)).Inc()
	d.bus.Publish(events.EventTaskStarted, map[string]any{
		"task_id":  task.ID,
		"type":     string(task.Type),
		"priority": task.Priority,
	})

	start := time.Now()
	err := d.engine.Run(d.ctx, task.ID)
	d.finishTask(task, err, time.Since(start))
	d.refreshGauges()
}

// finishTask translates the engine's outcome into events and metrics. The
// engine has already persisted the task's terminal (or requeued) state.
func (d *Daemon) finishTask(task model.Task, err error, elapsed time.Duration) {
	taskType := string(task.Type)

	switch {
	case err == nil:
		metrics.TasksCompleted.WithLabelValues(taskType, "completed").Inc()
		d.bus.Publish(events.EventTaskCompleted, map[string]any{
			"task_id":         task.ID,
			"elapsed_seconds": int(elapsed.Seconds()),
		})

	case errors.Is(err, context.Canceled):
		// Shutdown suspension: the engine checkpointed and requeued.
		d.logger.Infof("event=task_suspended task=%s", task.ID)

	case errors.Is(err, engine.ErrUsageLimit):
		metrics.UsageLimitHits.Inc()
		d.bus.Publish(events.EventUsageLimit, map[string]any{"task_id": task.ID})
		d.logger.Warnf("event=task_deferred_usage_limit task=%s", task.ID)

	case errors.Is(err, engine.ErrStepTimeout):
		metrics.TasksCompleted.WithLabelValues(taskType, "timeout").Inc()
		d.bus.Publish(events.EventTaskTimeout, map[string]any{"task_id": task.ID})

	case errors.Is(err, engine.ErrEmergencyShutdown):
		metrics.TasksCompleted.WithLabelValues(taskType, "error").Inc()
		d.bus.Publish(events.EventTaskFailed, map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		d.logger.Errorf("event=critical_failure task=%s err=%v", task.ID, err)
		d.emergencyShutdown("critical_task_failure", []string{task.ID})

	default:
		metrics.TasksCompleted.WithLabelValues(taskType, "failed").Inc()
		d.bus.Publish(events.EventTaskFailed, map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		d.logger.Errorf("event=task_failed task=%s err=%v", task.ID, err)
	}
}

// maintain performs the periodic housekeeping attached to each scan cycle:
// terminal-task retention and backup pruning are cheap enough to run inline.
func (d *Daemon) maintain(q model.TaskQueue) {
	metrics.ObserveQueue(q)

	retention := time.Duration(d.cfg.Queue.RetentionDays) * 24 * time.Hour
	if removed, err := d.store.CleanupTerminal(d.ctx, retention); err == nil && removed > 0 {
		d.logger.Infof("event=retention_sweep removed=%d", removed)
	}
}
