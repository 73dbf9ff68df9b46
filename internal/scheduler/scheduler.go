// Package scheduler picks the next runnable task out of a queue snapshot.
// Selection is pure: callers pass the snapshot and the clock, the scheduler
// never touches storage.
package scheduler

import (
	"sort"
	"time"

	"github.com/taskpilot/taskpilot/internal/model"
)

// Next returns the task that should run now: the highest-priority pending
// task, FIFO within a priority band. Returns nil when the queue is paused or
// nothing is eligible. Tasks with a future not_before gate are skipped.
func Next(q model.TaskQueue, now time.Time) *model.Task {
	if q.Paused {
		return nil
	}
	eligible := Eligible(q, now)
	if len(eligible) == 0 {
		return nil
	}
	t := eligible[0]
	return &t
}

// Eligible returns every runnable pending task in execution order: priority
// descending, then created_at ascending. created_at has second granularity,
// so the stable sort keeps enqueue order for same-second arrivals and FIFO
// holds within a priority band.
func Eligible(q model.TaskQueue, now time.Time) []model.Task {
	var out []model.Task
	for _, t := range q.Tasks {
		if t.Status != model.StatusPending {
			continue
		}
		if gatedUntil(t).After(now) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return model.ParseTimestamp(out[i].CreatedAt).Before(model.ParseTimestamp(out[j].CreatedAt))
	})
	return out
}

// NextWakeup returns the earliest not_before gate among pending tasks that
// are currently blocked on time, or the zero time when none are. The daemon
// uses it to schedule a scan ahead of the regular interval.
func NextWakeup(q model.TaskQueue, now time.Time) time.Time {
	var earliest time.Time
	for _, t := range q.Tasks {
		if t.Status != model.StatusPending {
			continue
		}
		gate := gatedUntil(t)
		if !gate.After(now) {
			continue
		}
		if earliest.IsZero() || gate.Before(earliest) {
			earliest = gate
		}
	}
	return earliest
}

// InFlight counts tasks currently in_progress.
func InFlight(q model.TaskQueue) int {
	n := 0
	for _, t := range q.Tasks {
		if t.Status == model.StatusInProgress {
			n++
		}
	}
	return n
}

func gatedUntil(t model.Task) time.Time {
	if t.NotBefore == nil || *t.NotBefore == "" {
		return time.Time{}
	}
	return model.ParseTimestamp(*t.NotBefore)
}
