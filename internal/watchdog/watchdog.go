// Package watchdog enforces per-task execution timeouts. Each monitored task
// gets its own goroutine that emits a warning as the deadline approaches and,
// on expiry, checkpoints the task and forces it into the timeout status.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
)

// TaskStore is the slice of the queue store the watchdog needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (model.Task, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, note string) error
}

// Checkpointer snapshots a task before the forced timeout transition.
type Checkpointer interface {
	Checkpoint(task model.Task, reason string) (string, error)
}

// ExpireFunc is invoked after the store transition so the engine can tear
// down whatever the task was doing.
type ExpireFunc func(taskID string)

// WarnFunc is invoked once when the remaining time crosses the warning
// threshold.
type WarnFunc func(taskID string, remaining time.Duration)

type Monitor struct {
	warnThreshold time.Duration
	store         TaskStore
	checkpointer  Checkpointer
	logger        *logging.Logger

	onWarn   WarnFunc
	onExpire ExpireFunc

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewMonitor(store TaskStore, cp Checkpointer, warnThreshold time.Duration, logger *logging.Logger) *Monitor {
	return &Monitor{
		warnThreshold: warnThreshold,
		store:         store,
		checkpointer:  cp,
		logger:        logger,
		handles:       make(map[string]*Handle),
	}
}

// SetCallbacks wires the warning and expiry hooks. Call before Start.
func (m *Monitor) SetCallbacks(onWarn WarnFunc, onExpire ExpireFunc) {
	m.onWarn = onWarn
	m.onExpire = onExpire
}

// Handle tracks one monitored task. Stop it when the task finishes normally;
// stopping after expiry is a no-op either way.
type Handle struct {
	taskID  string
	stop    chan struct{}
	once    sync.Once
	expired atomic.Bool
}

// Stop cancels monitoring. Safe to call multiple times and after expiry.
func (h *Handle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Expired reports whether the deadline fired for this handle.
func (h *Handle) Expired() bool {
	return h.expired.Load()
}

// Start begins monitoring taskID with the given timeout. Concurrent handles
// for different tasks are independent; starting a second handle for the same
// task replaces (stops) the first.
func (m *Monitor) Start(taskID string, timeout time.Duration) *Handle {
	h := &Handle{taskID: taskID, stop: make(chan struct{})}

	m.mu.Lock()
	if prev, ok := m.handles[taskID]; ok {
		prev.Stop()
	}
	m.handles[taskID] = h
	m.mu.Unlock()

	go m.run(h, timeout)
	return h
}

func (m *Monitor) run(h *Handle, timeout time.Duration) {
	defer func() {
		m.mu.Lock()
		if m.handles[h.taskID] == h {
			delete(m.handles, h.taskID)
		}
		m.mu.Unlock()
	}()

	expire := time.NewTimer(timeout)
	defer expire.Stop()

	warnAfter := timeout - m.warnThreshold
	var warnC <-chan time.Time
	if warnAfter > 0 && m.warnThreshold > 0 {
		warn := time.NewTimer(warnAfter)
		defer warn.Stop()
		warnC = warn.C
	}

	for {
		select {
		case <-h.stop:
			return
		case <-warnC:
			warnC = nil
			m.logger.Warnf("event=timeout_warning task=%s remaining=%s", h.taskID, m.warnThreshold)
			if m.onWarn != nil {
				m.onWarn(h.taskID, m.warnThreshold)
			}
		case <-expire.C:
			h.expired.Store(true)
			m.expire(h.taskID, timeout)
			return
		}
	}
}

// expire checkpoints the task, forces the timeout transition, then hands
// control to the expiry callback. Each action is best-effort so a store
// hiccup cannot leave the task running unsupervised.
func (m *Monitor) expire(taskID string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.logger.Errorf("event=task_timeout task=%s timeout=%s", taskID, timeout)

	if task, err := m.store.GetTask(ctx, taskID); err == nil {
		if m.checkpointer != nil {
			if _, err := m.checkpointer.Checkpoint(task, "timeout"); err != nil {
				m.logger.Warnf("event=timeout_checkpoint_failed task=%s err=%v", taskID, err)
			}
		}
	} else {
		m.logger.Warnf("event=timeout_load_failed task=%s err=%v", taskID, err)
	}

	if err := m.store.UpdateStatus(ctx, taskID, model.StatusTimeout, "exceeded timeout "+timeout.String()); err != nil {
		m.logger.Errorf("event=timeout_transition_failed task=%s err=%v", taskID, err)
	}

	if m.onExpire != nil {
		m.onExpire(taskID)
	}
}

// Active returns the number of tasks currently under watch.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// StopAll cancels every live handle. Used during shutdown.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}
