// Package store implements the persistent task queue: a single YAML document
// mutated only under the cross-process lock, written atomically, and
// recovered from backups when corrupted.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/lock"
	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

const queueLockKey = "queue"

// Checkpointer is the slice of the backup manager the store needs. It is
// injected after construction to keep the store free of backup wiring.
type Checkpointer interface {
	Checkpoint(task model.Task, reason string) (string, error)
	LatestQueueSnapshot() (*model.TaskQueue, error)
	QueueSnapshot(q model.TaskQueue, reason string) error
}

// Store owns .taskpilot/queue/tasks.yaml. All mutation goes through its API
// under the lock manager; no other component holds authoritative task state.
type Store struct {
	baseDir string
	cfg     model.Config
	lockMgr *lock.Manager
	mutexes *lock.MutexMap
	logger  *logging.Logger

	checkpointer   Checkpointer
	lastSnapshotAt time.Time
}

// TaskSpec is the caller-facing shape of an enqueue request.
type TaskSpec struct {
	ID          string
	Type        model.TaskType
	Priority    int
	Command     string
	Description string
	MaxRetries  int
	TimeoutSec  int
	Metadata    map[string]string
	Workflow    *model.Workflow
}

// Filter selects tasks for List. Zero fields match everything.
type Filter struct {
	Status        model.Status
	Type          model.TaskType
	PriorityMin   *int
	PriorityMax   *int
	Search        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func New(baseDir string, cfg model.Config, logger *logging.Logger) (*Store, error) {
	for _, sub := range []string{"queue", "locks", "checkpoints", "backups", "logs"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("ensure dir %s: %w", sub, err)
		}
	}

	mgr := lock.NewManager(filepath.Join(baseDir, "locks", "queue.lock"), lock.Options{
		AcquireTimeout: time.Duration(cfg.Lock.AcquireTimeoutSec) * time.Second,
		StaleAge:       time.Duration(cfg.Lock.StaleAgeSec) * time.Second,
		RetryBase:      time.Duration(cfg.Lock.RetryBaseMs) * time.Millisecond,
		RetryMax:       time.Duration(cfg.Lock.RetryMaxMs) * time.Millisecond,
	})

	return &Store{
		baseDir: baseDir,
		cfg:     cfg,
		lockMgr: mgr,
		mutexes: lock.NewMutexMap(),
		logger:  logger,
	}, nil
}

// SetCheckpointer wires the backup manager. Must be called before the store
// handles traffic; nil leaves checkpointing off (tests).
func (s *Store) SetCheckpointer(cp Checkpointer) {
	s.checkpointer = cp
}

func (s *Store) queuePath() string {
	return filepath.Join(s.baseDir, "queue", "tasks.yaml")
}

// load reads the queue document, recovering through quarantine → .bak →
// latest queue backup → skeleton when the live file is corrupt. Degradation
// is logged, never fatal.
func (s *Store) load() (model.TaskQueue, error) {
	path := s.queuePath()

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return emptyQueue(), nil
	}
	if err != nil {
		return model.TaskQueue{}, fmt.Errorf("read queue: %w", err)
	}

	q, verr := parseQueue(content)
	if verr == nil {
		return q, nil
	}

	s.logger.Errorf("event=queue_corrupt path=%s err=%v", path, verr)

	// The bad file is preserved for inspection before any recovery attempt.
	if err := yaml.Quarantine(s.baseDir, path); err != nil {
		return model.TaskQueue{}, fmt.Errorf("quarantine corrupt queue: %w", err)
	}

	// Tier 1: the .bak sibling left by the previous atomic write.
	if err := yaml.RestoreFromBackup(path); err == nil {
		if content, err := os.ReadFile(path); err == nil {
			if q, err := parseQueue(content); err == nil {
				s.logger.Warnf("event=queue_recovered source=bak path=%s", path)
				return q, nil
			}
		}
	}

	// Tier 2: most recent queue backup taken by the backup manager.
	if s.checkpointer != nil {
		if snap, err := s.checkpointer.LatestQueueSnapshot(); err == nil && snap != nil {
			s.logger.Warnf("event=queue_recovered source=backup tasks=%d", len(snap.Tasks))
			if err := yaml.AtomicWrite(path, snap); err != nil {
				s.logger.Errorf("event=queue_restore_write_failed err=%v", err)
			}
			return *snap, nil
		}
	}

	// Tier 3: nothing restorable. Start over from a skeleton so the daemon
	// keeps running; the quarantined copy holds whatever can be salvaged.
	s.logger.Errorf("event=queue_unrecoverable starting from skeleton: %v", ErrCorruptState)
	if err := yaml.GenerateSkeleton(path, yaml.FileTypeQueue); err != nil {
		s.logger.Errorf("event=skeleton_write_failed err=%v", err)
	}
	return emptyQueue(), nil
}

func parseQueue(content []byte) (model.TaskQueue, error) {
	if err := yaml.ValidateSchemaHeaderFromBytes(content, yaml.FileTypeQueue); err != nil {
		return model.TaskQueue{}, err
	}
	var q model.TaskQueue
	if err := yamlv3.Unmarshal(content, &q); err != nil {
		return model.TaskQueue{}, err
	}
	return q, nil
}

func emptyQueue() model.TaskQueue {
	return model.TaskQueue{
		SchemaVersion: yaml.CurrentSchemaVersion,
		FileType:      yaml.FileTypeQueue,
	}
}

func (s *Store) save(q *model.TaskQueue) error {
	q.Meta.LastModified = model.Timestamp(time.Now())
	return yaml.AtomicWrite(s.queuePath(), q)
}

// mutate runs fn against the queue document under both the cross-process
// lock and the in-process queue mutex, persisting on success.
func (s *Store) mutate(ctx context.Context, fn func(q *model.TaskQueue) error) error {
	h, err := s.lockMgr.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	s.mutexes.Lock(queueLockKey)
	defer s.mutexes.Unlock(queueLockKey)

	q, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&q); err != nil {
		return err
	}
	if err := s.save(&q); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	s.maybeSnapshot(q)
	return nil
}

// view runs fn against a read-only load of the queue. Readers skip the
// cross-process lock: the atomic rename guarantees they always observe a
// complete document.
func (s *Store) view(fn func(q model.TaskQueue) error) error {
	s.mutexes.Lock(queueLockKey)
	defer s.mutexes.Unlock(queueLockKey)

	q, err := s.load()
	if err != nil {
		return err
	}
	return fn(q)
}

// maybeSnapshot takes a best-effort periodic queue snapshot through the
// backup manager. Failures are logged, never propagated.
func (s *Store) maybeSnapshot(q model.TaskQueue) {
	if s.checkpointer == nil {
		return
	}
	interval := time.Duration(s.cfg.Queue.CheckpointEverySec) * time.Second
	if time.Since(s.lastSnapshotAt) < interval {
		return
	}
	s.lastSnapshotAt = time.Now()
	if err := s.checkpointer.QueueSnapshot(q, "periodic"); err != nil {
		s.logger.Warnf("event=periodic_snapshot_failed err=%v", err)
	}
}

// AddTask enqueues a new task. Explicit IDs collide with ErrDuplicateID;
// a full queue yields ErrQueueFull. Neither mutates the store.
func (s *Store) AddTask(ctx context.Context, spec TaskSpec) (string, error) {
	if !model.ValidTaskType(spec.Type) {
		return "", fmt.Errorf("invalid task type %q", spec.Type)
	}

	id := spec.ID
	if id == "" {
		var err error
		idType := model.IDTypeTask
		if spec.Type == model.TypeWorkflow {
			idType = model.IDTypeWorkflow
		}
		id, err = model.GenerateID(idType)
		if err != nil {
			return "", err
		}
	}

	err := s.mutate(ctx, func(q *model.TaskQueue) error {
		if len(q.Tasks) >= s.cfg.Queue.MaxSize {
			return fmt.Errorf("queue holds %d tasks (max %d): %w", len(q.Tasks), s.cfg.Queue.MaxSize, ErrQueueFull)
		}
		for _, t := range q.Tasks {
			if t.ID == id {
				return fmt.Errorf("task %s: %w", id, ErrDuplicateID)
			}
		}

		now := model.Timestamp(time.Now())
		task := model.Task{
			ID:             id,
			Type:           spec.Type,
			Status:         model.StatusPending,
			Priority:       spec.Priority,
			Command:        spec.Command,
			Description:    spec.Description,
			MaxRetries:     spec.MaxRetries,
			TimeoutSeconds: spec.TimeoutSec,
			Metadata:       spec.Metadata,
			Workflow:       spec.Workflow,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if task.MaxRetries <= 0 {
			task.MaxRetries = s.cfg.Retry.MaxRetries
		}

		q.Tasks = append(q.Tasks, task)
		q.Meta.TotalAdded++
		s.logger.Infof("event=task_added id=%s type=%s priority=%d", id, spec.Type, spec.Priority)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	var out model.Task
	err := s.view(func(q model.TaskQueue) error {
		for _, t := range q.Tasks {
			if t.ID == id {
				out = t
				return nil
			}
		}
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	})
	return out, err
}

// UpdateStatus transitions a task, validating against the status machine.
// Entering in_progress always checkpoints the task first, so every task that
// ever ran has a restorable snapshot.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus model.Status, note string) error {
	return s.mutate(ctx, func(q *model.TaskQueue) error {
		t := findTask(q, id)
		if t == nil {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err := model.ValidateTaskTransition(t.Status, newStatus); err != nil {
			return err
		}

		now := time.Now()
		prev := t.Status
		t.Status = newStatus
		t.UpdatedAt = model.Timestamp(now)
		if note != "" {
			n := note
			t.Note = &n
		}
		switch newStatus {
		case model.StatusInProgress:
			ts := model.Timestamp(now)
			t.StartedAt = &ts
		case model.StatusCompleted, model.StatusFailed, model.StatusTimeout, model.StatusError:
			ts := model.Timestamp(now)
			t.CompletedAt = &ts
		}

		if newStatus == model.StatusInProgress && s.checkpointer != nil {
			if _, err := s.checkpointer.Checkpoint(*t, "task_started"); err != nil {
				s.logger.Warnf("event=start_checkpoint_failed task=%s err=%v", id, err)
			}
		}

		s.logger.Infof("event=status_change task=%s from=%s to=%s", id, prev, newStatus)
		return nil
	})
}

// Mutate applies fn to one task under the lock. Status changes inside fn are
// validated against the transition table. The engine uses this for step and
// retry bookkeeping.
func (s *Store) Mutate(ctx context.Context, id string, fn func(t *model.Task) error) error {
	return s.mutate(ctx, func(q *model.TaskQueue) error {
		t := findTask(q, id)
		if t == nil {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		before := t.Status
		if err := fn(t); err != nil {
			return err
		}
		if t.Status != before {
			if err := model.ValidateTaskTransition(before, t.Status); err != nil {
				return err
			}
		}
		t.UpdatedAt = model.Timestamp(time.Now())
		return nil
	})
}

func (s *Store) RemoveTask(ctx context.Context, id string) error {
	return s.mutate(ctx, func(q *model.TaskQueue) error {
		for i, t := range q.Tasks {
			if t.ID == id {
				q.Tasks = append(q.Tasks[:i], q.Tasks[i+1:]...)
				q.Meta.TotalRemoved++
				s.logger.Infof("event=task_removed id=%s status=%s", id, t.Status)
				return nil
			}
		}
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	})
}

func (s *Store) List(ctx context.Context, f Filter) ([]model.Task, error) {
	var out []model.Task
	err := s.view(func(q model.TaskQueue) error {
		for _, t := range q.Tasks {
			if f.matches(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (f Filter) matches(t model.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.PriorityMin != nil && t.Priority < *f.PriorityMin {
		return false
	}
	if f.PriorityMax != nil && t.Priority > *f.PriorityMax {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.Description), needle) &&
			!strings.Contains(strings.ToLower(t.Command), needle) &&
			!strings.Contains(strings.ToLower(t.ID), needle) {
			return false
		}
	}
	created := model.ParseTimestamp(t.CreatedAt)
	if !f.CreatedAfter.IsZero() && created.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && created.After(f.CreatedBefore) {
		return false
	}
	return true
}

// Snapshot returns a copy of the whole queue document.
func (s *Store) Snapshot(ctx context.Context) (model.TaskQueue, error) {
	var out model.TaskQueue
	err := s.view(func(q model.TaskQueue) error {
		out = q
		return nil
	})
	return out, err
}

func (s *Store) Pause(ctx context.Context, reason string) error {
	return s.mutate(ctx, func(q *model.TaskQueue) error {
		q.Paused = true
		if reason != "" {
			r := reason
			q.PausedReason = &r
		}
		s.logger.Infof("event=queue_paused reason=%q", reason)
		return nil
	})
}

func (s *Store) Resume(ctx context.Context) error {
	return s.mutate(ctx, func(q *model.TaskQueue) error {
		q.Paused = false
		q.PausedReason = nil
		s.logger.Infof("event=queue_resumed")
		return nil
	})
}

// ClearPending drops every pending task. In-flight and terminal records are
// kept so history and recovery stay intact.
func (s *Store) ClearPending(ctx context.Context) (int, error) {
	removed := 0
	err := s.mutate(ctx, func(q *model.TaskQueue) error {
		kept := q.Tasks[:0]
		for _, t := range q.Tasks {
			if t.Status == model.StatusPending {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		q.Tasks = kept
		q.Meta.TotalRemoved += removed
		s.logger.Infof("event=queue_cleared removed=%d", removed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// CleanupTerminal removes terminal-state tasks older than the retention
// window, returning how many were dropped.
func (s *Store) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-olderThan)
	err := s.mutate(ctx, func(q *model.TaskQueue) error {
		kept := q.Tasks[:0]
		for _, t := range q.Tasks {
			if model.IsTerminal(t.Status) && model.ParseTimestamp(t.UpdatedAt).Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		q.Tasks = kept
		q.Meta.TotalRemoved += removed
		if removed > 0 {
			s.logger.Infof("event=terminal_cleanup removed=%d cutoff=%s", removed, cutoff.Format(time.RFC3339))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func findTask(q *model.TaskQueue, id string) *model.Task {
	for i := range q.Tasks {
		if q.Tasks[i].ID == id {
			return &q.Tasks[i]
		}
	}
	return nil
}
