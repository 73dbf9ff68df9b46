// Package backup manages immutable task checkpoints and whole-queue backups:
// creation, latest-lookup, restore, and age/count-bounded retention with a
// cron-scheduled cleanup.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/taskpilot/taskpilot/internal/lock"
	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/yaml"
)

const tsLayout = "20060102T150405"

type Manager struct {
	baseDir string
	cfg     model.Config
	logger  *logging.Logger
	mutexes *lock.MutexMap

	cron *cron.Cron
}

func NewManager(baseDir string, cfg model.Config, logger *logging.Logger) *Manager {
	return &Manager{
		baseDir: baseDir,
		cfg:     cfg,
		logger:  logger,
		mutexes: lock.NewMutexMap(),
	}
}

func (m *Manager) checkpointDir(taskID string) string {
	return filepath.Join(m.baseDir, "checkpoints", taskID)
}

func (m *Manager) backupDir() string {
	return filepath.Join(m.baseDir, "backups")
}

// Checkpoint writes an immutable snapshot of the task and returns the
// checkpoint ID. Files are named <ts>_<reason>_<id8>.yaml so lexical order
// is chronological.
func (m *Manager) Checkpoint(task model.Task, reason string) (string, error) {
	m.mutexes.Lock(task.ID)
	defer m.mutexes.Unlock(task.ID)

	dir := m.checkpointDir(task.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	now := time.Now()
	id := uuid.NewString()
	cp := model.Checkpoint{
		SchemaVersion: yaml.CurrentSchemaVersion,
		FileType:      yaml.FileTypeCheckpoint,
		ID:            id,
		TaskID:        task.ID,
		Reason:        reason,
		CreatedAt:     model.Timestamp(now),
		Task:          task,
	}

	name := fmt.Sprintf("%s_%s_%s.yaml", now.UTC().Format(tsLayout), sanitizeReason(reason), id[:8])
	if err := yaml.AtomicWrite(filepath.Join(dir, name), cp); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}

	m.logger.Debugf("event=checkpoint task=%s reason=%s id=%s", task.ID, reason, id)
	return id, nil
}

// ListCheckpoints returns the task's checkpoints, oldest first. Unreadable
// entries are skipped with a warning so one bad file cannot hide the rest.
func (m *Manager) ListCheckpoints(taskID string) ([]model.Checkpoint, error) {
	entries, err := os.ReadDir(m.checkpointDir(taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	names := checkpointNames(entries)
	var out []model.Checkpoint
	for _, name := range names {
		cp, err := m.readCheckpoint(filepath.Join(m.checkpointDir(taskID), name))
		if err != nil {
			m.logger.Warnf("event=checkpoint_unreadable file=%s err=%v", name, err)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// LatestCheckpoint returns the most recent checkpoint for the task, or nil
// when none exist.
func (m *Manager) LatestCheckpoint(taskID string) (*model.Checkpoint, error) {
	cps, err := m.ListCheckpoints(taskID)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return &cps[len(cps)-1], nil
}

// RestoreLatest returns the task state captured by the newest checkpoint.
// Restoration reads only; history is never mutated.
func (m *Manager) RestoreLatest(taskID string) (model.Task, error) {
	cp, err := m.LatestCheckpoint(taskID)
	if err != nil {
		return model.Task{}, err
	}
	if cp == nil {
		return model.Task{}, fmt.Errorf("no checkpoints for task %s", taskID)
	}
	return cp.Task, nil
}

// QueueSnapshot persists the whole queue document as a backup.
func (m *Manager) QueueSnapshot(q model.TaskQueue, reason string) error {
	_, err := m.writeBackup(q, nil, reason)
	return err
}

// EmergencyBackup captures the queue, the active task set, and the effective
// configuration in one file. Used on critical failures and shutdown.
func (m *Manager) EmergencyBackup(q model.TaskQueue, activeTaskIDs []string, reason string) (string, error) {
	return m.writeBackup(q, activeTaskIDs, reason)
}

func (m *Manager) writeBackup(q model.TaskQueue, activeTaskIDs []string, reason string) (string, error) {
	m.mutexes.Lock("backups")
	defer m.mutexes.Unlock("backups")

	if err := os.MkdirAll(m.backupDir(), 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	now := time.Now()
	id := uuid.NewString()
	b := model.Backup{
		SchemaVersion: yaml.CurrentSchemaVersion,
		FileType:      yaml.FileTypeBackup,
		ID:            id,
		Reason:        reason,
		CreatedAt:     model.Timestamp(now),
		Queue:         q,
		ActiveTaskIDs: activeTaskIDs,
		Config:        m.cfg,
	}

	name := fmt.Sprintf("%s_%s_%s.yaml", now.UTC().Format(tsLayout), sanitizeReason(reason), id[:8])
	if err := yaml.AtomicWrite(filepath.Join(m.backupDir(), name), b); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	m.logger.Infof("event=queue_backup reason=%s id=%s tasks=%d", reason, id, len(q.Tasks))
	return id, nil
}

// LatestQueueSnapshot returns the queue captured by the newest backup, or
// nil when no backups exist. The store's corrupt-state recovery uses this.
func (m *Manager) LatestQueueSnapshot() (*model.TaskQueue, error) {
	entries, err := os.ReadDir(m.backupDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	names := checkpointNames(entries)
	// Newest first; skip past unreadable backups.
	for i := len(names) - 1; i >= 0; i-- {
		b, err := m.readBackup(filepath.Join(m.backupDir(), names[i]))
		if err != nil {
			m.logger.Warnf("event=backup_unreadable file=%s err=%v", names[i], err)
			continue
		}
		return &b.Queue, nil
	}
	return nil, nil
}

// Cleanup enforces retention: checkpoints and backups older than MaxAgeDays
// are removed, then per-task checkpoint count is capped at MaxPerTask and
// the backup count at MaxBackups (oldest evicted first). Returns how many
// files were removed.
func (m *Manager) Cleanup() (int, error) {
	removed := 0
	cutoff := time.Now().Add(-time.Duration(m.cfg.Backup.MaxAgeDays) * 24 * time.Hour)

	taskDirs, err := os.ReadDir(filepath.Join(m.baseDir, "checkpoints"))
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read checkpoints dir: %w", err)
	}
	for _, td := range taskDirs {
		if !td.IsDir() {
			continue
		}
		dir := m.checkpointDir(td.Name())
		m.mutexes.Lock(td.Name())
		n := m.pruneDir(dir, cutoff, m.cfg.Backup.MaxPerTask)
		m.mutexes.Unlock(td.Name())
		removed += n

		// Drop empty per-task dirs so the tree does not accrete forever.
		if rest, err := os.ReadDir(dir); err == nil && len(rest) == 0 {
			_ = os.Remove(dir)
		}
	}

	m.mutexes.Lock("backups")
	removed += m.pruneDir(m.backupDir(), cutoff, m.cfg.Backup.MaxBackups)
	m.mutexes.Unlock("backups")

	if removed > 0 {
		m.logger.Infof("event=retention_cleanup removed=%d", removed)
	}
	return removed, nil
}

// pruneDir removes yaml files older than cutoff, then evicts the oldest
// until at most keep remain.
func (m *Manager) pruneDir(dir string, cutoff time.Time, keep int) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	names := checkpointNames(entries)

	removed := 0
	var kept []string
	for _, name := range names {
		ts, err := time.Parse(tsLayout, strings.SplitN(name, "_", 2)[0])
		if err == nil && ts.Before(cutoff) {
			if os.Remove(filepath.Join(dir, name)) == nil {
				removed++
				continue
			}
		}
		kept = append(kept, name)
	}

	if keep > 0 && len(kept) > keep {
		for _, name := range kept[:len(kept)-keep] {
			if os.Remove(filepath.Join(dir, name)) == nil {
				removed++
			}
		}
	}
	return removed
}

// StartScheduler runs Cleanup on the configured cron schedule until ctx is
// done. Returns an error only for an invalid schedule expression.
func (m *Manager) StartScheduler(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(m.cfg.Backup.CleanupSchedule, func() {
		if _, err := m.Cleanup(); err != nil {
			m.logger.Errorf("event=scheduled_cleanup_failed err=%v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", m.cfg.Backup.CleanupSchedule, err)
	}

	c.Start()
	m.cron = c
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (m *Manager) readCheckpoint(path string) (model.Checkpoint, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if err := yaml.ValidateSchemaHeaderFromBytes(content, yaml.FileTypeCheckpoint); err != nil {
		return model.Checkpoint{}, err
	}
	var cp model.Checkpoint
	if err := yamlv3.Unmarshal(content, &cp); err != nil {
		return model.Checkpoint{}, err
	}
	return cp, nil
}

func (m *Manager) readBackup(path string) (model.Backup, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Backup{}, err
	}
	if err := yaml.ValidateSchemaHeaderFromBytes(content, yaml.FileTypeBackup); err != nil {
		return model.Backup{}, err
	}
	var b model.Backup
	if err := yamlv3.Unmarshal(content, &b); err != nil {
		return model.Backup{}, err
	}
	return b, nil
}

// checkpointNames returns the yaml files among entries in lexical
// (chronological) order, ignoring .bak siblings and temp files.
func checkpointNames(entries []os.DirEntry) []string {
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sanitizeReason(reason string) string {
	reason = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, reason)
	if reason == "" {
		reason = "manual"
	}
	return reason
}
