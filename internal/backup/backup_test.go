package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := model.ApplyDefaults(model.Config{})
	m := NewManager(dir, cfg, logging.New(io.Discard, "backup", logging.LevelError))
	return m, dir
}

func sampleTask(id string) model.Task {
	return model.Task{
		ID:        id,
		Type:      model.TypeCustom,
		Status:    model.StatusInProgress,
		Command:   "make build",
		CreatedAt: model.Timestamp(time.Now()),
		UpdatedAt: model.Timestamp(time.Now()),
	}
}

func TestManager_CheckpointRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	task := sampleTask("task_1700000000_deadbeef")
	task.RetryCount = 2

	id, err := m.Checkpoint(task, "step_completed")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	restored, err := m.RestoreLatest(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, restored.ID)
	assert.Equal(t, task.Command, restored.Command)
	assert.Equal(t, 2, restored.RetryCount)
	assert.Equal(t, model.StatusInProgress, restored.Status)
}

func TestManager_LatestCheckpointOrdering(t *testing.T) {
	m, _ := newTestManager(t)
	task := sampleTask("task_1700000000_deadbeef")

	task.RetryCount = 0
	_, err := m.Checkpoint(task, "first")
	require.NoError(t, err)

	// Same-second checkpoints stay distinct through the id suffix.
	task.RetryCount = 1
	_, err = m.Checkpoint(task, "second")
	require.NoError(t, err)

	cps, err := m.ListCheckpoints(task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 2)

	latest, err := m.LatestCheckpoint(task.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Task.RetryCount, "latest must be the second checkpoint")
}

func TestManager_LatestCheckpointNone(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.LatestCheckpoint("task_0000000000_00000000")
	require.NoError(t, err)
	assert.Nil(t, cp)

	_, err = m.RestoreLatest("task_0000000000_00000000")
	require.Error(t, err)
}

func TestManager_RestoreDoesNotMutateHistory(t *testing.T) {
	m, _ := newTestManager(t)
	task := sampleTask("task_1700000000_deadbeef")
	_, err := m.Checkpoint(task, "before")
	require.NoError(t, err)

	before, err := m.ListCheckpoints(task.ID)
	require.NoError(t, err)
	_, err = m.RestoreLatest(task.ID)
	require.NoError(t, err)
	after, err := m.ListCheckpoints(task.ID)
	require.NoError(t, err)

	assert.Equal(t, len(before), len(after), "restore must not add or remove checkpoints")
}

func TestManager_QueueSnapshotAndLatest(t *testing.T) {
	m, _ := newTestManager(t)

	q := model.TaskQueue{
		SchemaVersion: 1,
		FileType:      "queue_tasks",
		Tasks:         []model.Task{sampleTask("task_1700000000_deadbeef")},
	}
	require.NoError(t, m.QueueSnapshot(q, "periodic"))

	snap, err := m.LatestQueueSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "task_1700000000_deadbeef", snap.Tasks[0].ID)
}

func TestManager_LatestQueueSnapshotEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	snap, err := m.LatestQueueSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestManager_EmergencyBackupCapturesConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := model.ApplyDefaults(model.Config{})
	cfg.Queue.MaxSize = 42
	m := NewManager(dir, cfg, logging.New(io.Discard, "backup", logging.LevelError))

	q := model.TaskQueue{SchemaVersion: 1, FileType: "queue_tasks"}
	id, err := m.EmergencyBackup(q, []string{"task_1700000000_deadbeef"}, "critical_error")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	b, err := m.readBackup(filepath.Join(dir, "backups", entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, []string{"task_1700000000_deadbeef"}, b.ActiveTaskIDs)
	assert.Equal(t, 42, b.Config.Queue.MaxSize, "effective config is part of the backup")
}

func TestManager_CleanupCountBound(t *testing.T) {
	dir := t.TempDir()
	cfg := model.ApplyDefaults(model.Config{})
	cfg.Backup.MaxPerTask = 3
	m := NewManager(dir, cfg, logging.New(io.Discard, "backup", logging.LevelError))

	task := sampleTask("task_1700000000_deadbeef")
	for i := 0; i < 5; i++ {
		_, err := m.Checkpoint(task, fmt.Sprintf("step%d", i))
		require.NoError(t, err)
	}

	removed, err := m.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	cps, err := m.ListCheckpoints(task.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 3)
	// The survivors are the newest ones.
	assert.Equal(t, "step4", cps[len(cps)-1].Reason)
}

func TestManager_CleanupAgeBound(t *testing.T) {
	dir := t.TempDir()
	cfg := model.ApplyDefaults(model.Config{})
	cfg.Backup.MaxAgeDays = 1
	m := NewManager(dir, cfg, logging.New(io.Discard, "backup", logging.LevelError))

	task := sampleTask("task_1700000000_deadbeef")
	_, err := m.Checkpoint(task, "fresh")
	require.NoError(t, err)

	// Plant an aged checkpoint file by renaming a real one to an old stamp.
	cpDir := filepath.Join(dir, "checkpoints", task.ID)
	_, err = m.Checkpoint(task, "stale")
	require.NoError(t, err)
	entries, err := os.ReadDir(cpDir)
	require.NoError(t, err)
	var staleName string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".yaml" && len(e.Name()) > 15 && e.Name()[16:21] == "stale" {
			staleName = e.Name()
		}
	}
	require.NotEmpty(t, staleName)
	oldStamp := time.Now().Add(-72 * time.Hour).UTC().Format("20060102T150405")
	agedName := oldStamp + staleName[15:]
	require.NoError(t, os.Rename(filepath.Join(cpDir, staleName), filepath.Join(cpDir, agedName)))

	removed, err := m.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	cps, err := m.ListCheckpoints(task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "fresh", cps[0].Reason)
}
