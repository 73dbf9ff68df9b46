package watchdog

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
)

type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]model.Task
	transitions []string
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{tasks: make(map[string]model.Task)}
	for _, id := range ids {
		s.tasks[id] = model.Task{ID: id, Status: model.StatusInProgress}
	}
	return s
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id], nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status model.Status, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Status = status
	s.tasks[id] = t
	s.transitions = append(s.transitions, id+"→"+string(status))
	return nil
}

func (s *fakeStore) statusOf(id string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

type fakeCheckpointer struct {
	mu      sync.Mutex
	reasons []string
}

func (c *fakeCheckpointer) Checkpoint(task model.Task, reason string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, task.ID+":"+reason)
	return "cp", nil
}

func (c *fakeCheckpointer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons)
}

func testLogger() *logging.Logger {
	return logging.New(io.Discard, "watchdog", logging.LevelError)
}

func TestMonitor_Expiry(t *testing.T) {
	store := newFakeStore("task_a")
	cp := &fakeCheckpointer{}
	m := NewMonitor(store, cp, 0, testLogger())

	expired := make(chan string, 1)
	m.SetCallbacks(nil, func(taskID string) { expired <- taskID })

	h := m.Start("task_a", 30*time.Millisecond)

	select {
	case id := <-expired:
		if id != "task_a" {
			t.Errorf("expired task = %s, want task_a", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never fired")
	}

	if !h.Expired() {
		t.Error("handle must report expiry")
	}
	if got := store.statusOf("task_a"); got != model.StatusTimeout {
		t.Errorf("status = %s, want timeout", got)
	}
	if cp.count() != 1 {
		t.Errorf("checkpoints = %d, want 1 (timeout snapshot before transition)", cp.count())
	}
}

func TestMonitor_StopBeforeExpiryIsSideEffectFree(t *testing.T) {
	store := newFakeStore("task_a")
	cp := &fakeCheckpointer{}
	m := NewMonitor(store, cp, 0, testLogger())

	fired := make(chan string, 1)
	m.SetCallbacks(nil, func(taskID string) { fired <- taskID })

	h := m.Start("task_a", 200*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	h.Stop()
	h.Stop() // idempotent

	select {
	case <-fired:
		t.Fatal("stopped handle must not expire")
	case <-time.After(400 * time.Millisecond):
	}

	if h.Expired() {
		t.Error("stopped handle reports expiry")
	}
	if got := store.statusOf("task_a"); got != model.StatusInProgress {
		t.Errorf("status = %s, want untouched in_progress", got)
	}
	if cp.count() != 0 {
		t.Errorf("checkpoints = %d, want 0", cp.count())
	}
}

func TestMonitor_Warning(t *testing.T) {
	store := newFakeStore("task_a")
	m := NewMonitor(store, nil, 50*time.Millisecond, testLogger())

	warned := make(chan time.Duration, 1)
	m.SetCallbacks(func(taskID string, remaining time.Duration) { warned <- remaining }, nil)

	h := m.Start("task_a", 150*time.Millisecond)
	defer h.Stop()

	select {
	case remaining := <-warned:
		if remaining != 50*time.Millisecond {
			t.Errorf("warning remaining = %s, want 50ms", remaining)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("warning never fired")
	}
}

func TestMonitor_ConcurrentHandlesIndependent(t *testing.T) {
	store := newFakeStore("task_a", "task_b")
	m := NewMonitor(store, nil, 0, testLogger())

	expired := make(chan string, 2)
	m.SetCallbacks(nil, func(taskID string) { expired <- taskID })

	ha := m.Start("task_a", 30*time.Millisecond)
	hb := m.Start("task_b", 10*time.Second)
	defer hb.Stop()

	select {
	case id := <-expired:
		if id != "task_a" {
			t.Fatalf("expired %s, want task_a", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task_a never expired")
	}

	if !ha.Expired() {
		t.Error("task_a handle must report expiry")
	}
	if hb.Expired() {
		t.Error("task_b handle expired early")
	}
	if got := store.statusOf("task_b"); got != model.StatusInProgress {
		t.Errorf("task_b status = %s, want in_progress", got)
	}
}

func TestMonitor_ActiveAndStopAll(t *testing.T) {
	store := newFakeStore("task_a", "task_b")
	m := NewMonitor(store, nil, 0, testLogger())

	m.Start("task_a", 10*time.Second)
	m.Start("task_b", 10*time.Second)
	if got := m.Active(); got != 2 {
		t.Errorf("Active = %d, want 2", got)
	}

	m.StopAll()
	deadline := time.Now().Add(time.Second)
	for m.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Active(); got != 0 {
		t.Errorf("Active after StopAll = %d, want 0", got)
	}
}
