package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

func testOpts() Options {
	return Options{
		AcquireTimeout: 2 * time.Second,
		StaleAge:       5 * time.Minute,
		RetryBase:      5 * time.Millisecond,
		RetryMax:       50 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, dir string, opts Options) *Manager {
	t.Helper()
	return newManager(newDirBackend(filepath.Join(dir, "queue.lock")), opts)
}

func TestManager_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, testOpts())

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.IsHeld() {
		t.Error("IsHeld() = false while holding")
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if m.IsHeld() {
		t.Error("IsHeld() = true after release")
	}
	// Double release is a no-op.
	if err := h.Release(); err != nil {
		t.Errorf("double Release: %v", err)
	}
}

func TestManager_Reentrant(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, testOpts())

	outer, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("outer Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		inner, err := m.Acquire(context.Background())
		if err != nil {
			done <- err
			return
		}
		done <- inner.Release()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("nested acquire/release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("nested Acquire deadlocked")
	}

	if !m.IsHeld() {
		t.Error("inner release must not free the outer hold")
	}
	if err := outer.Release(); err != nil {
		t.Fatalf("outer Release: %v", err)
	}
	if m.IsHeld() {
		t.Error("lock still held after outermost release")
	}
}

func TestManager_ContentionTimeout(t *testing.T) {
	dir := t.TempDir()
	holder := newTestManager(t, dir, testOpts())
	h, err := holder.Acquire(context.Background())
	if err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
	defer h.Release()

	opts := testOpts()
	opts.AcquireTimeout = 150 * time.Millisecond
	waiter := newTestManager(t, dir, opts)

	_, err = waiter.Acquire(context.Background())
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestManager_ReleaseUnblocksWaiter(t *testing.T) {
	dir := t.TempDir()
	holder := newTestManager(t, dir, testOpts())
	h, err := holder.Acquire(context.Background())
	if err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		waiter := newTestManager(t, dir, testOpts())
		wh, err := waiter.Acquire(context.Background())
		if err == nil {
			wh.Release()
		}
		acquired <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter Acquire after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired after release")
	}
}

func TestManager_MutualExclusion(t *testing.T) {
	dir := t.TempDir()

	var inCritical int32
	var violations int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newTestManager(t, dir, Options{
				AcquireTimeout: 10 * time.Second,
				RetryBase:      time.Millisecond,
				RetryMax:       10 * time.Millisecond,
			})
			for j := 0; j < 5; j++ {
				h, err := m.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if atomic.AddInt32(&inCritical, 1) != 1 {
					atomic.AddInt32(&violations, 1)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inCritical, -1)
				if err := h.Release(); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if violations != 0 {
		t.Errorf("%d mutual-exclusion violations observed", violations)
	}
}

func writeStaleRecord(t *testing.T, dir string, rec Record) string {
	t.Helper()
	lockPath := filepath.Join(dir, "queue.lock")
	if err := os.Mkdir(lockPath, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content, err := yamlv3.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := os.WriteFile(filepath.Join(lockPath, "holder.yaml"), content, 0600); err != nil {
		t.Fatalf("write record: %v", err)
	}
	return lockPath
}

func TestManager_ReclaimsDeadHolder(t *testing.T) {
	dir := t.TempDir()
	hostname, _ := os.Hostname()
	writeStaleRecord(t, dir, Record{
		PID:        1 << 26, // far above pid_max on any supported system
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	})

	m := newTestManager(t, dir, testOpts())
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire over dead holder: %v", err)
	}
	h.Release()
}

func TestManager_ReclaimsAgedLock(t *testing.T) {
	dir := t.TempDir()
	hostname, _ := os.Hostname()
	writeStaleRecord(t, dir, Record{
		PID:        os.Getpid(), // alive, but the record is far too old
		Hostname:   hostname,
		AcquiredAt: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})

	opts := testOpts()
	opts.StaleAge = 5 * time.Minute
	m := newTestManager(t, dir, opts)
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire over aged lock: %v", err)
	}
	h.Release()
}

func TestManager_ReclaimsForeignHost(t *testing.T) {
	dir := t.TempDir()
	writeStaleRecord(t, dir, Record{
		PID:        os.Getpid(),
		Hostname:   "some-other-host",
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	})

	m := newTestManager(t, dir, testOpts())
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire over foreign-host lock: %v", err)
	}
	h.Release()
}

func TestManager_AcquireCancelled(t *testing.T) {
	dir := t.TempDir()
	holder := newTestManager(t, dir, testOpts())
	h, err := holder.Acquire(context.Background())
	if err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	opts := testOpts()
	opts.AcquireTimeout = 10 * time.Second
	waiter := newTestManager(t, dir, opts)
	if _, err := waiter.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			atomic.AddInt64(&counter, 1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})
	m.Lock("queue")
	go func() {
		m.Lock("history")
		m.Unlock("history")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent keys must not block each other")
	}
	m.Unlock("queue")
}
