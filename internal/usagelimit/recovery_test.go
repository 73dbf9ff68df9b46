package usagelimit

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
)

func newTestRecovery(t *testing.T) *Recovery {
	t.Helper()
	cfg := model.ApplyDefaults(model.Config{})
	return NewRecovery(t.TempDir(), cfg.UsageLimit, logging.New(io.Discard, "usagelimit", logging.LevelError))
}

func TestRecovery_RecordAndCount(t *testing.T) {
	r := newTestRecovery(t)

	n, err := r.Record("task_a", Detect("usage limit reached"), 30*time.Minute)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if n != 1 {
		t.Errorf("first occurrence count = %d, want 1", n)
	}

	n, err = r.Record("task_a", nil, 30*time.Minute)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if n != 2 {
		t.Errorf("second occurrence count = %d, want 2", n)
	}

	// Contexts are counted independently.
	n, err = r.OccurrenceCount("task_b")
	if err != nil {
		t.Fatalf("OccurrenceCount: %v", err)
	}
	if n != 0 {
		t.Errorf("foreign context count = %d, want 0", n)
	}
}

func TestRecovery_HistoryPersists(t *testing.T) {
	dir := t.TempDir()
	cfg := model.ApplyDefaults(model.Config{})
	logger := logging.New(io.Discard, "usagelimit", logging.LevelError)

	r1 := NewRecovery(dir, cfg.UsageLimit, logger)
	if _, err := r1.Record("task_a", nil, time.Minute); err != nil {
		t.Fatalf("Record: %v", err)
	}

	r2 := NewRecovery(dir, cfg.UsageLimit, logger)
	n, err := r2.OccurrenceCount("task_a")
	if err != nil {
		t.Fatalf("OccurrenceCount: %v", err)
	}
	if n != 1 {
		t.Errorf("count after reload = %d, want 1", n)
	}
}

func TestRecovery_CorruptHistoryRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := model.ApplyDefaults(model.Config{})
	r := NewRecovery(dir, cfg.UsageLimit, logging.New(io.Discard, "usagelimit", logging.LevelError))

	path := filepath.Join(dir, "usage_limit_history.yaml")
	if err := os.WriteFile(path, []byte("{{{ not yaml"), 0644); err != nil {
		t.Fatalf("write corrupt history: %v", err)
	}

	n, err := r.OccurrenceCount("task_a")
	if err != nil {
		t.Fatalf("OccurrenceCount over corrupt file: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0 after restart", n)
	}
}

func TestRecovery_EscalatedWait(t *testing.T) {
	cfg := model.UsageLimitConfig{
		BaseCooldownSec: 1800,
		BackoffFactor:   1.5,
		MaxWaitSec:      6 * 3600,
		HistoryMaxAgeHr: 24,
	}
	r := NewRecovery(t.TempDir(), cfg, logging.New(io.Discard, "usagelimit", logging.LevelError))

	base := 30 * time.Minute
	tests := []struct {
		occurrences int
		want        time.Duration
	}{
		{0, 30 * time.Minute},
		{1, 30 * time.Minute},
		{2, 45 * time.Minute},
		{3, time.Duration(float64(base) * 1.5 * 1.5)},
		{100, 6 * time.Hour}, // capped
	}
	for _, tt := range tests {
		if got := r.EscalatedWait(base, tt.occurrences); got != tt.want {
			t.Errorf("EscalatedWait(base, %d) = %s, want %s", tt.occurrences, got, tt.want)
		}
	}
}

func TestRecovery_WaitExpires(t *testing.T) {
	r := newTestRecovery(t)
	start := time.Now()
	res := r.Wait(context.Background(), 20*time.Millisecond, nil)
	if res != WaitExpired {
		t.Errorf("result = %v, want WaitExpired", res)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Wait returned before the window elapsed")
	}
}

func TestRecovery_WaitCanceled(t *testing.T) {
	r := newTestRecovery(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := r.Wait(ctx, 10*time.Second, nil)
	if res != WaitCanceled {
		t.Errorf("result = %v, want WaitCanceled", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the wait")
	}
}

func TestRecovery_WaitProgress(t *testing.T) {
	r := newTestRecovery(t)
	var ticks int64
	res := r.Wait(context.Background(), 2500*time.Millisecond, func(elapsed, remaining time.Duration) {
		atomic.AddInt64(&ticks, 1)
		if remaining < 0 {
			t.Errorf("negative remaining: %s", remaining)
		}
	})
	if res != WaitExpired {
		t.Errorf("result = %v, want WaitExpired", res)
	}
	if atomic.LoadInt64(&ticks) < 1 {
		t.Error("progress callback never fired")
	}
}

func TestRecovery_ZeroWait(t *testing.T) {
	r := newTestRecovery(t)
	if res := r.Wait(context.Background(), 0, nil); res != WaitExpired {
		t.Errorf("zero-duration wait = %v, want WaitExpired", res)
	}
}
