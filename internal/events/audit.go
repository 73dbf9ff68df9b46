package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxLogSize = 50 * 1024 * 1024
	logExtension      = ".jsonl"
	archiveDirName    = "archive"
)

// AuditEntry is one line of the append-only audit log.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends lifecycle events to a JSONL file, rotating to an
// archive directory once the file exceeds the size cap.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	rotations   int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxLogSize
	}

	l := &AuditLogger{logPath: logPath, maxSize: maxSize}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record appends one event. task_id and phase are lifted from details into
// their own columns when present.
func (l *AuditLogger) Record(event Event) error {
	entry := AuditEntry{
		Timestamp: event.Timestamp,
		EventType: string(event.Type),
		Details:   event.Data,
	}
	if taskID, ok := event.Data["task_id"].(string); ok {
		entry.TaskID = taskID
	}
	if phase, ok := event.Data["phase"].(string); ok {
		entry.Phase = phase
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// AttachTo subscribes the logger to every event type on the bus. Returns a
// detach function.
func (l *AuditLogger) AttachTo(bus *Bus) func() {
	types := []EventType{
		EventTaskAdded, EventTaskStarted, EventTaskCompleted, EventTaskFailed,
		EventTaskTimeout, EventTaskRemoved, EventStepStarted, EventStepCompleted,
		EventUsageLimit, EventTimeoutWarning, EventQueuePaused, EventQueueResumed,
		EventShutdown,
	}
	var unsubs []func()
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, func(e Event) { _ = l.Record(e) }))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return err
	}

	l.rotations++
	base := strings.TrimSuffix(filepath.Base(l.logPath), logExtension)
	name := fmt.Sprintf("%s.%s.%d%s",
		base,
		time.Now().Format("20060102_150405"),
		l.rotations,
		logExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, name)); err != nil {
		return err
	}
	return l.open()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}
