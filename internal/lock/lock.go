// Package lock provides cross-process mutual exclusion over the queue store,
// plus in-process keyed mutexes. The on-disk lock is a record
// {pid, hostname, acquired_at}; stale records (dead holder, too old, foreign
// host) are reclaimed. Callers never see which platform backend is in use.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrLockTimeout is returned when Acquire gives up while a live peer still
// holds the lock. Callers distinguish it from hard I/O failures to decide
// whether to queue behind the holder or abort.
var ErrLockTimeout = errors.New("lock acquire timeout")

// errContended is the backend-internal signal that the lock resource exists
// and could not be claimed this attempt.
var errContended = errors.New("lock contended")

// Record is the persisted lock-holder identity.
type Record struct {
	PID        int    `yaml:"pid"`
	Hostname   string `yaml:"hostname"`
	AcquiredAt string `yaml:"acquired_at"`
}

func (r Record) age() time.Duration {
	t, err := time.Parse(time.RFC3339, r.AcquiredAt)
	if err != nil {
		return 0
	}
	return time.Since(t)
}

// backend is the platform-specific lock primitive: flock(2) where available,
// atomic mkdir elsewhere. TryAcquire returns errContended when the resource
// is already claimed.
type backend interface {
	TryAcquire(rec Record) error
	ReadRecord() (Record, error)
	Release() error
	ForceRelease() error
}

// Options tunes acquisition behavior. Zero values get operational defaults.
type Options struct {
	AcquireTimeout time.Duration
	StaleAge       time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
}

func (o Options) withDefaults() Options {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.StaleAge <= 0 {
		o.StaleAge = 5 * time.Minute
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 50 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 2 * time.Second
	}
	return o
}

// Manager guards one named lock resource. It is re-entrant within the owning
// process: nested Acquire calls by the holder increment a depth counter
// instead of deadlocking.
type Manager struct {
	opts    Options
	backend backend

	mu    sync.Mutex
	held  bool
	depth int
}

// Handle represents one successful Acquire. Release it exactly once.
type Handle struct {
	mgr      *Manager
	released bool
}

// NewManager creates a Manager for the given lock path using the platform
// backend (flock on unix, directory-create elsewhere).
func NewManager(path string, opts Options) *Manager {
	return newManager(newPlatformBackend(path), opts)
}

func newManager(b backend, opts Options) *Manager {
	return &Manager{opts: opts.withDefaults(), backend: b}
}

// IsHeld reports whether this process currently holds the lock.
func (m *Manager) IsHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Acquire claims the lock, retrying with exponential backoff plus jitter
// until Options.AcquireTimeout elapses or ctx is cancelled. A stale holder
// record is reclaimed on sight. Returns ErrLockTimeout (wrapped with holder
// detail) when a live peer keeps the lock for the whole window.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	if m.held {
		m.depth++
		m.mu.Unlock()
		return &Handle{mgr: m}, nil
	}
	m.mu.Unlock()

	hostname, _ := os.Hostname()
	rec := Record{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}

	deadline := time.Now().Add(m.opts.AcquireTimeout)
	backoff := m.opts.RetryBase

	for {
		err := m.backend.TryAcquire(rec)
		if err == nil {
			m.mu.Lock()
			m.held = true
			m.depth = 1
			m.mu.Unlock()
			return &Handle{mgr: m}, nil
		}
		if !errors.Is(err, errContended) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		if existing, rerr := m.backend.ReadRecord(); rerr == nil {
			if reason := m.staleReason(existing); reason != "" {
				if frerr := m.backend.ForceRelease(); frerr == nil {
					// Reclaimed; retry immediately without backoff.
					continue
				}
			}
		}

		if time.Now().After(deadline) {
			holder := "unknown"
			if existing, rerr := m.backend.ReadRecord(); rerr == nil {
				holder = fmt.Sprintf("pid=%d host=%s age=%s", existing.PID, existing.Hostname, existing.age().Round(time.Second))
			}
			return nil, fmt.Errorf("lock held by live peer (%s): %w", holder, ErrLockTimeout)
		}

		if err := sleepCtx(ctx, jitter(backoff)); err != nil {
			return nil, fmt.Errorf("acquire cancelled: %w", err)
		}
		backoff *= 2
		if backoff > m.opts.RetryMax {
			backoff = m.opts.RetryMax
		}
	}
}

// Release undoes one Acquire. The lock resource is only freed when the
// outermost handle releases.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true
	return h.mgr.release()
}

func (m *Manager) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return nil
	}
	m.depth--
	if m.depth > 0 {
		return nil
	}
	m.held = false
	if err := m.backend.Release(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// staleReason applies the three independent staleness criteria and returns
// a non-empty reason when any fires.
func (m *Manager) staleReason(rec Record) string {
	hostname, _ := os.Hostname()
	if rec.Hostname != "" && rec.Hostname != hostname {
		// A record from another host cannot correspond to a live local
		// holder; treat it as a cross-host artifact.
		return fmt.Sprintf("foreign hostname %q", rec.Hostname)
	}
	if rec.PID > 0 && !processAlive(rec.PID) {
		return fmt.Sprintf("holder pid %d no longer exists", rec.PID)
	}
	if age := rec.age(); age > m.opts.StaleAge {
		return fmt.Sprintf("lock age %s exceeds max %s", age.Round(time.Second), m.opts.StaleAge)
	}
	return ""
}

func marshalRecord(rec Record) []byte {
	content, err := yamlv3.Marshal(rec)
	if err != nil {
		return nil
	}
	return content
}

func unmarshalRecord(content []byte) (Record, error) {
	var rec Record
	if err := yamlv3.Unmarshal(content, &rec); err != nil {
		return Record{}, fmt.Errorf("parse lock record: %w", err)
	}
	return rec, nil
}

func jitter(d time.Duration) time.Duration {
	// ±25% spread keeps contending processes from retrying in lockstep.
	delta := int64(d) / 4
	if delta <= 0 {
		return d
	}
	return d - time.Duration(delta) + time.Duration(rand.Int63n(2*delta))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
