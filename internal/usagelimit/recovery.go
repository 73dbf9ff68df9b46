package usagelimit

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/yaml"
)

// WaitResult says how a Wait ended.
type WaitResult int

const (
	WaitExpired WaitResult = iota
	WaitCanceled
)

// Progress reports elapsed/remaining time during a Wait tick.
type Progress func(elapsed, remaining time.Duration)

// Recovery owns the usage-limit occurrence history and the wait policy.
type Recovery struct {
	path   string
	cfg    model.UsageLimitConfig
	logger *logging.Logger

	mu sync.Mutex
}

func NewRecovery(baseDir string, cfg model.UsageLimitConfig, logger *logging.Logger) *Recovery {
	return &Recovery{
		path:   filepath.Join(baseDir, "usage_limit_history.yaml"),
		cfg:    cfg,
		logger: logger,
	}
}

// Record appends an occurrence for the context and prunes entries past the
// history window. Returns the occurrence count for the context including the
// new entry.
func (r *Recovery) Record(contextID string, m *Match, wait time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hist, err := r.load()
	if err != nil {
		return 0, err
	}

	pattern := PatternGeneric
	if m != nil {
		pattern = m.Pattern
	}
	hist.Occurrences = append(hist.Occurrences, model.UsageLimitOccurrence{
		ContextID:   contextID,
		DetectedAt:  model.Timestamp(time.Now()),
		Pattern:     pattern,
		WaitSeconds: int(wait / time.Second),
	})
	hist.Occurrences = r.prune(hist.Occurrences)

	if err := yaml.AtomicWrite(r.path, hist); err != nil {
		return 0, fmt.Errorf("persist usage-limit history: %w", err)
	}

	count := countFor(hist.Occurrences, contextID)
	r.logger.Warnf("event=usage_limit_recorded context=%s pattern=%s wait=%s occurrence=%d", contextID, pattern, wait, count)
	return count, nil
}

// OccurrenceCount returns how many occurrences the context has inside the
// history window.
func (r *Recovery) OccurrenceCount(contextID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hist, err := r.load()
	if err != nil {
		return 0, err
	}
	return countFor(r.prune(hist.Occurrences), contextID), nil
}

// EscalatedWait applies the repeat-offender policy: base · factor^(n-1) for
// the n-th occurrence, capped at the configured maximum. The first
// occurrence waits the base amount.
func (r *Recovery) EscalatedWait(base time.Duration, occurrences int) time.Duration {
	if base <= 0 {
		base = time.Duration(r.cfg.BaseCooldownSec) * time.Second
	}
	if occurrences > 1 {
		base = time.Duration(float64(base) * math.Pow(r.cfg.BackoffFactor, float64(occurrences-1)))
	}
	max := time.Duration(r.cfg.MaxWaitSec) * time.Second
	if max > 0 && base > max {
		base = max
	}
	return base
}

// DefaultCooldown is the wait for generic matches with no parseable time.
func (r *Recovery) DefaultCooldown() time.Duration {
	return time.Duration(r.cfg.BaseCooldownSec) * time.Second
}

// Wait blocks for d, ticking progress once a second. It returns WaitCanceled
// as soon as ctx is done, so shutdown never hangs on a limit window.
func (r *Recovery) Wait(ctx context.Context, d time.Duration, progress Progress) WaitResult {
	if d <= 0 {
		return WaitExpired
	}

	start := time.Now()
	deadline := start.Add(d)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	expire := time.NewTimer(d)
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return WaitCanceled
		case <-expire.C:
			return WaitExpired
		case now := <-ticker.C:
			if progress != nil {
				remaining := deadline.Sub(now)
				if remaining < 0 {
					remaining = 0
				}
				progress(now.Sub(start), remaining)
			}
		}
	}
}

func (r *Recovery) load() (model.UsageLimitHistory, error) {
	content, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return emptyHistory(), nil
	}
	if err != nil {
		return model.UsageLimitHistory{}, fmt.Errorf("read usage-limit history: %w", err)
	}

	if err := yaml.ValidateSchemaHeaderFromBytes(content, yaml.FileTypeUsageLimit); err == nil {
		var hist model.UsageLimitHistory
		if err := yamlv3.Unmarshal(content, &hist); err == nil {
			return hist, nil
		}
	}

	// History is advisory; a corrupt file is quarantined and restarted
	// rather than blocking recovery.
	r.logger.Warnf("event=usage_limit_history_corrupt path=%s", r.path)
	if err := yaml.Quarantine(filepath.Dir(r.path), r.path); err != nil {
		r.logger.Errorf("event=quarantine_failed path=%s err=%v", r.path, err)
	}
	return emptyHistory(), nil
}

func (r *Recovery) prune(occ []model.UsageLimitOccurrence) []model.UsageLimitOccurrence {
	maxAge := time.Duration(r.cfg.HistoryMaxAgeHr) * time.Hour
	if maxAge <= 0 {
		return occ
	}
	cutoff := time.Now().Add(-maxAge)
	kept := occ[:0]
	for _, o := range occ {
		if model.ParseTimestamp(o.DetectedAt).After(cutoff) {
			kept = append(kept, o)
		}
	}
	return kept
}

func countFor(occ []model.UsageLimitOccurrence, contextID string) int {
	n := 0
	for _, o := range occ {
		if o.ContextID == contextID {
			n++
		}
	}
	return n
}

func emptyHistory() model.UsageLimitHistory {
	return model.UsageLimitHistory{
		SchemaVersion: yaml.CurrentSchemaVersion,
		FileType:      yaml.FileTypeUsageLimit,
	}
}
