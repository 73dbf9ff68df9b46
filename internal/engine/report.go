package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskpilot/taskpilot/internal/classify"
	"github.com/taskpilot/taskpilot/internal/model"
	"github.com/taskpilot/taskpilot/internal/yaml"
)

// DiagnosticReport is written for every manual-recovery failure so a human
// can resume or abandon the task with full context.
type DiagnosticReport struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	TaskID        string            `yaml:"task_id"`
	Phase         string            `yaml:"phase"`
	Severity      classify.Severity `yaml:"severity"`
	Strategy      classify.Strategy `yaml:"strategy"`
	ErrorMessage  string            `yaml:"error_message"`
	RecentOutput  string            `yaml:"recent_output"`
	RetryCount    int               `yaml:"retry_count"`
	MaxRetries    int               `yaml:"max_retries"`
	CreatedAt     string            `yaml:"created_at"`
	Task          model.Task        `yaml:"task"`
}

func (e *Engine) writeReport(task model.Task, phase string, sev classify.Severity, strat classify.Strategy, stepErr error, recentOutput string) (string, error) {
	dir := filepath.Join(e.baseDir, "reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}

	report := DiagnosticReport{
		SchemaVersion: yaml.CurrentSchemaVersion,
		FileType:      yaml.FileTypeReport,
		TaskID:        task.ID,
		Phase:         phase,
		Severity:      sev,
		Strategy:      strat,
		ErrorMessage:  stepErr.Error(),
		RecentOutput:  recentOutput,
		RetryCount:    task.RetryCount,
		MaxRetries:    task.MaxRetries,
		CreatedAt:     model.Timestamp(time.Now()),
		Task:          task,
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.yaml", task.ID, time.Now().UTC().Format("20060102T150405")))
	if err := yaml.AtomicWrite(path, report); err != nil {
		return "", fmt.Errorf("write diagnostic report: %w", err)
	}
	e.logger.Warnf("event=diagnostic_report task=%s phase=%s path=%s", task.ID, phase, path)
	return path, nil
}
