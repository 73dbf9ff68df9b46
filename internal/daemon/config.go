package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/taskpilot/taskpilot/internal/model"
)

// LoadConfig reads .taskpilot/config.yaml, applies TASKPILOT_* environment
// overrides, and fills defaults. A missing config file is not an error; the
// defaults describe a working single-session setup.
func LoadConfig(baseDir string) (model.Config, error) {
	var cfg model.Config

	path := filepath.Join(baseDir, "config.yaml")
	content, err := os.ReadFile(path)
	if err == nil {
		if err := yamlv3.Unmarshal(content, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return model.ApplyDefaults(cfg), nil
}

// WriteDefaultConfig materializes a commented starter config for `init`.
// Refuses to overwrite an existing file.
func WriteDefaultConfig(baseDir string) (string, error) {
	path := filepath.Join(baseDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}

	cfg := model.ApplyDefaults(model.Config{})
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

func applyEnvOverrides(cfg *model.Config) {
	if v := os.Getenv("TASKPILOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TASKPILOT_SESSION_NAME"); v != "" {
		cfg.Session.SessionName = v
	}
	if v := os.Getenv("TASKPILOT_START_COMMAND"); v != "" {
		cfg.Session.StartCommand = v
	}
	if v, ok := envInt("TASKPILOT_QUEUE_MAX_SIZE"); ok {
		cfg.Queue.MaxSize = v
	}
	if v, ok := envInt("TASKPILOT_MAX_RETRIES"); ok {
		cfg.Retry.MaxRetries = v
	}
	if v, ok := envInt("TASKPILOT_DEFAULT_TIMEOUT_SEC"); ok {
		cfg.Timeout.DefaultSec = v
	}
	if v, ok := envInt("TASKPILOT_CONCURRENCY"); ok {
		cfg.Daemon.Concurrency = v
	}
	if v := os.Getenv("TASKPILOT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
