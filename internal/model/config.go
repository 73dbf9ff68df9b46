package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Queue      QueueConfig      `yaml:"queue"`
	Retry      RetryConfig      `yaml:"retry"`
	Lock       LockConfig       `yaml:"lock"`
	Timeout    TimeoutConfig    `yaml:"timeout"`
	UsageLimit UsageLimitConfig `yaml:"usage_limit"`
	Backup     BackupConfig     `yaml:"backup"`
	Session    SessionConfig    `yaml:"session"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

type QueueConfig struct {
	MaxSize            int `yaml:"max_size"`
	RetentionDays      int `yaml:"retention_days"`
	CheckpointEverySec int `yaml:"checkpoint_every_sec"`
}

type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	RetryDelaySec int `yaml:"retry_delay_sec"`
}

type LockConfig struct {
	AcquireTimeoutSec int `yaml:"acquire_timeout_sec"`
	StaleAgeSec       int `yaml:"stale_age_sec"`
	RetryBaseMs       int `yaml:"retry_base_ms"`
	RetryMaxMs        int `yaml:"retry_max_ms"`
}

type TimeoutConfig struct {
	DefaultSec       int              `yaml:"default_sec"`
	PerType          map[string]int   `yaml:"per_type,omitempty"`
	WarnThresholdSec int              `yaml:"warn_threshold_sec"`
}

type UsageLimitConfig struct {
	BaseCooldownSec int     `yaml:"base_cooldown_sec"`
	BackoffFactor   float64 `yaml:"backoff_factor"`
	MaxWaitSec      int     `yaml:"max_wait_sec"`
	HistoryMaxAgeHr int     `yaml:"history_max_age_hr"`
}

type BackupConfig struct {
	MaxAgeDays      int    `yaml:"max_age_days"`
	MaxPerTask      int    `yaml:"max_per_task"`
	MaxBackups      int    `yaml:"max_backups"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

type SessionConfig struct {
	SessionName        string `yaml:"session_name"`
	StartCommand       string `yaml:"start_command"`
	PollIntervalSec    int    `yaml:"poll_interval_sec"`
	IdleStableSec      int    `yaml:"idle_stable_sec"`
	CaptureLines       int    `yaml:"capture_lines"`
	CompletionMarkers  string `yaml:"completion_markers"`
	BusyPatterns       string `yaml:"busy_patterns"`
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	Concurrency        int `yaml:"concurrency"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero-valued fields with operational defaults. Components
// receive the resulting Config by value and never mutate it afterwards.
func ApplyDefaults(cfg Config) Config {
	if cfg.Queue.MaxSize <= 0 {
		cfg.Queue.MaxSize = 100
	}
	if cfg.Queue.RetentionDays <= 0 {
		cfg.Queue.RetentionDays = 7
	}
	if cfg.Queue.CheckpointEverySec <= 0 {
		cfg.Queue.CheckpointEverySec = 300
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.RetryDelaySec <= 0 {
		cfg.Retry.RetryDelaySec = 30
	}
	if cfg.Lock.AcquireTimeoutSec <= 0 {
		cfg.Lock.AcquireTimeoutSec = 30
	}
	if cfg.Lock.StaleAgeSec <= 0 {
		cfg.Lock.StaleAgeSec = 300
	}
	if cfg.Lock.RetryBaseMs <= 0 {
		cfg.Lock.RetryBaseMs = 50
	}
	if cfg.Lock.RetryMaxMs <= 0 {
		cfg.Lock.RetryMaxMs = 2000
	}
	if cfg.Timeout.DefaultSec <= 0 {
		cfg.Timeout.DefaultSec = 3600
	}
	if cfg.Timeout.WarnThresholdSec <= 0 {
		cfg.Timeout.WarnThresholdSec = 300
	}
	if cfg.UsageLimit.BaseCooldownSec <= 0 {
		cfg.UsageLimit.BaseCooldownSec = 1800
	}
	if cfg.UsageLimit.BackoffFactor <= 1.0 {
		cfg.UsageLimit.BackoffFactor = 1.5
	}
	if cfg.UsageLimit.MaxWaitSec <= 0 {
		cfg.UsageLimit.MaxWaitSec = 6 * 3600
	}
	if cfg.UsageLimit.HistoryMaxAgeHr <= 0 {
		cfg.UsageLimit.HistoryMaxAgeHr = 24
	}
	if cfg.Backup.MaxAgeDays <= 0 {
		cfg.Backup.MaxAgeDays = 7
	}
	if cfg.Backup.MaxPerTask <= 0 {
		cfg.Backup.MaxPerTask = 20
	}
	if cfg.Backup.MaxBackups <= 0 {
		cfg.Backup.MaxBackups = 10
	}
	if cfg.Backup.CleanupSchedule == "" {
		cfg.Backup.CleanupSchedule = "@hourly"
	}
	if cfg.Session.SessionName == "" {
		cfg.Session.SessionName = "taskpilot"
	}
	if cfg.Session.StartCommand == "" {
		cfg.Session.StartCommand = "claude"
	}
	if cfg.Session.PollIntervalSec <= 0 {
		cfg.Session.PollIntervalSec = 5
	}
	if cfg.Session.IdleStableSec <= 0 {
		cfg.Session.IdleStableSec = 5
	}
	if cfg.Session.CaptureLines <= 0 {
		cfg.Session.CaptureLines = 50
	}
	if cfg.Daemon.ScanIntervalSec <= 0 {
		cfg.Daemon.ScanIntervalSec = 10
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = 30
	}
	if cfg.Daemon.Concurrency <= 0 {
		cfg.Daemon.Concurrency = 1
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = "127.0.0.1:9188"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}

// TimeoutFor returns the configured timeout for a task, preferring the task's
// own value, then the per-type override, then the global default.
func (c Config) TimeoutFor(t Task) int {
	if t.TimeoutSeconds > 0 {
		return t.TimeoutSeconds
	}
	if sec, ok := c.Timeout.PerType[string(t.Type)]; ok && sec > 0 {
		return sec
	}
	return c.Timeout.DefaultSec
}
