// Package config holds all configuration types and loading logic for the
// action queue. Config structure never shrinks — fields are only added,
// never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/trimbox/actionq/internal/types"
)

// Config is the root configuration for the action execution queue.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Quota    QuotaConfig    `yaml:"quota"`
	Auth     AuthConfig     `yaml:"auth"`
	Gmail    GmailConfig    `yaml:"gmail"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Progress ProgressConfig `yaml:"progress"`
}

// StorageBackend selects which Store implementation backs the queue.
type StorageBackend string

const (
	BackendBolt   StorageBackend = "bolt"
	BackendSQLite StorageBackend = "sqlite"
)

// StorageConfig controls where and how queue items are persisted.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	// Path is the database file (bolt) or DSN path (sqlite).
	Path string `yaml:"path"`
}

// UnsubscribeFallback controls what happens when an unsubscribe attempt is
// downgraded (the request cannot be performed, e.g. mailto with no sender).
type UnsubscribeFallback string

const (
	// FallbackAuto enqueues a trash action for the same message so the
	// user's delete intent is never silently dropped.
	FallbackAuto UnsubscribeFallback = "auto"
	// FallbackManual records the failure only; the UI surfaces it for a
	// fresh user decision.
	FallbackManual UnsubscribeFallback = "manual"
)

// QueueConfig tunes the worker pool and retry policy.
type QueueConfig struct {
	// Workers is the number of concurrent dispatch loops. Keep small: the
	// provider budget, not CPU, is the bottleneck.
	Workers int `yaml:"workers"`
	// PollIntervalMs is how long an idle worker sleeps between claim
	// attempts. This is the single suspension point of the control loop.
	PollIntervalMs int `yaml:"poll_interval_ms"`
	// ExecTimeoutMs bounds a single provider call.
	ExecTimeoutMs int `yaml:"exec_timeout_ms"`
	// MaxRetries is applied to items enqueued without an explicit ceiling.
	MaxRetries int `yaml:"max_retries"`
	// StaleClaimAfterMs is how old a Processing claim must be before startup
	// recovery treats it as abandoned by a crashed run.
	StaleClaimAfterMs int `yaml:"stale_claim_after_ms"`
	// StoreRetryDelayMs is the pause before retrying a failed store
	// operation. A store outage pauses the whole loop, not one item.
	StoreRetryDelayMs int `yaml:"store_retry_delay_ms"`

	UnsubscribeFallback UnsubscribeFallback `yaml:"unsubscribe_fallback"`
}

// QuotaConfig shapes the provider request budget and the backoff policy.
type QuotaConfig struct {
	// DailyUnits is the quota ceiling per UTC day, scaled internally to a
	// per-minute token bucket.
	DailyUnits int64 `yaml:"daily_units"`
	// BurstUnits caps how much of the budget can be spent at once.
	BurstUnits int `yaml:"burst_units"`
	// Costs maps action type to its estimated quota units. Provider-specific
	// numbers are configuration, never code.
	Costs map[types.ActionType]int `yaml:"costs"`
	// CooldownMs is the dispatch freeze applied after a 429 without a
	// Retry-After hint.
	CooldownMs int `yaml:"cooldown_ms"`

	// BackoffBaseMs doubles per attempt up to BackoffCapMs, plus up to
	// JitterPct percent of random jitter.
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffCapMs  int `yaml:"backoff_cap_ms"`
	JitterPct     int `yaml:"jitter_pct"`
}

// AuthConfig controls how long dispatch stays paused waiting for a token
// refresh before the paused item escalates to Failed.
type AuthConfig struct {
	WaitCeilingMs int `yaml:"wait_ceiling_ms"`
}

// GmailConfig locates the OAuth material for the Gmail capability adapter.
// Token acquisition itself happens in the desktop app's sign-in flow; this
// subsystem only consumes the stored credentials.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	Account         string `yaml:"account"`
}

// MetricsConfig controls the Prometheus-text metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ProgressConfig controls the local WebSocket progress feed consumed by the
// desktop UI.
type ProgressConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendBolt,
			Path:    "./data/actionq.db",
		},
		Queue: QueueConfig{
			Workers:             2,
			PollIntervalMs:      1_000,
			ExecTimeoutMs:       30_000,
			MaxRetries:          types.DefaultMaxRetries,
			StaleClaimAfterMs:   120_000,
			StoreRetryDelayMs:   2_000,
			UnsubscribeFallback: FallbackAuto,
		},
		Quota: QuotaConfig{
			DailyUnits: 1_000_000_000,
			BurstUnits: 250,
			Costs: map[types.ActionType]int{
				types.ActionTrash:          5,
				types.ActionDelete:         10,
				types.ActionLabel:          5,
				types.ActionReportSpam:     10,
				types.ActionReportPhishing: 10,
				types.ActionUnsubscribe:    1,
			},
			CooldownMs:    30_000,
			BackoffBaseMs: 1_000,
			BackoffCapMs:  60_000,
			JitterPct:     20,
		},
		Auth: AuthConfig{
			WaitCeilingMs: 60_000,
		},
		Gmail: GmailConfig{
			CredentialsFile: "./credentials.json",
			TokenFile:       "./data/token.json",
			Account:         "default",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9611,
		},
		Progress: ProgressConfig{
			Enabled: true,
			Port:    9612,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// so the queue runs with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	ACTIONQ_STORAGE_PATH — sets storage.path
//	ACTIONQ_WORKERS      — sets queue.workers
//	ACTIONQ_TOKEN_FILE   — sets gmail.token_file
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ACTIONQ_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ACTIONQ_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("ACTIONQ_TOKEN_FILE"); v != "" {
		cfg.Gmail.TokenFile = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendBolt, BackendSQLite:
		// valid
	default:
		return fmt.Errorf(`storage.backend must be "bolt" or "sqlite", got %q`, c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}
	if c.Queue.Workers < 1 {
		return errors.New("queue.workers must be at least 1")
	}
	if c.Queue.PollIntervalMs < 1 {
		return errors.New("queue.poll_interval_ms must be at least 1")
	}
	if c.Queue.ExecTimeoutMs < 1 {
		return errors.New("queue.exec_timeout_ms must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must be >= 0")
	}
	switch c.Queue.UnsubscribeFallback {
	case FallbackAuto, FallbackManual:
		// valid
	default:
		return fmt.Errorf(`queue.unsubscribe_fallback must be "auto" or "manual", got %q`, c.Queue.UnsubscribeFallback)
	}
	if c.Quota.DailyUnits < 1 {
		return errors.New("quota.daily_units must be at least 1")
	}
	if c.Quota.BurstUnits < 1 {
		return errors.New("quota.burst_units must be at least 1")
	}
	for t, cost := range c.Quota.Costs {
		if !t.Valid() {
			return fmt.Errorf("quota.costs: unknown action type %q", t)
		}
		if cost < 1 {
			return fmt.Errorf("quota.costs[%s] must be at least 1", t)
		}
	}
	if c.Quota.BackoffBaseMs < 1 {
		return errors.New("quota.backoff_base_ms must be at least 1")
	}
	if c.Quota.BackoffCapMs < c.Quota.BackoffBaseMs {
		return errors.New("quota.backoff_cap_ms must be >= quota.backoff_base_ms")
	}
	if c.Quota.JitterPct < 0 || c.Quota.JitterPct > 100 {
		return errors.New("quota.jitter_pct must be between 0 and 100")
	}
	if c.Auth.WaitCeilingMs < 1 {
		return errors.New("auth.wait_ceiling_ms must be at least 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Progress.Enabled && (c.Progress.Port < 1 || c.Progress.Port > 65535) {
		return errors.New("progress.port must be between 1 and 65535")
	}
	return nil
}
