// Package config loads the steward runtime configuration from YAML with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig holds poll-loop and lease policy.
type SchedulerConfig struct {
	// PollIntervalSeconds is the cadence of the due-job poll. Default 30.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// JobLeaseSeconds is the short per-job dispatch lease. It should stay
	// small relative to the poll interval; the task lease, not the job
	// lease, covers the duration of an agent run. Default 120.
	JobLeaseSeconds int `yaml:"job_lease_seconds"`

	// TaskLeaseMinutes is the agent-run lease on the task row. Default 30.
	TaskLeaseMinutes int `yaml:"task_lease_minutes"`

	// MaxConsecutiveFailures pauses a job after this many failed runs in a
	// row. 0 uses the default of 5.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// StaleRunningMaxStrikes marks a task failed after this many sweep
	// cycles observed it running with an expired lease. Default 3.
	StaleRunningMaxStrikes int `yaml:"stale_running_max_strikes"`

	// SweepIntervalSeconds is the cadence of the stale-running sweep.
	// Default 300.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// RunnerConfig bounds the agent loop.
type RunnerConfig struct {
	// MaxSteps is the hard tool-call ceiling per run. Default 50.
	MaxSteps int `yaml:"max_steps"`

	// Compaction thresholds: once the transcript exceeds CompactAfterEntries
	// entries and CompactAfterSteps steps have elapsed, the transcript is
	// collapsed to the instruction plus the CompactKeepRecent most recent
	// entries. Defaults 30 / 15 / 20.
	CompactAfterEntries int `yaml:"compact_after_entries"`
	CompactAfterSteps   int `yaml:"compact_after_steps"`
	CompactKeepRecent   int `yaml:"compact_keep_recent"`
}

// LLMConfig configures the model-call collaborator.
type LLMConfig struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// SearchConfig configures the embedded semantic index.
type SearchConfig struct {
	// Dir is the on-disk location of the vector collection. Empty uses
	// <home>/vector_db.
	Dir string `yaml:"dir"`

	// EmbeddingAPIKey is the key for the embedding endpoint. Env override:
	// STEWARD_EMBEDDING_API_KEY.
	EmbeddingAPIKey string `yaml:"embedding_api_key"`
}

// TelegramConfig configures the outbound notification channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelemetryConfig configures the metrics pipeline.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // stdout or none
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// OwnerID identifies the single human owner all notifications address.
	OwnerID string `yaml:"owner_id"`

	// AgentID is the identity the runner writes comments and subtasks as.
	AgentID string `yaml:"agent_id"`

	// Timezone is the owner's IANA zone, the default for new cron jobs.
	Timezone string `yaml:"timezone"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runner    RunnerConfig    `yaml:"runner"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DefaultHomeDir returns ~/.steward, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".steward")
}

// Load reads config.yaml from homeDir, applies defaults and env overrides.
// A missing file yields a default configuration.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	if v := os.Getenv("STEWARD_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("STEWARD_EMBEDDING_API_KEY"); v != "" {
		cfg.Search.EmbeddingAPIKey = v
	}
	if v := os.Getenv("STEWARD_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "steward.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OwnerID == "" {
		c.OwnerID = "owner"
	}
	if c.AgentID == "" {
		c.AgentID = "steward"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.Search.Dir == "" {
		c.Search.Dir = filepath.Join(c.HomeDir, "vector_db")
	}

	s := &c.Scheduler
	if s.PollIntervalSeconds <= 0 {
		s.PollIntervalSeconds = 30
	}
	if s.JobLeaseSeconds <= 0 {
		s.JobLeaseSeconds = 120
	}
	if s.TaskLeaseMinutes <= 0 {
		s.TaskLeaseMinutes = 30
	}
	if s.MaxConsecutiveFailures <= 0 {
		s.MaxConsecutiveFailures = 5
	}
	if s.StaleRunningMaxStrikes <= 0 {
		s.StaleRunningMaxStrikes = 3
	}
	if s.SweepIntervalSeconds <= 0 {
		s.SweepIntervalSeconds = 300
	}

	r := &c.Runner
	if r.MaxSteps <= 0 {
		r.MaxSteps = 50
	}
	if r.CompactAfterEntries <= 0 {
		r.CompactAfterEntries = 30
	}
	if r.CompactAfterSteps <= 0 {
		r.CompactAfterSteps = 15
	}
	if r.CompactKeepRecent <= 0 {
		r.CompactKeepRecent = 20
	}
}

// PollInterval returns the scheduler poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// JobLease returns the per-job dispatch lease as a duration.
func (c *Config) JobLease() time.Duration {
	return time.Duration(c.Scheduler.JobLeaseSeconds) * time.Second
}

// TaskLease returns the agent-run lease as a duration.
func (c *Config) TaskLease() time.Duration {
	return time.Duration(c.Scheduler.TaskLeaseMinutes) * time.Minute
}

// SweepInterval returns the stale-running sweep cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Scheduler.SweepIntervalSeconds) * time.Second
}
