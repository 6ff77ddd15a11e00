package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/steward/internal/config"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.PollIntervalSeconds != 30 {
		t.Errorf("poll interval = %d", cfg.Scheduler.PollIntervalSeconds)
	}
	if cfg.Runner.MaxSteps != 50 {
		t.Errorf("max steps = %d", cfg.Runner.MaxSteps)
	}
	if cfg.Runner.CompactAfterEntries != 30 || cfg.Runner.CompactAfterSteps != 15 || cfg.Runner.CompactKeepRecent != 20 {
		t.Errorf("compaction defaults = %d/%d/%d",
			cfg.Runner.CompactAfterEntries, cfg.Runner.CompactAfterSteps, cfg.Runner.CompactKeepRecent)
	}
	if cfg.TaskLease() != 30*time.Minute {
		t.Errorf("task lease = %v", cfg.TaskLease())
	}
	if cfg.JobLease() != 2*time.Minute {
		t.Errorf("job lease = %v", cfg.JobLease())
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("timezone = %q", cfg.Timezone)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
timezone: Europe/Berlin
scheduler:
  poll_interval_seconds: 5
  task_lease_minutes: 10
runner:
  max_steps: 12
llm:
  model: gpt-4o
  api_key: from-file
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STEWARD_LLM_API_KEY", "from-env")

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Timezone != "Europe/Berlin" {
		t.Errorf("cfg = %s/%s", cfg.LogLevel, cfg.Timezone)
	}
	if cfg.PollInterval() != 5*time.Second || cfg.TaskLease() != 10*time.Minute {
		t.Errorf("durations = %v/%v", cfg.PollInterval(), cfg.TaskLease())
	}
	if cfg.Runner.MaxSteps != 12 {
		t.Errorf("max steps = %d", cfg.Runner.MaxSteps)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	// Env beats the file for secrets.
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	// Unset fields still get defaults.
	if cfg.Scheduler.JobLeaseSeconds != 120 {
		t.Errorf("job lease seconds = %d", cfg.Scheduler.JobLeaseSeconds)
	}
}
