// Command stewardd is the steward daemon: it polls for due jobs, dispatches
// reminders and agent runs, and sweeps stale state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/steward/internal/agent"
	"github.com/basket/steward/internal/assembler"
	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/llm"
	"github.com/basket/steward/internal/notify"
	"github.com/basket/steward/internal/scheduler"
	"github.com/basket/steward/internal/search"
	"github.com/basket/steward/internal/store"
	"github.com/basket/steward/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stewardd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		homeDir    = flag.String("home", "", "steward home directory (default ~/.steward)")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error")
		quiet      = flag.Bool("quiet", false, "log to file only")
		backupPath = flag.String("backup", "", "write a consistent database backup to this path and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*homeDir)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *quiet {
		cfg.Quiet = true
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New()
	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if *backupPath != "" {
		if err := st.Backup(ctx, *backupPath); err != nil {
			return err
		}
		logger.Info("backup written", "path", *backupPath)
		return nil
	}

	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	var searcher search.Searcher
	if cfg.Search.EmbeddingAPIKey != "" {
		index, err := search.NewVectorIndex(cfg.Search.Dir, cfg.Search.EmbeddingAPIKey, logger)
		if err != nil {
			logger.Warn("semantic index unavailable", "error", err)
		} else {
			searcher = index
			go search.NewMaintainer(index, eventBus, logger).Run(ctx)
		}
	} else {
		logger.Info("semantic index disabled, no embedding key configured")
	}

	var notifier notify.Sink = notify.NewLogSink(logger)
	if cfg.Channels.Telegram.Enabled {
		tg, err := notify.NewTelegramSink(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.ChatID, logger)
		if err != nil {
			logger.Error("telegram sink init failed, falling back to log", "error", err)
		} else {
			notifier = notify.NewFanOut(tg, notify.NewLogSink(logger))
		}
	}

	client := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, logger)
	registry, err := agent.NewRegistry()
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}
	env := &agent.Env{
		Store:           st,
		Searcher:        searcher,
		Notifier:        notifier,
		OwnerID:         cfg.OwnerID,
		AgentID:         cfg.AgentID,
		DefaultTimezone: cfg.Timezone,
		Logger:          logger,
	}
	asm := assembler.New(st, searcher, logger)

	hostname, _ := os.Hostname()
	runner := agent.NewRunner(st, asm, client, registry, env, agent.Config{
		MaxSteps:            cfg.Runner.MaxSteps,
		CompactAfterEntries: cfg.Runner.CompactAfterEntries,
		CompactAfterSteps:   cfg.Runner.CompactAfterSteps,
		CompactKeepRecent:   cfg.Runner.CompactKeepRecent,
		TaskLease:           cfg.TaskLease(),
		Instance:            hostname,
	}, metrics, eventBus, logger)

	sched := scheduler.New(st, runner, notifier, scheduler.Config{
		PollInterval:           cfg.PollInterval(),
		JobLease:               cfg.JobLease(),
		SweepInterval:          cfg.SweepInterval(),
		MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures,
		StaleRunningMaxStrikes: cfg.Scheduler.StaleRunningMaxStrikes,
		OrphanExecGrace:        cfg.TaskLease(),
	}, metrics, eventBus, logger)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				// Scheduler policy is read at construction; flag the
				// change so the operator knows a restart applies it.
				logger.Warn("config.yaml changed on disk; restart stewardd to apply")
			}
		}()
	}

	logger.Info("stewardd started",
		"home", cfg.HomeDir,
		"db", cfg.DBPath,
		"poll_interval", cfg.PollInterval().String(),
		"owner", cfg.OwnerID)

	sched.Start(ctx)

	logger.Info("stewardd stopped")
	return nil
}
