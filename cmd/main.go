package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedwarden/internal/bot"
	"feedwarden/internal/config"
	"feedwarden/internal/cooldown"
	"feedwarden/internal/database"
	"feedwarden/internal/dispatch"
	"feedwarden/internal/fetcher"
	"feedwarden/internal/poller"
	"feedwarden/internal/scheduler"
	"feedwarden/internal/subscription"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.ErrorContext(ctx, "Failed to load config",
			"error", err)

		return
	}

	db, err := database.New(ctx, cfg.DBPath, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DBPath)

		return
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err,
				"dbPath", cfg.DBPath)
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.DBPath)

	gate := cooldown.New()
	index := subscription.NewIndex(db, gate, time.Now, cfg.DefaultCooldown, log)

	if err = index.Load(ctx); err != nil {
		log.ErrorContext(ctx, "Failed to load subscription index",
			"error", err)

		return
	}
	log.InfoContext(ctx, "Subscription index is loaded",
		"feedCount", len(index.Feeds()))

	source := fetcher.New(log)

	botInst, err := bot.New(cfg.Token, index, source, cfg.AllowedUsers, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize bot",
			"error", err,
			"allowedUsersCount", len(cfg.AllowedUsers))

		return
	}
	log.InfoContext(ctx, "Bot is initialized",
		"allowedUsersCount", len(cfg.AllowedUsers))

	dispatcher := dispatch.New(botInst, log)

	orchestrator := poller.New(
		source,
		index,
		gate,
		dispatcher,
		db,
		time.Now,
		poller.Config{
			Interval:          cfg.PollInterval,
			FailureThreshold:  cfg.FailureThreshold,
			SuspendRetryAfter: cfg.SuspendRetryAfter,
		},
		log,
	)

	sched := scheduler.New(ctx, orchestrator, log)

	if err = sched.Start(); err != nil {
		log.ErrorContext(ctx, "Failed to start scheduler",
			"error", err,
			"spec", scheduler.PollSpec)

		return
	}
	defer sched.Stop()
	log.InfoContext(ctx, "Scheduler is started",
		"spec", scheduler.PollSpec,
		"pollInterval", cfg.PollInterval)

	go func() {
		botInst.Start(ctx)
	}()
	log.InfoContext(ctx, "Bot is started",
		"updateTimeoutSeconds", bot.BotUpdateTimeout)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.InfoContext(ctx, "Shutdown signal is received",
		"signal", sig.String())
	cancel()

	botInst.Stop()
	log.InfoContext(ctx, "Bot is stopped",
		"uptimeSeconds", time.Since(start).Seconds())
}
