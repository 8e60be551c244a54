// Package main is the renewal sweeper. It runs the renewal sweep either once
// (-once, for cron-style deployments and manual runs) or on a schedule
// driven by the configured cron spec.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"prodify/internal/config"
	"prodify/internal/db"
	"prodify/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	once := flag.Bool("once", false, "run one sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("renewal sweeper starting",
		"environment", cfg.Environment,
		"once", *once,
		"cron", cfg.Renewal.CronSpec,
	)

	ctx := context.Background()
	store, err := db.NewStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer store.Close()

	engine := scheduler.NewRenewalEngine(store, cfg.Renewal, logger)

	if *once {
		report, err := engine.RenewDueUsers(ctx)
		if err != nil {
			return fmt.Errorf("renewal sweep: %w", err)
		}
		logger.Info("sweep complete",
			"due", report.Due,
			"renewed", report.Renewed,
			"failed", len(report.Failed),
		)
		return nil
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Renewal.CronSpec, func() {
		if _, err := engine.RenewDueUsers(ctx); err != nil {
			logger.Error("scheduled sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", cfg.Renewal.CronSpec, err)
	}
	c.Start()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received", "signal", sig.String())

	<-c.Stop().Done()
	logger.Info("sweeper stopped cleanly")
	return nil
}
