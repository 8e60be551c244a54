// Package main is the entry point for the Prodify credits API server.
//
// It loads configuration, opens the database pool, wires the ledger,
// purchase, billing-reconciliation, and renewal services into the HTTP
// chassis, and serves until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"prodify/internal/api/handlers"
	"prodify/internal/billing"
	"prodify/internal/config"
	"prodify/internal/core"
	"prodify/internal/credits"
	"prodify/internal/db"
	"prodify/internal/external"
	"prodify/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main can exit cleanly on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("prodify API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	store, err := db.NewStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer store.Close()

	// Services.
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{Billing: cfg.Billing, Logger: logger},
	)
	ledger := credits.NewLedger(store, logger)
	purchases := credits.NewPurchaseService(store, stripeClient, logger)
	catalog := billing.NewCatalog(cfg.Billing, db.NewPlanRepo(store.Querier()))
	reconciler := billing.NewReconciler(store, catalog, purchases, logger)
	renewals := scheduler.NewRenewalEngine(store, cfg.Renewal, logger)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	validator := core.NewValidator()

	creditsHandler := handlers.NewCreditsHandler(ledger, purchases, validator, logger)
	adminHandler := handlers.NewAdminHandler(renewals, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		reconciler,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, creditsHandler.RegisterRoutes)
	srv.AdminRouteRegistrars = append(srv.AdminRouteRegistrars, adminHandler.RegisterRoutes)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, func(r chi.Router) {
		webhookHandler.RegisterRoutes(r)
	})
	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
		ProbeName: "database",
		Fn:        store.Ping,
	})
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, store, logger)
}

func runHTTPServer(srv *core.Server, cfg *config.Config, store *db.Store, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	store.Close()

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates the structured JSON logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
