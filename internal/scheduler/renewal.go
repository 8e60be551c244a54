// Package scheduler drives the periodic renewal sweep: find users whose
// billing cycle has lapsed and reset their balances for the new period. Plan
// membership lives on the user row, so the sweep covers free-tier users who
// never had a subscription as well as paying ones whose invoice webhook went
// missing. Both paths converge on the same reset-to-allocation write, so
// running twice is harmless.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"prodify/internal/config"
	"prodify/internal/db"
	"prodify/internal/types"
)

// RenewalEngine scans for due users and renews them in bounded parallel
// batches. Each user renews in its own transaction; one failure is recorded
// and the sweep moves on.
type RenewalEngine struct {
	store  db.Database
	cfg    config.RenewalConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRenewalEngine creates a RenewalEngine.
func NewRenewalEngine(store db.Database, cfg config.RenewalConfig, logger *slog.Logger) *RenewalEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &RenewalEngine{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RenewDueUsers runs one sweep: batches of due users are renewed with
// bounded concurrency until none remain. The report carries the count of due
// and renewed users plus the ids that failed.
func (e *RenewalEngine) RenewDueUsers(ctx context.Context) (*types.RenewalReport, error) {
	report := &types.RenewalReport{}
	users := db.NewUserRepo(e.store.Querier())

	for {
		due, err := users.ListDueForRenewal(ctx, e.now(), e.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		if len(due) == 0 {
			break
		}
		report.Due += len(due)
		failedBefore := len(report.Failed)

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, user := range due {
			g.Go(func() error {
				if err := e.renewOne(gctx, user); err != nil {
					e.logger.ErrorContext(gctx, "renewal failed",
						"user_id", user.ID,
						"plan_id", user.PlanID,
						"error", err,
					)
					mu.Lock()
					report.Failed = append(report.Failed, user.ID)
					mu.Unlock()
					return nil
				}
				mu.Lock()
				report.Renewed++
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}

		// A failed row stays due; if the whole batch failed, stop instead of
		// re-fetching the same rows forever.
		if len(report.Failed)-failedBefore == len(due) {
			break
		}
		if len(due) < e.cfg.BatchSize {
			break
		}
	}

	e.logger.InfoContext(ctx, "renewal sweep finished",
		"due", report.Due,
		"renewed", report.Renewed,
		"failed", len(report.Failed),
	)
	return report, nil
}

// renewOne resets the user's balances to the plan allocation and advances the
// billing cycle, in a single transaction. Subscription periods are
// provider-owned and move only on invoice events; the sweep never touches
// the subscriptions table.
func (e *RenewalEngine) renewOne(ctx context.Context, user types.User) error {
	periodStart := user.CurrentPeriodEnd
	periodEnd := periodStart.AddDate(0, 1, 0)

	// Catch up lapsed cycles so a long-dormant user renews once, not once
	// per missed month.
	now := e.now()
	for !periodEnd.After(now) {
		periodStart = periodEnd
		periodEnd = periodStart.AddDate(0, 1, 0)
	}

	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := db.NewBalanceRepo(tx).ResetToAllocations(ctx, user.ID, user.PlanID); err != nil {
			return fmt.Errorf("resetting balances: %w", err)
		}
		if err := db.NewUserRepo(tx).AdvancePeriod(ctx, user.ID, periodStart, periodEnd); err != nil {
			return fmt.Errorf("advancing billing cycle: %w", err)
		}
		return nil
	})
}

// RenewUser forces a renewal for a single user regardless of due date. This
// backs the admin endpoint used for support escalations.
func (e *RenewalEngine) RenewUser(ctx context.Context, userID string) error {
	user, err := db.NewUserRepo(e.store.Querier()).GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.renewOne(ctx, *user); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "manual renewal applied", "user_id", userID)
	return nil
}

// ListExpiring returns active subscriptions ending within the window.
func (e *RenewalEngine) ListExpiring(ctx context.Context, within time.Duration) ([]types.Subscription, error) {
	return db.NewSubscriptionRepo(e.store.Querier(), e.logger).ListExpiring(ctx, e.now(), within)
}
