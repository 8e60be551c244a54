package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"prodify/internal/types"
)

// SubscriptionRepo mirrors the payment provider's subscription state locally.
//
// Key invariants:
//   - A user has at most one subscription in a chargeable status
//     (active/trialing/past_due) at a time; Upsert demotes any other
//     chargeable row for the user before activating the new one.
//   - UpdatePeriod is last-writer-wins by period, not by arrival time:
//     webhooks may arrive out of order, so an event whose period end is not
//     newer than the stored one is silently ignored.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// GetByExternalID returns the subscription with the given provider id.
func (r *SubscriptionRepo) GetByExternalID(ctx context.Context, externalID string) (*types.Subscription, error) {
	var s types.Subscription
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, external_id, plan_id, status, current_period_start, current_period_end
		 FROM subscriptions WHERE external_id = $1`,
		externalID,
	).Scan(&s.ID, &s.UserID, &s.ExternalID, &s.PlanID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("subscription %s not found", externalID), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription", err)
	}
	return &s, nil
}

// GetActiveByUser returns the user's subscription in a chargeable status,
// or not_found_subscription if none exists.
func (r *SubscriptionRepo) GetActiveByUser(ctx context.Context, userID string) (*types.Subscription, error) {
	var s types.Subscription
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, external_id, plan_id, status, current_period_start, current_period_end
		 FROM subscriptions
		 WHERE user_id = $1 AND status IN ('active', 'trialing', 'past_due')
		 ORDER BY current_period_end DESC
		 LIMIT 1`,
		userID,
	).Scan(&s.ID, &s.UserID, &s.ExternalID, &s.PlanID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("no active subscription for user %s", userID), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read active subscription", err)
	}
	return &s, nil
}

// Upsert creates or reactivates the subscription row for a checkout
// completion. Any other chargeable subscription the user holds is canceled
// first so the at-most-one-chargeable invariant survives plan switches where
// the provider issues a fresh subscription id.
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'canceled'
		 WHERE user_id = $1
		   AND external_id <> $2
		   AND status IN ('active', 'trialing', 'past_due')`,
		sub.UserID, sub.ExternalID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to demote prior subscriptions", err)
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, external_id, plan_id, status, current_period_start, current_period_end)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (external_id)
		 DO UPDATE SET plan_id = EXCLUDED.plan_id,
		               status = EXCLUDED.status,
		               current_period_start = EXCLUDED.current_period_start,
		               current_period_end = EXCLUDED.current_period_end
		 RETURNING id`,
		sub.UserID, sub.ExternalID, sub.PlanID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
	).Scan(&sub.ID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return nil
}

// UpdatePeriod advances the subscription's billing period. The guard
// current_period_end < $newEnd makes the write last-writer-wins by period:
// a stale or duplicate invoice event is an idempotent no-op. Returns whether
// the period actually advanced.
func (r *SubscriptionRepo) UpdatePeriod(ctx context.Context, externalID string, periodStart, periodEnd time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET current_period_start = $2,
		     current_period_end = $3
		 WHERE external_id = $1
		   AND current_period_end < $3`,
		externalID, periodStart, periodEnd,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription period", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "stale subscription period ignored",
			"external_id", externalID,
			"period_end", periodEnd,
		)
		return false, nil
	}
	return true, nil
}

// Cancel transitions the subscription to canceled and returns the affected
// row so the reconciler can revert the user's plan linkage.
func (r *SubscriptionRepo) Cancel(ctx context.Context, externalID string) (*types.Subscription, error) {
	var s types.Subscription
	err := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET status = 'canceled'
		 WHERE external_id = $1
		 RETURNING id, user_id, external_id, plan_id, status, current_period_start, current_period_end`,
		externalID,
	).Scan(&s.ID, &s.UserID, &s.ExternalID, &s.PlanID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("subscription %s not found", externalID), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	return &s, nil
}

// ListExpiring returns active subscriptions ending within the given window,
// for pre-expiry outreach on the admin surface.
func (r *SubscriptionRepo) ListExpiring(ctx context.Context, now time.Time, within time.Duration) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, external_id, plan_id, status, current_period_start, current_period_end
		 FROM subscriptions
		 WHERE status = 'active'
		   AND current_period_end > $1
		   AND current_period_end <= $2
		 ORDER BY current_period_end ASC`,
		now, now.Add(within),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expiring subscriptions", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		var s types.Subscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.ExternalID, &s.PlanID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}
	return subs, nil
}
