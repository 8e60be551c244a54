package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"prodify/internal/types"
)

// BalanceRepo manages the balances table: the live remaining-credit counter
// per (user, application) pair.
//
// Key invariants:
//   - remaining >= 0 always. Consumption is a single conditional UPDATE
//     ("decrement where remaining >= amount"), never read-then-write, so two
//     concurrent consume calls for the same user+app cannot lose an update.
//   - Rows are created by plan activation/renewal (ResetToAllocations) or by
//     a grant; they are never deleted while the user exists.
type BalanceRepo struct {
	db DBTX
}

// NewBalanceRepo creates a BalanceRepo backed by the given database
// connection (pool or transaction).
func NewBalanceRepo(db DBTX) *BalanceRepo {
	return &BalanceRepo{db: db}
}

// Get returns the balance row for the given user and app key.
// Returns not_found_balance when no row exists.
func (r *BalanceRepo) Get(ctx context.Context, userID string, appKey types.AppKey) (*types.Balance, error) {
	var b types.Balance
	err := r.db.QueryRow(ctx,
		`SELECT b.user_id, b.app_id, a.key, b.remaining, b.updated_at
		 FROM balances b
		 JOIN applications a ON a.id = b.app_id
		 WHERE b.user_id = $1 AND a.key = $2`,
		userID, appKey,
	).Scan(&b.UserID, &b.AppID, &b.AppKey, &b.Remaining, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundBalance,
			fmt.Sprintf("no balance for user %s and app %s", userID, appKey), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read balance", err)
	}
	return &b, nil
}

// ListByUser returns all balance rows for the user, joined with the
// application reference data, ordered by app key for stable output.
func (r *BalanceRepo) ListByUser(ctx context.Context, userID string) ([]types.Balance, error) {
	rows, err := r.db.Query(ctx,
		`SELECT b.user_id, b.app_id, a.key, b.remaining, b.updated_at
		 FROM balances b
		 JOIN applications a ON a.id = b.app_id
		 WHERE b.user_id = $1
		 ORDER BY a.key`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list balances", err)
	}
	defer rows.Close()

	var balances []types.Balance
	for rows.Next() {
		var b types.Balance
		if err := rows.Scan(&b.UserID, &b.AppID, &b.AppKey, &b.Remaining, &b.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan balance row", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating balance rows", err)
	}
	return balances, nil
}

// ConsumeConditional atomically decrements the balance if and only if
// remaining >= amount, returning the new remaining value.
//
// When the guarded UPDATE matches no row, the failure mode is disambiguated
// with a follow-up read: a missing row is not_found_balance (app not covered
// by the user's plan), an existing row is insufficient_credits carrying
// {remaining, required} so the caller can prompt an upgrade or purchase. The
// balance is unchanged in both cases.
func (r *BalanceRepo) ConsumeConditional(ctx context.Context, userID string, appKey types.AppKey, amount int) (int, error) {
	var remaining int
	err := r.db.QueryRow(ctx,
		`UPDATE balances b
		 SET remaining = b.remaining - $3,
		     updated_at = NOW()
		 FROM applications a
		 WHERE b.app_id = a.id
		   AND b.user_id = $1
		   AND a.key = $2
		   AND b.remaining >= $3
		 RETURNING b.remaining`,
		userID, appKey, amount,
	).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to consume credits", err)
	}

	current, getErr := r.Get(ctx, userID, appKey)
	if getErr != nil {
		return 0, getErr
	}
	return current.Remaining, types.NewInsufficientCredits(current.Remaining, amount)
}

// Grant unconditionally adds amount to the user's balance for the app,
// creating the row if it does not exist yet, and returns the new remaining
// value. Idempotency is the caller's responsibility: the billing-event dedup
// gate ensures a purchase grant runs once per confirmed payment.
func (r *BalanceRepo) Grant(ctx context.Context, userID string, appKey types.AppKey, amount int) (int, error) {
	var remaining int
	err := r.db.QueryRow(ctx,
		`INSERT INTO balances (user_id, app_id, remaining)
		 SELECT $1, a.id, $3 FROM applications a WHERE a.key = $2
		 ON CONFLICT (user_id, app_id)
		 DO UPDATE SET remaining = balances.remaining + EXCLUDED.remaining,
		               updated_at = NOW()
		 RETURNING remaining`,
		userID, appKey, amount,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// The INSERT..SELECT matched no application row.
		return 0, types.NewAppError(types.ErrCodeNotFoundApp,
			fmt.Sprintf("unknown application %s", appKey), nil)
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to grant credits", err)
	}
	return remaining, nil
}

// ResetToAllocations upserts the user's balance for every allocation under
// planID to exactly monthly_points. This is the renewal semantics: a full
// overwrite, not additive. Unlimited (NULL) allocations carry no balance row
// and are skipped. Returns the number of balances written.
//
// The write is idempotent-safe: the sweep and a webhook-driven renewal
// re-assert the same target values, so concurrent execution for the same
// user needs no extra locking.
func (r *BalanceRepo) ResetToAllocations(ctx context.Context, userID string, planID int64) (int, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO balances (user_id, app_id, remaining)
		 SELECT $1, al.app_id, al.monthly_points
		 FROM allocations al
		 WHERE al.plan_id = $2 AND al.monthly_points IS NOT NULL
		 ON CONFLICT (user_id, app_id)
		 DO UPDATE SET remaining = EXCLUDED.remaining,
		               updated_at = NOW()`,
		userID, planID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to reset balances to allocation", err)
	}
	return int(tag.RowsAffected()), nil
}
