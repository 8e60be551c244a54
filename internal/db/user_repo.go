package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"prodify/internal/types"
)

// UserRepo reads and writes the slice of the users table the credits core
// owns: plan linkage and billing-cycle dates. Identity, credentials, and
// profile data belong to the identity subsystem.
type UserRepo struct {
	db DBTX
}

// NewUserRepo creates a UserRepo backed by the given database connection.
func NewUserRepo(db DBTX) *UserRepo {
	return &UserRepo{db: db}
}

// GetByID returns the user with plan linkage and cycle dates.
func (r *UserRepo) GetByID(ctx context.Context, userID string) (*types.User, error) {
	var u types.User
	err := r.db.QueryRow(ctx,
		`SELECT id, email, plan_id, current_period_start, current_period_end, created_at
		 FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.PlanID, &u.CurrentPeriodStart, &u.CurrentPeriodEnd, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser,
			fmt.Sprintf("user %s not found", userID), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read user", err)
	}
	return &u, nil
}

// ListDueForRenewal returns users whose billing cycle has lapsed, oldest
// first, capped at limit. Plan membership lives on the user row, so free-tier
// users without any subscription row come due exactly like paying ones.
func (r *UserRepo) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]types.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, email, plan_id, current_period_start, current_period_end, created_at
		 FROM users
		 WHERE current_period_end <= $1
		 ORDER BY current_period_end ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due users", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Email, &u.PlanID, &u.CurrentPeriodStart, &u.CurrentPeriodEnd, &u.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user row", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user rows", err)
	}
	return users, nil
}

// SetPlan updates the user's plan linkage and billing-cycle dates. Called on
// checkout completion, cancellation (revert to free tier), and renewal.
func (r *UserRepo) SetPlan(ctx context.Context, userID string, planID int64, periodStart, periodEnd time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET plan_id = $2,
		     current_period_start = $3,
		     current_period_end = $4
		 WHERE id = $1`,
		userID, planID, periodStart, periodEnd,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update user plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser,
			fmt.Sprintf("user %s not found", userID), nil)
	}
	return nil
}

// AdvancePeriod moves the user's billing cycle forward to the given window.
// Used by the renewal sweep after a successful reset.
func (r *UserRepo) AdvancePeriod(ctx context.Context, userID string, periodStart, periodEnd time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET current_period_start = $2,
		     current_period_end = $3
		 WHERE id = $1`,
		userID, periodStart, periodEnd,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance user period", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser,
			fmt.Sprintf("user %s not found", userID), nil)
	}
	return nil
}
