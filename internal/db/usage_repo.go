package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"prodify/internal/types"
)

// UsageLogRepo provides access to the append-only usage_logs table. Entries
// are immutable once written; there is no update or delete path. Points is
// always positive and the direction column says whether the entry is a
// consumption (DEBIT) or an addition (CREDIT).
type UsageLogRepo struct {
	db DBTX
}

// NewUsageLogRepo creates a UsageLogRepo backed by the given database
// connection (pool or transaction).
func NewUsageLogRepo(db DBTX) *UsageLogRepo {
	return &UsageLogRepo{db: db}
}

// Insert appends one usage-log entry. No validation against the ledger
// happens here; the caller checks the ledger first and wraps both writes in
// one transaction.
func (r *UsageLogRepo) Insert(ctx context.Context, userID string, appKey types.AppKey, actionType types.ActionType, direction types.LogDirection, points int) (*types.UsageLogEntry, error) {
	entry := &types.UsageLogEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		AppKey:     appKey,
		ActionType: actionType,
		Direction:  direction,
		Points:     points,
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO usage_logs (id, user_id, app_id, action_type, direction, points)
		 SELECT $1, $2, a.id, $3, $4, $5 FROM applications a WHERE a.key = $6
		 RETURNING created_at`,
		entry.ID, userID, actionType, direction, points, appKey,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to append usage log", err)
	}
	return entry, nil
}

// ListByUser returns the most recent usage-log entries for the user,
// optionally filtered by app key. Limit defaults to 50 and is capped at 500.
func (r *UsageLogRepo) ListByUser(ctx context.Context, userID string, filter types.UsageFilter) ([]types.UsageLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT l.id, l.user_id, a.key, l.action_type, l.direction, l.points, l.created_at
	          FROM usage_logs l
	          JOIN applications a ON a.id = l.app_id
	          WHERE l.user_id = $1`
	args := []any{userID}
	if filter.AppKey != "" {
		query += ` AND a.key = $2`
		args = append(args, filter.AppKey)
	}
	query += fmt.Sprintf(` ORDER BY l.created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage logs", err)
	}
	defer rows.Close()

	var entries []types.UsageLogEntry
	for rows.Next() {
		var e types.UsageLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.AppKey, &e.ActionType, &e.Direction, &e.Points, &e.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage log row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage log rows", err)
	}
	return entries, nil
}

// StreamByUser walks the user's full usage history oldest-first, invoking fn
// for each entry. Used by the export endpoint so the handler can gzip-stream
// without buffering the whole history.
func (r *UsageLogRepo) StreamByUser(ctx context.Context, userID string, fn func(types.UsageLogEntry) error) error {
	rows, err := r.db.Query(ctx,
		`SELECT l.id, l.user_id, a.key, l.action_type, l.direction, l.points, l.created_at
		 FROM usage_logs l
		 JOIN applications a ON a.id = l.app_id
		 WHERE l.user_id = $1
		 ORDER BY l.created_at ASC`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to stream usage logs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e types.UsageLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.AppKey, &e.ActionType, &e.Direction, &e.Points, &e.CreatedAt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage log row", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "error iterating usage log rows", err)
	}
	return nil
}

// InsertReceipt records an applied extra-points purchase for audit and
// reconciliation against the payment provider.
func (r *UsageLogRepo) InsertReceipt(ctx context.Context, userID, packageID string, pointsAdded int, amountPaid float64) (*types.PurchaseReceipt, error) {
	receipt := &types.PurchaseReceipt{
		ID:          uuid.NewString(),
		UserID:      userID,
		PackageID:   packageID,
		PointsAdded: pointsAdded,
		AmountPaid:  amountPaid,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO extra_points_purchases (id, user_id, package_id, points_added, amount_paid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		receipt.ID, receipt.UserID, receipt.PackageID, receipt.PointsAdded, receipt.AmountPaid, receipt.CreatedAt,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to record purchase receipt", err)
	}
	return receipt, nil
}
