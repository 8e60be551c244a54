package db

import (
	"context"

	"prodify/internal/types"
)

// BillingEventRepo is the idempotency gate for webhook processing. Every
// provider event id is recorded before its side effects run; a duplicate
// delivery hits the conflict and the whole transaction rolls up as a no-op.
type BillingEventRepo struct {
	db DBTX
}

// NewBillingEventRepo creates a BillingEventRepo backed by the given
// database connection (pool or transaction).
func NewBillingEventRepo(db DBTX) *BillingEventRepo {
	return &BillingEventRepo{db: db}
}

// Record persists the event id and reports whether it is new. Must run
// inside the same transaction as the event's side effects so that a failed
// handler leaves no record and the provider's retry gets a clean attempt.
func (r *BillingEventRepo) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_events (id, type)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record billing event", err)
	}
	return tag.RowsAffected() == 1, nil
}
