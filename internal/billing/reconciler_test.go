package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"prodify/internal/config"
	"prodify/internal/credits"
	"prodify/internal/db"
	"prodify/internal/types"
)

func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

// checkoutStub satisfies the purchase service's checkout dependency; the
// reconciler never starts sessions, so it must stay uncalled.
type checkoutStub struct{}

func (checkoutStub) CreatePointsCheckoutSession(ctx context.Context, userID string, pkg types.ExtraPointsPackage) (string, error) {
	return "", errors.New("unexpected checkout call")
}

func (checkoutStub) CreateSubscriptionCheckoutSession(ctx context.Context, userID, priceID string) (string, error) {
	return "", errors.New("unexpected checkout call")
}

func newTestReconciler(mdb *db.MockDB) *Reconciler {
	cfg := config.BillingConfig{
		ProMonthlyPriceID:        "price_pro_monthly",
		ProYearlyPriceID:         "price_pro_yearly",
		EnterpriseMonthlyPriceID: "price_ent_monthly",
	}
	catalog := NewCatalog(cfg, db.NewPlanRepo(mdb.DB))
	purchases := credits.NewPurchaseService(mdb, checkoutStub{}, nil)
	return NewReconciler(mdb, catalog, purchases, nil)
}

func expectEventRecorded(mdb *db.MockDB, isNew bool) {
	tag := "INSERT 0 1"
	if !isNew {
		tag = "INSERT 0 0"
	}
	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO billing_events"), mock.Anything).
		Return(pgconn.NewCommandTag(tag), nil).Once()
}

func userRow(userID string, planID int64) *db.MockRow {
	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return &db.MockRow{
		ScanFn: func(dest ...any) error {
			*dest[0].(*string) = userID
			*dest[1].(*string) = userID + "@example.com"
			*dest[2].(*int64) = planID
			*dest[3].(*time.Time) = periodStart
			*dest[4].(*time.Time) = periodStart.AddDate(0, 1, 0)
			*dest[5].(*time.Time) = periodStart.AddDate(-1, 0, 0)
			return nil
		},
	}
}

func planRow(id int64, name string) *db.MockRow {
	return &db.MockRow{
		ScanFn: func(dest ...any) error {
			*dest[0].(*int64) = id
			*dest[1].(*string) = name
			*dest[2].(*float64) = 29
			*dest[3].(*string) = "price_pro_monthly"
			return nil
		},
	}
}

func pointsPurchaseEvent(eventID, userID string) Event {
	return Event{
		ID:   eventID,
		Type: EventCheckoutCompleted,
		Checkout: &CheckoutSession{
			ID:   "cs_points_1",
			Mode: CheckoutModePayment,
			Metadata: map[string]string{
				MetadataKeyType:      PurchaseTypePoints,
				MetadataKeyUserID:    userID,
				MetadataKeyPackageID: "medium",
			},
		},
	}
}

func TestReconciler_Process_DuplicateEventIsNoOp(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	// The dedup gate reports the id as seen; nothing else may run, and no
	// other expectation is registered to absorb a stray statement.
	expectEventRecorded(mdb, false)

	processed, err := rec.Process(context.Background(), pointsPurchaseEvent("evt_123", "user_1"))
	require.NoError(t, err)
	assert.False(t, processed)
	mdb.DB.AssertExpectations(t)
}

func TestReconciler_Process_PointsPurchaseApplied(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	expectEventRecorded(mdb, true)
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(userRow("user_1", 2)).Once()
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM extra_points_packages"), mock.Anything).
		Return(&db.MockRow{
			ScanFn: func(dest ...any) error {
				*dest[0].(*string) = "medium"
				*dest[1].(*string) = "Medium"
				*dest[2].(*int) = 250
				*dest[3].(*float64) = 20
				return nil
			},
		}).Once()
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("INSERT INTO balances"), mock.Anything).
		Return(&db.MockRow{
			ScanFn: func(dest ...any) error {
				*dest[0].(*int) = 320
				return nil
			},
		}).Once()
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("INSERT INTO usage_logs"), mock.Anything).
		Return(&db.MockRow{
			ScanFn: func(dest ...any) error {
				*dest[0].(*time.Time) = time.Now().UTC()
				return nil
			},
		}).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO extra_points_purchases"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	processed, err := rec.Process(context.Background(), pointsPurchaseEvent("evt_200", "user_1"))
	require.NoError(t, err)
	assert.True(t, processed)
	mdb.DB.AssertExpectations(t)
}

func TestReconciler_Process_PointsPurchaseUnknownUserAcked(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	// Failing here would make the provider redeliver the event forever. The
	// event is acknowledged with a warning instead, and no points move: no
	// grant, log, or receipt expectation exists.
	expectEventRecorded(mdb, true)
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(&db.MockRow{ScanErr: pgx.ErrNoRows}).Once()

	processed, err := rec.Process(context.Background(), pointsPurchaseEvent("evt_201", "user_ghost"))
	require.NoError(t, err)
	assert.True(t, processed)
	mdb.DB.AssertExpectations(t)
}

func TestReconciler_Process_SubscriptionCheckoutUnknownUserAcked(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	expectEventRecorded(mdb, true)
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM plans"), mock.Anything).
		Return(planRow(2, "Pro")).Once()
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(&db.MockRow{ScanErr: pgx.ErrNoRows}).Once()

	evt := Event{
		ID:   "evt_202",
		Type: EventCheckoutCompleted,
		Checkout: &CheckoutSession{
			ID:             "cs_sub_1",
			Mode:           CheckoutModeSubscription,
			SubscriptionID: "sub_abc",
			PriceID:        "price_pro_monthly",
			Metadata:       map[string]string{MetadataKeyUserID: "user_ghost"},
		},
	}
	processed, err := rec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, processed)
	mdb.DB.AssertExpectations(t)

	// No subscription row materializes for a user that does not exist.
	for _, call := range mdb.DB.Calls {
		assert.NotContains(t, call.Arguments.String(1), "INSERT INTO subscriptions")
	}
}

func TestReconciler_Process_SubscriptionCheckoutActivatesPlan(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	expectEventRecorded(mdb, true)
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM plans"), mock.Anything).
		Return(planRow(2, "Pro")).Once()
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(userRow("user_1", 1)).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("status = 'canceled'"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("INSERT INTO subscriptions"), mock.Anything).
		Return(&db.MockRow{
			ScanFn: func(dest ...any) error {
				*dest[0].(*int64) = 11
				return nil
			},
		}).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("UPDATE users"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO balances"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 6"), nil).Once()

	evt := Event{
		ID:   "evt_203",
		Type: EventCheckoutCompleted,
		Checkout: &CheckoutSession{
			ID:             "cs_sub_2",
			Mode:           CheckoutModeSubscription,
			SubscriptionID: "sub_abc",
			PriceID:        "price_pro_monthly",
			Metadata:       map[string]string{MetadataKeyUserID: "user_1"},
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
		},
	}
	processed, err := rec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, processed)
	mdb.DB.AssertExpectations(t)
}

func TestReconciler_Process_InvoiceAdvancesPeriodAndResets(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	periodStart := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	expectEventRecorded(mdb, true)
	mdb.DB.On("Exec", mock.Anything, sqlContains("UPDATE subscriptions"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM subscriptions"), mock.Anything).
		Return(&db.MockRow{
			ScanFn: func(dest ...any) error {
				*dest[0].(*int64) = 11
				*dest[1].(*string) = "user_1"
				*dest[2].(*string) = "sub_abc"
				*dest[3].(*int64) = 2
				*dest[4].(*types.SubscriptionStatus) = types.SubStatusActive
				*dest[5].(*time.Time) = periodStart
				*dest[6].(*time.Time) = periodEnd
				return nil
			},
		}).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("UPDATE users"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO balances"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 6"), nil).Once()

	evt := Event{
		ID:   "evt_204",
		Type: EventInvoicePaid,
		Invoice: &Invoice{
			ID:             "in_1",
			SubscriptionID: "sub_abc",
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
		},
	}
	processed, err := rec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, processed)
	mdb.DB.AssertExpectations(t)
}

func TestReconciler_Process_StaleInvoiceIgnored(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	// The period guard rejects the write; no reset follows, and the event
	// still acknowledges cleanly.
	expectEventRecorded(mdb, true)
	mdb.DB.On("Exec", mock.Anything, sqlContains("UPDATE subscriptions"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	periodStart := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	evt := Event{
		ID:   "evt_205",
		Type: EventInvoicePaid,
		Invoice: &Invoice{
			ID:             "in_stale",
			SubscriptionID: "sub_abc",
			PeriodStart:    periodStart,
			PeriodEnd:      periodStart.AddDate(0, 1, 0),
		},
	}
	processed, err := rec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, processed)
	mdb.DB.AssertExpectations(t)
}

func TestReconciler_Process_DeletedUnknownSubscriptionAcked(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	expectEventRecorded(mdb, true)
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("status = 'canceled'"), mock.Anything).
		Return(&db.MockRow{ScanErr: pgx.ErrNoRows}).Once()

	evt := Event{
		ID:           "evt_206",
		Type:         EventSubscriptionDeleted,
		Subscription: &SubscriptionUpdate{ID: "sub_never_seen"},
	}
	processed, err := rec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, processed)
	mdb.DB.AssertExpectations(t)
}

func TestReconciler_Process_UnhandledTypeRecordedAndAcked(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	expectEventRecorded(mdb, true)

	processed, err := rec.Process(context.Background(), Event{ID: "evt_207", Type: "charge.refunded"})
	require.NoError(t, err)
	assert.True(t, processed)
	mdb.DB.AssertExpectations(t)
}

func TestReconciler_Process_HandlerFailurePropagates(t *testing.T) {
	mdb := db.NewMockDB()
	rec := newTestReconciler(mdb)

	expectEventRecorded(mdb, true)
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(userRow("user_1", 2)).Once()
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM extra_points_packages"), mock.Anything).
		Return(&db.MockRow{ScanErr: errors.New("connection reset")}).Once()

	processed, err := rec.Process(context.Background(), pointsPurchaseEvent("evt_208", "user_1"))
	require.Error(t, err)
	assert.False(t, processed)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
