package scheduler

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
	"prodify/internal/db"
	"prodify/internal/types"
)

func newTestEngine(mdb *db.MockDB, now time.Time) *RenewalEngine {
	engine := NewRenewalEngine(mdb, config.RenewalConfig{BatchSize: 100, Concurrency: 1}, nil)
	engine.now = func() time.Time { return now }
	return engine
}

func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

func argAt(idx int, want any) any {
	return mock.MatchedBy(func(args []any) bool { return idx < len(args) && args[idx] == want })
}

func TestRenewalEngine_SweepRenewsUsersWithoutSubscriptions(t *testing.T) {
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	mdb := db.NewMockDB()
	engine := newTestEngine(mdb, now)

	// Both users are due; neither needs a subscriptions row. Free-tier users
	// never get one, and they renew the same as paying users.
	periodStart := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	due := db.NewMockRows([][]any{
		{"user_free", "free@example.com", int64(1), periodStart, periodEnd, periodStart},
		{"user_pro", "pro@example.com", int64(2), periodStart, periodEnd, periodStart},
	})
	mdb.DB.On("Query", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(due, nil).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO balances"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 6"), nil).Twice()
	mdb.DB.On("Exec", mock.Anything, sqlContains("UPDATE users"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Twice()

	report, err := engine.RenewDueUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 2, report.Renewed)
	assert.Empty(t, report.Failed)
	mdb.DB.AssertExpectations(t)

	// The sweep owns the user cycle only; subscription periods move on
	// invoice events, never here.
	for _, call := range mdb.DB.Calls {
		assert.NotContains(t, call.Arguments.String(1), "subscriptions")
	}
}

func TestRenewalEngine_SweepIsolatesPerUserFailure(t *testing.T) {
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	mdb := db.NewMockDB()
	engine := newTestEngine(mdb, now)

	periodStart := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	due := db.NewMockRows([][]any{
		{"user_ok", "ok@example.com", int64(2), periodStart, periodEnd, periodStart},
		{"user_bad", "bad@example.com", int64(2), periodStart, periodEnd, periodStart},
	})
	mdb.DB.On("Query", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(due, nil).Once()

	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO balances"), argAt(0, "user_ok")).
		Return(pgconn.NewCommandTag("INSERT 0 6"), nil).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("UPDATE users"), argAt(0, "user_ok")).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO balances"), argAt(0, "user_bad")).
		Return(pgconn.CommandTag{}, errors.New("deadlock detected")).Once()

	report, err := engine.RenewDueUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, []string{"user_bad"}, report.Failed)
	mdb.DB.AssertExpectations(t)
}

func TestRenewalEngine_SweepStopsWhenWholeBatchFails(t *testing.T) {
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	mdb := db.NewMockDB()
	engine := newTestEngine(mdb, now)

	periodStart := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	due := db.NewMockRows([][]any{
		{"user_bad", "bad@example.com", int64(2), periodStart, periodStart.AddDate(0, 1, 0), periodStart},
	})
	// A failed row stays due; a second fetch would return it again, so the
	// sweep must bail after one all-failed batch.
	mdb.DB.On("Query", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(due, nil).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO balances"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused")).Once()

	report, err := engine.RenewDueUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 0, report.Renewed)
	assert.Equal(t, []string{"user_bad"}, report.Failed)
	mdb.DB.AssertExpectations(t)
}

func TestRenewalEngine_RenewOne_CatchesUpLapsedCycles(t *testing.T) {
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	mdb := db.NewMockDB()
	engine := newTestEngine(mdb, now)

	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO balances"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 6"), nil).Once()

	var gotStart, gotEnd time.Time
	mdb.DB.On("Exec", mock.Anything, sqlContains("UPDATE users"), mock.Anything).
		Run(func(args mock.Arguments) {
			stmtArgs := args.Get(2).([]any)
			gotStart = stmtArgs[1].(time.Time)
			gotEnd = stmtArgs[2].(time.Time)
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	// Five months dormant: one renewal lands the cycle on the next future
	// boundary instead of replaying each missed month.
	user := types.User{
		ID:               "user_dormant",
		PlanID:           1,
		CurrentPeriodEnd: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, engine.renewOne(context.Background(), user))
	assert.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), gotStart)
	assert.Equal(t, time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC), gotEnd)
}

func TestRenewalEngine_RenewUser(t *testing.T) {
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	mdb := db.NewMockDB()
	engine := newTestEngine(mdb, now)

	periodEnd := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	userRow := &db.MockRow{
		ScanFn: func(dest ...any) error {
			*dest[0].(*string) = "user_1"
			*dest[1].(*string) = "user@example.com"
			*dest[2].(*int64) = 2
			*dest[3].(*time.Time) = periodEnd.AddDate(0, -1, 0)
			*dest[4].(*time.Time) = periodEnd
			*dest[5].(*time.Time) = periodEnd.AddDate(-1, 0, 0)
			return nil
		},
	}
	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(userRow).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("INSERT INTO balances"), []any{"user_1", int64(2)}).
		Return(pgconn.NewCommandTag("INSERT 0 6"), nil).Once()
	mdb.DB.On("Exec", mock.Anything, sqlContains("UPDATE users"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	require.NoError(t, engine.RenewUser(context.Background(), "user_1"))
	mdb.DB.AssertExpectations(t)
}

func TestRenewalEngine_RenewUser_UnknownUser(t *testing.T) {
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	mdb := db.NewMockDB()
	engine := newTestEngine(mdb, now)

	mdb.DB.On("QueryRow", mock.Anything, sqlContains("FROM users"), mock.Anything).
		Return(&db.MockRow{ScanErr: pgx.ErrNoRows}).Once()

	err := engine.RenewUser(context.Background(), "user_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}
