package db

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

	"prodify/internal/types"
)

func TestUserRepo_GetByID(t *testing.T) {
	db := new(MockDBTX)
	repo := NewUserRepo(db)

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	row := &MockRow{
		ScanFn: func(dest ...any) error {
			*dest[0].(*string) = "user_1"
			*dest[1].(*string) = "user@example.com"
			*dest[2].(*int64) = 2
			*dest[3].(*time.Time) = periodStart
			*dest[4].(*time.Time) = periodStart.AddDate(0, 1, 0)
			*dest[5].(*time.Time) = periodStart.AddDate(-1, 0, 0)
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	u, err := repo.GetByID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.PlanID)
	assert.Equal(t, periodStart, u.CurrentPeriodStart)
}

func TestUserRepo_GetByID_NotFound(t *testing.T) {
	db := new(MockDBTX)
	repo := NewUserRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&MockRow{ScanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "user_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestUserRepo_ListDueForRenewal(t *testing.T) {
	db := new(MockDBTX)
	repo := NewUserRepo(db)

	// Due users come straight off the users table; holding a subscription
	// row is not a precondition for renewal.
	createdAt := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	periodStart := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	rows := NewMockRows([][]any{
		{"user_free", "free@example.com", int64(1), periodStart, periodEnd, createdAt},
		{"user_pro", "pro@example.com", int64(2), periodStart, periodEnd, createdAt},
	})
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	db.On("Query", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "FROM users") && strings.Contains(sql, "current_period_end <= $1")
		}),
		[]any{now, 100},
	).Return(rows, nil)

	due, err := repo.ListDueForRenewal(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "user_free", due[0].ID)
	assert.Equal(t, int64(1), due[0].PlanID)
	assert.Equal(t, "user_pro", due[1].ID)
	db.AssertExpectations(t)
}

func TestUserRepo_SetPlan(t *testing.T) {
	db := new(MockDBTX)
	repo := NewUserRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	start := time.Now().UTC()
	err := repo.SetPlan(context.Background(), "user_1", 2, start, start.AddDate(0, 1, 0))
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestUserRepo_SetPlan_UnknownUser(t *testing.T) {
	db := new(MockDBTX)
	repo := NewUserRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	start := time.Now().UTC()
	err := repo.SetPlan(context.Background(), "user_missing", 2, start, start.AddDate(0, 1, 0))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestUserRepo_AdvancePeriod(t *testing.T) {
	db := new(MockDBTX)
	repo := NewUserRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	start := time.Now().UTC()
	err := repo.AdvancePeriod(context.Background(), "user_1", start, start.AddDate(0, 1, 0))
	require.NoError(t, err)
}
