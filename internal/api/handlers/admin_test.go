package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"prodify/internal/types"
)

type mockRenewals struct {
	mock.Mock
}

func (m *mockRenewals) RenewDueUsers(ctx context.Context) (*types.RenewalReport, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.(*types.RenewalReport), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRenewals) RenewUser(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *mockRenewals) ListExpiring(ctx context.Context, within time.Duration) ([]types.Subscription, error) {
	args := m.Called(ctx, within)
	if s := args.Get(0); s != nil {
		return s.([]types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func newAdminRouter(renewals RenewalService) *chi.Mux {
	h := NewAdminHandler(renewals, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestAdminHandler_Renew_Sweep(t *testing.T) {
	renewals := new(mockRenewals)
	renewals.On("RenewDueUsers", mock.Anything).Return(&types.RenewalReport{
		Due:     3,
		Renewed: 2,
		Failed:  []string{"user_3"},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/renew", nil)
	rec := httptest.NewRecorder()
	newAdminRouter(renewals).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"due":3`)
	assert.Contains(t, rec.Body.String(), `"renewed":2`)
	assert.Contains(t, rec.Body.String(), `"user_3"`)
	renewals.AssertExpectations(t)
}

func TestAdminHandler_Renew_SingleUser(t *testing.T) {
	renewals := new(mockRenewals)
	renewals.On("RenewUser", mock.Anything, "user_1").Return(nil)

	body := bytes.NewBufferString(`{"user_id":"user_1"}`)
	req := httptest.NewRequest(http.MethodPost, "/renew", body)
	rec := httptest.NewRecorder()
	newAdminRouter(renewals).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"renewed"`)
	renewals.AssertNotCalled(t, "RenewDueUsers", mock.Anything)
}

func TestAdminHandler_Renew_UnknownUser(t *testing.T) {
	renewals := new(mockRenewals)
	renewals.On("RenewUser", mock.Anything, "user_missing").
		Return(types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil))

	body := bytes.NewBufferString(`{"user_id":"user_missing"}`)
	req := httptest.NewRequest(http.MethodPost, "/renew", body)
	rec := httptest.NewRecorder()
	newAdminRouter(renewals).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_user", decodeErrorCode(t, rec))
}

func TestAdminHandler_ListExpiring_DefaultWindow(t *testing.T) {
	renewals := new(mockRenewals)
	renewals.On("ListExpiring", mock.Anything, 7*24*time.Hour).
		Return([]types.Subscription{{ID: 1, UserID: "user_1", ExternalID: "sub_a", Status: types.SubStatusActive}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/expiring", nil)
	rec := httptest.NewRecorder()
	newAdminRouter(renewals).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sub_a"`)
	renewals.AssertExpectations(t)
}

func TestAdminHandler_ListExpiring_CustomWindow(t *testing.T) {
	renewals := new(mockRenewals)
	renewals.On("ListExpiring", mock.Anything, 3*24*time.Hour).
		Return([]types.Subscription{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/expiring?within_days=3", nil)
	rec := httptest.NewRecorder()
	newAdminRouter(renewals).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestAdminHandler_ListExpiring_BadWindow(t *testing.T) {
	renewals := new(mockRenewals)

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/expiring?within_days=-2", nil)
	rec := httptest.NewRecorder()
	newAdminRouter(renewals).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	renewals.AssertNotCalled(t, "ListExpiring", mock.Anything, mock.Anything)
}
