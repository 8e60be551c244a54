package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"prodify/internal/core"
	"prodify/internal/types"
)

// defaultExpiringWindowDays is the lookahead for the expiring-subscriptions
// listing when the caller does not specify one.
const defaultExpiringWindowDays = 7

// RenewalService is the sweep contract the admin surface depends on.
type RenewalService interface {
	RenewDueUsers(ctx context.Context) (*types.RenewalReport, error)
	RenewUser(ctx context.Context, userID string) error
	ListExpiring(ctx context.Context, within time.Duration) ([]types.Subscription, error)
}

// RenewRequest is the body of POST /v1/admin/renew. With a user_id the
// renewal targets one user; without, a full sweep runs.
type RenewRequest struct {
	UserID string `json:"user_id"`
}

// AdminHandler serves the operational surface behind the admin API key.
type AdminHandler struct {
	renewals RenewalService
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(renewals RenewalService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{renewals: renewals, logger: logger}
}

// RegisterRoutes mounts the admin endpoints. The parent router has already
// applied admin key auth.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/renew", h.Renew)
	r.Get("/subscriptions/expiring", h.ListExpiring)
}

// Renew handles POST /v1/admin/renew.
func (h *AdminHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req RenewRequest
	if r.ContentLength > 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	if req.UserID != "" {
		if err := h.renewals.RenewUser(r.Context(), req.UserID); err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{
			Data: map[string]string{"status": "renewed", "user_id": req.UserID},
		})
		return
	}

	report, err := h.renewals.RenewDueUsers(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}

// ListExpiring handles GET /v1/admin/subscriptions/expiring. The optional
// within_days query parameter bounds the lookahead window.
func (h *AdminHandler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := defaultExpiringWindowDays
	if raw := r.URL.Query().Get("within_days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidAmount,
				"within_days must be a positive integer", err))
			return
		}
		days = parsed
	}

	subs, err := h.renewals.ListExpiring(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if subs == nil {
		subs = []types.Subscription{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subs})
}
