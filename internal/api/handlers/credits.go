// Package handlers contains the HTTP handler implementations for the
// Prodify credits API. Each handler declares the narrow service interfaces
// it depends on and mounts its own routes via RegisterRoutes.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"prodify/internal/core"
	"prodify/internal/types"
)

// exportFlushInterval is how many usage-log records are written between
// flushes of the gzip export stream.
const exportFlushInterval = 256

// LedgerService is the credit-ledger contract the handler depends on.
type LedgerService interface {
	GetBalance(ctx context.Context, userID string, appKey types.AppKey) (*types.AppBalance, error)
	Summary(ctx context.Context, userID string) (*types.BalanceSummary, error)
	Consume(ctx context.Context, userID string, appKey types.AppKey, action types.ActionType, amount int) (*types.ConsumeResult, error)
	UsageHistory(ctx context.Context, userID string, filter types.UsageFilter) ([]types.UsageLogEntry, error)
	StreamUsage(ctx context.Context, userID string, fn func(types.UsageLogEntry) error) error
}

// PurchaseFlow is the checkout contract: extra-points packages and plan
// subscriptions.
type PurchaseFlow interface {
	ListPackages(ctx context.Context) ([]types.ExtraPointsPackage, error)
	StartCheckout(ctx context.Context, userID, packageID string) (string, error)
	StartPlanCheckout(ctx context.Context, userID, priceID string) (string, error)
}

// ConsumeRequest is the body of POST /v1/credits/consume.
type ConsumeRequest struct {
	AppKey     string `json:"app_key" validate:"required"`
	ActionType string `json:"action_type" validate:"required"`
	Amount     int    `json:"amount" validate:"gte=0"`
}

// PurchaseRequest is the body of POST /v1/credits/purchase.
type PurchaseRequest struct {
	PackageID string `json:"package_id" validate:"required"`
}

// SubscribeRequest is the body of POST /v1/credits/subscribe.
type SubscribeRequest struct {
	PriceID string `json:"price_id" validate:"required"`
}

// PurchaseResponse carries the checkout URL the client redirects to.
type PurchaseResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// CreditsHandler serves the user-facing credits surface: balances,
// consumption, usage history, and the purchase flow.
type CreditsHandler struct {
	ledger    LedgerService
	purchases PurchaseFlow
	validator *core.Validator
	logger    *slog.Logger
}

// NewCreditsHandler creates a CreditsHandler.
func NewCreditsHandler(ledger LedgerService, purchases PurchaseFlow, v *core.Validator, logger *slog.Logger) *CreditsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditsHandler{
		ledger:    ledger,
		purchases: purchases,
		validator: v,
		logger:    logger,
	}
}

// RegisterRoutes mounts the credits endpoints. The parent router has already
// resolved the user identity into the context.
func (h *CreditsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/credits/balance", h.GetBalance)
	r.Post("/credits/consume", h.Consume)
	r.Get("/credits/usage-logs", h.ListUsageLogs)
	r.Get("/credits/usage-logs/export", h.ExportUsageLogs)
	r.Get("/credits/packages", h.ListPackages)
	r.Post("/credits/purchase", h.Purchase)
	r.Post("/credits/subscribe", h.Subscribe)
}

// GetBalance handles GET /v1/credits/balance. With an app_key query
// parameter it returns that single app's balance; without it, the full
// per-app summary.
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	if appKey := r.URL.Query().Get("app_key"); appKey != "" {
		balance, err := h.ledger.GetBalance(r.Context(), userID, types.AppKey(appKey))
		if err != nil {
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: balance})
		return
	}

	summary, err := h.ledger.Summary(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}

// Consume handles POST /v1/credits/consume. Insufficient credits surface as
// 402 with the remaining/required pair; the balance is untouched.
func (h *CreditsHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	userID := types.GetUserID(r.Context())
	result, err := h.ledger.Consume(r.Context(), userID,
		types.AppKey(req.AppKey), types.ActionType(req.ActionType), req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// ListUsageLogs handles GET /v1/credits/usage-logs with optional app_key and
// limit query parameters.
func (h *CreditsHandler) ListUsageLogs(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	filter := types.UsageFilter{
		AppKey: types.AppKey(r.URL.Query().Get("app_key")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidAmount,
				"limit must be a non-negative integer", err))
			return
		}
		filter.Limit = limit
	}

	entries, err := h.ledger.UsageHistory(r.Context(), userID, filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.UsageLogEntry{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

// ExportUsageLogs handles GET /v1/credits/usage-logs/export. The full
// history streams out as gzip-compressed NDJSON, oldest first, without
// buffering it in memory.
func (h *CreditsHandler) ExportUsageLogs(w http.ResponseWriter, r *http.Request) {
	userID := types.GetUserID(r.Context())

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="usage-logs.ndjson.gz"`)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	rc := http.NewResponseController(w)

	written := 0
	err := h.ledger.StreamUsage(r.Context(), userID, func(entry types.UsageLogEntry) error {
		if err := enc.Encode(entry); err != nil {
			return err
		}
		written++
		if written%exportFlushInterval == 0 {
			if err := gz.Flush(); err != nil {
				return err
			}
			_ = rc.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		h.logger.ErrorContext(r.Context(), "usage log export aborted",
			"user_id", userID,
			"records_written", written,
			"error", err,
		)
		return
	}

	if err := gz.Close(); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to finalize usage log export",
			"user_id", userID,
			"error", err,
		)
	}
}

// ListPackages handles GET /v1/credits/packages.
func (h *CreditsHandler) ListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := h.purchases.ListPackages(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: packages})
}

// Purchase handles POST /v1/credits/purchase. It returns a checkout URL; the
// credits land on the balance only after the provider confirms payment via
// webhook.
func (h *CreditsHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	userID := types.GetUserID(r.Context())
	checkoutURL, err := h.purchases.StartCheckout(r.Context(), userID, req.PackageID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PurchaseResponse{CheckoutURL: checkoutURL}})
}

// Subscribe handles POST /v1/credits/subscribe. It returns a
// subscription-mode checkout URL for a configured plan price; the plan
// activates when the provider confirms via webhook. An unmapped price is
// rejected before any session is created.
func (h *CreditsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	userID := types.GetUserID(r.Context())
	checkoutURL, err := h.purchases.StartPlanCheckout(r.Context(), userID, req.PriceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PurchaseResponse{CheckoutURL: checkoutURL}})
}
