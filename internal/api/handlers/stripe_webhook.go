package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"prodify/internal/billing"
	"prodify/internal/core"
	"prodify/internal/external"
	"prodify/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads (64 KB). Real payloads are
// far smaller; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// EventProcessor applies a parsed provider event to local state. Returns
// false when the event id was seen before.
type EventProcessor interface {
	Process(ctx context.Context, evt billing.Event) (bool, error)
}

// StripeWebhookHandler receives asynchronous events from Stripe, verifies
// their signature, parses them down to the reconciler's event model, and
// hands them off for idempotent processing. The endpoint is not behind user
// auth; security comes from verifying the Stripe-Signature header against
// the signing secret.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	processor EventProcessor
	secret    string
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(verifier external.WebhookVerifier, processor EventProcessor, secret string, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Registered on the public
// router; there is no user identity on this path.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one webhook delivery. Processed and duplicate events both
// return 200. A processing failure returns 500 so Stripe redelivers; the
// dedup record rolls back with the failed transaction, so the retry gets a
// clean attempt.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing,
			"missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed", err))
		return
	}

	var raw stripeWebhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"invalid webhook event JSON", err))
		return
	}

	evt, err := raw.toBillingEvent()
	if err != nil {
		core.Error(w, r, err)
		return
	}

	processed, err := h.processor.Process(r.Context(), evt)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "webhook event handled",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"processed", processed,
	)
	w.WriteHeader(http.StatusOK)
}

// ---------------------------------------------------------------------------
// Stripe event parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal view of a Stripe event, just enough to
// route it and feed the reconciler. Avoiding the SDK's event type keeps the
// handler decoupled and makes test payloads trivial to construct.
type stripeWebhookEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSessionObj struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoiceObj struct {
	ID           string             `json:"id"`
	Subscription string             `json:"subscription"`
	PeriodStart  int64              `json:"period_start"`
	PeriodEnd    int64              `json:"period_end"`
	Lines        stripeInvoiceLines `json:"lines"`
}

type stripeInvoiceLines struct {
	Data []stripeInvoiceLine `json:"data"`
}

type stripeInvoiceLine struct {
	Period stripePeriod `json:"period"`
}

type stripePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type stripeSubscriptionObj struct {
	ID string `json:"id"`
}

// toBillingEvent converts the raw provider payload into the reconciler's
// event model. Unhandled types pass through with no payload; the reconciler
// records and acknowledges them.
func (e *stripeWebhookEvent) toBillingEvent() (billing.Event, error) {
	evt := billing.Event{ID: e.ID, Type: e.Type}

	switch e.Type {
	case billing.EventCheckoutCompleted:
		var obj stripeCheckoutSessionObj
		if err := json.Unmarshal(e.Data.Object, &obj); err != nil {
			return evt, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"invalid checkout session payload", err)
		}
		metadata := obj.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		if metadata[billing.MetadataKeyUserID] == "" && obj.ClientReferenceID != "" {
			metadata[billing.MetadataKeyUserID] = obj.ClientReferenceID
		}
		evt.Checkout = &billing.CheckoutSession{
			ID:             obj.ID,
			Mode:           obj.Mode,
			SubscriptionID: obj.Subscription,
			PriceID:        metadata["price_id"],
			Metadata:       metadata,
		}

	case billing.EventInvoicePaid:
		var obj stripeInvoiceObj
		if err := json.Unmarshal(e.Data.Object, &obj); err != nil {
			return evt, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"invalid invoice payload", err)
		}
		// Line periods are the subscription's billing window; the invoice's
		// own period_start/end describe when it was issued. Prefer the line.
		start, end := obj.PeriodStart, obj.PeriodEnd
		if len(obj.Lines.Data) > 0 && obj.Lines.Data[0].Period.End > 0 {
			start = obj.Lines.Data[0].Period.Start
			end = obj.Lines.Data[0].Period.End
		}
		evt.Invoice = &billing.Invoice{
			ID:             obj.ID,
			SubscriptionID: obj.Subscription,
			PeriodStart:    time.Unix(start, 0).UTC(),
			PeriodEnd:      time.Unix(end, 0).UTC(),
		}

	case billing.EventSubscriptionDeleted:
		var obj stripeSubscriptionObj
		if err := json.Unmarshal(e.Data.Object, &obj); err != nil {
			return evt, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"invalid subscription payload", err)
		}
		evt.Subscription = &billing.SubscriptionUpdate{ID: obj.ID}
	}

	return evt, nil
}
