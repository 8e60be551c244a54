package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"prodify/internal/credits"
	"prodify/internal/db"
	"prodify/internal/types"
)

// Provider event types the reconciler acts on. Everything else is recorded
// and acknowledged without side effects.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Checkout-session discriminators. A payment-mode session tagged
// points_purchase applies an extra-points package; a subscription-mode
// session activates a plan.
const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"

	MetadataKeyType      = "type"
	MetadataKeyUserID    = "user_id"
	MetadataKeyPackageID = "package_id"

	PurchaseTypePoints = "points_purchase"
)

// CheckoutSession carries the fields the reconciler needs from a completed
// checkout session. The webhook handler extracts these from the provider
// payload; the reconciler never sees raw JSON.
type CheckoutSession struct {
	ID             string
	Mode           string
	SubscriptionID string
	PriceID        string
	Metadata       map[string]string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// Invoice carries the billing-period fields of a paid invoice.
type Invoice struct {
	ID             string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// SubscriptionUpdate identifies the provider subscription an event refers to.
type SubscriptionUpdate struct {
	ID string
}

// Event is one inbound provider event, parsed down to the fields the
// reconciler consumes. Exactly one of the payload pointers is set, matching
// Type.
type Event struct {
	ID           string
	Type         string
	Checkout     *CheckoutSession
	Invoice      *Invoice
	Subscription *SubscriptionUpdate
}

// Reconciler applies provider events to local state. Each event runs in one
// transaction with the dedup record written first, so side effects happen
// at most once per event id and a failed handler leaves no record behind
// for the provider's retry to trip over.
type Reconciler struct {
	store     db.Database
	catalog   *Catalog
	purchases *credits.PurchaseService
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store db.Database, catalog *Catalog, purchases *credits.PurchaseService, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, catalog: catalog, purchases: purchases, logger: logger}
}

// Process handles one event end to end. Returns false when the event id was
// seen before; the replay commits nothing and the caller acknowledges it the
// same as a fresh event.
func (r *Reconciler) Process(ctx context.Context, evt Event) (bool, error) {
	var duplicate bool
	err := r.store.WithTx(ctx, func(tx pgx.Tx) error {
		isNew, err := db.NewBillingEventRepo(tx).Record(ctx, evt.ID, evt.Type)
		if err != nil {
			return err
		}
		if !isNew {
			duplicate = true
			return nil
		}

		switch evt.Type {
		case EventCheckoutCompleted:
			return r.handleCheckoutCompleted(ctx, tx, evt.Checkout)
		case EventInvoicePaid:
			return r.handleInvoicePaid(ctx, tx, evt.Invoice)
		case EventSubscriptionDeleted:
			return r.handleSubscriptionDeleted(ctx, tx, evt.Subscription)
		default:
			r.logger.InfoContext(ctx, "unhandled billing event type recorded",
				"event_id", evt.ID, "event_type", evt.Type)
			return nil
		}
	})
	if err != nil {
		return false, err
	}
	if duplicate {
		r.logger.DebugContext(ctx, "duplicate billing event ignored",
			"event_id", evt.ID, "event_type", evt.Type)
		return false, nil
	}
	return true, nil
}

// handleCheckoutCompleted activates a subscription or applies an
// extra-points package, depending on how the session is tagged.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, tx pgx.Tx, s *CheckoutSession) error {
	if s == nil {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"checkout event carries no session payload", nil)
	}
	userID := s.Metadata[MetadataKeyUserID]
	if userID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"checkout session metadata missing user_id", nil)
	}

	if s.Metadata[MetadataKeyType] == PurchaseTypePoints {
		packageID := s.Metadata[MetadataKeyPackageID]
		if packageID == "" {
			return types.NewAppError(types.ErrCodeValidationMissingField,
				"points purchase session metadata missing package_id", nil)
		}
		_, err := r.purchases.Apply(ctx, tx, userID, packageID)
		return r.ackUnknownUser(ctx, err, s.ID, userID)
	}

	if s.Mode != CheckoutModeSubscription {
		r.logger.WarnContext(ctx, "ignoring untagged payment-mode checkout session",
			"session_id", s.ID)
		return nil
	}

	plan, err := r.catalog.PlanForPrice(ctx, s.PriceID)
	if err != nil {
		return err
	}
	if _, err := db.NewUserRepo(tx).GetByID(ctx, userID); err != nil {
		return r.ackUnknownUser(ctx, err, s.ID, userID)
	}

	periodStart, periodEnd := s.PeriodStart, s.PeriodEnd
	if periodEnd.IsZero() {
		// The session itself has no period; the first invoice event will
		// correct these.
		periodStart = time.Now().UTC()
		periodEnd = periodStart.AddDate(0, 1, 0)
	}

	sub := &types.Subscription{
		UserID:             userID,
		ExternalID:         s.SubscriptionID,
		PlanID:             plan.ID,
		Status:             types.SubStatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}
	if err := db.NewSubscriptionRepo(tx, r.logger).Upsert(ctx, sub); err != nil {
		return err
	}
	if err := db.NewUserRepo(tx).SetPlan(ctx, userID, plan.ID, periodStart, periodEnd); err != nil {
		return err
	}
	if _, err := db.NewBalanceRepo(tx).ResetToAllocations(ctx, userID, plan.ID); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "subscription activated",
		"user_id", userID,
		"plan", plan.Name,
		"subscription_id", s.SubscriptionID,
	)
	return nil
}

// ackUnknownUser turns a not_found_user error from a checkout handler into
// an acknowledged no-op. Failing the event would make the provider redeliver
// it forever; the dedup record commits and the payment question goes to
// support via the warning. Any other error passes through untouched.
func (r *Reconciler) ackUnknownUser(ctx context.Context, err error, sessionID, userID string) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundUser {
		r.logger.WarnContext(ctx, "checkout session for unknown user acknowledged",
			"session_id", sessionID,
			"user_id", userID,
		)
		return nil
	}
	return err
}

// handleInvoicePaid advances the billing period and resets balances. The
// period guard in UpdatePeriod makes stale or reordered invoices no-ops, so
// a renewal is applied exactly once per period regardless of delivery order.
func (r *Reconciler) handleInvoicePaid(ctx context.Context, tx pgx.Tx, inv *Invoice) error {
	if inv == nil {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"invoice event carries no payload", nil)
	}
	if inv.SubscriptionID == "" {
		// One-off invoices (points purchases) are handled via checkout events.
		return nil
	}

	subs := db.NewSubscriptionRepo(tx, r.logger)
	advanced, err := subs.UpdatePeriod(ctx, inv.SubscriptionID, inv.PeriodStart, inv.PeriodEnd)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	sub, err := subs.GetByExternalID(ctx, inv.SubscriptionID)
	if err != nil {
		return err
	}
	if err := db.NewUserRepo(tx).SetPlan(ctx, sub.UserID, sub.PlanID, inv.PeriodStart, inv.PeriodEnd); err != nil {
		return err
	}
	if _, err := db.NewBalanceRepo(tx).ResetToAllocations(ctx, sub.UserID, sub.PlanID); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "subscription renewed from invoice",
		"user_id", sub.UserID,
		"subscription_id", inv.SubscriptionID,
		"period_end", inv.PeriodEnd,
	)
	return nil
}

// handleSubscriptionDeleted reverts the user to the free tier. An event for
// a subscription we never saw is acknowledged without effect, otherwise the
// provider would retry it forever.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, tx pgx.Tx, u *SubscriptionUpdate) error {
	if u == nil {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"subscription event carries no payload", nil)
	}

	sub, err := db.NewSubscriptionRepo(tx, r.logger).Cancel(ctx, u.ID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			r.logger.WarnContext(ctx, "deletion event for unknown subscription",
				"subscription_id", u.ID)
			return nil
		}
		return err
	}

	free, err := r.catalog.FreePlan(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	periodEnd := now.AddDate(0, 1, 0)
	if err := db.NewUserRepo(tx).SetPlan(ctx, sub.UserID, free.ID, now, periodEnd); err != nil {
		return err
	}
	if _, err := db.NewBalanceRepo(tx).ResetToAllocations(ctx, sub.UserID, free.ID); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "subscription canceled, user reverted to free tier",
		"user_id", sub.UserID,
		"subscription_id", u.ID,
	)
	return nil
}
