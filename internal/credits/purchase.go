package credits

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"prodify/internal/db"
	"prodify/internal/types"
)

// CheckoutCreator starts hosted payment sessions: one-time sessions for
// extra-points packages and subscription sessions for plan prices.
// Implemented by the Stripe client; narrowed to an interface so purchase
// tests run without network access.
type CheckoutCreator interface {
	CreatePointsCheckoutSession(ctx context.Context, userID string, pkg types.ExtraPointsPackage) (string, error)
	CreateSubscriptionCheckoutSession(ctx context.Context, userID, priceID string) (string, error)
}

// PurchaseService runs the checkout flows: it starts hosted sessions for
// extra-points packages and plan subscriptions and, once a points payment is
// confirmed by webhook, applies the purchased package to the ledger.
type PurchaseService struct {
	store    db.Database
	plans    *db.PlanRepo
	checkout CheckoutCreator
	logger   *slog.Logger
}

// NewPurchaseService creates a PurchaseService.
func NewPurchaseService(store db.Database, checkout CheckoutCreator, logger *slog.Logger) *PurchaseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurchaseService{
		store:    store,
		plans:    db.NewPlanRepo(store.Querier()),
		checkout: checkout,
		logger:   logger,
	}
}

// ListPackages returns the purchasable package catalog.
func (s *PurchaseService) ListPackages(ctx context.Context) ([]types.ExtraPointsPackage, error) {
	return s.plans.ListPackages(ctx)
}

// StartCheckout validates the package and creates a hosted checkout session.
// No credits move here; the package is applied only when the payment
// provider confirms via webhook.
func (s *PurchaseService) StartCheckout(ctx context.Context, userID, packageID string) (string, error) {
	if _, err := db.NewUserRepo(s.store.Querier()).GetByID(ctx, userID); err != nil {
		return "", err
	}
	pkg, err := s.plans.GetPackage(ctx, packageID)
	if err != nil {
		return "", err
	}

	url, err := s.checkout.CreatePointsCheckoutSession(ctx, userID, *pkg)
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "points checkout session created",
		"user_id", userID,
		"package_id", packageID,
		"extra_points", pkg.ExtraPoints,
	)
	return url, nil
}

// StartPlanCheckout creates a subscription-mode checkout session for a plan
// price. The plan activates only when the provider confirms the subscription
// via webhook; nothing is written here.
func (s *PurchaseService) StartPlanCheckout(ctx context.Context, userID, priceID string) (string, error) {
	if _, err := db.NewUserRepo(s.store.Querier()).GetByID(ctx, userID); err != nil {
		return "", err
	}

	url, err := s.checkout.CreateSubscriptionCheckoutSession(ctx, userID, priceID)
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "plan checkout session created",
		"user_id", userID,
		"price_id", priceID,
	)
	return url, nil
}

// Apply credits a confirmed package purchase to the user's PRODIFY balance,
// appending the CREDIT log entry and the purchase receipt in the caller's
// transaction. The caller (the webhook reconciler) holds the idempotency
// gate, so Apply itself is unconditional once the user and package resolve.
// An unknown user surfaces as not_found_user before anything is written;
// the reconciler decides whether to acknowledge or fail the event.
func (s *PurchaseService) Apply(ctx context.Context, tx pgx.Tx, userID, packageID string) (*types.PurchaseResult, error) {
	if _, err := db.NewUserRepo(tx).GetByID(ctx, userID); err != nil {
		return nil, err
	}
	pkg, err := db.NewPlanRepo(tx).GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}

	remaining, err := db.NewBalanceRepo(tx).Grant(ctx, userID, types.AppProdify, pkg.ExtraPoints)
	if err != nil {
		return nil, err
	}
	usage := db.NewUsageLogRepo(tx)
	if _, err := usage.Insert(ctx, userID, types.AppProdify, types.ActionPointsPurchase, types.DirectionCredit, pkg.ExtraPoints); err != nil {
		return nil, err
	}
	if _, err := usage.InsertReceipt(ctx, userID, packageID, pkg.ExtraPoints, pkg.PriceUSD); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "extra points applied",
		"user_id", userID,
		"package_id", packageID,
		"points_added", pkg.ExtraPoints,
		"remaining", remaining,
	)
	return &types.PurchaseResult{
		Remaining:   remaining,
		PointsAdded: pkg.ExtraPoints,
		Message:     fmt.Sprintf("added %d points from package %s", pkg.ExtraPoints, pkg.Name),
	}, nil
}
