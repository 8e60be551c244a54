// Package billing reconciles payment-provider events against the local
// subscription and credits state. All inbound processing is idempotent:
// events are keyed by provider id and replays are no-ops.
package billing

import (
	"context"
	"fmt"

	"prodify/internal/config"
	"prodify/internal/db"
	"prodify/internal/types"
)

// FreePlanName is the tier users land on with no chargeable subscription.
const FreePlanName = "Free"

// Catalog maps provider price IDs onto the plan table. The mapping lives in
// configuration because price IDs differ per environment while the plan
// catalog itself does not.
type Catalog struct {
	cfg   config.BillingConfig
	plans *db.PlanRepo
}

// NewCatalog creates a Catalog.
func NewCatalog(cfg config.BillingConfig, plans *db.PlanRepo) *Catalog {
	return &Catalog{cfg: cfg, plans: plans}
}

// PlanForPrice resolves a provider price ID to a plan row. An unconfigured
// price ID is unknown_plan_price; the event is rejected rather than guessed
// so a misconfigured dashboard price cannot silently grant the wrong tier.
func (c *Catalog) PlanForPrice(ctx context.Context, priceID string) (*types.Plan, error) {
	name, ok := c.cfg.PriceToPlanName(priceID)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUnknownPlan,
			fmt.Sprintf("price %q is not mapped to any plan", priceID), nil)
	}
	return c.plans.GetByName(ctx, name)
}

// FreePlan returns the free tier, the fallback after cancellation.
func (c *Catalog) FreePlan(ctx context.Context) (*types.Plan, error) {
	return c.plans.GetByName(ctx, FreePlanName)
}
