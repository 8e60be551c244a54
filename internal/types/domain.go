package types

import "time"

// User is the identity-subsystem record as seen by the credits core: plan
// linkage and billing-cycle dates only. Everything else about a user is an
// external concern.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	PlanID             int64     `json:"plan_id"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CreatedAt          time.Time `json:"created_at"`
}

// Plan is a subscription tier. Immutable once referenced by active
// subscriptions except for administrative correction.
type Plan struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	PriceUSD      float64 `json:"price_usd"`
	StripePriceID string  `json:"stripe_price_id,omitempty"`
}

// Application is a distinct AI-capable product surface. Static reference data.
type Application struct {
	ID   int64  `json:"id"`
	Key  AppKey `json:"key"`
	Name string `json:"name"`
}

// Allocation grants a plan's monthly credits for one application.
// MonthlyPoints == nil means unlimited: the ledger bypasses the balance
// check entirely for that app, it is not a very large number.
type Allocation struct {
	PlanID        int64  `json:"plan_id"`
	AppID         int64  `json:"app_id"`
	AppKey        AppKey `json:"app_key"`
	MonthlyPoints *int   `json:"monthly_points"`
}

// Unlimited reports whether this allocation has no monthly cap.
func (a Allocation) Unlimited() bool { return a.MonthlyPoints == nil }

// Balance is the live remaining-credit counter for a user x application pair.
// Never negative; created on plan activation or renewal.
type Balance struct {
	UserID    string    `json:"user_id"`
	AppID     int64     `json:"app_id"`
	AppKey    AppKey    `json:"app_key"`
	Remaining int       `json:"remaining"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageLogEntry is one append-only record of credit movement. Immutable once
// written; Points is always positive, Direction says which way it moved.
type UsageLogEntry struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	AppKey     AppKey       `json:"app_key"`
	ActionType ActionType   `json:"action_type"`
	Direction  LogDirection `json:"direction"`
	Points     int          `json:"points"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ExtraPointsPackage is a purchasable one-time credit bundle. Reference data.
type ExtraPointsPackage struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ExtraPoints int     `json:"extra_points"`
	PriceUSD    float64 `json:"price_usd"`
}

// PurchaseReceipt records an applied extra-points purchase for reconciliation.
type PurchaseReceipt struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PackageID   string    `json:"package_id"`
	PointsAdded int       `json:"points_added"`
	AmountPaid  float64   `json:"amount_paid"`
	CreatedAt   time.Time `json:"created_at"`
}

// Subscription mirrors the billing provider's subscription state.
type Subscription struct {
	ID                 int64              `json:"id"`
	UserID             string             `json:"user_id"`
	ExternalID         string             `json:"external_id"`
	PlanID             int64              `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
}

// BillingEvent is the dedup record for an inbound payment-provider event.
// Stored before processing so a replayed delivery is an at-most-once no-op.
type BillingEvent struct {
	ID         string    `json:"id"` // external event id, e.g. evt_...
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
}

// ---------------------------------------------------------------------------
// API DTOs
// ---------------------------------------------------------------------------

// AppBalance is one per-app entry of a user's balance summary.
type AppBalance struct {
	AppKey    AppKey `json:"app_key"`
	AppName   string `json:"app_name"`
	Remaining int    `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
}

// BalanceSummary is the dashboard view of a user's credits.
type BalanceSummary struct {
	PlanName         string       `json:"plan_name"`
	Balances         []AppBalance `json:"balances"`
	DaysUntilRenewal int          `json:"days_until_renewal"`
	RenewsAt         time.Time    `json:"renews_at"`
}

// ConsumeResult is returned by a successful consume call.
type ConsumeResult struct {
	Remaining int  `json:"remaining"`
	Unlimited bool `json:"unlimited"`
}

// PurchaseResult is returned when an extra-points package is applied.
type PurchaseResult struct {
	Remaining   int    `json:"remaining"`
	PointsAdded int    `json:"points_added"`
	Message     string `json:"message"`
}

// RenewalReport summarizes one renewal sweep. Failures are collected
// per user; one bad row never aborts the sweep.
type RenewalReport struct {
	Due     int      `json:"due"`
	Renewed int      `json:"renewed"`
	Failed  []string `json:"failed,omitempty"`
}

// UsageFilter narrows a usage-history query.
type UsageFilter struct {
	AppKey AppKey `json:"app_key,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
