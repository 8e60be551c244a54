// Package credits implements the credit ledger core: balance reads, atomic
// consumption, grants, renewal resets, and the extra-points purchase flow.
// Every mutation pairs a balance write with an append-only usage-log entry
// inside one transaction.
package credits

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"prodify/internal/db"
	"prodify/internal/types"
)

// Ledger is the single write path for credit movement. Handlers and the
// billing reconciler never touch the balances table directly.
type Ledger struct {
	store  db.Database
	users  *db.UserRepo
	plans  *db.PlanRepo
	logger *slog.Logger
}

// NewLedger creates a Ledger on top of the given store.
func NewLedger(store db.Database, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		users:  db.NewUserRepo(store.Querier()),
		plans:  db.NewPlanRepo(store.Querier()),
		logger: logger,
	}
}

// GetBalance returns the user's balance for one app. An unlimited allocation
// reports Unlimited=true with Remaining pinned to zero; callers must branch
// on the flag, not the number.
func (l *Ledger) GetBalance(ctx context.Context, userID string, appKey types.AppKey) (*types.AppBalance, error) {
	if !appKey.IsValid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAppKey,
			fmt.Sprintf("unknown app key %q", appKey), nil)
	}

	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	alloc, err := l.plans.GetAllocation(ctx, user.PlanID, appKey)
	if err != nil {
		return nil, err
	}
	if alloc.Unlimited() {
		return &types.AppBalance{AppKey: appKey, Unlimited: true}, nil
	}

	balance, err := db.NewBalanceRepo(l.store.Querier()).Get(ctx, userID, appKey)
	if err != nil {
		return nil, err
	}
	return &types.AppBalance{AppKey: appKey, Remaining: balance.Remaining}, nil
}

// Summary builds the dashboard view: plan name, per-app balances (including
// unlimited apps with no balance row), and days until renewal.
func (l *Ledger) Summary(ctx context.Context, userID string) (*types.BalanceSummary, error) {
	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := l.plans.GetByID(ctx, user.PlanID)
	if err != nil {
		return nil, err
	}
	allocations, err := l.plans.ListAllocations(ctx, user.PlanID)
	if err != nil {
		return nil, err
	}
	apps, err := l.plans.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := db.NewBalanceRepo(l.store.Querier()).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	appNames := make(map[types.AppKey]string, len(apps))
	for _, a := range apps {
		appNames[a.Key] = a.Name
	}
	remaining := make(map[types.AppKey]int, len(balances))
	for _, b := range balances {
		remaining[b.AppKey] = b.Remaining
	}

	summary := &types.BalanceSummary{
		PlanName: plan.Name,
		Balances: make([]types.AppBalance, 0, len(allocations)),
		RenewsAt: user.CurrentPeriodEnd,
	}
	for _, alloc := range allocations {
		entry := types.AppBalance{
			AppKey:  alloc.AppKey,
			AppName: appNames[alloc.AppKey],
		}
		if alloc.Unlimited() {
			entry.Unlimited = true
		} else {
			entry.Remaining = remaining[alloc.AppKey]
		}
		summary.Balances = append(summary.Balances, entry)
	}

	if until := time.Until(user.CurrentPeriodEnd); until > 0 {
		summary.DaysUntilRenewal = int(math.Ceil(until.Hours() / 24))
	}
	return summary, nil
}

// resolveCost determines how many credits an action costs. Fixed-cost actions
// ignore the supplied amount; the generic consumption action requires an
// explicit positive amount from the caller.
func resolveCost(action types.ActionType, amount int) (int, error) {
	if cost, ok := action.Cost(); ok {
		return cost, nil
	}
	if action == types.ActionCreditConsumption {
		if amount <= 0 {
			return 0, types.NewAppError(types.ErrCodeValidationInvalidAmount,
				"explicit amount must be positive for credit_consumption", nil)
		}
		return amount, nil
	}
	return 0, types.NewAppError(types.ErrCodeValidationInvalidAction,
		fmt.Sprintf("unknown action type %q", action), nil)
}

// Consume charges the user for one action against one app. The decrement and
// the DEBIT log entry commit together; on insufficient credits nothing is
// written and the error carries the current remaining value.
//
// Unlimited allocations skip the balance entirely but still append a log
// entry so usage history stays complete.
func (l *Ledger) Consume(ctx context.Context, userID string, appKey types.AppKey, action types.ActionType, amount int) (*types.ConsumeResult, error) {
	if !appKey.IsValid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAppKey,
			fmt.Sprintf("unknown app key %q", appKey), nil)
	}
	cost, err := resolveCost(action, amount)
	if err != nil {
		return nil, err
	}

	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	alloc, err := l.plans.GetAllocation(ctx, user.PlanID, appKey)
	if err != nil {
		return nil, err
	}

	result := &types.ConsumeResult{Unlimited: alloc.Unlimited()}
	err = l.store.WithTx(ctx, func(tx pgx.Tx) error {
		if !alloc.Unlimited() {
			remaining, err := db.NewBalanceRepo(tx).ConsumeConditional(ctx, userID, appKey, cost)
			if err != nil {
				return err
			}
			result.Remaining = remaining
		}
		_, err := db.NewUsageLogRepo(tx).Insert(ctx, userID, appKey, action, types.DirectionDebit, cost)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "credits consumed",
		"user_id", userID,
		"app_key", appKey,
		"action", action,
		"points", cost,
		"remaining", result.Remaining,
		"unlimited", result.Unlimited,
	)
	return result, nil
}

// Grant adds credits to a user's balance for one app and appends a CREDIT
// log entry in the same transaction. Callers own idempotency.
func (l *Ledger) Grant(ctx context.Context, userID string, appKey types.AppKey, action types.ActionType, amount int) (int, error) {
	if amount <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidAmount,
			"grant amount must be positive", nil)
	}

	var remaining int
	err := l.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		remaining, err = db.NewBalanceRepo(tx).Grant(ctx, userID, appKey, amount)
		if err != nil {
			return err
		}
		_, err = db.NewUsageLogRepo(tx).Insert(ctx, userID, appKey, action, types.DirectionCredit, amount)
		return err
	})
	if err != nil {
		return 0, err
	}

	l.logger.InfoContext(ctx, "credits granted",
		"user_id", userID,
		"app_key", appKey,
		"action", action,
		"points", amount,
		"remaining", remaining,
	)
	return remaining, nil
}

// ResetToAllocation overwrites the user's balances with the plan's monthly
// allocations. Unused credits do not roll over. Runs in its own transaction
// when tx is nil; the reconciler passes its transaction in so the reset
// commits with the rest of the webhook's effects.
func (l *Ledger) ResetToAllocation(ctx context.Context, tx pgx.Tx, userID string, planID int64) (int, error) {
	if tx != nil {
		return db.NewBalanceRepo(tx).ResetToAllocations(ctx, userID, planID)
	}

	var written int
	err := l.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		written, err = db.NewBalanceRepo(tx).ResetToAllocations(ctx, userID, planID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// UsageHistory returns the user's recent usage-log entries, newest first.
func (l *Ledger) UsageHistory(ctx context.Context, userID string, filter types.UsageFilter) ([]types.UsageLogEntry, error) {
	if filter.AppKey != "" && !filter.AppKey.IsValid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAppKey,
			fmt.Sprintf("unknown app key %q", filter.AppKey), nil)
	}
	return db.NewUsageLogRepo(l.store.Querier()).ListByUser(ctx, userID, filter)
}

// StreamUsage walks the user's full history oldest-first for export.
func (l *Ledger) StreamUsage(ctx context.Context, userID string, fn func(types.UsageLogEntry) error) error {
	return db.NewUsageLogRepo(l.store.Querier()).StreamByUser(ctx, userID, fn)
}
