package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"prodify/internal/types"
)

// PlanRepo reads the plan catalog: subscription tiers, their per-application
// allocations, the application reference table, and the purchasable
// extra-points packages. All of this is reference data; the only writes
// happen through migrations and administrative correction.
type PlanRepo struct {
	db DBTX
}

// NewPlanRepo creates a PlanRepo backed by the given database connection.
func NewPlanRepo(db DBTX) *PlanRepo {
	return &PlanRepo{db: db}
}

// GetByID returns the plan with the given id.
func (r *PlanRepo) GetByID(ctx context.Context, planID int64) (*types.Plan, error) {
	var p types.Plan
	err := r.db.QueryRow(ctx,
		`SELECT id, name, price_usd, COALESCE(stripe_price_id, '') FROM plans WHERE id = $1`,
		planID,
	).Scan(&p.ID, &p.Name, &p.PriceUSD, &p.StripePriceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan,
			fmt.Sprintf("plan %d not found", planID), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read plan", err)
	}
	return &p, nil
}

// GetByName returns the plan with the given name. Plan names are unique.
func (r *PlanRepo) GetByName(ctx context.Context, name string) (*types.Plan, error) {
	var p types.Plan
	err := r.db.QueryRow(ctx,
		`SELECT id, name, price_usd, COALESCE(stripe_price_id, '') FROM plans WHERE name = $1`,
		name,
	).Scan(&p.ID, &p.Name, &p.PriceUSD, &p.StripePriceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan,
			fmt.Sprintf("plan %q not found", name), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read plan", err)
	}
	return &p, nil
}

// ListAllocations returns every allocation for the plan, joined with the
// application key. monthly_points NULL (unlimited) rows are included.
func (r *PlanRepo) ListAllocations(ctx context.Context, planID int64) ([]types.Allocation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT al.plan_id, al.app_id, a.key, al.monthly_points
		 FROM allocations al
		 JOIN applications a ON a.id = al.app_id
		 WHERE al.plan_id = $1
		 ORDER BY a.key`,
		planID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list allocations", err)
	}
	defer rows.Close()

	var allocations []types.Allocation
	for rows.Next() {
		var a types.Allocation
		if err := rows.Scan(&a.PlanID, &a.AppID, &a.AppKey, &a.MonthlyPoints); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan allocation row", err)
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating allocation rows", err)
	}
	return allocations, nil
}

// GetAllocation returns the plan's allocation for a single app key, or
// not_found_balance when the plan does not cover the app at all. The caller
// uses this to distinguish "zero because exhausted" from "not applicable"
// and to detect the unlimited sentinel.
func (r *PlanRepo) GetAllocation(ctx context.Context, planID int64, appKey types.AppKey) (*types.Allocation, error) {
	var a types.Allocation
	err := r.db.QueryRow(ctx,
		`SELECT al.plan_id, al.app_id, a.key, al.monthly_points
		 FROM allocations al
		 JOIN applications a ON a.id = al.app_id
		 WHERE al.plan_id = $1 AND a.key = $2`,
		planID, appKey,
	).Scan(&a.PlanID, &a.AppID, &a.AppKey, &a.MonthlyPoints)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundBalance,
			fmt.Sprintf("plan %d has no allocation for app %s", planID, appKey), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read allocation", err)
	}
	return &a, nil
}

// ListApps returns the application reference table.
func (r *PlanRepo) ListApps(ctx context.Context) ([]types.Application, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, key, name FROM applications ORDER BY key`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list applications", err)
	}
	defer rows.Close()

	var apps []types.Application
	for rows.Next() {
		var a types.Application
		if err := rows.Scan(&a.ID, &a.Key, &a.Name); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan application row", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating application rows", err)
	}
	return apps, nil
}

// GetPackage returns the extra-points package with the given id.
func (r *PlanRepo) GetPackage(ctx context.Context, packageID string) (*types.ExtraPointsPackage, error) {
	var p types.ExtraPointsPackage
	err := r.db.QueryRow(ctx,
		`SELECT id, name, extra_points, price_usd FROM extra_points_packages WHERE id = $1`,
		packageID,
	).Scan(&p.ID, &p.Name, &p.ExtraPoints, &p.PriceUSD)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundPackage,
			fmt.Sprintf("extra-points package %q not found", packageID), nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read package", err)
	}
	return &p, nil
}

// ListPackages returns all purchasable extra-points packages, cheapest first.
func (r *PlanRepo) ListPackages(ctx context.Context) ([]types.ExtraPointsPackage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, extra_points, price_usd FROM extra_points_packages ORDER BY price_usd`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list packages", err)
	}
	defer rows.Close()

	var packages []types.ExtraPointsPackage
	for rows.Next() {
		var p types.ExtraPointsPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.ExtraPoints, &p.PriceUSD); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan package row", err)
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating package rows", err)
	}
	return packages, nil
}
