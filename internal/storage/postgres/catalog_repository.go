package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// CatalogRepository reads the activity catalog. Writes exist for the catalog
// import path and tests; the engine itself never edits activities.
type CatalogRepository struct {
	conn
}

func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{conn{pool: pool}}
}

const activityColumns = `id, merchant_id, name, type, price, stock, required_members,
	group_window_seconds, voucher_validity_seconds, revenue_share_percent::text`

func (r *CatalogRepository) CreateActivity(ctx context.Context, a domain.Activity) error {
	const stmt = `
INSERT INTO activities (id, merchant_id, name, type, price, stock, required_members,
	group_window_seconds, voucher_validity_seconds, revenue_share_percent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric)`

	required := a.RequiredMembers
	if required < 1 {
		required = 1
	}
	_, err := r.exec(ctx, stmt,
		a.ID, a.MerchantID, a.Name, string(a.Type), a.Price, a.Stock, required,
		int64(a.GroupWindow/time.Second), int64(a.VoucherValidity/time.Second), a.RevenueSharePercent.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("activity %s already exists: %w", a.ID, err)
		}
		return fmt.Errorf("create activity: %w", err)
	}
	return nil
}

func (r *CatalogRepository) GetActivity(ctx context.Context, activityID string) (domain.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE id = $1`
	a, err := scanActivity(r.queryRow(ctx, query, activityID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Activity{}, domain.ErrActivityNotFound
		}
		return domain.Activity{}, fmt.Errorf("get activity: %w", err)
	}
	return a, nil
}

func (r *CatalogRepository) ListActivities(ctx context.Context) ([]domain.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities ORDER BY created_at ASC`
	rows, err := r.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate activities: %w", rows.Err())
	}
	return activities, nil
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var a domain.Activity
	var typ, percent string
	var windowSec, validitySec int64
	err := row.Scan(&a.ID, &a.MerchantID, &a.Name, &typ, &a.Price, &a.Stock, &a.RequiredMembers,
		&windowSec, &validitySec, &percent)
	if err != nil {
		return domain.Activity{}, err
	}
	a.Type = domain.ActivityType(typ)
	a.GroupWindow = time.Duration(windowSec) * time.Second
	a.VoucherValidity = time.Duration(validitySec) * time.Second
	a.RevenueSharePercent, err = decimal.NewFromString(percent)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("revenue share of %s: %w", a.ID, err)
	}
	return a, nil
}
