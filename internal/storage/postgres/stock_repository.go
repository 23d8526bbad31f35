package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// StockRepository keeps one counter row per activity. Every mutation is a
// single conditional UPDATE, so concurrent reservations never oversell.
type StockRepository struct {
	conn
}

func NewStockRepository(pool *pgxpool.Pool) *StockRepository {
	return &StockRepository{conn{pool: pool}}
}

func (r *StockRepository) DecrementStock(ctx context.Context, activityID string, qty int) (int, bool, error) {
	const stmt = `
UPDATE stock_counters
SET remaining = CASE WHEN remaining = -1 THEN -1 ELSE remaining - $2 END,
	version = version + 1
WHERE activity_id = $1 AND (remaining = -1 OR remaining >= $2)
RETURNING remaining`

	var remaining int
	err := r.queryRow(ctx, stmt, activityID, qty).Scan(&remaining)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("decrement stock: %w", err)
	}
	return remaining, true, nil
}

func (r *StockRepository) IncrementStock(ctx context.Context, activityID string, qty int) error {
	const stmt = `
UPDATE stock_counters
SET remaining = CASE WHEN remaining = -1 THEN -1 ELSE remaining + $2 END,
	version = version + 1
WHERE activity_id = $1`

	tag, err := r.exec(ctx, stmt, activityID, qty)
	if err != nil {
		return fmt.Errorf("increment stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

func (r *StockRepository) SeedStock(ctx context.Context, activityID string, stock int) (bool, error) {
	const stmt = `
INSERT INTO stock_counters (activity_id, remaining)
VALUES ($1, $2)
ON CONFLICT (activity_id) DO NOTHING`

	tag, err := r.exec(ctx, stmt, activityID, stock)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, domain.ErrActivityNotFound
		}
		return false, fmt.Errorf("seed stock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *StockRepository) GetStock(ctx context.Context, activityID string) (domain.StockCounter, error) {
	const query = `SELECT activity_id, remaining, version FROM stock_counters WHERE activity_id = $1`

	var c domain.StockCounter
	err := r.queryRow(ctx, query, activityID).Scan(&c.ActivityID, &c.Remaining, &c.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.StockCounter{}, domain.ErrActivityNotFound
		}
		return domain.StockCounter{}, fmt.Errorf("get stock: %w", err)
	}
	return c, nil
}
