package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type OrderRepository struct {
	conn
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{conn{pool: pool}}
}

const orderColumns = `id::text, order_no, user_id, activity_id, merchant_id, COALESCE(group_order_id::text, ''),
	quantity, amount, status, created_at, paid_at, closed_at, expires_at`

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order) error {
	const stmt = `
INSERT INTO orders (id, order_no, user_id, activity_id, merchant_id, group_order_id,
	quantity, amount, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.exec(ctx, stmt,
		order.ID, order.OrderNo, order.UserID, order.ActivityID, order.MerchantID, nullIfEmpty(order.GroupOrderID),
		order.Quantity, order.Amount, string(order.Status), order.CreatedAt, order.ExpiresAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if constraint, ok := foreignKeyConstraint(err); ok {
			if constraint == fkOrderGroup {
				return domain.ErrGroupNotFound
			}
			return domain.ErrActivityNotFound
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(r.queryRow(ctx, query, orderID))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Order{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (bool, error) {
	const stmt = `
UPDATE orders
SET status = $3,
	paid_at = CASE WHEN $3 = 'paid' THEN $4 ELSE paid_at END,
	closed_at = CASE WHEN $3 IN ('closed', 'refunded') THEN $4 ELSE closed_at END
WHERE id = $1 AND status = $2`

	tag, err := r.exec(ctx, stmt, orderID, string(from), string(to), at)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("transition order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderRepository) CloseExpiredOrder(ctx context.Context, orderID string, now time.Time) (bool, error) {
	const stmt = `
UPDATE orders
SET status = 'closed', closed_at = $2
WHERE id = $1 AND status = 'pending' AND expires_at <= $2`

	tag, err := r.exec(ctx, stmt, orderID, now)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("close expired order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderRepository) ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
SELECT id::text
FROM orders
WHERE status = 'pending' AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2`

	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue orders: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("scan overdue orders: %w", err)
	}
	return ids, nil
}

func (r *OrderRepository) SetOrderGroup(ctx context.Context, orderID, groupOrderID string) error {
	const stmt = `UPDATE orders SET group_order_id = $2 WHERE id = $1`

	tag, err := r.exec(ctx, stmt, orderID, groupOrderID)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrGroupNotFound
		}
		return fmt.Errorf("set order group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var status string
	err := row.Scan(&o.ID, &o.OrderNo, &o.UserID, &o.ActivityID, &o.MerchantID, &o.GroupOrderID,
		&o.Quantity, &o.Amount, &status, &o.CreatedAt, &o.PaidAt, &o.ClosedAt, &o.ExpiresAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}
