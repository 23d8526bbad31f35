package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/app"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type VoucherRepository struct {
	conn
}

func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{conn{pool: pool}}
}

const voucherColumns = `id::text, order_id::text, user_id, merchant_id, activity_id, code, status,
	issued_at, used_at, redeemed_by, expires_at, reminded_at`

func (r *VoucherRepository) CreateVoucher(ctx context.Context, v domain.Voucher) error {
	const stmt = `
INSERT INTO vouchers (id, order_id, user_id, merchant_id, activity_id, code, status, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.exec(ctx, stmt, v.ID, v.OrderID, v.UserID, v.MerchantID, v.ActivityID, v.Code,
		string(v.Status), v.IssuedAt, v.ExpiresAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("voucher for order %s: %w", v.OrderID, domain.ErrInvalidStateTransition)
		}
		if constraint, ok := foreignKeyConstraint(err); ok {
			if constraint == fkVoucherActivity {
				return domain.ErrActivityNotFound
			}
			return domain.ErrOrderNotFound
		}
		return fmt.Errorf("create voucher: %w", err)
	}
	return nil
}

func (r *VoucherRepository) GetVoucherByCode(ctx context.Context, code string) (domain.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE code = $1`
	v, err := scanVoucher(r.queryRow(ctx, query, code))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Voucher{}, domain.ErrVoucherNotFound
		}
		return domain.Voucher{}, fmt.Errorf("get voucher: %w", err)
	}
	return v, nil
}

func (r *VoucherRepository) GetVoucherByOrder(ctx context.Context, orderID string) (*domain.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE order_id = $1`
	v, err := scanVoucher(r.queryRow(ctx, query, orderID))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get voucher by order: %w", err)
	}
	return &v, nil
}

func (r *VoucherRepository) RedeemVoucher(ctx context.Context, voucherID, redeemedBy string, at time.Time) (bool, error) {
	const stmt = `
UPDATE vouchers
SET status = 'used', used_at = $3, redeemed_by = $2
WHERE id = $1 AND status = 'unused' AND expires_at > $3`

	tag, err := r.exec(ctx, stmt, voucherID, redeemedBy, at)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("redeem voucher: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *VoucherRepository) VoidVoucher(ctx context.Context, orderID string) (bool, error) {
	const stmt = `UPDATE vouchers SET status = 'expired' WHERE order_id = $1 AND status = 'unused'`

	tag, err := r.exec(ctx, stmt, orderID)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("void voucher: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *VoucherRepository) ExpireVouchers(ctx context.Context, now time.Time) (int64, error) {
	const stmt = `UPDATE vouchers SET status = 'expired' WHERE status = 'unused' AND expires_at <= $1`

	tag, err := r.exec(ctx, stmt, now)
	if err != nil {
		return 0, fmt.Errorf("expire vouchers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *VoucherRepository) ListExpiringVouchers(ctx context.Context, q app.ExpiringQuery) ([]domain.Voucher, error) {
	query := `SELECT ` + voucherColumns + `
FROM vouchers
WHERE status = 'unused' AND reminded_at IS NULL
	AND expires_at > $1 AND expires_at <= $2
	AND (expires_at, id::text) > ($3, $4)
ORDER BY expires_at ASC, id::text ASC
LIMIT $5`

	rows, err := r.query(ctx, query, q.From, q.To, q.After.ExpiresAt, q.After.ID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring vouchers: %w", err)
	}
	defer rows.Close()

	var vouchers []domain.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, fmt.Errorf("scan voucher: %w", err)
		}
		vouchers = append(vouchers, v)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate vouchers: %w", rows.Err())
	}
	return vouchers, nil
}

func (r *VoucherRepository) MarkReminded(ctx context.Context, voucherID string, at time.Time) (bool, error) {
	const stmt = `UPDATE vouchers SET reminded_at = $2 WHERE id = $1 AND reminded_at IS NULL`

	tag, err := r.exec(ctx, stmt, voucherID, at)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("mark voucher reminded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanVoucher(row pgx.Row) (domain.Voucher, error) {
	var v domain.Voucher
	var status string
	err := row.Scan(&v.ID, &v.OrderID, &v.UserID, &v.MerchantID, &v.ActivityID, &v.Code, &status,
		&v.IssuedAt, &v.UsedAt, &v.RedeemedBy, &v.ExpiresAt, &v.RemindedAt)
	if err != nil {
		return domain.Voucher{}, err
	}
	v.Status = domain.VoucherStatus(status)
	return v, nil
}
