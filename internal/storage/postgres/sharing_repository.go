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

type SharingRepository struct {
	conn
}

func NewSharingRepository(pool *pgxpool.Pool) *SharingRepository {
	return &SharingRepository{conn{pool: pool}}
}

const sharingColumns = `id::text, voucher_id::text, order_id::text, merchant_id, amount, status,
	retry_count, last_attempt_at, last_error, created_at`

func (r *SharingRepository) CreateSharing(ctx context.Context, rec domain.SharingRecord) error {
	const stmt = `
INSERT INTO sharing_records (id, voucher_id, order_id, merchant_id, amount, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.exec(ctx, stmt, rec.ID, rec.VoucherID, rec.OrderID, rec.MerchantID, rec.Amount, string(rec.Status), rec.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("sharing for voucher %s: %w", rec.VoucherID, domain.ErrInvalidStateTransition)
		}
		if isForeignKeyViolation(err) {
			return domain.ErrVoucherNotFound
		}
		return fmt.Errorf("create sharing record: %w", err)
	}
	return nil
}

func (r *SharingRepository) GetSharing(ctx context.Context, sharingID string) (domain.SharingRecord, error) {
	query := `SELECT ` + sharingColumns + ` FROM sharing_records WHERE id = $1`
	rec, err := scanSharing(r.queryRow(ctx, query, sharingID))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.SharingRecord{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.SharingRecord{}, domain.ErrSharingNotFound
		}
		return domain.SharingRecord{}, fmt.Errorf("get sharing record: %w", err)
	}
	return rec, nil
}

func (r *SharingRepository) BeginAttempt(ctx context.Context, sharingID string, maxRetries int, at time.Time) (bool, error) {
	const stmt = `
UPDATE sharing_records
SET status = 'processing', last_attempt_at = $3
WHERE id = $1 AND (status = 'pending' OR (status = 'failed' AND retry_count < $2))`

	tag, err := r.exec(ctx, stmt, sharingID, maxRetries, at)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("begin settlement attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SharingRepository) CompleteAttempt(ctx context.Context, sharingID string, at time.Time) (bool, error) {
	const stmt = `
UPDATE sharing_records
SET status = 'success', last_error = '', last_attempt_at = $2
WHERE id = $1 AND status = 'processing'`

	tag, err := r.exec(ctx, stmt, sharingID, at)
	if err != nil {
		return false, fmt.Errorf("complete settlement attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SharingRepository) FailAttempt(ctx context.Context, sharingID, reason string, at time.Time) (domain.SharingRecord, error) {
	stmt := `
UPDATE sharing_records
SET status = 'failed', retry_count = retry_count + 1, last_error = $2, last_attempt_at = $3
WHERE id = $1 AND status = 'processing'
RETURNING ` + sharingColumns

	rec, err := scanSharing(r.queryRow(ctx, stmt, sharingID, reason, at))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.SharingRecord{}, domain.ErrInvalidStateTransition
		}
		return domain.SharingRecord{}, fmt.Errorf("fail settlement attempt: %w", err)
	}
	return rec, nil
}

func (r *SharingRepository) ListRetryable(ctx context.Context, q app.RetryQuery) ([]domain.SharingRecord, error) {
	query := `SELECT ` + sharingColumns + `
FROM sharing_records
WHERE (status = 'failed' AND retry_count < $1 AND (
		retry_count = 0 OR last_attempt_at IS NULL
		OR last_attempt_at + make_interval(secs => $4::double precision * power(2::double precision, retry_count - 1)) <= $5))
	OR (status = 'pending' AND created_at < $2)
ORDER BY created_at ASC
LIMIT $3`

	return r.list(ctx, query, q.MaxRetries, q.PendingBefore, q.Limit, q.BackoffBase.Seconds(), q.Now)
}

func (r *SharingRepository) ListExhausted(ctx context.Context, maxRetries, limit int) ([]domain.SharingRecord, error) {
	query := `SELECT ` + sharingColumns + `
FROM sharing_records
WHERE status = 'failed' AND retry_count >= $1
ORDER BY last_attempt_at DESC
LIMIT $2`

	return r.list(ctx, query, maxRetries, limit)
}

func (r *SharingRepository) list(ctx context.Context, query string, args ...any) ([]domain.SharingRecord, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sharing records: %w", err)
	}
	defer rows.Close()

	var out []domain.SharingRecord
	for rows.Next() {
		rec, err := scanSharing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sharing record: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate sharing records: %w", rows.Err())
	}
	return out, nil
}

func scanSharing(row pgx.Row) (domain.SharingRecord, error) {
	var rec domain.SharingRecord
	var status string
	err := row.Scan(&rec.ID, &rec.VoucherID, &rec.OrderID, &rec.MerchantID, &rec.Amount, &status,
		&rec.RetryCount, &rec.LastAttemptAt, &rec.LastError, &rec.CreatedAt)
	if err != nil {
		return domain.SharingRecord{}, err
	}
	rec.Status = domain.SharingStatus(status)
	return rec, nil
}
