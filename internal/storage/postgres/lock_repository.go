package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockRepository is a lease table. Expiry is judged by the database clock so
// instances with skewed clocks still agree on who holds a key.
type LockRepository struct {
	pool *pgxpool.Pool
}

func NewLockRepository(pool *pgxpool.Pool) *LockRepository {
	return &LockRepository{pool: pool}
}

func (r *LockRepository) TryAcquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	const stmt = `
INSERT INTO locks (key, owner_token, expires_at)
VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
ON CONFLICT (key) DO UPDATE
SET owner_token = EXCLUDED.owner_token, expires_at = EXCLUDED.expires_at
WHERE locks.expires_at <= NOW()`

	tag, err := r.pool.Exec(ctx, stmt, key, ownerToken, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LockRepository) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	const stmt = `DELETE FROM locks WHERE key = $1 AND owner_token = $2`

	tag, err := r.pool.Exec(ctx, stmt, key, ownerToken)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
