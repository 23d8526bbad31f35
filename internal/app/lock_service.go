package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// LockStore is a linearizable key-value store with compare-and-delete.
type LockStore interface {
	TryAcquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, ownerToken string) (bool, error)
}

// LockService provides process-external mutual exclusion keyed by string.
// Acquisition never blocks: a caller that loses skips the protected work.
type LockService struct {
	store  LockStore
	logger *zap.Logger
}

func NewLockService(store LockStore, logger *zap.Logger) *LockService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockService{store: store, logger: logger}
}

var errLockArgs = errors.New("lock key and owner token are required")

func (s *LockService) Acquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	if key == "" || ownerToken == "" {
		return false, errLockArgs
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	return s.store.TryAcquire(ctx, key, ownerToken, ttl)
}

// Release deletes the lock only while ownerToken still holds it. A false
// result means the lease already expired and may belong to someone else.
func (s *LockService) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	if key == "" || ownerToken == "" {
		return false, errLockArgs
	}
	return s.store.Release(ctx, key, ownerToken)
}

// WithLock runs fn while holding key. It returns domain.ErrLockUnavailable
// without running fn when another holder owns the lock. The lock is released
// whatever fn returns.
func (s *LockService) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token := newUUID()
	ok, err := s.Acquire(ctx, key, token, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return domain.ErrLockUnavailable
	}

	defer func() {
		released, err := s.Release(context.WithoutCancel(ctx), key, token)
		switch {
		case err != nil:
			s.logger.Error("lock release failed", zap.String("key", key), zap.Error(err))
		case !released:
			s.logger.Warn("lock expired before release", zap.String("key", key), zap.Duration("ttl", ttl))
		}
	}()

	return fn(ctx)
}
