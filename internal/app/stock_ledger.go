package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// StockStore mutates stock counters. DecrementStock must be one indivisible
// check-and-decrement; ok=false leaves the counter untouched.
type StockStore interface {
	DecrementStock(ctx context.Context, activityID string, qty int) (remaining int, ok bool, err error)
	IncrementStock(ctx context.Context, activityID string, qty int) error
	SeedStock(ctx context.Context, activityID string, stock int) (bool, error)
	GetStock(ctx context.Context, activityID string) (domain.StockCounter, error)
}

type StockLedger struct {
	store  StockStore
	logger *zap.Logger
}

func NewStockLedger(store StockStore, logger *zap.Logger) *StockLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockLedger{store: store, logger: logger}
}

type Reservation struct {
	OK        bool
	Remaining int
}

// Reserve takes qty units from the activity. Unlimited counters always
// succeed and report domain.UnlimitedStock.
func (l *StockLedger) Reserve(ctx context.Context, activityID string, qty int) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, domain.ErrInvalidQuantity
	}
	remaining, ok, err := l.store.DecrementStock(ctx, activityID, qty)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve stock %s: %w", activityID, err)
	}
	if !ok {
		return Reservation{}, domain.ErrOutOfStock
	}
	return Reservation{OK: true, Remaining: remaining}, nil
}

// Release returns qty previously reserved units to the pool.
func (l *StockLedger) Release(ctx context.Context, activityID string, qty int) error {
	if qty <= 0 {
		return domain.ErrInvalidQuantity
	}
	if err := l.store.IncrementStock(ctx, activityID, qty); err != nil {
		return fmt.Errorf("release stock %s: %w", activityID, err)
	}
	l.logger.Debug("stock released", zap.String("activity_id", activityID), zap.Int("qty", qty))
	return nil
}

// Seed creates the counter for an activity if it has none yet.
func (l *StockLedger) Seed(ctx context.Context, activityID string, stock int) (bool, error) {
	if stock < domain.UnlimitedStock {
		return false, domain.ErrInvalidQuantity
	}
	return l.store.SeedStock(ctx, activityID, stock)
}

func (l *StockLedger) Remaining(ctx context.Context, activityID string) (int, error) {
	c, err := l.store.GetStock(ctx, activityID)
	if err != nil {
		return 0, err
	}
	return c.Remaining, nil
}
