package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type SharingRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateSharing(ctx context.Context, rec domain.SharingRecord) error
	GetSharing(ctx context.Context, sharingID string) (domain.SharingRecord, error)
	// BeginAttempt claims a pending record, or a failed one below maxRetries, for a payout.
	BeginAttempt(ctx context.Context, sharingID string, maxRetries int, at time.Time) (bool, error)
	CompleteAttempt(ctx context.Context, sharingID string, at time.Time) (bool, error)
	// FailAttempt records a failed payout and returns the updated record.
	FailAttempt(ctx context.Context, sharingID, reason string, at time.Time) (domain.SharingRecord, error)
	ListRetryable(ctx context.Context, q RetryQuery) ([]domain.SharingRecord, error)
	ListExhausted(ctx context.Context, maxRetries, limit int) ([]domain.SharingRecord, error)
}

// RetryQuery selects failed records below the ceiling whose backoff
// (BackoffBase*2^(retry_count-1) since the last attempt) has elapsed at Now,
// plus pending records created before PendingBefore.
type RetryQuery struct {
	MaxRetries    int
	BackoffBase   time.Duration
	Now           time.Time
	PendingBefore time.Time
	Limit         int
}

// Payout is the external payout collaborator. reference is stable per
// sharing record so the gateway can deduplicate.
type Payout interface {
	Payout(ctx context.Context, merchantID string, amount int64, reference string) error
}

// Notifier surfaces events to operators and consumers.
type Notifier interface {
	SettlementExhausted(ctx context.Context, rec domain.SharingRecord) error
	VoucherExpiring(ctx context.Context, voucher domain.Voucher) error
}

type nopNotifier struct{}

func (nopNotifier) SettlementExhausted(context.Context, domain.SharingRecord) error { return nil }
func (nopNotifier) VoucherExpiring(context.Context, domain.Voucher) error           { return nil }

// NopNotifier discards notifications.
func NopNotifier() Notifier { return nopNotifier{} }

type SettlementService struct {
	repo         SharingRepository
	orders       OrderRepository
	catalog      ActivityCatalog
	payout       Payout
	notifier     Notifier
	clock        clock.Clock
	logger       *zap.Logger
	maxRetries   int
	pendingGrace time.Duration
	backoffBase  time.Duration
	batchSize    int
	concurrency  int
}

const (
	defaultMaxRetries   = 3
	defaultPendingGrace = 2 * time.Minute
	defaultBackoffBase  = 5 * time.Minute
)

type SettlementOption func(*SettlementService)

func WithMaxRetries(n int) SettlementOption {
	return func(s *SettlementService) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithPendingGrace sets how old a pending record must be before the sweep
// treats it as abandoned by a crashed first attempt.
func WithPendingGrace(d time.Duration) SettlementOption {
	return func(s *SettlementService) {
		if d >= 0 {
			s.pendingGrace = d
		}
	}
}

// WithRetryBackoff sets the base delay; the n-th retry waits base*2^(n-1)
// after the previous attempt.
func WithRetryBackoff(base time.Duration) SettlementOption {
	return func(s *SettlementService) {
		if base >= 0 {
			s.backoffBase = base
		}
	}
}

func WithSettlementBatch(size, concurrency int) SettlementOption {
	return func(s *SettlementService) {
		if size > 0 {
			s.batchSize = size
		}
		if concurrency > 0 {
			s.concurrency = concurrency
		}
	}
}

func WithNotifier(n Notifier) SettlementOption {
	return func(s *SettlementService) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithSettlementLogger(logger *zap.Logger) SettlementOption {
	return func(s *SettlementService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSettlementService(repo SharingRepository, orders OrderRepository, catalog ActivityCatalog, payout Payout, clk clock.Clock, opts ...SettlementOption) *SettlementService {
	svc := &SettlementService{
		repo:         repo,
		orders:       orders,
		catalog:      catalog,
		payout:       payout,
		notifier:     nopNotifier{},
		clock:        clk,
		logger:       zap.NewNop(),
		maxRetries:   defaultMaxRetries,
		pendingGrace: defaultPendingGrace,
		backoffBase:  defaultBackoffBase,
		batchSize:    defaultBatchSize,
		concurrency:  defaultConcurrency,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *SettlementService) MaxRetries() int { return s.maxRetries }

// OnVoucherRedeemed records the merchant's share of the voucher's order.
func (s *SettlementService) OnVoucherRedeemed(ctx context.Context, voucher domain.Voucher) (domain.SharingRecord, error) {
	order, err := s.orders.GetOrder(ctx, voucher.OrderID)
	if err != nil {
		return domain.SharingRecord{}, err
	}
	activity, err := s.catalog.GetActivity(ctx, order.ActivityID)
	if err != nil {
		return domain.SharingRecord{}, err
	}

	rec := domain.SharingRecord{
		ID:         newUUID(),
		VoucherID:  voucher.ID,
		OrderID:    order.ID,
		MerchantID: voucher.MerchantID,
		Amount:     ShareAmount(order.Amount, activity.RevenueSharePercent),
		Status:     domain.SharingStatusPending,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.repo.CreateSharing(ctx, rec); err != nil {
		return domain.SharingRecord{}, err
	}
	return rec, nil
}

var hundred = decimal.NewFromInt(100)

// ShareAmount returns percent% of amount in minor units, rounded down so the
// merchant is never paid more than the configured share.
func ShareAmount(amount int64, percent decimal.Decimal) int64 {
	if percent.IsNegative() || amount <= 0 {
		return 0
	}
	if percent.GreaterThan(hundred) {
		percent = hundred
	}
	return decimal.NewFromInt(amount).Mul(percent).Div(hundred).Floor().IntPart()
}

// Attempt runs one payout for the record. Payout failure leaves it FAILED with
// RetryCount incremented; at the ceiling it returns domain.ErrSettlementExhausted.
// A record another worker holds, or one already settled, yields
// domain.ErrInvalidStateTransition.
func (s *SettlementService) Attempt(ctx context.Context, sharingID string) (domain.SharingRecord, error) {
	started, err := s.repo.BeginAttempt(ctx, sharingID, s.maxRetries, s.clock.Now())
	if err != nil {
		return domain.SharingRecord{}, err
	}
	rec, err := s.repo.GetSharing(ctx, sharingID)
	if err != nil {
		return domain.SharingRecord{}, err
	}
	if !started {
		if rec.Exhausted(s.maxRetries) {
			return rec, domain.ErrSettlementExhausted
		}
		return rec, domain.ErrInvalidStateTransition
	}

	payErr := s.payout.Payout(ctx, rec.MerchantID, rec.Amount, rec.ID)

	// Bookkeeping must land even if the caller's context ended mid-payout.
	bg := context.WithoutCancel(ctx)
	if payErr == nil {
		now := s.clock.Now()
		if _, err := s.repo.CompleteAttempt(bg, sharingID, now); err != nil {
			return rec, err
		}
		rec.Status = domain.SharingStatusSuccess
		rec.LastError = ""
		s.logger.Info("settlement paid",
			zap.String("sharing_id", rec.ID),
			zap.String("merchant_id", rec.MerchantID),
			zap.Int64("amount", rec.Amount),
		)
		return rec, nil
	}

	failed, err := s.repo.FailAttempt(bg, sharingID, payErr.Error(), s.clock.Now())
	if err != nil {
		return rec, errors.Join(payErr, err)
	}
	if failed.Exhausted(s.maxRetries) {
		s.logger.Error("settlement retries exhausted",
			zap.String("sharing_id", failed.ID),
			zap.String("merchant_id", failed.MerchantID),
			zap.Int("retry_count", failed.RetryCount),
			zap.Error(payErr),
		)
		if err := s.notifier.SettlementExhausted(bg, failed); err != nil {
			s.logger.Warn("notify settlement exhausted", zap.String("sharing_id", failed.ID), zap.Error(err))
		}
		return failed, fmt.Errorf("%w: %v", domain.ErrSettlementExhausted, payErr)
	}
	return failed, fmt.Errorf("payout %s: %w", sharingID, payErr)
}

// RetryPending attempts every record due for another payout.
func (s *SettlementService) RetryPending(ctx context.Context) (BatchReport, error) {
	now := s.clock.Now()
	recs, err := s.repo.ListRetryable(ctx, RetryQuery{
		MaxRetries:    s.maxRetries,
		BackoffBase:   s.backoffBase,
		Now:           now,
		PendingBefore: now.Add(-s.pendingGrace),
		Limit:         s.batchSize,
	})
	if err != nil {
		return BatchReport{}, err
	}

	due := make([]string, 0, len(recs))
	for _, rec := range recs {
		if s.due(rec, now) {
			due = append(due, rec.ID)
		}
	}

	report := runBatch(ctx, s.logger, "settlement_retry", due, s.concurrency, idOf, func(ctx context.Context, id string) (bool, error) {
		_, err := s.Attempt(ctx, id)
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			return false, nil
		}
		return err == nil, err
	})
	report.Skipped += len(recs) - len(due)
	report.Total = len(recs)
	return report, nil
}

func (s *SettlementService) due(rec domain.SharingRecord, now time.Time) bool {
	switch rec.Status {
	case domain.SharingStatusPending:
		return true
	case domain.SharingStatusFailed:
		if rec.RetryCount >= s.maxRetries {
			return false
		}
		if rec.LastAttemptAt == nil || rec.RetryCount == 0 {
			return true
		}
		wait := s.backoffBase << (rec.RetryCount - 1)
		return !rec.LastAttemptAt.Add(wait).After(now)
	default:
		return false
	}
}

// ListExhausted returns records waiting for operator review.
func (s *SettlementService) ListExhausted(ctx context.Context, limit int) ([]domain.SharingRecord, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	return s.repo.ListExhausted(ctx, s.maxRetries, limit)
}
