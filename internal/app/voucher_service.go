package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type VoucherRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateVoucher(ctx context.Context, voucher domain.Voucher) error
	GetVoucherByCode(ctx context.Context, code string) (domain.Voucher, error)
	GetVoucherByOrder(ctx context.Context, orderID string) (*domain.Voucher, error)
	// RedeemVoucher marks the voucher used only if it is unused and unexpired at at.
	RedeemVoucher(ctx context.Context, voucherID, redeemedBy string, at time.Time) (bool, error)
	// VoidVoucher expires the order's voucher only if it is still unused.
	VoidVoucher(ctx context.Context, orderID string) (bool, error)
	ExpireVouchers(ctx context.Context, now time.Time) (int64, error)
	// ListExpiringVouchers pages unreminded unused vouchers expiring in (From, To],
	// ordered by (expires_at, id) and strictly after the query's cursor.
	ListExpiringVouchers(ctx context.Context, q ExpiringQuery) ([]domain.Voucher, error)
	// MarkReminded returns false when the voucher was already reminded.
	MarkReminded(ctx context.Context, voucherID string, at time.Time) (bool, error)
}

// ExpiringQuery selects one page of reminder candidates.
type ExpiringQuery struct {
	From  time.Time
	To    time.Time
	After VoucherCursor
	Limit int
}

// VoucherCursor is the (expires_at, id) of the last voucher of a page. The
// zero cursor starts at the beginning of the window.
type VoucherCursor struct {
	ExpiresAt time.Time
	ID        string
}

func cursorOf(v domain.Voucher) VoucherCursor {
	return VoucherCursor{ExpiresAt: v.ExpiresAt, ID: v.ID}
}

type VoucherService struct {
	repo       VoucherRepository
	catalog    ActivityCatalog
	settlement *SettlementService
	clock      clock.Clock
	logger     *zap.Logger
}

const defaultVoucherValidity = 90 * 24 * time.Hour

func NewVoucherService(repo VoucherRepository, catalog ActivityCatalog, settlement *SettlementService, clk clock.Clock, logger *zap.Logger) *VoucherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoucherService{
		repo:       repo,
		catalog:    catalog,
		settlement: settlement,
		clock:      clk,
		logger:     logger,
	}
}

// Issue mints the voucher for a paid order.
func (s *VoucherService) Issue(ctx context.Context, order domain.Order) (domain.Voucher, error) {
	if order.Status != domain.OrderStatusPaid {
		return domain.Voucher{}, domain.ErrInvalidStateTransition
	}
	activity, err := s.catalog.GetActivity(ctx, order.ActivityID)
	if err != nil {
		return domain.Voucher{}, err
	}
	validity := activity.VoucherValidity
	if validity <= 0 {
		validity = defaultVoucherValidity
	}

	code, err := newVoucherCode()
	if err != nil {
		return domain.Voucher{}, err
	}
	now := s.clock.Now()
	voucher := domain.Voucher{
		ID:         newUUID(),
		OrderID:    order.ID,
		UserID:     order.UserID,
		MerchantID: order.MerchantID,
		ActivityID: order.ActivityID,
		Code:       code,
		Status:     domain.VoucherStatusUnused,
		IssuedAt:   now,
		ExpiresAt:  now.Add(validity),
	}
	if err := s.repo.CreateVoucher(ctx, voucher); err != nil {
		return domain.Voucher{}, err
	}

	s.logger.Info("voucher issued", zap.String("voucher_id", voucher.ID), zap.String("order_id", order.ID))
	return voucher, nil
}

type RedeemInput struct {
	Code  string
	Actor domain.Actor
}

type RedeemResult struct {
	Voucher domain.Voucher
	Sharing domain.SharingRecord
}

// Redeem consumes a voucher at the merchant that owns it and queues the
// merchant's revenue share.
func (s *VoucherService) Redeem(ctx context.Context, in RedeemInput) (RedeemResult, error) {
	if !in.Actor.IsMerchant() {
		return RedeemResult{}, domain.ErrForbidden
	}

	var result RedeemResult
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		voucher, err := s.repo.GetVoucherByCode(txCtx, in.Code)
		if err != nil {
			return err
		}
		if voucher.MerchantID != in.Actor.MerchantID {
			return domain.ErrForbidden
		}
		if voucher.Status == domain.VoucherStatusUsed {
			return domain.ErrVoucherAlreadyUsed
		}
		now := s.clock.Now()
		if voucher.Expired(now) {
			return domain.ErrVoucherExpired
		}

		redeemedBy := in.Actor.EmployeeID
		if redeemedBy == "" {
			redeemedBy = in.Actor.UserID
		}
		ok, err := s.repo.RedeemVoucher(txCtx, voucher.ID, redeemedBy, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrVoucherAlreadyUsed
		}
		voucher.Status = domain.VoucherStatusUsed
		voucher.UsedAt = &now
		voucher.RedeemedBy = redeemedBy

		sharing, err := s.settlement.OnVoucherRedeemed(txCtx, voucher)
		if err != nil {
			return err
		}
		result = RedeemResult{Voucher: voucher, Sharing: sharing}
		return nil
	})
	if err != nil {
		return RedeemResult{}, err
	}

	s.logger.Info("voucher redeemed",
		zap.String("voucher_id", result.Voucher.ID),
		zap.String("merchant_id", result.Voucher.MerchantID),
		zap.String("sharing_id", result.Sharing.ID),
	)

	// First payout runs after commit and never fails the redemption; the
	// retry sweep picks up whatever this leaves behind.
	rec, err := s.settlement.Attempt(ctx, result.Sharing.ID)
	if err != nil {
		s.logger.Warn("settlement attempt after redeem",
			zap.String("sharing_id", result.Sharing.ID),
			zap.String("kind", domain.Kind(err)),
			zap.Error(err),
		)
	}
	if rec.ID != "" {
		result.Sharing = rec
	}
	return result, nil
}

// ExpireStale expires every unused voucher past its deadline.
func (s *VoucherService) ExpireStale(ctx context.Context) (int64, error) {
	return s.repo.ExpireVouchers(ctx, s.clock.Now())
}

// ExpiringSoon lists one page of unused, not yet reminded vouchers that expire
// within the window starting at now.
func (s *VoucherService) ExpiringSoon(ctx context.Context, now time.Time, within time.Duration, after VoucherCursor, limit int) ([]domain.Voucher, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	return s.repo.ListExpiringVouchers(ctx, ExpiringQuery{From: now, To: now.Add(within), After: after, Limit: limit})
}

// MarkReminded records that the holder was told about the coming expiry.
func (s *VoucherService) MarkReminded(ctx context.Context, voucherID string) (bool, error) {
	return s.repo.MarkReminded(ctx, voucherID, s.clock.Now())
}
