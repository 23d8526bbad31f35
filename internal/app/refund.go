package app

import (
	"context"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// refunder reverses a paid order: PAID->REFUNDED, the unused voucher is
// voided and the reserved stock goes back to the pool. Callers run it inside
// a transaction so all three happen together.
type refunder struct {
	orders   OrderRepository
	vouchers VoucherRepository
	ledger   *StockLedger
	clock    clock.Clock
}

func (r *refunder) refund(ctx context.Context, orderID string) (Transition, error) {
	order, err := r.orders.GetOrder(ctx, orderID)
	if err != nil {
		return Transition{}, err
	}
	if order.Status != domain.OrderStatusPaid {
		return Transition{Order: order}, nil
	}

	voucher, err := r.vouchers.GetVoucherByOrder(ctx, orderID)
	if err != nil {
		return Transition{}, err
	}
	if voucher != nil && voucher.Status == domain.VoucherStatusUsed {
		return Transition{}, domain.ErrVoucherAlreadyUsed
	}

	now := r.clock.Now()
	changed, err := r.orders.TransitionOrder(ctx, orderID, domain.OrderStatusPaid, domain.OrderStatusRefunded, now)
	if err != nil {
		return Transition{}, err
	}
	if !changed {
		return Transition{Order: order}, nil
	}

	if voucher != nil && voucher.Status == domain.VoucherStatusUnused {
		voided, err := r.vouchers.VoidVoucher(ctx, orderID)
		if err != nil {
			return Transition{}, err
		}
		if !voided {
			// Redeemed between the read and the void.
			return Transition{}, domain.ErrVoucherAlreadyUsed
		}
	}

	if err := r.ledger.Release(ctx, order.ActivityID, order.Quantity); err != nil {
		return Transition{}, err
	}

	order.Status = domain.OrderStatusRefunded
	order.ClosedAt = &now
	return Transition{Order: order, Changed: true}, nil
}
