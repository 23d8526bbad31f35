package domain

import "time"

type VoucherStatus string

const (
	VoucherStatusUnused  VoucherStatus = "unused"
	VoucherStatusUsed    VoucherStatus = "used"
	VoucherStatusExpired VoucherStatus = "expired"
)

// Voucher is a single-use redeemable code bound to a paid order.
type Voucher struct {
	ID         string
	OrderID    string
	UserID     string
	MerchantID string
	ActivityID string
	Code       string
	Status     VoucherStatus
	IssuedAt   time.Time
	UsedAt     *time.Time
	RedeemedBy string
	ExpiresAt  time.Time
	RemindedAt *time.Time
}

func (v Voucher) Expired(now time.Time) bool {
	return v.Status == VoucherStatusExpired || !v.ExpiresAt.After(now)
}
