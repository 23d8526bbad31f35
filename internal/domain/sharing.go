package domain

import "time"

type SharingStatus string

const (
	SharingStatusPending    SharingStatus = "pending"
	SharingStatusProcessing SharingStatus = "processing"
	SharingStatusSuccess    SharingStatus = "success"
	SharingStatusFailed     SharingStatus = "failed"
)

// SharingRecord is the merchant revenue share owed for one redeemed voucher.
type SharingRecord struct {
	ID            string
	VoucherID     string
	OrderID       string
	MerchantID    string
	Amount        int64
	Status        SharingStatus
	RetryCount    int
	LastAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
}

// Exhausted reports whether automatic retries are used up.
func (r SharingRecord) Exhausted(maxRetries int) bool {
	return r.Status == SharingStatusFailed && r.RetryCount >= maxRetries
}
