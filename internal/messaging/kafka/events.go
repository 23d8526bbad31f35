// Package kafka carries payment events in and operator/consumer notifications
// out over Kafka.
package kafka

import (
	"time"
)

const (
	PaymentConfirmed = "payment.confirmed"
	PaymentRefunded  = "payment.refunded"

	SettlementExhausted = "settlement.exhausted"
	VoucherExpiring     = "voucher.expiring"
)

// PaymentEvent is published by the payment gateway, keyed by order id.
type PaymentEvent struct {
	Type    string    `json:"type"`
	OrderID string    `json:"order_id"`
	Amount  int64     `json:"amount"`
	PaidAt  time.Time `json:"paid_at,omitempty"`
}

// Notification is what the engine publishes for operators and reminder senders.
type Notification struct {
	Type       string    `json:"type"`
	MerchantID string    `json:"merchant_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	SharingID  string    `json:"sharing_id,omitempty"`
	VoucherID  string    `json:"voucher_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
