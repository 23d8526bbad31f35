package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusRefunded OrderStatus = "refunded"
)

// Terminal reports whether no further transition can leave the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusClosed || s == OrderStatusRefunded
}

// Order is a single purchase of an activity. Amount is in minor currency units.
type Order struct {
	ID           string
	OrderNo      string
	UserID       string
	ActivityID   string
	MerchantID   string
	GroupOrderID string
	Quantity     int
	Amount       int64
	Status       OrderStatus
	CreatedAt    time.Time
	PaidAt       *time.Time
	ClosedAt     *time.Time
	ExpiresAt    time.Time
}

// Overdue reports whether a pending order has passed its payment deadline.
func (o Order) Overdue(now time.Time) bool {
	return o.Status == OrderStatusPending && !o.ExpiresAt.After(now)
}
