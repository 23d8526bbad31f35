package domain

import (
	"context"
	"errors"
)

var (
	ErrOutOfStock             = errors.New("out of stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrForbidden              = errors.New("forbidden")
	ErrLockUnavailable        = errors.New("lock unavailable")
	ErrSettlementExhausted    = errors.New("settlement retries exhausted")

	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInvalidID             = errors.New("invalid id")
	ErrActivityNotFound      = errors.New("activity not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrPaymentAmountMismatch = errors.New("payment amount does not match order")
	ErrVoucherNotFound       = errors.New("voucher not found")
	ErrVoucherAlreadyUsed    = errors.New("voucher already used")
	ErrVoucherExpired        = errors.New("voucher expired")
	ErrGroupNotFound         = errors.New("group order not found")
	ErrGroupNotForming       = errors.New("group order is not forming")
	ErrGroupExpired          = errors.New("group order expired")
	ErrAlreadyJoined         = errors.New("user already joined group order")
	ErrNotGroupActivity      = errors.New("activity is not a group buy")
	ErrSharingNotFound       = errors.New("sharing record not found")
)

// Error kinds reported to callers and logs.
const (
	KindOutOfStock             = "OUT_OF_STOCK"
	KindInvalidStateTransition = "INVALID_STATE_TRANSITION"
	KindForbidden              = "FORBIDDEN"
	KindLockUnavailable        = "LOCK_UNAVAILABLE"
	KindSettlementExhausted    = "SETTLEMENT_EXHAUSTED"
	KindNotFound               = "NOT_FOUND"
	KindInvalidInput           = "INVALID_INPUT"
	KindConflict               = "CONFLICT"
	KindTimeout                = "TIMEOUT"
	KindCanceled               = "CANCELED"
	KindInternal               = "INTERNAL"
)

// Kind classifies err into the error taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrOutOfStock):
		return KindOutOfStock

	case errors.Is(err, ErrInvalidStateTransition):
		return KindInvalidStateTransition

	case errors.Is(err, ErrForbidden):
		return KindForbidden

	case errors.Is(err, ErrLockUnavailable):
		return KindLockUnavailable

	case errors.Is(err, ErrSettlementExhausted):
		return KindSettlementExhausted

	case errors.Is(err, ErrActivityNotFound),
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrVoucherNotFound),
		errors.Is(err, ErrGroupNotFound),
		errors.Is(err, ErrSharingNotFound):
		return KindNotFound

	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrNotGroupActivity),
		errors.Is(err, ErrPaymentAmountMismatch):
		return KindInvalidInput

	case errors.Is(err, ErrVoucherAlreadyUsed),
		errors.Is(err, ErrVoucherExpired),
		errors.Is(err, ErrGroupNotForming),
		errors.Is(err, ErrGroupExpired),
		errors.Is(err, ErrAlreadyJoined):
		return KindConflict

	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout

	case errors.Is(err, context.Canceled):
		return KindCanceled

	default:
		return KindInternal
	}
}
