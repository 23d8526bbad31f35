package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ActivityType string

const (
	ActivityTypeVoucher  ActivityType = "voucher"
	ActivityTypeDeposit  ActivityType = "deposit"
	ActivityTypePoints   ActivityType = "points"
	ActivityTypeGroupBuy ActivityType = "group_buy"
)

// UnlimitedStock marks an activity (and its counter) as having no stock limit.
const UnlimitedStock = -1

// Activity is the catalog snapshot of a merchant promotion. The catalog is
// maintained outside this service; the engine only reads it.
type Activity struct {
	ID                  string
	MerchantID          string
	Name                string
	Type                ActivityType
	Price               int64
	Stock               int
	RequiredMembers     int
	GroupWindow         time.Duration
	VoucherValidity     time.Duration
	RevenueSharePercent decimal.Decimal
}

func (a Activity) IsGroupBuy() bool {
	return a.Type == ActivityTypeGroupBuy
}

// StockCounter is the remaining inventory of one activity.
type StockCounter struct {
	ActivityID string
	Remaining  int
	Version    int64
}

func (c StockCounter) Unlimited() bool {
	return c.Remaining == UnlimitedStock
}
