package app

import (
	"context"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// ActivityCatalog is the read side of the externally managed activity catalog.
type ActivityCatalog interface {
	GetActivity(ctx context.Context, activityID string) (domain.Activity, error)
	ListActivities(ctx context.Context) ([]domain.Activity, error)
}
