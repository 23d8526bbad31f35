package domain

import "time"

type GroupStatus string

const (
	GroupStatusForming   GroupStatus = "forming"
	GroupStatusSuccess   GroupStatus = "success"
	GroupStatusFailed    GroupStatus = "failed"
	GroupStatusCancelled GroupStatus = "cancelled"
)

// GroupOrder coordinates co-purchasers of a group-buy activity.
type GroupOrder struct {
	ID              string
	ActivityID      string
	InitiatorUserID string
	RequiredMembers int
	Status          GroupStatus
	ExpiresAt       time.Time
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// GroupParticipant is unique per (GroupOrderID, UserID).
type GroupParticipant struct {
	GroupOrderID string
	UserID       string
	OrderID      string
	JoinedAt     time.Time
}
