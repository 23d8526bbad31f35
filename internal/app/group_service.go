package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type GroupRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateGroup(ctx context.Context, group domain.GroupOrder) error
	GetGroup(ctx context.Context, groupOrderID string) (domain.GroupOrder, error)
	// GetGroupForUpdate locks the group row until the surrounding transaction ends.
	GetGroupForUpdate(ctx context.Context, groupOrderID string) (domain.GroupOrder, error)
	// AddParticipant returns false when the user is already in the group.
	AddParticipant(ctx context.Context, p domain.GroupParticipant) (bool, error)
	HasParticipant(ctx context.Context, groupOrderID, userID string) (bool, error)
	CountParticipants(ctx context.Context, groupOrderID string) (int, error)
	ListParticipants(ctx context.Context, groupOrderID string) ([]domain.GroupParticipant, error)
	TransitionGroup(ctx context.Context, groupOrderID string, from, to domain.GroupStatus, at time.Time) (bool, error)
	ListOverdueGroups(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type GroupService struct {
	repo     GroupRepository
	orders   OrderRepository
	catalog  ActivityCatalog
	vouchers *VoucherService
	refunds  *refunder
	clock    clock.Clock
	logger   *zap.Logger
}

const defaultGroupWindow = 24 * time.Hour

func NewGroupService(repo GroupRepository, orders OrderRepository, catalog ActivityCatalog, ledger *StockLedger, vouchers *VoucherService, clk clock.Clock, logger *zap.Logger) *GroupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupService{
		repo:     repo,
		orders:   orders,
		catalog:  catalog,
		vouchers: vouchers,
		refunds: &refunder{
			orders:   orders,
			vouchers: vouchers.repo,
			ledger:   ledger,
			clock:    clk,
		},
		clock:  clk,
		logger: logger,
	}
}

type InitiateInput struct {
	UserID     string
	ActivityID string
	OrderID    string
}

type JoinInput struct {
	GroupOrderID string
	UserID       string
	OrderID      string
}

// JoinResult reports the group after a join. Completed is true for exactly
// one join per group: the one that brought it to quorum.
type JoinResult struct {
	Group       domain.GroupOrder
	Participant domain.GroupParticipant
	Completed   bool
	Vouchers    []domain.Voucher
}

type GroupTransition struct {
	Group    domain.GroupOrder
	Changed  bool
	Refunded []string
}

// Initiate opens a forming group and joins the initiator as its first member.
func (s *GroupService) Initiate(ctx context.Context, in InitiateInput) (JoinResult, error) {
	activity, err := s.catalog.GetActivity(ctx, in.ActivityID)
	if err != nil {
		return JoinResult{}, err
	}
	if !activity.IsGroupBuy() {
		return JoinResult{}, domain.ErrNotGroupActivity
	}
	required := activity.RequiredMembers
	if required < 1 {
		required = 1
	}
	window := activity.GroupWindow
	if window <= 0 {
		window = defaultGroupWindow
	}

	now := s.clock.Now()
	group := domain.GroupOrder{
		ID:              newUUID(),
		ActivityID:      activity.ID,
		InitiatorUserID: in.UserID,
		RequiredMembers: required,
		Status:          domain.GroupStatusForming,
		ExpiresAt:       now.Add(window),
		CreatedAt:       now,
	}

	var result JoinResult
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreateGroup(txCtx, group); err != nil {
			return err
		}
		if in.OrderID != "" {
			if err := s.orders.SetOrderGroup(txCtx, in.OrderID, group.ID); err != nil {
				return err
			}
		}
		jr, err := s.join(txCtx, JoinInput{GroupOrderID: group.ID, UserID: in.UserID, OrderID: in.OrderID})
		if err != nil {
			return err
		}
		result = jr
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}

	s.logger.Info("group order initiated",
		zap.String("group_order_id", group.ID),
		zap.Int("required_members", required),
		zap.Bool("completed", result.Completed),
	)
	return result, nil
}

// Join adds a member. The group row stays locked from the status check through
// the recount, so exactly one joiner observes the quorum and completes it.
func (s *GroupService) Join(ctx context.Context, in JoinInput) (JoinResult, error) {
	var result JoinResult
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		jr, err := s.join(txCtx, in)
		if err != nil {
			return err
		}
		result = jr
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	if result.Completed {
		s.logger.Info("group order completed", zap.String("group_order_id", result.Group.ID))
	}
	return result, nil
}

func (s *GroupService) join(ctx context.Context, in JoinInput) (JoinResult, error) {
	if in.UserID == "" {
		return JoinResult{}, domain.ErrForbidden
	}
	group, err := s.repo.GetGroupForUpdate(ctx, in.GroupOrderID)
	if err != nil {
		return JoinResult{}, err
	}
	if group.Status != domain.GroupStatusForming {
		return JoinResult{}, domain.ErrGroupNotForming
	}
	now := s.clock.Now()
	if !group.ExpiresAt.After(now) {
		return JoinResult{}, domain.ErrGroupExpired
	}

	p := domain.GroupParticipant{
		GroupOrderID: group.ID,
		UserID:       in.UserID,
		OrderID:      in.OrderID,
		JoinedAt:     now,
	}
	inserted, err := s.repo.AddParticipant(ctx, p)
	if err != nil {
		return JoinResult{}, err
	}
	if !inserted {
		return JoinResult{}, domain.ErrAlreadyJoined
	}

	count, err := s.repo.CountParticipants(ctx, group.ID)
	if err != nil {
		return JoinResult{}, err
	}
	result := JoinResult{Group: group, Participant: p}
	if count < group.RequiredMembers {
		return result, nil
	}

	changed, err := s.repo.TransitionGroup(ctx, group.ID, domain.GroupStatusForming, domain.GroupStatusSuccess, now)
	if err != nil {
		return JoinResult{}, err
	}
	if !changed {
		return result, nil
	}
	result.Group.Status = domain.GroupStatusSuccess
	result.Group.CompletedAt = &now
	result.Completed = true

	vouchers, err := s.grant(ctx, group.ID)
	if err != nil {
		return JoinResult{}, err
	}
	result.Vouchers = vouchers
	return result, nil
}

// grant issues a voucher to every paid participant order of a completed group.
func (s *GroupService) grant(ctx context.Context, groupOrderID string) ([]domain.Voucher, error) {
	participants, err := s.repo.ListParticipants(ctx, groupOrderID)
	if err != nil {
		return nil, err
	}
	vouchers := make([]domain.Voucher, 0, len(participants))
	for _, p := range participants {
		if p.OrderID == "" {
			continue
		}
		order, err := s.orders.GetOrder(ctx, p.OrderID)
		if err != nil {
			return nil, err
		}
		if order.Status != domain.OrderStatusPaid {
			continue
		}
		v, err := s.vouchers.Issue(ctx, order)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, nil
}

// Enroll puts a freshly paid group-buy order into its group, opening one
// when the order did not name a group.
func (s *GroupService) Enroll(ctx context.Context, order domain.Order) (JoinResult, error) {
	if order.GroupOrderID == "" {
		return s.Initiate(ctx, InitiateInput{UserID: order.UserID, ActivityID: order.ActivityID, OrderID: order.ID})
	}
	return s.Join(ctx, JoinInput{GroupOrderID: order.GroupOrderID, UserID: order.UserID, OrderID: order.ID})
}

// CheckJoinable rejects early, before stock is reserved, orders that could not
// join the group. Join re-checks under the row lock.
func (s *GroupService) CheckJoinable(ctx context.Context, groupOrderID, activityID, userID string) error {
	group, err := s.repo.GetGroup(ctx, groupOrderID)
	if err != nil {
		return err
	}
	if group.ActivityID != activityID {
		return domain.ErrGroupNotFound
	}
	if group.Status != domain.GroupStatusForming {
		return domain.ErrGroupNotForming
	}
	if !group.ExpiresAt.After(s.clock.Now()) {
		return domain.ErrGroupExpired
	}
	joined, err := s.repo.HasParticipant(ctx, groupOrderID, userID)
	if err != nil {
		return err
	}
	if joined {
		return domain.ErrAlreadyJoined
	}
	return nil
}

// ExpireIfOverdue fails a group that missed quorum before its deadline and
// refunds every participant's order.
func (s *GroupService) ExpireIfOverdue(ctx context.Context, groupOrderID string) (GroupTransition, error) {
	var result GroupTransition
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		group, err := s.repo.GetGroupForUpdate(txCtx, groupOrderID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if group.Status != domain.GroupStatusForming || group.ExpiresAt.After(now) {
			result = GroupTransition{Group: group}
			return nil
		}

		changed, err := s.repo.TransitionGroup(txCtx, group.ID, domain.GroupStatusForming, domain.GroupStatusFailed, now)
		if err != nil {
			return err
		}
		if !changed {
			result = GroupTransition{Group: group}
			return nil
		}
		group.Status = domain.GroupStatusFailed

		participants, err := s.repo.ListParticipants(txCtx, group.ID)
		if err != nil {
			return err
		}
		refunded := make([]string, 0, len(participants))
		for _, p := range participants {
			if p.OrderID == "" {
				continue
			}
			t, err := s.refunds.refund(txCtx, p.OrderID)
			if err != nil {
				return err
			}
			if t.Changed {
				refunded = append(refunded, p.OrderID)
			}
		}
		result = GroupTransition{Group: group, Changed: true, Refunded: refunded}
		return nil
	})
	if err != nil {
		return GroupTransition{}, err
	}
	if result.Changed {
		s.logger.Info("group order failed",
			zap.String("group_order_id", groupOrderID),
			zap.Int("refunded", len(result.Refunded)),
		)
	}
	return result, nil
}

func (s *GroupService) Get(ctx context.Context, groupOrderID string) (domain.GroupOrder, error) {
	return s.repo.GetGroup(ctx, groupOrderID)
}

// OverdueGroupIDs lists forming groups past their deadline.
func (s *GroupService) OverdueGroupIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	return s.repo.ListOverdueGroups(ctx, s.clock.Now(), limit)
}
