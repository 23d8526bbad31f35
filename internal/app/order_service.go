package app

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type OrderRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	// TransitionOrder moves the order from -> to only if it is still in from.
	TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (bool, error)
	// CloseExpiredOrder closes the order only if it is pending and past expires_at.
	CloseExpiredOrder(ctx context.Context, orderID string, now time.Time) (bool, error)
	ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
	SetOrderGroup(ctx context.Context, orderID, groupOrderID string) error
}

type OrderService struct {
	repo           OrderRepository
	catalog        ActivityCatalog
	ledger         *StockLedger
	vouchers       *VoucherService
	groups         *GroupService
	refunds        *refunder
	clock          clock.Clock
	logger         *zap.Logger
	orderNo        *snowflake.Node
	pendingTimeout time.Duration
}

const defaultPendingTimeout = 30 * time.Minute

type OrderServiceOption func(*OrderService)

// WithPendingTimeout overrides how long a new order waits for payment.
func WithPendingTimeout(d time.Duration) OrderServiceOption {
	return func(s *OrderService) {
		if d > 0 {
			s.pendingTimeout = d
		}
	}
}

// WithOrderNumberNode sets the snowflake node used for order numbers.
func WithOrderNumberNode(node *snowflake.Node) OrderServiceOption {
	return func(s *OrderService) {
		if node != nil {
			s.orderNo = node
		}
	}
}

func WithOrderLogger(logger *zap.Logger) OrderServiceOption {
	return func(s *OrderService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewOrderService(repo OrderRepository, catalog ActivityCatalog, ledger *StockLedger, vouchers *VoucherService, groups *GroupService, clk clock.Clock, opts ...OrderServiceOption) *OrderService {
	svc := &OrderService{
		repo:           repo,
		catalog:        catalog,
		ledger:         ledger,
		vouchers:       vouchers,
		groups:         groups,
		clock:          clk,
		logger:         zap.NewNop(),
		pendingTimeout: defaultPendingTimeout,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.orderNo == nil {
		// Node 0 is always within range.
		svc.orderNo, _ = newOrderNumberNode(0)
	}
	svc.refunds = &refunder{
		orders:   repo,
		vouchers: vouchers.repo,
		ledger:   ledger,
		clock:    clk,
	}
	return svc
}

type CreateOrderInput struct {
	Actor      domain.Actor
	ActivityID string
	Quantity   int
	// GroupOrderID joins an existing group; empty starts a new one for group-buy activities.
	GroupOrderID string
}

// Transition reports the outcome of a guarded status change. Changed=false
// means another caller already resolved the order.
type Transition struct {
	Order   domain.Order
	Changed bool
}

func (s *OrderService) Create(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	if in.Actor.UserID == "" {
		return domain.Order{}, domain.ErrForbidden
	}
	qty := in.Quantity
	if qty == 0 {
		qty = 1
	}
	if qty < 0 {
		return domain.Order{}, domain.ErrInvalidQuantity
	}

	activity, err := s.catalog.GetActivity(ctx, in.ActivityID)
	if err != nil {
		return domain.Order{}, err
	}
	if in.GroupOrderID != "" {
		if !activity.IsGroupBuy() {
			return domain.Order{}, domain.ErrNotGroupActivity
		}
		if err := s.groups.CheckJoinable(ctx, in.GroupOrderID, activity.ID, in.Actor.UserID); err != nil {
			return domain.Order{}, err
		}
	}

	if _, err := s.ledger.Reserve(ctx, activity.ID, qty); err != nil {
		return domain.Order{}, err
	}

	now := s.clock.Now()
	order := domain.Order{
		ID:           newUUID(),
		OrderNo:      s.orderNo.Generate().String(),
		UserID:       in.Actor.UserID,
		ActivityID:   activity.ID,
		MerchantID:   activity.MerchantID,
		GroupOrderID: in.GroupOrderID,
		Quantity:     qty,
		Amount:       activity.Price * int64(qty),
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.pendingTimeout),
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		// Compensate: the reservation must not outlive a failed insert.
		if relErr := s.ledger.Release(context.WithoutCancel(ctx), activity.ID, qty); relErr != nil {
			s.logger.Error("stock reservation leaked",
				zap.String("activity_id", activity.ID),
				zap.Int("qty", qty),
				zap.Error(relErr),
			)
		}
		return domain.Order{}, err
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_no", order.OrderNo),
		zap.String("activity_id", order.ActivityID),
	)
	return order, nil
}

func (s *OrderService) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// PaymentConfirmed is the event delivered (at least once) by the payment notifier.
type PaymentConfirmed struct {
	OrderID string
	Amount  int64
	PaidAt  time.Time
}

type PaymentResult struct {
	Order    domain.Order
	Changed  bool
	Vouchers []domain.Voucher
	Group    *domain.GroupOrder
	// Refunded is set when a paid group-buy order could not join its group.
	Refunded bool
}

// ConfirmPayment moves a pending order to paid and grants its entitlement in
// the same transaction. Re-delivery of the event is a no-op.
func (s *OrderService) ConfirmPayment(ctx context.Context, evt PaymentConfirmed) (PaymentResult, error) {
	var result PaymentResult

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrder(txCtx, evt.OrderID)
		if err != nil {
			return err
		}
		if evt.Amount != order.Amount {
			return domain.ErrPaymentAmountMismatch
		}

		paidAt := evt.PaidAt
		if paidAt.IsZero() {
			paidAt = s.clock.Now()
		}
		changed, err := s.repo.TransitionOrder(txCtx, order.ID, domain.OrderStatusPending, domain.OrderStatusPaid, paidAt)
		if err != nil {
			return err
		}
		if !changed {
			if order.Status.Terminal() {
				s.logger.Warn("payment confirmed for resolved order",
					zap.String("order_id", order.ID),
					zap.String("status", string(order.Status)),
				)
			}
			result = PaymentResult{Order: order}
			return nil
		}
		order.Status = domain.OrderStatusPaid
		order.PaidAt = &paidAt

		activity, err := s.catalog.GetActivity(txCtx, order.ActivityID)
		if err != nil {
			return err
		}
		if !activity.IsGroupBuy() {
			voucher, err := s.vouchers.Issue(txCtx, order)
			if err != nil {
				return err
			}
			result = PaymentResult{Order: order, Changed: true, Vouchers: []domain.Voucher{voucher}}
			return nil
		}

		jr, err := s.groups.Enroll(txCtx, order)
		if err != nil {
			if !isJoinRejection(err) {
				return err
			}
			s.logger.Info("group join rejected after payment, refunding",
				zap.String("order_id", order.ID),
				zap.String("group_order_id", order.GroupOrderID),
				zap.Error(err),
			)
			t, err := s.refunds.refund(txCtx, order.ID)
			if err != nil {
				return err
			}
			result = PaymentResult{Order: t.Order, Changed: true, Refunded: true}
			return nil
		}
		order.GroupOrderID = jr.Group.ID
		group := jr.Group
		result = PaymentResult{Order: order, Changed: true, Vouchers: jr.Vouchers, Group: &group}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	return result, nil
}

func isJoinRejection(err error) bool {
	return errors.Is(err, domain.ErrGroupNotForming) ||
		errors.Is(err, domain.ErrGroupExpired) ||
		errors.Is(err, domain.ErrAlreadyJoined) ||
		errors.Is(err, domain.ErrGroupNotFound)
}

// Cancel closes a pending order on behalf of its owner and returns the stock.
func (s *OrderService) Cancel(ctx context.Context, actor domain.Actor, orderID string) (Transition, error) {
	var result Transition
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		if actor.UserID == "" || order.UserID != actor.UserID {
			return domain.ErrForbidden
		}
		if order.Status != domain.OrderStatusPending {
			result = Transition{Order: order}
			return nil
		}

		now := s.clock.Now()
		changed, err := s.repo.TransitionOrder(txCtx, orderID, domain.OrderStatusPending, domain.OrderStatusClosed, now)
		if err != nil {
			return err
		}
		if !changed {
			result = Transition{Order: order}
			return nil
		}
		if err := s.ledger.Release(txCtx, order.ActivityID, order.Quantity); err != nil {
			return err
		}
		order.Status = domain.OrderStatusClosed
		order.ClosedAt = &now
		result = Transition{Order: order, Changed: true}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	return result, nil
}

// CloseIfExpired closes a pending order whose payment window has lapsed.
// Stock is released in the same transaction as the status write.
func (s *OrderService) CloseIfExpired(ctx context.Context, orderID string) (Transition, error) {
	var result Transition
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if !order.Overdue(now) {
			result = Transition{Order: order}
			return nil
		}

		changed, err := s.repo.CloseExpiredOrder(txCtx, orderID, now)
		if err != nil {
			return err
		}
		if !changed {
			result = Transition{Order: order}
			return nil
		}
		if err := s.ledger.Release(txCtx, order.ActivityID, order.Quantity); err != nil {
			return err
		}
		order.Status = domain.OrderStatusClosed
		order.ClosedAt = &now
		result = Transition{Order: order, Changed: true}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	if result.Changed {
		s.logger.Info("order closed after timeout", zap.String("order_id", orderID))
	}
	return result, nil
}

// Refund handles a refund event for a paid order.
func (s *OrderService) Refund(ctx context.Context, orderID string) (Transition, error) {
	var result Transition
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		t, err := s.refunds.refund(txCtx, orderID)
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	return result, nil
}

// OverdueOrderIDs lists pending orders past their deadline, oldest first.
func (s *OrderService) OverdueOrderIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	return s.repo.ListOverdueOrders(ctx, s.clock.Now(), limit)
}
