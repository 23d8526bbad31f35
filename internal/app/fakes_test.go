package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type inTxKey struct{}

// memStore backs every repository interface with maps guarded by one mutex.
// WithTx holds the mutex for the whole callback and restores a snapshot when
// the callback fails, which gives serializable transactions.
type memStore struct {
	mu sync.Mutex

	activities   map[string]domain.Activity
	stock        map[string]domain.StockCounter
	orders       map[string]domain.Order
	groups       map[string]domain.GroupOrder
	participants map[string][]domain.GroupParticipant
	vouchers     map[string]domain.Voucher
	sharing      map[string]domain.SharingRecord

	failCreateOrder   error
	failCreateVoucher error
	failGetOrder      map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		activities:   map[string]domain.Activity{},
		stock:        map[string]domain.StockCounter{},
		orders:       map[string]domain.Order{},
		groups:       map[string]domain.GroupOrder{},
		participants: map[string][]domain.GroupParticipant{},
		vouchers:     map[string]domain.Voucher{},
		sharing:      map[string]domain.SharingRecord{},
		failGetOrder: map[string]error{},
	}
}

func (s *memStore) addActivity(a domain.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[a.ID] = a
	s.stock[a.ID] = domain.StockCounter{ActivityID: a.ID, Remaining: a.Stock}
}

func (s *memStore) lock(ctx context.Context) func() {
	if ctx.Value(inTxKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type memSnapshot struct {
	stock        map[string]domain.StockCounter
	orders       map[string]domain.Order
	groups       map[string]domain.GroupOrder
	participants map[string][]domain.GroupParticipant
	vouchers     map[string]domain.Voucher
	sharing      map[string]domain.SharingRecord
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() memSnapshot {
	parts := make(map[string][]domain.GroupParticipant, len(s.participants))
	for k, v := range s.participants {
		parts[k] = append([]domain.GroupParticipant(nil), v...)
	}
	return memSnapshot{
		stock:        copyMap(s.stock),
		orders:       copyMap(s.orders),
		groups:       copyMap(s.groups),
		participants: parts,
		vouchers:     copyMap(s.vouchers),
		sharing:      copyMap(s.sharing),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.stock = snap.stock
	s.orders = snap.orders
	s.groups = snap.groups
	s.participants = snap.participants
	s.vouchers = snap.vouchers
	s.sharing = snap.sharing
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(inTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// ActivityCatalog

func (s *memStore) GetActivity(ctx context.Context, activityID string) (domain.Activity, error) {
	defer s.lock(ctx)()
	a, ok := s.activities[activityID]
	if !ok {
		return domain.Activity{}, domain.ErrActivityNotFound
	}
	return a, nil
}

func (s *memStore) ListActivities(ctx context.Context) ([]domain.Activity, error) {
	defer s.lock(ctx)()
	out := make([]domain.Activity, 0, len(s.activities))
	for _, a := range s.activities {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StockStore

func (s *memStore) DecrementStock(ctx context.Context, activityID string, qty int) (int, bool, error) {
	defer s.lock(ctx)()
	c, ok := s.stock[activityID]
	if !ok {
		return 0, false, nil
	}
	if c.Unlimited() {
		return domain.UnlimitedStock, true, nil
	}
	if c.Remaining < qty {
		return c.Remaining, false, nil
	}
	c.Remaining -= qty
	c.Version++
	s.stock[activityID] = c
	return c.Remaining, true, nil
}

func (s *memStore) IncrementStock(ctx context.Context, activityID string, qty int) error {
	defer s.lock(ctx)()
	c, ok := s.stock[activityID]
	if !ok {
		return domain.ErrActivityNotFound
	}
	if c.Unlimited() {
		return nil
	}
	c.Remaining += qty
	c.Version++
	s.stock[activityID] = c
	return nil
}

func (s *memStore) SeedStock(ctx context.Context, activityID string, stock int) (bool, error) {
	defer s.lock(ctx)()
	if _, ok := s.stock[activityID]; ok {
		return false, nil
	}
	s.stock[activityID] = domain.StockCounter{ActivityID: activityID, Remaining: stock}
	return true, nil
}

func (s *memStore) GetStock(ctx context.Context, activityID string) (domain.StockCounter, error) {
	defer s.lock(ctx)()
	c, ok := s.stock[activityID]
	if !ok {
		return domain.StockCounter{}, domain.ErrActivityNotFound
	}
	return c, nil
}

// OrderRepository

func (s *memStore) CreateOrder(ctx context.Context, order domain.Order) error {
	defer s.lock(ctx)()
	if s.failCreateOrder != nil {
		return s.failCreateOrder
	}
	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("order %s exists", order.ID)
	}
	s.orders[order.ID] = order
	return nil
}

func (s *memStore) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	defer s.lock(ctx)()
	if err := s.failGetOrder[orderID]; err != nil {
		return domain.Order{}, err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (s *memStore) TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	o, ok := s.orders[orderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	switch to {
	case domain.OrderStatusPaid:
		o.PaidAt = &at
	case domain.OrderStatusClosed, domain.OrderStatusRefunded:
		o.ClosedAt = &at
	}
	s.orders[orderID] = o
	return true, nil
}

func (s *memStore) CloseExpiredOrder(ctx context.Context, orderID string, now time.Time) (bool, error) {
	defer s.lock(ctx)()
	o, ok := s.orders[orderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if !o.Overdue(now) {
		return false, nil
	}
	o.Status = domain.OrderStatusClosed
	o.ClosedAt = &now
	s.orders[orderID] = o
	return true, nil
}

func (s *memStore) ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	defer s.lock(ctx)()
	var due []domain.Order
	for _, o := range s.orders {
		if o.Overdue(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	ids := make([]string, 0, len(due))
	for _, o := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *memStore) SetOrderGroup(ctx context.Context, orderID, groupOrderID string) error {
	defer s.lock(ctx)()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.GroupOrderID = groupOrderID
	s.orders[orderID] = o
	return nil
}

// VoucherRepository

func (s *memStore) CreateVoucher(ctx context.Context, voucher domain.Voucher) error {
	defer s.lock(ctx)()
	if s.failCreateVoucher != nil {
		return s.failCreateVoucher
	}
	for _, v := range s.vouchers {
		if v.OrderID == voucher.OrderID || v.Code == voucher.Code {
			return fmt.Errorf("voucher for order %s exists", voucher.OrderID)
		}
	}
	s.vouchers[voucher.ID] = voucher
	return nil
}

func (s *memStore) GetVoucherByCode(ctx context.Context, code string) (domain.Voucher, error) {
	defer s.lock(ctx)()
	for _, v := range s.vouchers {
		if v.Code == code {
			return v, nil
		}
	}
	return domain.Voucher{}, domain.ErrVoucherNotFound
}

func (s *memStore) GetVoucherByOrder(ctx context.Context, orderID string) (*domain.Voucher, error) {
	defer s.lock(ctx)()
	for _, v := range s.vouchers {
		if v.OrderID == orderID {
			return &v, nil
		}
	}
	return nil, nil
}

func (s *memStore) RedeemVoucher(ctx context.Context, voucherID, redeemedBy string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	v, ok := s.vouchers[voucherID]
	if !ok {
		return false, domain.ErrVoucherNotFound
	}
	if v.Status != domain.VoucherStatusUnused || !v.ExpiresAt.After(at) {
		return false, nil
	}
	v.Status = domain.VoucherStatusUsed
	v.UsedAt = &at
	v.RedeemedBy = redeemedBy
	s.vouchers[voucherID] = v
	return true, nil
}

func (s *memStore) VoidVoucher(ctx context.Context, orderID string) (bool, error) {
	defer s.lock(ctx)()
	for id, v := range s.vouchers {
		if v.OrderID == orderID && v.Status == domain.VoucherStatusUnused {
			v.Status = domain.VoucherStatusExpired
			s.vouchers[id] = v
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ExpireVouchers(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock(ctx)()
	var n int64
	for id, v := range s.vouchers {
		if v.Status == domain.VoucherStatusUnused && !v.ExpiresAt.After(now) {
			v.Status = domain.VoucherStatusExpired
			s.vouchers[id] = v
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListExpiringVouchers(ctx context.Context, q ExpiringQuery) ([]domain.Voucher, error) {
	defer s.lock(ctx)()
	afterCursor := func(v domain.Voucher) bool {
		if q.After.ID == "" {
			return true
		}
		if v.ExpiresAt.Equal(q.After.ExpiresAt) {
			return v.ID > q.After.ID
		}
		return v.ExpiresAt.After(q.After.ExpiresAt)
	}
	var out []domain.Voucher
	for _, v := range s.vouchers {
		if v.Status == domain.VoucherStatusUnused && v.RemindedAt == nil &&
			v.ExpiresAt.After(q.From) && !v.ExpiresAt.After(q.To) && afterCursor(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) MarkReminded(ctx context.Context, voucherID string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	v, ok := s.vouchers[voucherID]
	if !ok || v.RemindedAt != nil {
		return false, nil
	}
	v.RemindedAt = &at
	s.vouchers[voucherID] = v
	return true, nil
}

// GroupRepository

func (s *memStore) CreateGroup(ctx context.Context, group domain.GroupOrder) error {
	defer s.lock(ctx)()
	if _, ok := s.groups[group.ID]; ok {
		return fmt.Errorf("group %s exists", group.ID)
	}
	s.groups[group.ID] = group
	return nil
}

func (s *memStore) GetGroup(ctx context.Context, groupOrderID string) (domain.GroupOrder, error) {
	defer s.lock(ctx)()
	g, ok := s.groups[groupOrderID]
	if !ok {
		return domain.GroupOrder{}, domain.ErrGroupNotFound
	}
	return g, nil
}

func (s *memStore) GetGroupForUpdate(ctx context.Context, groupOrderID string) (domain.GroupOrder, error) {
	return s.GetGroup(ctx, groupOrderID)
}

func (s *memStore) AddParticipant(ctx context.Context, p domain.GroupParticipant) (bool, error) {
	defer s.lock(ctx)()
	for _, existing := range s.participants[p.GroupOrderID] {
		if existing.UserID == p.UserID {
			return false, nil
		}
	}
	s.participants[p.GroupOrderID] = append(s.participants[p.GroupOrderID], p)
	return true, nil
}

func (s *memStore) HasParticipant(ctx context.Context, groupOrderID, userID string) (bool, error) {
	defer s.lock(ctx)()
	for _, p := range s.participants[groupOrderID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CountParticipants(ctx context.Context, groupOrderID string) (int, error) {
	defer s.lock(ctx)()
	return len(s.participants[groupOrderID]), nil
}

func (s *memStore) ListParticipants(ctx context.Context, groupOrderID string) ([]domain.GroupParticipant, error) {
	defer s.lock(ctx)()
	return append([]domain.GroupParticipant(nil), s.participants[groupOrderID]...), nil
}

func (s *memStore) TransitionGroup(ctx context.Context, groupOrderID string, from, to domain.GroupStatus, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	g, ok := s.groups[groupOrderID]
	if !ok {
		return false, domain.ErrGroupNotFound
	}
	if g.Status != from {
		return false, nil
	}
	g.Status = to
	g.CompletedAt = &at
	s.groups[groupOrderID] = g
	return true, nil
}

func (s *memStore) ListOverdueGroups(ctx context.Context, now time.Time, limit int) ([]string, error) {
	defer s.lock(ctx)()
	var ids []string
	for id, g := range s.groups {
		if g.Status == domain.GroupStatusForming && !g.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// SharingRepository

func (s *memStore) CreateSharing(ctx context.Context, rec domain.SharingRecord) error {
	defer s.lock(ctx)()
	for _, r := range s.sharing {
		if r.VoucherID == rec.VoucherID {
			return fmt.Errorf("sharing for voucher %s exists", rec.VoucherID)
		}
	}
	s.sharing[rec.ID] = rec
	return nil
}

func (s *memStore) GetSharing(ctx context.Context, sharingID string) (domain.SharingRecord, error) {
	defer s.lock(ctx)()
	r, ok := s.sharing[sharingID]
	if !ok {
		return domain.SharingRecord{}, domain.ErrSharingNotFound
	}
	return r, nil
}

func (s *memStore) BeginAttempt(ctx context.Context, sharingID string, maxRetries int, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	r, ok := s.sharing[sharingID]
	if !ok {
		return false, domain.ErrSharingNotFound
	}
	eligible := r.Status == domain.SharingStatusPending ||
		(r.Status == domain.SharingStatusFailed && r.RetryCount < maxRetries)
	if !eligible {
		return false, nil
	}
	r.Status = domain.SharingStatusProcessing
	r.LastAttemptAt = &at
	s.sharing[sharingID] = r
	return true, nil
}

func (s *memStore) CompleteAttempt(ctx context.Context, sharingID string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	r, ok := s.sharing[sharingID]
	if !ok || r.Status != domain.SharingStatusProcessing {
		return false, nil
	}
	r.Status = domain.SharingStatusSuccess
	r.LastError = ""
	s.sharing[sharingID] = r
	return true, nil
}

func (s *memStore) FailAttempt(ctx context.Context, sharingID, reason string, at time.Time) (domain.SharingRecord, error) {
	defer s.lock(ctx)()
	r, ok := s.sharing[sharingID]
	if !ok {
		return domain.SharingRecord{}, domain.ErrSharingNotFound
	}
	if r.Status != domain.SharingStatusProcessing {
		return domain.SharingRecord{}, domain.ErrInvalidStateTransition
	}
	r.Status = domain.SharingStatusFailed
	r.RetryCount++
	r.LastError = reason
	r.LastAttemptAt = &at
	s.sharing[sharingID] = r
	return r, nil
}

func (s *memStore) ListRetryable(ctx context.Context, q RetryQuery) ([]domain.SharingRecord, error) {
	defer s.lock(ctx)()
	var out []domain.SharingRecord
	for _, r := range s.sharing {
		switch {
		case r.Status == domain.SharingStatusFailed && r.RetryCount < q.MaxRetries && backoffElapsed(r, q):
			out = append(out, r)
		case r.Status == domain.SharingStatusPending && r.CreatedAt.Before(q.PendingBefore):
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func backoffElapsed(r domain.SharingRecord, q RetryQuery) bool {
	if r.RetryCount == 0 || r.LastAttemptAt == nil {
		return true
	}
	wait := q.BackoffBase << (r.RetryCount - 1)
	return !r.LastAttemptAt.Add(wait).After(q.Now)
}

func (s *memStore) ListExhausted(ctx context.Context, maxRetries, limit int) ([]domain.SharingRecord, error) {
	defer s.lock(ctx)()
	var out []domain.SharingRecord
	for _, r := range s.sharing {
		if r.Exhausted(maxRetries) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// helpers

func (s *memStore) order(id string) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memStore) remaining(activityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[activityID].Remaining
}

func (s *memStore) voucherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vouchers)
}

func (s *memStore) sharingRecords() []domain.SharingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SharingRecord, 0, len(s.sharing))
	for _, r := range s.sharing {
		out = append(out, r)
	}
	return out
}

type fakeLockStore struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]domain.Lock
}

func newFakeLockStore(now func() time.Time) *fakeLockStore {
	return &fakeLockStore{now: now, locks: map[string]domain.Lock{}}
}

func (f *fakeLockStore) TryAcquire(_ context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if l, ok := f.locks[key]; ok && l.ExpiresAt.After(now) {
		return false, nil
	}
	f.locks[key] = domain.Lock{Key: key, OwnerToken: ownerToken, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (f *fakeLockStore) Release(_ context.Context, key, ownerToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[key]
	if !ok || l.OwnerToken != ownerToken {
		return false, nil
	}
	delete(f.locks, key)
	return true, nil
}

func (f *fakeLockStore) holder(key string) (domain.Lock, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[key]
	return l, ok
}

var errPayoutDown = errors.New("payout gateway unavailable")

type fakePayout struct {
	mu    sync.Mutex
	fail  bool
	calls []string
}

func (p *fakePayout) Payout(_ context.Context, _ string, _ int64, reference string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, reference)
	if p.fail {
		return errPayoutDown
	}
	return nil
}

func (p *fakePayout) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *fakePayout) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeNotifier struct {
	mu        sync.Mutex
	exhausted []string
	expiring  []string
	failOn    string
}

func (n *fakeNotifier) SettlementExhausted(_ context.Context, rec domain.SharingRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exhausted = append(n.exhausted, rec.ID)
	return nil
}

func (n *fakeNotifier) VoucherExpiring(_ context.Context, v domain.Voucher) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v.ID == n.failOn {
		return errors.New("broker unavailable")
	}
	n.expiring = append(n.expiring, v.ID)
	return nil
}

// engine wires every service over one memStore the way cmd/promo does over Postgres.
type engine struct {
	store      *memStore
	clock      *clock.Manual
	payout     *fakePayout
	notifier   *fakeNotifier
	ledger     *StockLedger
	settlement *SettlementService
	vouchers   *VoucherService
	groups     *GroupService
	orders     *OrderService
	reconciler *Reconciler
}

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newEngine(activities ...domain.Activity) *engine {
	store := newMemStore()
	for _, a := range activities {
		store.addActivity(a)
	}
	clk := clock.NewManual(testNow)
	payout := &fakePayout{}
	notifier := &fakeNotifier{}
	logger := zap.NewNop()

	ledger := NewStockLedger(store, logger)
	settlement := NewSettlementService(store, store, store, payout, clk, WithNotifier(notifier))
	vouchers := NewVoucherService(store, store, settlement, clk, logger)
	groups := NewGroupService(store, store, store, ledger, vouchers, clk, logger)
	orders := NewOrderService(store, store, ledger, vouchers, groups, clk)
	reconciler := NewReconciler(orders, groups, vouchers, settlement, ledger, store, notifier, logger, ReconcilerConfig{})

	return &engine{
		store:      store,
		clock:      clk,
		payout:     payout,
		notifier:   notifier,
		ledger:     ledger,
		settlement: settlement,
		vouchers:   vouchers,
		groups:     groups,
		orders:     orders,
		reconciler: reconciler,
	}
}

func consumer(id string) domain.Actor {
	return domain.Actor{UserID: id, Role: domain.RoleConsumer}
}

func merchant(merchantID string) domain.Actor {
	return domain.Actor{UserID: "staff-" + merchantID, Role: domain.RoleMerchant, MerchantID: merchantID, EmployeeID: "emp-" + merchantID}
}

// buy creates and pays an order, returning the paid result.
func (e *engine) buy(ctx context.Context, userID, activityID string) (PaymentResult, error) {
	order, err := e.orders.Create(ctx, CreateOrderInput{Actor: consumer(userID), ActivityID: activityID, Quantity: 1})
	if err != nil {
		return PaymentResult{}, err
	}
	return e.orders.ConfirmPayment(ctx, PaymentConfirmed{OrderID: order.ID, Amount: order.Amount})
}
