package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/scheduler"
)

// Reconciler holds the bodies of the periodic sweeps. It only enumerates
// candidates; every transition is decided by the owning service.
type Reconciler struct {
	orders         *OrderService
	groups         *GroupService
	vouchers       *VoucherService
	settlement     *SettlementService
	ledger         *StockLedger
	catalog        ActivityCatalog
	notifier       Notifier
	logger         *zap.Logger
	batchSize      int
	concurrency    int
	reminderWindow time.Duration
}

type ReconcilerConfig struct {
	BatchSize      int
	Concurrency    int
	ReminderWindow time.Duration
}

const defaultReminderWindow = 24 * time.Hour

func NewReconciler(orders *OrderService, groups *GroupService, vouchers *VoucherService, settlement *SettlementService, ledger *StockLedger, catalog ActivityCatalog, notifier Notifier, logger *zap.Logger, cfg ReconcilerConfig) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = defaultReminderWindow
	}
	return &Reconciler{
		orders:         orders,
		groups:         groups,
		vouchers:       vouchers,
		settlement:     settlement,
		ledger:         ledger,
		catalog:        catalog,
		notifier:       notifier,
		logger:         logger,
		batchSize:      cfg.BatchSize,
		concurrency:    cfg.Concurrency,
		reminderWindow: cfg.ReminderWindow,
	}
}

func (r *Reconciler) CloseExpiredOrders(ctx context.Context) (BatchReport, error) {
	ids, err := r.orders.OverdueOrderIDs(ctx, r.batchSize)
	if err != nil {
		return BatchReport{}, err
	}
	report := runBatch(ctx, r.logger, "order_timeout", ids, r.concurrency, idOf, func(ctx context.Context, id string) (bool, error) {
		t, err := r.orders.CloseIfExpired(ctx, id)
		return t.Changed, err
	})
	r.log("order timeout sweep", report)
	return report, nil
}

func (r *Reconciler) ExpireGroups(ctx context.Context) (BatchReport, error) {
	ids, err := r.groups.OverdueGroupIDs(ctx, r.batchSize)
	if err != nil {
		return BatchReport{}, err
	}
	report := runBatch(ctx, r.logger, "groupbuy_expire", ids, r.concurrency, idOf, func(ctx context.Context, id string) (bool, error) {
		t, err := r.groups.ExpireIfOverdue(ctx, id)
		return t.Changed, err
	})
	r.log("group-buy expiry sweep", report)
	return report, nil
}

func (r *Reconciler) ExpireVouchers(ctx context.Context) (BatchReport, error) {
	n, err := r.vouchers.ExpireStale(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	report := BatchReport{Total: int(n), Succeeded: int(n)}
	r.log("voucher expiry sweep", report)
	return report, nil
}

func (r *Reconciler) RetrySettlements(ctx context.Context) (BatchReport, error) {
	report, err := r.settlement.RetryPending(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	r.log("settlement retry sweep", report)
	return report, nil
}

// SyncActivities creates stock counters for catalog activities that lack one.
func (r *Reconciler) SyncActivities(ctx context.Context) (BatchReport, error) {
	activities, err := r.catalog.ListActivities(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	report := runBatch(ctx, r.logger, "activity_sync", activities, r.concurrency,
		func(a domain.Activity) string { return a.ID },
		func(ctx context.Context, a domain.Activity) (bool, error) {
			return r.ledger.Seed(ctx, a.ID, a.Stock)
		})
	r.log("activity sync", report)
	return report, nil
}

// SendExpiryReminders notifies holders of vouchers that expire within the
// reminder window, paging through the whole window. A voucher is marked once
// its reminder is published, so it is never reminded twice; a failed publish
// is retried by the next run while the voucher is still in the window.
func (r *Reconciler) SendExpiryReminders(ctx context.Context) (BatchReport, error) {
	now := r.vouchers.clock.Now()
	var total BatchReport
	var cursor VoucherCursor
	for {
		page, err := r.vouchers.ExpiringSoon(ctx, now, r.reminderWindow, cursor, r.batchSize)
		if err != nil {
			return total, err
		}
		report := runBatch(ctx, r.logger, "reminder_send", page, r.concurrency,
			func(v domain.Voucher) string { return v.ID },
			func(ctx context.Context, v domain.Voucher) (bool, error) {
				if err := r.notifier.VoucherExpiring(ctx, v); err != nil {
					return false, err
				}
				return r.vouchers.MarkReminded(ctx, v.ID)
			})
		total.add(report)
		if len(page) < r.batchSize || ctx.Err() != nil {
			break
		}
		cursor = cursorOf(page[len(page)-1])
	}
	r.log("expiry reminder dispatch", total)
	return total, nil
}

func (r *Reconciler) log(msg string, report BatchReport) {
	r.logger.Info(msg,
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
}

func asJob(fn func(context.Context) (BatchReport, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}

// Jobs returns the sweep table. Lock TTLs comfortably exceed the expected
// run time so exclusivity is not lost mid-run.
func (r *Reconciler) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{Name: "order-timeout", LockKey: scheduler.LockOrderTimeout, Schedule: "@every 5m", LockTTL: 300 * time.Second, Run: asJob(r.CloseExpiredOrders)},
		{Name: "groupbuy-expire", LockKey: scheduler.LockGroupBuyExpire, Schedule: "@every 1m", LockTTL: 120 * time.Second, Run: asJob(r.ExpireGroups)},
		{Name: "equity-scan", LockKey: scheduler.LockEquityScan, Schedule: "0 1 * * *", LockTTL: 30 * time.Minute, Run: asJob(r.ExpireVouchers)},
		{Name: "activity-sync", LockKey: scheduler.LockActivitySync, Schedule: "0 2 * * *", LockTTL: 30 * time.Minute, Run: asJob(r.SyncActivities)},
		{Name: "reminder-send", LockKey: scheduler.LockReminderSend, Schedule: "0 8 * * *", LockTTL: 30 * time.Minute, Run: asJob(r.SendExpiryReminders)},
		{Name: "settlement-retry", LockKey: scheduler.LockSettlementRetry, Schedule: "@every 10m", LockTTL: 300 * time.Second, Run: asJob(r.RetrySettlements)},
	}
}
