package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/app"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/config"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/messaging/kafka"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/payout"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/scheduler"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/storage/postgres"
)

// engine is the fully wired process: repositories, services and the
// collaborators configured for this run.
type engine struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool

	orders     *app.OrderService
	vouchers   *app.VoucherService
	groups     *app.GroupService
	settlement *app.SettlementService
	reconciler *app.Reconciler
	scheduler  *scheduler.Scheduler
	publisher  *kafka.Publisher
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}

	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(startupCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(startupCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

func buildEngine(cfg *config.Config, logger *zap.Logger, pool *pgxpool.Pool) (*engine, error) {
	clk := clock.NewSystem()
	node, err := snowflake.NewNode(cfg.Orders.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("order number node: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}

	e := &engine{cfg: cfg, logger: logger, pool: pool}

	notifier := app.NopNotifier()
	if cfg.Kafka.Enabled {
		e.publisher = kafka.NewPublisher(kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic), clk, logger.Named("publisher"))
		notifier = e.publisher
	}

	orderRepo := postgres.NewOrderRepository(pool)
	catalog := postgres.NewCatalogRepository(pool)
	ledger := app.NewStockLedger(postgres.NewStockRepository(pool), logger.Named("stock"))
	payoutClient := payout.NewClient(cfg.Settlement.PayoutURL,
		payout.WithTimeout(cfg.Settlement.PayoutTimeout),
		payout.WithLogger(logger.Named("payout")),
	)

	e.settlement = app.NewSettlementService(postgres.NewSharingRepository(pool), orderRepo, catalog, payoutClient, clk,
		app.WithMaxRetries(cfg.Settlement.MaxRetries),
		app.WithRetryBackoff(cfg.Settlement.RetryBackoff),
		app.WithPendingGrace(cfg.Settlement.PendingGrace),
		app.WithSettlementBatch(cfg.Scheduler.BatchSize, cfg.Scheduler.Concurrency),
		app.WithNotifier(notifier),
		app.WithSettlementLogger(logger.Named("settlement")),
	)
	e.vouchers = app.NewVoucherService(postgres.NewVoucherRepository(pool), catalog, e.settlement, clk, logger.Named("vouchers"))
	e.groups = app.NewGroupService(postgres.NewGroupRepository(pool), orderRepo, catalog, ledger, e.vouchers, clk, logger.Named("groups"))
	e.orders = app.NewOrderService(orderRepo, catalog, ledger, e.vouchers, e.groups, clk,
		app.WithPendingTimeout(cfg.Orders.PendingTimeout),
		app.WithOrderNumberNode(node),
		app.WithOrderLogger(logger.Named("orders")),
	)
	e.reconciler = app.NewReconciler(e.orders, e.groups, e.vouchers, e.settlement, ledger, catalog, notifier, logger.Named("reconciler"),
		app.ReconcilerConfig{
			BatchSize:      cfg.Scheduler.BatchSize,
			Concurrency:    cfg.Scheduler.Concurrency,
			ReminderWindow: cfg.Scheduler.ReminderWindow,
		},
	)

	locks := app.NewLockService(postgres.NewLockRepository(pool), logger.Named("locks"))
	e.scheduler = scheduler.New(locks, logger.Named("scheduler"), scheduler.WithLocation(loc))
	for _, job := range e.reconciler.Jobs() {
		if err := e.scheduler.Register(job); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *engine) paymentConsumer() *kafka.PaymentConsumer {
	reader := kafka.NewReader(e.cfg.Kafka.Brokers, e.cfg.Kafka.PaymentTopic, e.cfg.Kafka.ConsumerGroup)
	return kafka.NewPaymentConsumer(reader, e.orders, e.logger.Named("consumer"),
		kafka.WithRetry(e.cfg.Kafka.MaxRetries, e.cfg.Kafka.RetryDelay),
	)
}

func (e *engine) Close() error {
	var err error
	if e.publisher != nil {
		err = errors.Join(err, e.publisher.Close())
	}
	e.pool.Close()
	return err
}
