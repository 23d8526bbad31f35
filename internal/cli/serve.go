package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/observability"
	transporthttp "github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/transport/http"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/migrations"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, payment consumer and scheduled sweeps",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		URLPath:        cfg.Observability.OTLPURLPath,
		Insecure:       cfg.Observability.OTLPInsecure,
		SampleRatio:    cfg.Observability.SampleRatio,
	})
	if err != nil {
		return err
	}

	pool, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.Database.Migrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return err
		}
	}

	e, err := buildEngine(cfg, logger, pool)
	if err != nil {
		pool.Close()
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Warn("engine close", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: transporthttp.NewRouter(transporthttp.Services{
			Orders:     e.orders,
			Vouchers:   e.vouchers,
			Settlement: e.settlement,
			Health:     pool,
		}, cfg.HTTP.CORSOrigins, logger.Named("http")),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Kafka.Enabled {
		consumer := e.paymentConsumer()
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	} else {
		logger.Warn("kafka disabled, payment events will not be consumed")
	}

	if cfg.Scheduler.Enabled {
		e.scheduler.Start(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if cfg.Scheduler.Enabled {
			e.scheduler.Stop(shutdownCtx)
		}
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server shutdown", zap.Error(err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
