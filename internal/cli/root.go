// Package cli implements the promo command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/config"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/observability"
)

var (
	configPath string
	rootCmd    *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "promo",
		Short: "Order, voucher, group-buy and settlement engine",
		Long: `promo runs the promotional entitlement engine: order intake, payment
confirmation from Kafka, voucher redemption, group buys, merchant settlement
and the periodic reconciliation sweeps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PROMO_CONFIG"), "path to a YAML config file")
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// loadConfig reads the configuration and builds the matching logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if rootCmd.Version != "" && cfg.Service.Version == "dev" {
		cfg.Service.Version = rootCmd.Version
	}
	logger, err := observability.NewLogger(cfg.Service.Name, cfg.Service.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
