package main

import (
	"fmt"
	"order_payment/internal/domain/payment"
	"order_payment/internal/pkg/config"
	"order_payment/pkg/database"
	"order_payment/pkg/logger"
	"order_payment/pkg/metrics"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	loop     bool
	interval time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Expire orders whose payment window has elapsed",
		Long: `Cancels pending orders past their payment window.

Each candidate is checked against the payment processor first; intents that
already succeeded are applied as payments instead of being cancelled.

Examples:
  sweeper                 run a single pass
  sweeper --loop          run every payment.sweep_interval until interrupted
  sweeper --loop -i 1m`,
		RunE: run,
	}
	rootCmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping until interrupted")
	rootCmd.Flags().DurationVarP(&interval, "interval", "i", 0, "sweep interval (default payment.sweep_interval)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.App.Env); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDatabase(cfg.Database, false)
	if err != nil {
		return err
	}
	rdb, err := database.InitRedis(cfg.Redis)
	if err != nil {
		logger.Log.Warn("Redis unavailable, falling back to in-process lease", zap.Error(err))
		rdb = nil
	}

	deps, err := payment.Build(ctx, payment.Options{
		Config:  cfg,
		DB:      db,
		Redis:   rdb,
		Metrics: metrics.GetGlobalCollector(),
	})
	if err != nil {
		return err
	}
	deps.Pool.Start(ctx)
	defer drain(deps)

	if !loop {
		n, err := deps.Service.ExpireStale(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d orders\n", n)
		return nil
	}

	if interval <= 0 {
		interval = cfg.Payment.SweepInterval
	}
	logger.Log.Info("Sweeper running", zap.Duration("interval", interval))
	payment.RunSweeper(ctx, deps.Service, interval)
	return nil
}

// drain 等待已入队的通知发出后再退出
func drain(deps *payment.Deps) {
	deadline := time.Now().Add(5 * time.Second)
	for len(deps.Pool.TaskQueue) > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	deps.Pool.Stop()
}
