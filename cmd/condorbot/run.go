package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Check the entry gate and submit an iron condor for each configured symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			logger.WithFields(logrus.Fields{
				"live":     opts.Live,
				"sandbox":  opts.Sandbox,
				"override": opts.Override,
				"dry_run":  opts.DryRun,
				"mode":     cfg.Environment.Mode,
			}).Info("Starting condorbot")
			switch {
			case !opts.Live || opts.DryRun:
			case useSandbox(cfg, opts):
				if cfg.IsPaperTrading() {
					logger.Info("Paper mode - live orders go to the broker sandbox")
				}
			default:
				logger.Warn("LIVE TRADING MODE - orders go to a production account")
			}

			gw, cb := newGateway(cfg, opts, logger)
			bot, err := NewBot(cfg, opts, gw, logger, nil)
			if err != nil {
				return err
			}
			bot.breaker = cb

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if srv := bot.statusServer(); srv != nil {
				go func() {
					if err := srv.Start(); err != nil {
						logger.WithError(err).Error("Status server stopped")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						logger.WithError(err).Warn("Status server shutdown failed")
					}
				}()
			}

			results, err := bot.Run(ctx)
			if len(results) > 0 {
				renderSummary(cmd.OutOrStdout(), results)
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				logger.Info("Shutdown signal received, run stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&opts.Live, "live", "l", false, "Place live orders (default previews only)")
	cmd.Flags().BoolVarP(&opts.Sandbox, "test", "t", false, "Use the broker sandbox")
	cmd.Flags().BoolVarP(&opts.Override, "override", "o", false, "Skip the volatility and opening range checks")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Run against the simulated gateway")
	return cmd
}
