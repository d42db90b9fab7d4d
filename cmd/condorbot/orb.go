package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/condorbot/internal/gate"
)

func newORBCmd() *cobra.Command {
	var (
		date    string
		symbol  string
		seconds int
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "orb",
		Short: "Print the opening range of a past session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			loc := cfg.Location()
			day, err := time.ParseInLocation("20060102", date, loc)
			if err != nil {
				return fmt.Errorf("--date must be YYYYMMDD: %w", err)
			}
			if symbol == "" {
				symbol = cfg.SymbolNames()[0]
			}

			gcfg := gateConfig(cfg)
			if seconds > 0 {
				gcfg.ORBWindow = time.Duration(seconds) * time.Second
			}
			gw, _ := newGateway(cfg, Options{DryRun: dryRun}, logger)
			g := gate.New(gw, gcfg, logger)

			rng, err := g.OpeningRange(cmd.Context(), symbol, day)
			if err != nil {
				return err
			}
			renderRange(cmd.OutOrStdout(), symbol, rng)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", time.Now().Format("20060102"), "Session date (YYYYMMDD)")
	cmd.Flags().StringVar(&symbol, "symbol", "", "Symbol (default: first configured symbol)")
	cmd.Flags().IntVar(&seconds, "seconds", 0, "Range length in seconds (default: gate.orb_seconds)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use the simulated gateway")
	return cmd
}
