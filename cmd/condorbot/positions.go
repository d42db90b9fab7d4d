package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/condorbot/internal/models"
)

// maskAccountID masks all but the last 4 characters of an account ID
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

func newPositionsCmd() *cobra.Command {
	var (
		jsonOutput bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List open option positions for the configured symbols and flag unbalanced condors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			logger.WithField("account", maskAccountID(cfg.Broker.AccountID)).Info("Auditing positions")

			gw, _ := newGateway(cfg, Options{DryRun: dryRun}, logger)
			bySymbol := make(map[string][]models.PositionRecord)
			for _, symbol := range cfg.SymbolNames() {
				recs, err := gw.CurrentPositions(cmd.Context(), symbol)
				if err != nil {
					return fmt.Errorf("positions for %s: %w", symbol, err)
				}
				bySymbol[symbol] = recs
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(bySymbol)
			}

			renderPositions(out, bySymbol)
			issues := auditPositions(bySymbol)
			if len(issues) == 0 {
				fmt.Fprintln(out, "No obvious issues detected.")
				return nil
			}
			fmt.Fprintln(out, "POTENTIAL ISSUES FOUND:")
			for i, issue := range issues {
				fmt.Fprintf(out, "  %d. %s\n", i+1, issue)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use the simulated gateway")
	return cmd
}

func renderPositions(w io.Writer, bySymbol map[string][]models.PositionRecord) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Symbol", "Expiry", "Right", "Strike", "Qty", "Contract"})
	for _, symbol := range sortedKeys(bySymbol) {
		for _, p := range bySymbol[symbol] {
			table.Append([]string{
				symbol,
				p.Expiry.Format("2006-01-02"),
				string(p.Right),
				fmt.Sprintf("%.2f", p.Strike),
				fmt.Sprintf("%.0f", p.Quantity),
				p.Symbol,
			})
		}
	}
	table.Render()
}

// auditPositions flags expiries whose short and long quantities per right do
// not offset, i.e. a condor with a missing wing.
func auditPositions(bySymbol map[string][]models.PositionRecord) []string {
	var issues []string
	for _, symbol := range sortedKeys(bySymbol) {
		type key struct {
			expiry string
			right  models.Right
		}
		net := make(map[key][2]float64) // shorts, longs
		for _, p := range bySymbol[symbol] {
			k := key{p.Expiry.Format(models.ExpiryLayout), p.Right}
			v := net[k]
			if p.Quantity < 0 {
				v[0] -= p.Quantity
			} else {
				v[1] += p.Quantity
			}
			net[k] = v
		}
		keys := make([]key, 0, len(net))
		for k := range net {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].expiry != keys[j].expiry {
				return keys[i].expiry < keys[j].expiry
			}
			return keys[i].right < keys[j].right
		})
		for _, k := range keys {
			v := net[k]
			if v[0] != v[1] {
				issues = append(issues, fmt.Sprintf("%s %s %s: %.0f short vs %.0f long - wing missing",
					symbol, k.expiry, k.right, v[0], v[1]))
			}
		}
	}
	return issues
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
