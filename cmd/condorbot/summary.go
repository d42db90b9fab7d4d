package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/eddiefleurent/condorbot/internal/gate"
)

// renderSummary prints one row per symbol of a run.
func renderSummary(w io.Writer, results []Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Symbol", "Price", "Outcome", "State", "Limit", "Fill", "Adj", "Detail"})
	table.SetAutoWrapText(false)

	for _, r := range results {
		if r.Symbol == "" {
			continue
		}
		state, limit, fill, adj := "-", "-", "-", "-"
		if r.Outcome == outcomeSubmitted {
			state = string(r.Order.State)
			limit = fmt.Sprintf("%.2f", r.Order.LimitPrice)
			if r.Order.FillPrice > 0 {
				fill = fmt.Sprintf("%.2f", r.Order.FillPrice)
			}
			adj = fmt.Sprintf("%d", r.Order.Adjustments)
		}
		price := "-"
		if r.Price > 0 {
			price = fmt.Sprintf("%.2f", r.Price)
		}
		table.Append([]string{r.Symbol, price, r.Outcome, state, limit, fill, adj, r.Reason})
	}
	table.Render()
}

// renderRange prints an opening range report.
func renderRange(w io.Writer, symbol string, rng gate.OpeningRange) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Symbol", "Date", "From", "To", "High", "Low", "Bars"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.Append([]string{
		symbol,
		rng.Start.Format("2006-01-02"),
		rng.Start.Format("15:04"),
		rng.End.Format("15:04"),
		fmt.Sprintf("%.2f", rng.High),
		fmt.Sprintf("%.2f", rng.Low),
		fmt.Sprintf("%d", rng.Bars),
	})
	table.Render()
}
