// Package journal keeps an append-only record of every combo submission and
// the state it ended in.
package journal

import (
	"github.com/eddiefleurent/condorbot/internal/models"
)

// Interface defines the contract for the submission journal.
//
// Implementations must be safe for concurrent use; symbols are processed in
// parallel and each runner records its own submissions.
type Interface interface {
	// Record appends one submission outcome. errMsg is empty on success.
	Record(snap models.OrderSnapshot, errMsg string) error
	// Entries returns every recorded row, oldest first.
	Entries() []Entry
	// Statistics summarises the recorded rows.
	Statistics() *Statistics
}

// NewJournal opens the CSV journal at path, creating it on first write.
func NewJournal(path string) (Interface, error) {
	return NewCSVJournal(path)
}

// Statistics summarises journal entries.
type Statistics struct {
	BySymbol      map[string]int `json:"by_symbol"`
	Submissions   int            `json:"submissions"`
	Previews      int            `json:"previews"`
	Filled        int            `json:"filled"`
	TimedOut      int            `json:"timed_out"`
	Cancelled     int            `json:"cancelled"`
	Failed        int            `json:"failed"`
	Adjustments   int            `json:"adjustments"`
	FillRate      float64        `json:"fill_rate"`
	AverageCredit float64        `json:"average_credit"`
	TotalPremium  float64        `json:"total_premium"`
}

func computeStatistics(entries []Entry) *Statistics {
	stats := &Statistics{BySymbol: make(map[string]int)}
	live := 0
	credits := 0.0
	for _, e := range entries {
		stats.Submissions++
		stats.BySymbol[e.Symbol]++
		stats.Adjustments += e.Adjustments
		if e.Preview {
			stats.Previews++
			continue
		}
		live++
		switch models.OrderState(e.State) {
		case models.StateFilled:
			stats.Filled++
			credits += e.FillPrice
			stats.TotalPremium += e.FillPrice * float64(e.Quantity)
		case models.StateTimedOut:
			stats.TimedOut++
		case models.StateCancelled:
			stats.Cancelled++
		case models.StateUnsubmitted:
			stats.Failed++
		}
	}
	if live > 0 {
		stats.FillRate = float64(stats.Filled) / float64(live) * 100
	}
	if stats.Filled > 0 {
		stats.AverageCredit = credits / float64(stats.Filled)
	}
	return stats
}

// Ensure the implementations satisfy Interface
var (
	_ Interface = (*CSVJournal)(nil)
	_ Interface = (*MockJournal)(nil)
)
