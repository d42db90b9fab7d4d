// Package util provides tick-grid arithmetic for option and combo prices.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// Tie selects the grid point used when a price sits exactly between two ticks.
type Tie int

const (
	// TieAwayFromZero rounds midpoints away from zero.
	TieAwayFromZero Tie = iota
	// TieUp rounds midpoints to the higher tick.
	TieUp
	// TieDown rounds midpoints to the lower tick.
	TieDown
)

// toGrid converts x and tick to decimals. ok is false when x cannot be placed
// on a grid, in which case x is returned unchanged by every helper.
func toGrid(x, tick float64) (d, t decimal.Decimal, ok bool) {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) || math.IsInf(tick, 0) {
		return d, t, false
	}
	tick = math.Abs(tick)
	if tick == 0 {
		return d, t, false
	}
	return decimal.NewFromFloat(x), decimal.NewFromFloat(tick), true
}

// RoundToTick rounds x to the nearest tick increment, midpoints away from zero.
// For example, with tick=0.01, 1.235 becomes 1.24.
func RoundToTick(x, tick float64) float64 {
	return RoundToTickTie(x, tick, TieAwayFromZero)
}

// RoundToTickTie rounds x to the nearest tick increment using tie for midpoints.
func RoundToTickTie(x, tick float64, tie Tie) float64 {
	d, t, ok := toGrid(x, tick)
	if !ok {
		return x
	}
	q := d.Div(t)
	lower := q.Floor()
	frac := q.Sub(lower)

	var n decimal.Decimal
	switch c := frac.Cmp(decimal.NewFromFloat(0.5)); {
	case c < 0:
		n = lower
	case c > 0:
		n = lower.Add(decimal.NewFromInt(1))
	default:
		switch tie {
		case TieUp:
			n = lower.Add(decimal.NewFromInt(1))
		case TieDown:
			n = lower
		default:
			n = q.Round(0)
		}
	}
	return n.Mul(t).InexactFloat64()
}

// OnTick reports whether x already lies on the tick grid.
func OnTick(x, tick float64) bool {
	d, t, ok := toGrid(x, tick)
	if !ok {
		return false
	}
	return d.Mod(t).IsZero()
}

// AddTicks moves x by n ticks (negative n moves down) and snaps to the grid.
func AddTicks(x, tick float64, n int) float64 {
	d, t, ok := toGrid(x, tick)
	if !ok {
		return x
	}
	return d.Div(t).Round(0).Add(decimal.NewFromInt(int64(n))).Mul(t).InexactFloat64()
}
