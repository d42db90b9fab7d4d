// Package selection picks option contracts out of a chain snapshot: the short
// legs by delta and the protective legs by strike.
package selection

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/condorbot/internal/models"
)

// tieEpsilon treats distances closer than this as equal.
const tieEpsilon = 1e-9

// SelectByDelta returns the quote of the given right whose absolute delta is
// closest to targetDelta. targetDelta and the chain deltas must use the same
// scale. Equal distances go to the strike nearer referencePrice, then to the
// larger absolute delta, then to the lower strike. A non-positive or NaN
// referencePrice skips the first tie-break.
func SelectByDelta(
	snapshot *models.ChainSnapshot,
	right models.Right,
	targetDelta float64,
	referencePrice float64,
) (models.OptionQuote, error) {
	quotes := snapshot.QuotesFor(right)
	if len(quotes) == 0 {
		return models.OptionQuote{}, fmt.Errorf("%w: no %s quotes in chain", models.ErrNoMatchingContract, right)
	}
	if targetDelta < 0 {
		targetDelta = -targetDelta
	}
	useRef := referencePrice > 0 && !math.IsNaN(referencePrice) && !math.IsInf(referencePrice, 0)

	best := -1
	bestDiff := math.Inf(1)
	for i, q := range quotes {
		if !q.HasDelta() {
			continue
		}
		diff := math.Abs(math.Abs(q.Delta) - targetDelta)
		if best < 0 || diff < bestDiff-tieEpsilon {
			best, bestDiff = i, diff
			continue
		}
		if diff > bestDiff+tieEpsilon {
			continue
		}
		if preferOnTie(q, quotes[best], referencePrice, useRef) {
			best = i
			bestDiff = math.Min(diff, bestDiff)
		}
	}

	if best < 0 {
		return models.OptionQuote{}, fmt.Errorf("%w: no %s quote carries delta data", models.ErrNoMatchingContract, right)
	}
	return quotes[best], nil
}

// preferOnTie reports whether candidate beats current when their delta
// distances are equal.
func preferOnTie(candidate, current models.OptionQuote, ref float64, useRef bool) bool {
	if useRef {
		dc := math.Abs(candidate.Strike - ref)
		db := math.Abs(current.Strike - ref)
		if dc < db-tieEpsilon {
			return true
		}
		if dc > db+tieEpsilon {
			return false
		}
	}
	ac, ab := math.Abs(candidate.Delta), math.Abs(current.Delta)
	if ac > ab+tieEpsilon {
		return true
	}
	if ac < ab-tieEpsilon {
		return false
	}
	return candidate.Strike < current.Strike
}
