package selection

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
)

// ChainProvider retrieves a quoted chain for one expiry.
type ChainProvider interface {
	FetchChain(ctx context.Context, u models.Underlying, expiry time.Time, tradingClass string) (*models.ChainSnapshot, error)
}

// StrikeTarget is a desired (right, strike) pair.
type StrikeTarget struct {
	Right  models.Right
	Strike float64
}

// StrikeRequest describes one strike selection pass.
type StrikeRequest struct {
	Expiry       time.Time
	Snapshot     *models.ChainSnapshot // reused when it covers the request
	Underlying   models.Underlying
	TradingClass string
	Targets      []StrikeTarget
	Tolerance    float64
}

// SelectByTargetStrikes returns one contract per target, in target order. For
// each target the nearest listed strike of that right wins; equal distances go
// to the strike further from the money (higher for calls, lower for puts). If
// any target has no strike within Tolerance the whole call fails with
// ErrIncompleteLegs and no contracts are returned.
func SelectByTargetStrikes(ctx context.Context, provider ChainProvider, req StrikeRequest) ([]models.OptionQuote, error) {
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", models.ErrIncompleteLegs)
	}

	snap := req.Snapshot
	if !snap.Covers(req.Underlying.Symbol, req.Expiry, req.TradingClass) {
		if provider == nil {
			return nil, fmt.Errorf("no chain provider and no usable snapshot for %s", req.Underlying.Symbol)
		}
		var err error
		snap, err = provider.FetchChain(ctx, req.Underlying, req.Expiry, req.TradingClass)
		if err != nil {
			return nil, fmt.Errorf("fetching chain for %s %s: %w",
				req.Underlying.Symbol, req.Expiry.Format(models.ExpiryLayout), err)
		}
	}

	out := make([]models.OptionQuote, 0, len(req.Targets))
	for _, target := range req.Targets {
		q, ok := nearestStrike(snap.QuotesFor(target.Right), target, req.Expiry, req.Tolerance)
		if !ok {
			return nil, fmt.Errorf("%w: no %s strike within %.2f of %.2f",
				models.ErrIncompleteLegs, target.Right, req.Tolerance, target.Strike)
		}
		out = append(out, q)
	}
	return out, nil
}

func nearestStrike(quotes []models.OptionQuote, target StrikeTarget, expiry time.Time, tolerance float64) (models.OptionQuote, bool) {
	best := -1
	bestDist := math.Inf(1)
	for i, q := range quotes {
		if !models.SameExpiry(q.Expiry, expiry) {
			continue
		}
		dist := math.Abs(q.Strike - target.Strike)
		if dist > tolerance+tieEpsilon {
			continue
		}
		switch {
		case best < 0 || dist < bestDist-tieEpsilon:
			best, bestDist = i, dist
		case dist <= bestDist+tieEpsilon && furtherFromMoney(q, quotes[best]):
			best = i
		}
	}
	if best < 0 {
		return models.OptionQuote{}, false
	}
	return quotes[best], true
}

func furtherFromMoney(candidate, current models.OptionQuote) bool {
	if candidate.Right == models.RightCall {
		return candidate.Strike > current.Strike
	}
	return candidate.Strike < current.Strike
}

// CondorTargets returns the protective strikes for a pair of short legs:
// the call wing offset above the short call and the put wing below the short put.
func CondorTargets(shortCall, shortPut models.OptionQuote, callOffset, putOffset float64) []StrikeTarget {
	return []StrikeTarget{
		{Right: models.RightCall, Strike: shortCall.Strike + callOffset},
		{Right: models.RightPut, Strike: shortPut.Strike - putOffset},
	}
}
