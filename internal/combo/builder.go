// Package combo assembles option legs into a multi-leg instrument and prices
// it on the venue's tick grid.
package combo

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
)

// Build assembles contracts into a ComboInstrument. contracts, sides and
// ratios are parallel slices; leg order is preserved. Every contract must share
// the given expiry, trading class and underlying symbol.
func Build(
	underlying models.Underlying,
	expiry time.Time,
	tradingClass string,
	contracts []models.OptionQuote,
	sides []models.Side,
	ratios []int,
) (*models.ComboInstrument, error) {
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w: no legs", models.ErrInvalidCombo)
	}
	if len(contracts) != len(sides) || len(contracts) != len(ratios) {
		return nil, fmt.Errorf("%w: %d contracts, %d sides, %d ratios",
			models.ErrInvalidCombo, len(contracts), len(sides), len(ratios))
	}

	legs := make([]models.Leg, len(contracts))
	for i, c := range contracts {
		if ratios[i] <= 0 {
			return nil, fmt.Errorf("%w: leg %d ratio %d must be positive", models.ErrInvalidCombo, i, ratios[i])
		}
		if sides[i] != models.SideLong && sides[i] != models.SideShort {
			return nil, fmt.Errorf("%w: leg %d has unknown side %q", models.ErrInvalidCombo, i, sides[i])
		}
		if !models.SameExpiry(c.Expiry, expiry) {
			return nil, fmt.Errorf("%w: leg %d expires %s, combo expires %s", models.ErrInvalidCombo,
				i, c.Expiry.Format(models.ExpiryLayout), expiry.Format(models.ExpiryLayout))
		}
		if tradingClass != "" && c.TradingClass != "" && c.TradingClass != tradingClass {
			return nil, fmt.Errorf("%w: leg %d trading class %s, combo %s", models.ErrInvalidCombo, i, c.TradingClass, tradingClass)
		}
		if c.Underlying != "" && c.Underlying != underlying.Symbol {
			return nil, fmt.Errorf("%w: leg %d underlying %s, combo %s", models.ErrInvalidCombo, i, c.Underlying, underlying.Symbol)
		}
		legs[i] = models.Leg{Contract: c, Side: sides[i], Ratio: ratios[i]}
	}

	return &models.ComboInstrument{
		Expiry:       models.ExpiryDate(expiry),
		Underlying:   underlying,
		TradingClass: tradingClass,
		Legs:         legs,
	}, nil
}

// IronCondor builds the standard 1:1:1:1 condor in the fixed order short call,
// short put, long call, long put.
func IronCondor(
	underlying models.Underlying,
	expiry time.Time,
	tradingClass string,
	shortCall, shortPut, longCall, longPut models.OptionQuote,
) (*models.ComboInstrument, error) {
	if shortCall.Right != models.RightCall || longCall.Right != models.RightCall ||
		shortPut.Right != models.RightPut || longPut.Right != models.RightPut {
		return nil, fmt.Errorf("%w: condor legs have the wrong rights", models.ErrInvalidCombo)
	}
	return Build(underlying, expiry, tradingClass,
		[]models.OptionQuote{shortCall, shortPut, longCall, longPut},
		[]models.Side{models.SideShort, models.SideShort, models.SideLong, models.SideLong},
		[]int{1, 1, 1, 1},
	)
}

// ForAction orients a condor built by IronCondor for the order action. A sell
// keeps the short body; a buy takes the other side of every leg, turning the
// combo into a long-body condor bought for a debit.
func ForAction(inst *models.ComboInstrument, action models.Action) *models.ComboInstrument {
	if inst == nil || action != models.ActionBuy {
		return inst
	}
	out := *inst
	out.Legs = make([]models.Leg, len(inst.Legs))
	for i, leg := range inst.Legs {
		leg.Side = leg.Side.Opposite()
		out.Legs[i] = leg
	}
	return &out
}
