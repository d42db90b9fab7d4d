package combo

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/eddiefleurent/condorbot/internal/util"
	"github.com/shopspring/decimal"
)

// TickSizer returns the minimum price increment for symbol at price.
type TickSizer interface {
	TickSize(symbol string, price float64) (float64, error)
}

// TickSizerFunc adapts a function to TickSizer.
type TickSizerFunc func(symbol string, price float64) (float64, error)

// TickSize calls f.
func (f TickSizerFunc) TickSize(symbol string, price float64) (float64, error) {
	return f(symbol, price)
}

// sumPrecision trims float noise from leg sums before they hit the grid.
const sumPrecision = 8

// PriceEngine prices combos and rounds them to the venue grid.
type PriceEngine struct {
	ticks TickSizer
}

// NewPriceEngine returns a PriceEngine using ticks for grid lookups.
func NewPriceEngine(ticks TickSizer) *PriceEngine {
	if ticks == nil {
		panic("combo: tick sizer cannot be nil")
	}
	return &PriceEngine{ticks: ticks}
}

// Price returns the net bid, mid and ask of the instrument. Long legs add and
// short legs subtract, each scaled by ratio, so a credit combo prices
// negative. The natural bid sells every long at its bid and buys every short at
// its ask; the natural ask is the reverse. Any leg without a two-sided quote
// fails with ErrInvalidPrice.
func (e *PriceEngine) Price(instrument *models.ComboInstrument) (models.ComboPrice, error) {
	nan := models.ComboPrice{Bid: math.NaN(), Mid: math.NaN(), Ask: math.NaN()}
	if instrument == nil || len(instrument.Legs) == 0 {
		return nan, fmt.Errorf("%w: empty instrument", models.ErrInvalidPrice)
	}
	for _, leg := range instrument.Legs {
		if !leg.Contract.HasTwoSidedQuote() {
			return nan, fmt.Errorf("%w: %s has no two-sided quote", models.ErrInvalidPrice, leg.Contract)
		}
	}

	var bid, mid, ask decimal.Decimal
	for _, leg := range instrument.Legs {
		q := leg.Contract
		r := decimal.NewFromInt(int64(leg.Ratio))
		b := decimal.NewFromFloat(q.Bid).Mul(r)
		a := decimal.NewFromFloat(q.Ask).Mul(r)
		m := q.MidPrice()
		if math.IsNaN(m) || math.IsInf(m, 0) {
			return nan, fmt.Errorf("%w: %s has no usable mid", models.ErrInvalidPrice, leg.Contract)
		}
		md := decimal.NewFromFloat(m).Mul(r)

		if leg.Side == models.SideShort {
			bid = bid.Sub(a)
			ask = ask.Sub(b)
			mid = mid.Sub(md)
		} else {
			bid = bid.Add(b)
			ask = ask.Add(a)
			mid = mid.Add(md)
		}
	}

	return models.ComboPrice{
		Bid: bid.Round(sumPrecision).InexactFloat64(),
		Mid: mid.Round(sumPrecision).InexactFloat64(),
		Ask: ask.Round(sumPrecision).InexactFloat64(),
	}, nil
}

// RoundToTick rounds price to symbol's tick grid. Prices exactly between two
// ticks go up for sells and down for buys.
func (e *PriceEngine) RoundToTick(price float64, symbol string, action models.Action) (float64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: %v", models.ErrInvalidPrice, price)
	}
	tick, err := e.ticks.TickSize(symbol, price)
	if err != nil {
		return 0, err
	}
	if tick <= 0 || math.IsNaN(tick) {
		return 0, fmt.Errorf("tick size for %s at %.2f is %v", symbol, price, tick)
	}

	if util.OnTick(price, tick) {
		return price, nil
	}
	tie := util.TieDown
	if action == models.ActionSell {
		tie = util.TieUp
	}
	return util.RoundToTickTie(price, tick, tie), nil
}

// LimitPrice prices the instrument and returns the rounded limit for its
// absolute mid along with the raw ComboPrice.
func (e *PriceEngine) LimitPrice(instrument *models.ComboInstrument, action models.Action) (float64, models.ComboPrice, error) {
	cp, err := e.Price(instrument)
	if err != nil {
		return 0, cp, err
	}
	symbol := instrument.Underlying.Symbol
	limit, err := e.RoundToTick(math.Abs(cp.Mid), symbol, action)
	if err != nil {
		return 0, cp, err
	}
	if limit <= 0 {
		return 0, cp, fmt.Errorf("%w: %s mid %.4f rounds to zero", models.ErrInvalidPrice, symbol, cp.Mid)
	}
	return limit, cp, nil
}
