package combo

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	expiry = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	spx    = models.Underlying{Symbol: "SPX", SecType: models.SecTypeIndex, Exchange: "CBOE", Currency: "USD"}
)

func q(right models.Right, strike, bid, ask float64) models.OptionQuote {
	return models.OptionQuote{
		Underlying:   "SPX",
		TradingClass: "SPXW",
		Expiry:       expiry,
		Right:        right,
		Strike:       strike,
		Bid:          bid,
		Ask:          ask,
		Mid:          math.NaN(),
		Delta:        math.NaN(),
	}
}

func fixedTicks(tick float64) TickSizer {
	return TickSizerFunc(func(string, float64) (float64, error) { return tick, nil })
}

func bandTicks() TickSizer {
	return TickSizerFunc(func(symbol string, price float64) (float64, error) {
		if symbol != "SPX" {
			return 0, models.ErrUnknownSymbol
		}
		if math.Abs(price) >= 3 {
			return 0.10, nil
		}
		return 0.05, nil
	})
}

func condor(t *testing.T) *models.ComboInstrument {
	t.Helper()
	c, err := IronCondor(spx, expiry, "SPXW",
		q(models.RightCall, 5050, 4.00, 4.20),
		q(models.RightPut, 4960, 3.80, 4.00),
		q(models.RightCall, 5085, 0.90, 1.00),
		q(models.RightPut, 4925, 1.00, 1.10),
	)
	require.NoError(t, err)
	return c
}

func TestIronCondor_LegOrderAndSides(t *testing.T) {
	c := condor(t)
	require.Len(t, c.Legs, 4)

	wantStrikes := []float64{5050, 4960, 5085, 4925}
	wantSides := []models.Side{models.SideShort, models.SideShort, models.SideLong, models.SideLong}
	for i, leg := range c.Legs {
		assert.Equal(t, wantStrikes[i], leg.Contract.Strike)
		assert.Equal(t, wantSides[i], leg.Side)
		assert.Equal(t, 1, leg.Ratio)
	}
	assert.Equal(t, "SPX 2025-03-14 [short 1x 5050.00C, short 1x 4960.00P, long 1x 5085.00C, long 1x 4925.00P]", c.String())
}

func TestForAction(t *testing.T) {
	c := condor(t)
	assert.Same(t, c, ForAction(c, models.ActionSell))

	bought := ForAction(c, models.ActionBuy)
	require.Len(t, bought.Legs, 4)
	wantSides := []models.Side{models.SideLong, models.SideLong, models.SideShort, models.SideShort}
	for i, leg := range bought.Legs {
		assert.Equal(t, wantSides[i], leg.Side)
		assert.Equal(t, c.Legs[i].Contract.Strike, leg.Contract.Strike)
	}
	assert.Equal(t, models.SideShort, c.Legs[0].Side, "the source combo is not modified")

	cp, err := NewPriceEngine(fixedTicks(0.05)).Price(bought)
	require.NoError(t, err)
	assert.Greater(t, cp.Mid, 0.0, "a long-body condor costs a debit")

	limit, _, err := NewPriceEngine(bandTicks()).LimitPrice(bought, models.ActionBuy)
	require.NoError(t, err)
	assert.Equal(t, 6.0, limit)
}

func TestIronCondor_WrongRights(t *testing.T) {
	_, err := IronCondor(spx, expiry, "SPXW",
		q(models.RightPut, 5050, 1, 2),
		q(models.RightPut, 4960, 1, 2),
		q(models.RightCall, 5085, 1, 2),
		q(models.RightPut, 4925, 1, 2),
	)
	assert.True(t, errors.Is(err, models.ErrInvalidCombo))
}

func TestBuild_Validation(t *testing.T) {
	leg := q(models.RightCall, 5050, 1, 2)
	other := leg
	other.Expiry = expiry.AddDate(0, 0, 1)
	weekly := leg
	weekly.TradingClass = "SPX"
	ndx := leg
	ndx.Underlying = "NDX"

	tests := []struct {
		name      string
		contracts []models.OptionQuote
		sides     []models.Side
		ratios    []int
	}{
		{"empty", nil, nil, nil},
		{"length mismatch", []models.OptionQuote{leg, leg}, []models.Side{models.SideLong}, []int{1, 1}},
		{"zero ratio", []models.OptionQuote{leg}, []models.Side{models.SideLong}, []int{0}},
		{"unknown side", []models.OptionQuote{leg}, []models.Side{"flat"}, []int{1}},
		{"mixed expiry", []models.OptionQuote{leg, other}, []models.Side{models.SideLong, models.SideShort}, []int{1, 1}},
		{"mixed trading class", []models.OptionQuote{weekly}, []models.Side{models.SideLong}, []int{1}},
		{"wrong underlying", []models.OptionQuote{ndx}, []models.Side{models.SideLong}, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Build(spx, expiry, "SPXW", tt.contracts, tt.sides, tt.ratios)
			assert.Nil(t, c)
			assert.True(t, errors.Is(err, models.ErrInvalidCombo), "got %v", err)
		})
	}
}

func TestPrice_CondorIsCredit(t *testing.T) {
	e := NewPriceEngine(fixedTicks(0.05))
	cp, err := e.Price(condor(t))
	require.NoError(t, err)

	// mids: short 4.10 + 3.90, long 0.95 + 1.05
	assert.InDelta(t, -6.00, cp.Mid, 1e-9)
	// long bids 0.90 + 1.00, short asks 4.20 + 4.00
	assert.InDelta(t, -6.30, cp.Bid, 1e-9)
	// long asks 1.00 + 1.10, short bids 4.00 + 3.80
	assert.InDelta(t, -5.70, cp.Ask, 1e-9)
	assert.True(t, cp.Valid())
}

func TestPrice_RatioScales(t *testing.T) {
	e := NewPriceEngine(fixedTicks(0.05))
	c, err := Build(spx, expiry, "SPXW",
		[]models.OptionQuote{q(models.RightCall, 5050, 1.00, 1.20)},
		[]models.Side{models.SideLong}, []int{3})
	require.NoError(t, err)
	cp, err := e.Price(c)
	require.NoError(t, err)
	assert.InDelta(t, 3.30, cp.Mid, 1e-9)
}

func TestPrice_InvalidLegShortCircuits(t *testing.T) {
	e := NewPriceEngine(TickSizerFunc(func(string, float64) (float64, error) {
		t.Fatal("tick lookup must not happen for an invalid price")
		return 0, nil
	}))

	for _, field := range []string{"bid", "ask"} {
		t.Run(field, func(t *testing.T) {
			c := condor(t)
			if field == "bid" {
				c.Legs[2].Contract.Bid = math.NaN()
			} else {
				c.Legs[1].Contract.Ask = math.NaN()
			}
			cp, err := e.Price(c)
			assert.True(t, errors.Is(err, models.ErrInvalidPrice))
			assert.False(t, cp.Valid())

			_, _, err = e.LimitPrice(c, models.ActionSell)
			assert.True(t, errors.Is(err, models.ErrInvalidPrice))
		})
	}
}

// Scenario D: a mid of 2.34 on a 0.05 grid sells at 2.35.
func TestRoundToTick_SellRoundsUp(t *testing.T) {
	e := NewPriceEngine(fixedTicks(0.05))
	got, err := e.RoundToTick(2.34, "SPX", models.ActionSell)
	require.NoError(t, err)
	assert.Equal(t, 2.35, got)
}

func TestRoundToTick_Ties(t *testing.T) {
	e := NewPriceEngine(fixedTicks(0.05))

	sell, err := e.RoundToTick(2.325, "SPX", models.ActionSell)
	require.NoError(t, err)
	assert.Equal(t, 2.35, sell)

	buy, err := e.RoundToTick(2.325, "SPX", models.ActionBuy)
	require.NoError(t, err)
	assert.Equal(t, 2.30, buy)

	off, err := e.RoundToTick(2.31, "SPX", models.ActionSell)
	require.NoError(t, err)
	assert.Equal(t, 2.30, off, "non-midpoints go to the nearest tick regardless of side")
}

func TestRoundToTick_Idempotent(t *testing.T) {
	e := NewPriceEngine(bandTicks())
	for _, action := range []models.Action{models.ActionBuy, models.ActionSell} {
		for p := 0.01; p < 8; p += 0.037 {
			once, err := e.RoundToTick(p, "SPX", action)
			require.NoError(t, err)
			twice, err := e.RoundToTick(once, "SPX", action)
			require.NoError(t, err)
			assert.Equal(t, once, twice, "%s %.3f", action, p)
		}
	}
}

func TestRoundToTick_Errors(t *testing.T) {
	e := NewPriceEngine(bandTicks())

	_, err := e.RoundToTick(math.NaN(), "SPX", models.ActionSell)
	assert.True(t, errors.Is(err, models.ErrInvalidPrice))

	_, err = e.RoundToTick(2.0, "RUT", models.ActionSell)
	assert.True(t, errors.Is(err, models.ErrUnknownSymbol))

	zero := NewPriceEngine(fixedTicks(0))
	_, err = zero.RoundToTick(2.0, "SPX", models.ActionSell)
	assert.Error(t, err)
}

func TestLimitPrice(t *testing.T) {
	e := NewPriceEngine(bandTicks())
	limit, cp, err := e.LimitPrice(condor(t), models.ActionSell)
	require.NoError(t, err)
	assert.InDelta(t, -6.00, cp.Mid, 1e-9)
	assert.Equal(t, 6.0, limit)
}

func TestLimitPrice_RoundsToZero(t *testing.T) {
	e := NewPriceEngine(fixedTicks(0.05))
	c, err := Build(spx, expiry, "SPXW",
		[]models.OptionQuote{q(models.RightCall, 5050, 0.00, 0.02), q(models.RightCall, 5060, 0.00, 0.02)},
		[]models.Side{models.SideShort, models.SideLong}, []int{1, 1})
	require.NoError(t, err)

	_, _, err = e.LimitPrice(c, models.ActionBuy)
	assert.True(t, errors.Is(err, models.ErrInvalidPrice))
}
