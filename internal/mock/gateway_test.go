package mock

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	spx   = models.Underlying{Symbol: "SPX", SecType: models.SecTypeIndex, Exchange: "CBOE", Currency: "USD", Multiplier: 100}
	today = time.Date(2025, 3, 14, 14, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return today }

func testInstrument(t *testing.T, g *Gateway) *models.ComboInstrument {
	t.Helper()
	snap, err := g.FetchChain(context.Background(), spx, today, "SPXW")
	require.NoError(t, err)
	pick := func(right models.Right, strike float64) models.OptionQuote {
		for _, q := range snap.QuotesFor(right) {
			if q.Strike == strike {
				return q
			}
		}
		t.Fatalf("no %s %.0f in chain", right, strike)
		return models.OptionQuote{}
	}
	return &models.ComboInstrument{
		Expiry:       snap.Expiry,
		Underlying:   spx,
		TradingClass: "SPXW",
		Legs: []models.Leg{
			{Contract: pick(models.RightCall, 5010), Side: models.SideShort, Ratio: 1},
			{Contract: pick(models.RightPut, 4990), Side: models.SideShort, Ratio: 1},
			{Contract: pick(models.RightCall, 5045), Side: models.SideLong, Ratio: 1},
			{Contract: pick(models.RightPut, 4955), Side: models.SideLong, Ratio: 1},
		},
	}
}

func TestGateway_ChainShape(t *testing.T) {
	g := NewGateway(WithPrice("SPX", 5000), WithClock(fixedClock))

	snap, err := g.FetchChain(context.Background(), spx, today, "SPXW")
	require.NoError(t, err)
	assert.True(t, snap.Covers("SPX", today, "SPXW"))

	puts := snap.QuotesFor(models.RightPut)
	calls := snap.QuotesFor(models.RightCall)
	require.Len(t, puts, 2*strikesEachSide+1)
	require.Len(t, calls, len(puts))

	for i := range calls {
		c, p := calls[i], puts[i]
		assert.Equal(t, c.Strike, p.Strike)
		assert.InDelta(t, 1, c.Delta-p.Delta, 1e-9, "put-call delta parity at %.0f", c.Strike)
		assert.True(t, c.Delta >= 0 && c.Delta <= 1)
		if i > 0 {
			assert.LessOrEqual(t, c.Delta, calls[i-1].Delta, "call delta must fall as strike rises")
		}
		assert.Contains(t, c.Symbol, "SPXW250314C")
	}

	atm := calls[strikesEachSide]
	assert.Equal(t, 5000.0, atm.Strike)
	assert.InDelta(t, 0.5, atm.Delta, 1e-9)
	assert.True(t, atm.HasTwoSidedQuote())

	farPut := puts[0]
	assert.True(t, math.IsNaN(farPut.Bid), "far wing should have no bid")
}

func TestGateway_ChainErrors(t *testing.T) {
	g := NewGateway(WithClock(fixedClock))
	_, err := g.FetchChain(context.Background(), models.Underlying{Symbol: "XYZ"}, today, "XYZ")
	assert.Error(t, err)

	_, err = g.FetchChain(context.Background(), spx, today.AddDate(0, 0, -1), "SPXW")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.FetchChain(ctx, spx, today, "SPXW")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGateway_QuoteAndOpen(t *testing.T) {
	g := NewGateway(WithPrice("VIX", 18), WithOpen("VIX", 16))
	q, err := g.Quote(context.Background(), "vix")
	require.NoError(t, err)
	assert.Equal(t, "VIX", q.Symbol)
	assert.Equal(t, 18.0, q.Last)
	assert.Equal(t, 16.0, q.Open)
	assert.Equal(t, 18.0, q.High)
}

func TestGateway_TimeSales(t *testing.T) {
	start := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	scripted := []models.Bar{
		{Time: start, Low: 4990, High: 5005},
		{Time: start.Add(time.Minute), Low: 4985, High: 5001},
		{Time: start.Add(2 * time.Hour), Low: 4900, High: 4950},
	}
	g := NewGateway(WithBars("SPX", scripted...))
	bars, err := g.TimeSales(context.Background(), "SPX", "1min", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, bars, 2)

	synthetic, err := g.TimeSales(context.Background(), "NQ", "5min", start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, synthetic, 12)
	for _, b := range synthetic {
		assert.LessOrEqual(t, b.Low, math.Min(b.Open, b.Close))
		assert.GreaterOrEqual(t, b.High, math.Max(b.Open, b.Close))
	}

	_, err = g.TimeSales(context.Background(), "NQ", "daily", start, start.Add(time.Hour))
	assert.Error(t, err)
}

func TestGateway_FillImmediatelyBooksPositions(t *testing.T) {
	g := NewGateway(WithClock(fixedClock))
	inst := testInstrument(t, g)

	ack, err := g.Submit(context.Background(), models.OrderRequest{Instrument: inst, Action: models.ActionSell, Quantity: 2, LimitPrice: 3.5})
	require.NoError(t, err)
	require.NotEmpty(t, ack.ID)

	st, err := g.Status(context.Background(), ack.ID)
	require.NoError(t, err)
	assert.True(t, st.IsFilled())
	assert.Equal(t, 3.5, st.AvgFillPrice)

	pos, err := g.CurrentPositions(context.Background(), "SPX")
	require.NoError(t, err)
	require.Len(t, pos, 4)
	assert.Equal(t, -2.0, pos[0].Quantity)
	assert.Equal(t, 2.0, pos[3].Quantity)
}

func TestGateway_PreviewNeverBooks(t *testing.T) {
	g := NewGateway(WithClock(fixedClock))
	ack, err := g.Submit(context.Background(), models.OrderRequest{Instrument: testInstrument(t, g), Quantity: 1, Preview: true})
	require.NoError(t, err)
	assert.Empty(t, ack.ID)
	assert.Len(t, g.Submissions(), 1)

	pos, _ := g.CurrentPositions(context.Background(), "SPX")
	assert.Empty(t, pos)
}

func TestGateway_FillModes(t *testing.T) {
	ctx := context.Background()

	t.Run("after polls", func(t *testing.T) {
		g := NewGateway(WithClock(fixedClock), WithFillMode(FillAfterPolls, 3))
		ack, err := g.Submit(ctx, models.OrderRequest{Instrument: testInstrument(t, g), Quantity: 1, LimitPrice: 2})
		require.NoError(t, err)
		for i := 1; i <= 3; i++ {
			st, err := g.Status(ctx, ack.ID)
			require.NoError(t, err)
			assert.Equal(t, i == 3, st.IsFilled(), "poll %d", i)
		}
	})

	t.Run("after replaces", func(t *testing.T) {
		g := NewGateway(WithClock(fixedClock), WithFillMode(FillAfterReplaces, 2))
		ack, err := g.Submit(ctx, models.OrderRequest{Instrument: testInstrument(t, g), Quantity: 1, LimitPrice: 2})
		require.NoError(t, err)
		require.NoError(t, g.Replace(ctx, ack.ID, 1.95))
		o, _ := g.Order(ack.ID)
		assert.Equal(t, models.GatewayOpen, o.Status)
		require.NoError(t, g.Replace(ctx, ack.ID, 1.90))
		o, _ = g.Order(ack.ID)
		assert.Equal(t, models.GatewayFilled, o.Status)
		assert.Equal(t, 1.90, o.Price)
		assert.Error(t, g.Replace(ctx, ack.ID, 1.85), "filled orders cannot be replaced")
	})

	t.Run("never then cancel", func(t *testing.T) {
		g := NewGateway(WithClock(fixedClock), WithFillMode(FillNever, 0))
		ack, err := g.Submit(ctx, models.OrderRequest{Instrument: testInstrument(t, g), Quantity: 1, LimitPrice: 2})
		require.NoError(t, err)
		require.NoError(t, g.Cancel(ctx, ack.ID))
		st, _ := g.Status(ctx, ack.ID)
		assert.True(t, st.IsDead())
		assert.Error(t, g.Cancel(ctx, ack.ID))
		o, _ := g.Order(ack.ID)
		assert.Equal(t, 2, o.Cancels)
	})

	t.Run("fill races cancel", func(t *testing.T) {
		g := NewGateway(WithClock(fixedClock), WithFillMode(FillOnCancel, 0))
		ack, err := g.Submit(ctx, models.OrderRequest{Instrument: testInstrument(t, g), Quantity: 1, LimitPrice: 2})
		require.NoError(t, err)
		assert.Error(t, g.Cancel(ctx, ack.ID))
		st, _ := g.Status(ctx, ack.ID)
		assert.True(t, st.IsFilled())
	})

	t.Run("reject", func(t *testing.T) {
		g := NewGateway(WithClock(fixedClock), WithFillMode(RejectAll, 0))
		ack, err := g.Submit(ctx, models.OrderRequest{Instrument: testInstrument(t, g), Quantity: 1, LimitPrice: 2})
		require.NoError(t, err)
		st, _ := g.Status(ctx, ack.ID)
		assert.Equal(t, models.GatewayRejected, st.Status)
		select {
		case <-g.Updates(ack.ID):
		default:
			t.Fatal("expected a status update")
		}
	})
}

func TestGateway_InjectedErrors(t *testing.T) {
	boom := errors.New("gateway down")
	g := NewGateway(WithClock(fixedClock), WithSubmitError(boom))
	_, err := g.Submit(context.Background(), models.OrderRequest{Instrument: testInstrument(t, g), Quantity: 1})
	assert.ErrorIs(t, err, boom)

	_, err = g.Submit(context.Background(), models.OrderRequest{Quantity: 1})
	assert.ErrorIs(t, err, models.ErrInvalidCombo)

	g = NewGateway(WithClock(fixedClock), WithFillMode(FillNever, 0), WithReplaceError(boom))
	ack, err := g.Submit(context.Background(), models.OrderRequest{Instrument: testInstrument(t, g), Quantity: 1, LimitPrice: 2})
	require.NoError(t, err)
	assert.ErrorIs(t, g.Replace(context.Background(), ack.ID, 1.9), boom)
	assert.Error(t, g.Cancel(context.Background(), "missing"))
	assert.Nil(t, g.Updates("missing"))
}
