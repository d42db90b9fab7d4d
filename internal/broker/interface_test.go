package broker

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/condorbot/internal/combo"
	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var spx = models.Underlying{Symbol: "SPX", SecType: models.SecTypeIndex, Exchange: "CBOE", Currency: "USD", Multiplier: 100}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *TradierGateway {
	t.Helper()
	api, srv := newTestAPIWithServer(handler)
	t.Cleanup(srv.Close)
	return NewTradierGateway(api).WithTradingClass("SPX", "SPXW")
}

func TestFormatAndParseOSI(t *testing.T) {
	expiry := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		root   string
		right  models.Right
		strike float64
		want   string
	}{
		{"SPXW", models.RightPut, 4960, "SPXW250314P04960000"},
		{"spx", models.RightCall, 5050, "SPX250314C05050000"},
		{"NDXP", models.RightCall, 20112.5, "NDXP250314C20112500"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatOSI(tt.root, expiry, tt.right, tt.strike)
			require.Equal(t, tt.want, got)

			c, err := ParseOSI(got)
			require.NoError(t, err)
			assert.Equal(t, tt.right, c.Right)
			assert.InDelta(t, tt.strike, c.Strike, 1e-9)
			assert.True(t, models.SameExpiry(expiry, c.Expiry))
		})
	}
}

func TestParseOSI_Rejects(t *testing.T) {
	for _, s := range []string{"", "SPX", "SPXW250314X04960000", "SPXW25031AP04960000", "250314P04960000", "SPXW250314P0496000"} {
		_, err := ParseOSI(s)
		assert.Error(t, err, s)
	}
	assert.Equal(t, "", extractUnderlyingFromOSI("AAPL"))
	assert.Equal(t, "SPXW", extractUnderlyingFromOSI("SPXW250314P04960000"))
}

func TestTradierGateway_FetchChain(t *testing.T) {
	body := `{"options":{"option":[
		{"symbol":"SPXW250314P04960000","root_symbol":"SPXW","option_type":"put","expiration_date":"2025-03-14","strike":4960,"bid":1.1,"ask":1.3,"greeks":{"delta":-0.15}},
		{"symbol":"SPX250314P04960000","root_symbol":"SPX","option_type":"put","expiration_date":"2025-03-14","strike":4960,"bid":1.0,"ask":1.4,"greeks":{"delta":-0.16}},
		{"symbol":"SPXW250314C05050000","root_symbol":"SPXW","option_type":"call","expiration_date":"2025-03-14","strike":5050,"bid":0,"ask":0.9},
		{"symbol":"SPXW250314C05060000","option_type":"call","expiration_date":"2025-03-14","strike":5060,"bid":0.5,"ask":0.7,"greeks":{"delta":0.1}}
	]}}`
	var query url.Values
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(body))
	})

	expiry := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	snap, err := g.FetchChain(context.Background(), spx, expiry, "SPXW")
	require.NoError(t, err)

	assert.Equal(t, "SPX", query.Get("symbol"))
	assert.Equal(t, "2025-03-14", query.Get("expiration"))
	assert.Equal(t, "true", query.Get("greeks"))

	require.Len(t, snap.Quotes, 3, "SPX root must be filtered out")
	assert.True(t, snap.Covers("SPX", expiry, "SPXW"))

	put := snap.Quotes[0]
	assert.Equal(t, models.RightPut, put.Right)
	assert.InDelta(t, 1.2, put.Mid, 1e-9)
	assert.InDelta(t, -0.15, put.Delta, 1e-9)

	noBid := snap.Quotes[1]
	assert.True(t, math.IsNaN(noBid.Bid))
	assert.True(t, math.IsNaN(noBid.Mid))
	assert.False(t, noBid.HasDelta())

	// root recovered from the OSI symbol
	assert.Equal(t, "SPXW", snap.Quotes[2].TradingClass)
}

func TestTradierGateway_FetchChainFuturesUnsupported(t *testing.T) {
	g := NewTradierGateway(NewTradierAPIWithBaseURL("k", "a", true, "http://127.0.0.1:0"))
	es := models.Underlying{Symbol: "ES", SecType: models.SecTypeFuture}
	_, err := g.FetchChain(context.Background(), es, time.Now(), "ES")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestTradierGateway_CurrentPositions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"null", `{"positions":"null"}`, 0},
		{"single", `{"positions":{"position":{"symbol":"SPXW250314C05050000","quantity":-1}}}`, 1},
		{"array with foreign and equity", `{"positions":{"position":[
			{"symbol":"SPXW250314C05050000","quantity":-1},
			{"symbol":"SPX250314P04960000","quantity":-1},
			{"symbol":"QQQ250314P00400000","quantity":-2},
			{"symbol":"SPY","quantity":100}
		]}}`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/accounts/ACC123/positions", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := g.CurrentPositions(context.Background(), "SPX")
			require.NoError(t, err)
			require.Len(t, got, tt.want)
			for _, p := range got {
				assert.Equal(t, "SPX", p.Underlying)
			}
			if tt.want > 0 {
				assert.Equal(t, models.RightCall, got[0].Right)
				assert.InDelta(t, 5050, got[0].Strike, 1e-9)
				assert.InDelta(t, -1, got[0].Quantity, 1e-9)
			}
		})
	}
}

func testCondor() *models.ComboInstrument {
	expiry := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	leg := func(right models.Right, strike float64, side models.Side) models.Leg {
		return models.Leg{
			Contract: models.OptionQuote{Expiry: expiry, Underlying: "SPX", TradingClass: "SPXW", Right: right, Strike: strike},
			Side:     side,
			Ratio:    1,
		}
	}
	return &models.ComboInstrument{
		Expiry:       expiry,
		Underlying:   spx,
		TradingClass: "SPXW",
		Legs: []models.Leg{
			leg(models.RightCall, 5050, models.SideShort),
			leg(models.RightPut, 4960, models.SideShort),
			leg(models.RightCall, 5090, models.SideLong),
			leg(models.RightPut, 4920, models.SideLong),
		},
	}
}

func TestTradierGateway_SubmitCredit(t *testing.T) {
	var form url.Values
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"order":{"id":9001,"status":"ok"}}`))
	})

	ack, err := g.Submit(context.Background(), models.OrderRequest{
		Instrument: testCondor(),
		Action:     models.ActionSell,
		Quantity:   2,
		LimitPrice: 6.0,
		Tag:        "condor",
	})
	require.NoError(t, err)
	assert.Equal(t, "9001", ack.ID)

	assert.Equal(t, "credit", form.Get("type"))
	assert.Equal(t, "6.00", form.Get("price"))
	assert.Equal(t, "SPXW250314C05050000", form.Get("option_symbol[0]"))
	assert.Equal(t, "sell_to_open", form.Get("side[0]"))
	assert.Equal(t, "SPXW250314P04960000", form.Get("option_symbol[1]"))
	assert.Equal(t, "buy_to_open", form.Get("side[2]"))
	assert.Equal(t, "SPXW250314P04920000", form.Get("option_symbol[3]"))
	assert.Equal(t, "2", form.Get("quantity[3]"))
}

func TestTradierGateway_SubmitBuyFlipsLegs(t *testing.T) {
	var form url.Values
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"order":{"id":9002,"status":"ok"}}`))
	})

	_, err := g.Submit(context.Background(), models.OrderRequest{
		Instrument: combo.ForAction(testCondor(), models.ActionBuy),
		Action:     models.ActionBuy,
		Quantity:   1,
		LimitPrice: 4.5,
	})
	require.NoError(t, err)

	assert.Equal(t, "debit", form.Get("type"))
	assert.Equal(t, "buy_to_open", form.Get("side[0]"), "short call body becomes long")
	assert.Equal(t, "buy_to_open", form.Get("side[1]"))
	assert.Equal(t, "sell_to_open", form.Get("side[2]"), "wings are sold")
	assert.Equal(t, "sell_to_open", form.Get("side[3]"))
}

func TestTradierGateway_SubmitAdaptiveIsMarket(t *testing.T) {
	var form url.Values
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"order":{"id":1,"status":"ok"}}`))
	})
	_, err := g.Submit(context.Background(), models.OrderRequest{Instrument: testCondor(), Action: models.ActionSell, Quantity: 1, Adaptive: true})
	require.NoError(t, err)
	assert.Equal(t, "market", form.Get("type"))
	assert.False(t, form.Has("price"))
}

func TestTradierGateway_SubmitErrors(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"order":{"status":"ok"}}`))
	})

	_, err := g.Submit(context.Background(), models.OrderRequest{Quantity: 1})
	assert.ErrorIs(t, err, models.ErrInvalidCombo)

	_, err = g.Submit(context.Background(), models.OrderRequest{Instrument: testCondor(), Quantity: 0})
	assert.Error(t, err)

	// live ack without an id
	_, err = g.Submit(context.Background(), models.OrderRequest{Instrument: testCondor(), Action: models.ActionSell, Quantity: 1, LimitPrice: 1})
	assert.Error(t, err)

	// preview ack without an id is fine
	ack, err := g.Submit(context.Background(), models.OrderRequest{Instrument: testCondor(), Action: models.ActionSell, Quantity: 1, LimitPrice: 1, Preview: true})
	require.NoError(t, err)
	assert.Empty(t, ack.ID)
}

func TestTradierGateway_ReplaceCancelStatus(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/ACC123/orders/77", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"order":{"id":77,"status":"partially_filled","quantity":2,"exec_quantity":2,"remaining_quantity":0,"avg_fill_price":-5.9}}`))
		default:
			_, _ = w.Write([]byte(`{"order":{"id":77,"status":"ok"}}`))
		}
	})
	ctx := context.Background()

	require.NoError(t, g.Replace(ctx, "77", 5.95))
	require.NoError(t, g.Cancel(ctx, "77"))

	st, err := g.Status(ctx, "77")
	require.NoError(t, err)
	assert.Equal(t, models.GatewayPartial, st.Status)
	assert.True(t, st.IsFilled())
	assert.InDelta(t, -5.9, st.AvgFillPrice, 1e-9)

	assert.Error(t, g.Cancel(ctx, "abc"))
	_, err = g.Status(ctx, "")
	assert.Error(t, err)
}

func TestTradierGateway_Quote(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"VIX","type":"index","last":18.2,"open":16.5,"bid":null}}}`))
	})
	q, err := g.Quote(context.Background(), "VIX")
	require.NoError(t, err)
	assert.InDelta(t, 18.2, q.Last, 1e-9)
	assert.InDelta(t, 16.5, q.Open, 1e-9)
	assert.Zero(t, q.Bid)
	assert.InDelta(t, 18.2, q.ReferencePrice(), 1e-9)
}

func TestTradierGateway_TimeSales(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"series":{"data":[
			{"time":"2025-03-14T09:30:00","open":5000,"high":5004,"low":4998,"close":5002,"volume":0},
			{"time":"2025-03-14T09:31:00","open":5002,"high":5006,"low":5001,"close":5005,"volume":0}
		]}}`))
	})
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	start := time.Date(2025, 3, 14, 9, 30, 0, 0, ny)

	bars, err := g.TimeSales(context.Background(), "SPX", "1min", start, start.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Time.Equal(start))
	assert.InDelta(t, 5006, bars[1].High, 1e-9)
}

// fakeGateway is a scripted Gateway for breaker tests.
type fakeGateway struct {
	mu         sync.Mutex
	err        error
	calls      int
	failAfter  int // fail once calls exceed failAfter; 0 fails every call
	shouldFail bool
}

func (f *fakeGateway) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.shouldFail && f.calls > f.failAfter {
		return f.err
	}
	return nil
}

func (f *fakeGateway) FetchChain(context.Context, models.Underlying, time.Time, string) (*models.ChainSnapshot, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &models.ChainSnapshot{}, nil
}

func (f *fakeGateway) Quote(_ context.Context, symbol string) (models.Quote, error) {
	return models.Quote{Symbol: symbol, Last: 5000}, f.next()
}

func (f *fakeGateway) TimeSales(context.Context, string, string, time.Time, time.Time) ([]models.Bar, error) {
	return nil, f.next()
}

func (f *fakeGateway) CurrentPositions(context.Context, string) ([]models.PositionRecord, error) {
	return nil, f.next()
}

func (f *fakeGateway) Submit(context.Context, models.OrderRequest) (models.GatewayOrder, error) {
	if err := f.next(); err != nil {
		return models.GatewayOrder{}, err
	}
	return models.GatewayOrder{ID: "1", Status: "ok"}, nil
}

func (f *fakeGateway) Replace(context.Context, string, float64) error { return f.next() }
func (f *fakeGateway) Cancel(context.Context, string) error           { return f.next() }

func (f *fakeGateway) Status(_ context.Context, id string) (models.OrderStatus, error) {
	return models.OrderStatus{GatewayID: id, Status: models.GatewayOpen}, f.next()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestCircuitBreakerGateway_PassThrough(t *testing.T) {
	fake := &fakeGateway{}
	cb := NewCircuitBreakerGateway(fake, quietLogger())
	ctx := context.Background()

	q, err := cb.Quote(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, "SPX", q.Symbol)

	ack, err := cb.Submit(ctx, models.OrderRequest{})
	require.NoError(t, err)
	assert.Equal(t, "1", ack.ID)

	require.NoError(t, cb.Replace(ctx, "1", 1.0))
	require.NoError(t, cb.Cancel(ctx, "1"))
	st, err := cb.Status(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, models.GatewayOpen, st.Status)

	snap, err := cb.FetchChain(ctx, spx, time.Now(), "SPXW")
	require.NoError(t, err)
	assert.NotNil(t, snap)

	_, err = cb.CurrentPositions(ctx, "SPX")
	require.NoError(t, err)
	_, err = cb.TimeSales(ctx, "SPX", "1min", time.Now(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 8, fake.calls)
	assert.Equal(t, gobreaker.StateClosed.String(), cb.State())
}

func TestCircuitBreakerGateway_TripsAndRecovers(t *testing.T) {
	fake := &fakeGateway{shouldFail: true, err: errors.New("connection reset")}
	settings := CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      50 * time.Millisecond,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
	cb := NewCircuitBreakerGatewayWithSettings(fake, quietLogger(), settings)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Quote(ctx, "SPX")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen.String(), cb.State())

	_, err := cb.Quote(ctx, "SPX")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, fake.calls, "open breaker must not reach the gateway")

	fake.mu.Lock()
	fake.shouldFail = false
	fake.mu.Unlock()
	time.Sleep(80 * time.Millisecond)

	_, err = cb.Quote(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed.String(), cb.State())
}

func TestCircuitBreakerGateway_IgnoresPermanentAndCanceled(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"permanent", &APIError{Status: 400, Body: "bad request"}},
		{"canceled", context.Canceled},
		{"unsupported", ErrUnsupported},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeGateway{shouldFail: true, err: tc.err}
			cb := NewCircuitBreakerGatewayWithSettings(fake, quietLogger(), CircuitBreakerSettings{
				MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5,
			})
			for i := 0; i < 5; i++ {
				err := cb.Cancel(context.Background(), "1")
				assert.ErrorIs(t, err, tc.err)
			}
			assert.Equal(t, gobreaker.StateClosed.String(), cb.State())
		})
	}
}

func TestNewTradierGateway_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewTradierGateway(nil) })
}
