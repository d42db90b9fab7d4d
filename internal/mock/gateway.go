// Package mock provides a simulated broker gateway: a synthetic option chain
// around a configurable spot price and an in-memory order book whose fill
// behaviour is scripted. It drives dry runs and the engine's tests.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/condorbot/internal/broker"
	"github.com/eddiefleurent/condorbot/internal/models"
)

// FillMode scripts how simulated orders fill.
type FillMode int

const (
	// FillImmediately fills every live order on submission.
	FillImmediately FillMode = iota
	// FillAfterPolls fills once Status has been polled FillAfter times.
	FillAfterPolls
	// FillAfterReplaces fills once the order has been replaced FillAfter times.
	FillAfterReplaces
	// FillOnCancel fills when the cancel arrives, like a fill racing the cancel.
	FillOnCancel
	// FillNever leaves orders working until cancelled.
	FillNever
	// RejectAll rejects every order right after acknowledging it.
	RejectAll
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// Order is the simulated book entry for one submission.
type Order struct {
	Request  models.OrderRequest
	ID       string
	Status   models.GatewayStatus
	Price    float64
	Replaces int
	Cancels  int
	Polls    int
}

// Gateway is an in-memory broker.Gateway.
type Gateway struct {
	mu sync.Mutex

	now         func() time.Time
	prices      map[string]float64
	opens       map[string]float64
	steps       map[string]float64
	bars        map[string][]models.Bar
	positions   map[string][]models.PositionRecord
	orders      map[string]*Order
	updates     map[string]chan struct{}
	submitErr   error
	replaceErr  error
	submissions []models.OrderRequest
	vol         float64
	fillMode    FillMode
	fillAfter   int
	nextID      int
	walk        bool
}

var _ broker.Gateway = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithPrice sets the spot price of symbol.
func WithPrice(symbol string, price float64) Option {
	return func(g *Gateway) { g.prices[strings.ToUpper(symbol)] = price }
}

// WithOpen sets the session open of symbol; it defaults to the spot price.
func WithOpen(symbol string, open float64) Option {
	return func(g *Gateway) { g.opens[strings.ToUpper(symbol)] = open }
}

// WithStrikeStep sets the listed strike spacing for symbol.
func WithStrikeStep(symbol string, step float64) Option {
	return func(g *Gateway) { g.steps[strings.ToUpper(symbol)] = step }
}

// WithVolatility sets the annualised volatility used to price the chain.
func WithVolatility(v float64) Option {
	return func(g *Gateway) { g.vol = v }
}

// WithFillMode scripts order fills. after is used by the *After* modes.
func WithFillMode(mode FillMode, after int) Option {
	return func(g *Gateway) {
		g.fillMode = mode
		g.fillAfter = after
	}
}

// WithSubmitError makes every Submit fail with err.
func WithSubmitError(err error) Option {
	return func(g *Gateway) { g.submitErr = err }
}

// WithReplaceError makes every Replace fail with err.
func WithReplaceError(err error) Option {
	return func(g *Gateway) { g.replaceErr = err }
}

// WithPositions seeds open positions for symbol.
func WithPositions(symbol string, recs ...models.PositionRecord) Option {
	return func(g *Gateway) {
		symbol = strings.ToUpper(symbol)
		g.positions[symbol] = append(g.positions[symbol], recs...)
	}
}

// WithBars scripts the intraday bars returned for symbol.
func WithBars(symbol string, bars ...models.Bar) Option {
	return func(g *Gateway) { g.bars[strings.ToUpper(symbol)] = bars }
}

// WithClock overrides the time source used for chain timestamps and expiry math.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithRandomWalk moves the spot price a little on every quote.
func WithRandomWalk() Option {
	return func(g *Gateway) { g.walk = true }
}

// NewGateway returns a simulated gateway. Without options it quotes SPX, ES,
// NQ and VIX near typical levels and fills orders immediately.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		now:       time.Now,
		prices:    map[string]float64{"SPX": 5000, "ES": 5010, "NQ": 17500, "VIX": 15},
		opens:     make(map[string]float64),
		steps:     map[string]float64{"NQ": 25},
		bars:      make(map[string][]models.Bar),
		positions: make(map[string][]models.PositionRecord),
		orders:    make(map[string]*Order),
		updates:   make(map[string]chan struct{}),
		vol:       0.15,
		fillMode:  FillImmediately,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) spot(symbol string) (float64, error) {
	p, ok := g.prices[strings.ToUpper(symbol)]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("mock: no price for %s", symbol)
	}
	return p, nil
}

func (g *Gateway) step(symbol string) float64 {
	if s, ok := g.steps[strings.ToUpper(symbol)]; ok && s > 0 {
		return s
	}
	return 5
}

// strikesEachSide is how many strikes are listed above and below the money.
const strikesEachSide = 40

// FetchChain builds a chain around the spot price. Values use the normal
// (Bachelier) model, so deltas decay smoothly away from the money; contracts
// worth less than a nickel are quoted without a bid.
func (g *Gateway) FetchChain(ctx context.Context, u models.Underlying, expiry time.Time, tradingClass string) (*models.ChainSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	spot, err := g.spot(u.Symbol)
	if err != nil {
		return nil, err
	}
	now := g.now()
	root := tradingClass
	if root == "" {
		root = u.Symbol
	}

	days := models.ExpiryDate(expiry).Sub(models.ExpiryDate(now)).Hours() / 24
	if days < 0 {
		return nil, fmt.Errorf("mock: expiry %s is in the past", expiry.Format(models.ExpiryLayout))
	}
	years := (days + 0.25) / 252
	sigma := spot * g.vol * math.Sqrt(years)

	step := g.step(u.Symbol)
	atm := math.Round(spot/step) * step
	snap := &models.ChainSnapshot{
		CapturedAt:   now,
		Expiry:       models.ExpiryDate(expiry),
		Underlying:   u,
		TradingClass: tradingClass,
	}
	for i := -strikesEachSide; i <= strikesEachSide; i++ {
		strike := atm + float64(i)*step
		if strike <= 0 {
			continue
		}
		d := (spot - strike) / sigma
		callDelta := normCDF(d)
		callValue := (spot-strike)*callDelta + sigma*normPDF(d)
		putValue := callValue - (spot - strike)

		for _, leg := range []struct {
			right models.Right
			value float64
			delta float64
		}{
			{models.RightPut, putValue, callDelta - 1},
			{models.RightCall, callValue, callDelta},
		} {
			bid, ask := quoteAround(leg.value)
			q := models.OptionQuote{
				Expiry:       snap.Expiry,
				Symbol:       broker.FormatOSI(root, expiry, leg.right, strike),
				Underlying:   u.Symbol,
				TradingClass: tradingClass,
				Right:        leg.right,
				Strike:       strike,
				Bid:          bid,
				Ask:          ask,
				Mid:          math.NaN(),
				Delta:        leg.delta,
			}
			if q.HasTwoSidedQuote() {
				q.Mid = (bid + ask) / 2
			}
			snap.Quotes = append(snap.Quotes, q)
		}
	}
	return snap, nil
}

// quoteAround returns a bid/ask on the nickel grid around value.
func quoteAround(value float64) (bid, ask float64) {
	half := math.Max(0.05, value*0.02)
	bid = math.Floor((value-half)*20) / 20
	ask = math.Ceil((value+half)*20) / 20
	if bid < 0.05 {
		bid = math.NaN()
	}
	if ask < 0.05 {
		ask = 0.05
	}
	return bid, ask
}

func normCDF(x float64) float64 { return 0.5 * math.Erfc(-x/math.Sqrt2) }

func normPDF(x float64) float64 { return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi) }

// Quote returns the spot quote with a one-cent spread.
func (g *Gateway) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return models.Quote{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	spot, err := g.spot(symbol)
	if err != nil {
		return models.Quote{}, err
	}
	if g.walk {
		spot += (secureFloat64() - 0.5) * spot * 0.0004
		g.prices[symbol] = spot
	}
	open, ok := g.opens[symbol]
	if !ok {
		open = spot
	}
	return models.Quote{
		Symbol:    symbol,
		Last:      spot,
		Bid:       spot - 0.005,
		Ask:       spot + 0.005,
		Open:      open,
		High:      math.Max(open, spot),
		Low:       math.Min(open, spot),
		PrevClose: open,
	}, nil
}

// TimeSales returns the scripted bars inside [start, end], or synthesises a
// random walk from the open when none were scripted.
func (g *Gateway) TimeSales(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if scripted, ok := g.bars[symbol]; ok {
		var out []models.Bar
		for _, b := range scripted {
			if !b.Time.Before(start) && !b.Time.After(end) {
				out = append(out, b)
			}
		}
		return out, nil
	}

	width, err := intervalDuration(interval)
	if err != nil {
		return nil, err
	}
	price, err := g.spot(symbol)
	if err != nil {
		return nil, err
	}
	if open, ok := g.opens[symbol]; ok {
		price = open
	}

	var bars []models.Bar
	for ts := start; ts.Before(end); ts = ts.Add(width) {
		o := price
		c := o + (secureFloat64()-0.5)*o*0.001
		hi := math.Max(o, c) + secureFloat64()*o*0.0002
		lo := math.Min(o, c) - secureFloat64()*o*0.0002
		bars = append(bars, models.Bar{Time: ts, Open: o, High: hi, Low: lo, Close: c})
		price = c
	}
	return bars, nil
}

func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "", "1min":
		return time.Minute, nil
	case "5min":
		return 5 * time.Minute, nil
	case "15min":
		return 15 * time.Minute, nil
	case "tick":
		return time.Second, nil
	default:
		return 0, fmt.Errorf("mock: unsupported interval %q", interval)
	}
}

// CurrentPositions returns the seeded positions plus every simulated fill.
func (g *Gateway) CurrentPositions(ctx context.Context, symbol string) ([]models.PositionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.PositionRecord(nil), g.positions[strings.ToUpper(symbol)]...), nil
}

// Submit books the order. Previews are acknowledged without an id and never
// reach the book.
func (g *Gateway) Submit(ctx context.Context, req models.OrderRequest) (models.GatewayOrder, error) {
	if err := ctx.Err(); err != nil {
		return models.GatewayOrder{}, err
	}
	if req.Instrument == nil || len(req.Instrument.Legs) == 0 {
		return models.GatewayOrder{}, fmt.Errorf("%w: order has no instrument", models.ErrInvalidCombo)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.submitErr != nil {
		return models.GatewayOrder{}, g.submitErr
	}
	g.submissions = append(g.submissions, req)
	if req.Preview {
		return models.GatewayOrder{Status: "ok"}, nil
	}

	g.nextID++
	o := &Order{
		Request: req,
		ID:      strconv.Itoa(g.nextID),
		Status:  models.GatewayOpen,
		Price:   req.LimitPrice,
	}
	g.orders[o.ID] = o
	g.updates[o.ID] = make(chan struct{}, 1)

	switch g.fillMode {
	case FillImmediately:
		g.fillLocked(o)
	case RejectAll:
		g.setStatusLocked(o, models.GatewayRejected)
	}
	return models.GatewayOrder{ID: o.ID, Status: "ok"}, nil
}

func (g *Gateway) order(id string) (*Order, error) {
	o, ok := g.orders[id]
	if !ok {
		return nil, fmt.Errorf("mock: unknown order %q", id)
	}
	return o, nil
}

func (g *Gateway) working(o *Order) bool {
	return o.Status == models.GatewayOpen || o.Status == models.GatewayPending
}

func (g *Gateway) setStatusLocked(o *Order, status models.GatewayStatus) {
	o.Status = status
	select {
	case g.updates[o.ID] <- struct{}{}:
	default:
	}
}

// fillLocked fills o and books its legs as positions.
func (g *Gateway) fillLocked(o *Order) {
	g.setStatusLocked(o, models.GatewayFilled)
	inst := o.Request.Instrument
	symbol := strings.ToUpper(inst.Underlying.Symbol)
	for _, leg := range inst.Legs {
		qty := float64(o.Request.Quantity * leg.Ratio)
		if leg.Side == models.SideShort {
			qty = -qty
		}
		g.positions[symbol] = append(g.positions[symbol], models.PositionRecord{
			Expiry:     leg.Contract.Expiry,
			Symbol:     leg.Contract.Symbol,
			Underlying: symbol,
			Right:      leg.Contract.Right,
			Strike:     leg.Contract.Strike,
			Quantity:   qty,
		})
	}
}

// Replace reprices a working order.
func (g *Gateway) Replace(ctx context.Context, gatewayID string, price float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	o, err := g.order(gatewayID)
	if err != nil {
		return err
	}
	if g.replaceErr != nil {
		return g.replaceErr
	}
	if !g.working(o) {
		return fmt.Errorf("mock: order %s is %s", gatewayID, o.Status)
	}
	if price <= 0 {
		return fmt.Errorf("mock: invalid price %.2f", price)
	}
	o.Price = price
	o.Replaces++
	if g.fillMode == FillAfterReplaces && o.Replaces >= g.fillAfter {
		g.fillLocked(o)
	}
	return nil
}

// Cancel cancels a working order. Cancelling a finished order is an error,
// as it is on a real broker.
func (g *Gateway) Cancel(ctx context.Context, gatewayID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	o, err := g.order(gatewayID)
	if err != nil {
		return err
	}
	o.Cancels++
	if !g.working(o) {
		return fmt.Errorf("mock: order %s is %s", gatewayID, o.Status)
	}
	if g.fillMode == FillOnCancel {
		g.fillLocked(o)
		return fmt.Errorf("mock: order %s is %s", gatewayID, o.Status)
	}
	g.setStatusLocked(o, models.GatewayCancelled)
	return nil
}

// Status reports the order and counts the poll.
func (g *Gateway) Status(ctx context.Context, gatewayID string) (models.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderStatus{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	o, err := g.order(gatewayID)
	if err != nil {
		return models.OrderStatus{}, err
	}
	o.Polls++
	if g.fillMode == FillAfterPolls && g.working(o) && o.Polls >= g.fillAfter {
		g.fillLocked(o)
	}

	qty := float64(o.Request.Quantity)
	st := models.OrderStatus{
		GatewayID:         o.ID,
		Status:            o.Status,
		Quantity:          qty,
		RemainingQuantity: qty,
	}
	if o.Status == models.GatewayFilled {
		st.ExecQuantity = qty
		st.RemainingQuantity = 0
		st.AvgFillPrice = o.Price
	}
	return st, nil
}

// Updates returns a channel that receives a value whenever the order changes
// status. It is nil for unknown orders.
func (g *Gateway) Updates(gatewayID string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updates[gatewayID]
}

// Order returns a copy of the booked order.
func (g *Gateway) Order(gatewayID string) (Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[gatewayID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Submissions returns every request passed to Submit, previews included.
func (g *Gateway) Submissions() []models.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.OrderRequest(nil), g.submissions...)
}

// SetPrice moves the spot price of symbol.
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[strings.ToUpper(symbol)] = price
}
