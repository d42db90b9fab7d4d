package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Gateway is everything the engine needs from a broker connection. Every call
// suspends until the broker answers or ctx ends.
type Gateway interface {
	// Market data
	FetchChain(ctx context.Context, u models.Underlying, expiry time.Time, tradingClass string) (*models.ChainSnapshot, error)
	Quote(ctx context.Context, symbol string) (models.Quote, error)
	TimeSales(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Bar, error)

	// Account
	CurrentPositions(ctx context.Context, symbol string) ([]models.PositionRecord, error)

	// Orders
	Submit(ctx context.Context, req models.OrderRequest) (models.GatewayOrder, error)
	Replace(ctx context.Context, gatewayID string, price float64) error
	Cancel(ctx context.Context, gatewayID string) error
	Status(ctx context.Context, gatewayID string) (models.OrderStatus, error)
}

// TradierGateway adapts TradierAPI to Gateway.
type TradierGateway struct {
	api *TradierAPI
	now func() time.Time
	// roots maps an underlying to the option roots that belong to it
	roots map[string][]string
}

// Ensure TradierGateway implements Gateway at compile time.
var _ Gateway = (*TradierGateway)(nil)

// NewTradierGateway wraps api.
func NewTradierGateway(api *TradierAPI) *TradierGateway {
	if api == nil {
		panic("broker: tradier api cannot be nil")
	}
	return &TradierGateway{api: api, now: time.Now, roots: make(map[string][]string)}
}

// WithTradingClass registers an option root (e.g. SPXW) as belonging to symbol
// so that its positions are reported for symbol.
func (g *TradierGateway) WithTradingClass(symbol, tradingClass string) *TradierGateway {
	symbol = strings.ToUpper(symbol)
	tradingClass = strings.ToUpper(tradingClass)
	if tradingClass != "" && tradingClass != symbol {
		g.roots[symbol] = append(g.roots[symbol], tradingClass)
	}
	return g
}

func (g *TradierGateway) belongsTo(root, symbol string) bool {
	root, symbol = strings.ToUpper(root), strings.ToUpper(symbol)
	if root == symbol {
		return true
	}
	for _, r := range g.roots[symbol] {
		if r == root {
			return true
		}
	}
	return false
}

// FetchChain loads the chain with greeks for one expiry. Only contracts whose
// root matches tradingClass are kept; zero or missing bids and asks become NaN.
func (g *TradierGateway) FetchChain(ctx context.Context, u models.Underlying, expiry time.Time, tradingClass string) (*models.ChainSnapshot, error) {
	if u.SecType == models.SecTypeFuture {
		return nil, fmt.Errorf("%w: option chains on futures (%s)", ErrUnsupported, u.Symbol)
	}
	options, err := g.api.GetOptionChainCtx(ctx, u.Symbol, expiry.Format(models.ExpiryLayout), true)
	if err != nil {
		return nil, err
	}

	snap := &models.ChainSnapshot{
		CapturedAt:   g.now(),
		Expiry:       models.ExpiryDate(expiry),
		Underlying:   u,
		TradingClass: tradingClass,
		Quotes:       make([]models.OptionQuote, 0, len(options)),
	}
	for _, opt := range options {
		q, ok := toOptionQuote(opt, u.Symbol)
		if !ok {
			continue
		}
		if tradingClass != "" && !strings.EqualFold(q.TradingClass, tradingClass) {
			continue
		}
		if !models.SameExpiry(q.Expiry, expiry) {
			continue
		}
		snap.Quotes = append(snap.Quotes, q)
	}
	return snap, nil
}

func toOptionQuote(opt Option, underlying string) (models.OptionQuote, bool) {
	right, err := models.ParseRight(opt.OptionType)
	if err != nil {
		return models.OptionQuote{}, false
	}
	expiry, err := time.Parse(models.ExpiryLayout, opt.ExpirationDate)
	if err != nil {
		return models.OptionQuote{}, false
	}
	root := opt.RootSymbol
	if root == "" {
		root = extractUnderlyingFromOSI(opt.Symbol)
	}

	q := models.OptionQuote{
		Expiry:       expiry,
		Symbol:       opt.Symbol,
		Underlying:   underlying,
		TradingClass: strings.ToUpper(root),
		Right:        right,
		Strike:       opt.Strike,
		Bid:          priceOrNaN(opt.Bid),
		Ask:          priceOrNaN(opt.Ask),
		Mid:          math.NaN(),
		Delta:        math.NaN(),
	}
	if q.HasTwoSidedQuote() {
		q.Mid = (q.Bid + q.Ask) / 2
	}
	if opt.Greeks != nil {
		q.Delta = opt.Greeks.Delta
	}
	return q, true
}

// priceOrNaN treats absent and non-positive quotes as missing.
func priceOrNaN(p *float64) float64 {
	if p == nil || *p <= 0 || math.IsNaN(*p) {
		return math.NaN()
	}
	return *p
}

func floatOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Quote returns the current quote for symbol.
func (g *TradierGateway) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	item, err := g.api.GetQuoteCtx(ctx, symbol)
	if err != nil {
		return models.Quote{}, err
	}
	return models.Quote{
		Symbol:    item.Symbol,
		Last:      floatOrZero(item.Last),
		Bid:       floatOrZero(item.Bid),
		Ask:       floatOrZero(item.Ask),
		Open:      floatOrZero(item.Open),
		High:      floatOrZero(item.High),
		Low:       floatOrZero(item.Low),
		PrevClose: floatOrZero(item.PrevClose),
	}, nil
}

// TimeSales returns intraday bars. Bar times carry the location of start.
func (g *TradierGateway) TimeSales(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Bar, error) {
	points, err := g.api.GetTimeSalesCtx(ctx, symbol, interval, start, end)
	if err != nil {
		return nil, err
	}
	loc := start.Location()
	bars := make([]models.Bar, 0, len(points))
	for _, p := range points {
		ts, err := time.ParseInLocation("2006-01-02T15:04:05", p.Time, loc)
		if err != nil {
			return nil, fmt.Errorf("parsing bar time %q: %w", p.Time, err)
		}
		bars = append(bars, models.Bar{Time: ts, Open: p.Open, High: p.High, Low: p.Low, Close: p.Close, Volume: p.Volume})
	}
	return bars, nil
}

// CurrentPositions returns the open option positions on symbol and its
// registered trading classes. Equity and unparseable positions are skipped.
func (g *TradierGateway) CurrentPositions(ctx context.Context, symbol string) ([]models.PositionRecord, error) {
	items, err := g.api.GetPositionsCtx(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.PositionRecord
	for _, item := range items {
		c, err := ParseOSI(item.Symbol)
		if err != nil || !g.belongsTo(c.Root, symbol) {
			continue
		}
		out = append(out, models.PositionRecord{
			Expiry:     c.Expiry,
			Symbol:     item.Symbol,
			Underlying: strings.ToUpper(symbol),
			Right:      c.Right,
			Strike:     c.Strike,
			Quantity:   item.Quantity,
		})
	}
	return out, nil
}

// Submit places the combo as one multileg order. Adaptive requests go out as
// market orders; the rest are credit limits for sells and debit limits for
// buys.
func (g *TradierGateway) Submit(ctx context.Context, req models.OrderRequest) (models.GatewayOrder, error) {
	inst := req.Instrument
	if inst == nil || len(inst.Legs) == 0 {
		return models.GatewayOrder{}, fmt.Errorf("%w: order has no instrument", models.ErrInvalidCombo)
	}
	if req.Quantity <= 0 {
		return models.GatewayOrder{}, fmt.Errorf("invalid quantity %d", req.Quantity)
	}

	order := MultilegOrder{
		Symbol:   inst.Underlying.Symbol,
		Duration: "day",
		Tag:      req.Tag,
		Price:    req.LimitPrice,
		Preview:  req.Preview,
	}
	switch {
	case req.Adaptive:
		order.Type = "market"
	case req.Action == models.ActionSell:
		order.Type = "credit"
	default:
		order.Type = "debit"
	}

	root := inst.TradingClass
	if root == "" {
		root = inst.Underlying.Symbol
	}
	for _, leg := range inst.Legs {
		sym := leg.Contract.Symbol
		if sym == "" {
			sym = FormatOSI(root, leg.Contract.Expiry, leg.Contract.Right, leg.Contract.Strike)
		}
		side := "buy_to_open"
		if leg.Side == models.SideShort {
			side = "sell_to_open"
		}
		order.Legs = append(order.Legs, MultilegLeg{OptionSymbol: sym, Side: side, Quantity: req.Quantity * leg.Ratio})
	}

	resp, err := g.api.PlaceMultilegOrderCtx(ctx, order)
	if err != nil {
		return models.GatewayOrder{}, err
	}
	ack := models.GatewayOrder{Status: resp.Order.Status}
	if resp.Order.ID != 0 {
		ack.ID = strconv.Itoa(resp.Order.ID)
	}
	if !req.Preview && ack.ID == "" {
		return ack, fmt.Errorf("order acknowledged without id (status %q)", resp.Order.Status)
	}
	return ack, nil
}

func parseOrderID(gatewayID string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(gatewayID))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid order id %q", gatewayID)
	}
	return id, nil
}

// Replace moves a working order to a new limit price.
func (g *TradierGateway) Replace(ctx context.Context, gatewayID string, price float64) error {
	id, err := parseOrderID(gatewayID)
	if err != nil {
		return err
	}
	_, err = g.api.ModifyOrderCtx(ctx, id, price)
	return err
}

// Cancel cancels a working order.
func (g *TradierGateway) Cancel(ctx context.Context, gatewayID string) error {
	id, err := parseOrderID(gatewayID)
	if err != nil {
		return err
	}
	_, err = g.api.CancelOrderCtx(ctx, id)
	return err
}

// Status returns the order's current fill state.
func (g *TradierGateway) Status(ctx context.Context, gatewayID string) (models.OrderStatus, error) {
	id, err := parseOrderID(gatewayID)
	if err != nil {
		return models.OrderStatus{}, err
	}
	resp, err := g.api.GetOrderStatusCtx(ctx, id)
	if err != nil {
		return models.OrderStatus{}, err
	}
	return models.OrderStatus{
		GatewayID:         gatewayID,
		Status:            models.NormalizeGatewayStatus(resp.Order.Status),
		Quantity:          resp.Order.Quantity,
		ExecQuantity:      resp.Order.ExecQuantity,
		RemainingQuantity: resp.Order.RemainingQuantity,
		AvgFillPrice:      resp.Order.AvgFillPrice,
	}, nil
}

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

var _ Gateway = (*CircuitBreakerGateway)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at a 60% failure rate over at least five
// calls and stays open for 30 seconds.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerGateway wraps gateway with DefaultCircuitBreakerSettings.
func NewCircuitBreakerGateway(gateway Gateway, logger logrus.FieldLogger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, logger, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerGatewayWithSettings wraps gateway with custom settings.
// Caller cancellations and permanent API errors do not count as failures.
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, logger logrus.FieldLogger, settings CircuitBreakerSettings) *CircuitBreakerGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || IsPermanent(err) || errors.Is(err, ErrUnsupported)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
		},
	}
	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// FetchChain wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) FetchChain(ctx context.Context, u models.Underlying, expiry time.Time, tradingClass string) (*models.ChainSnapshot, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*models.ChainSnapshot, error) {
		return g.FetchChain(ctx, u, expiry, tradingClass)
	})
}

// Quote wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (models.Quote, error) {
		return g.Quote(ctx, symbol)
	})
}

// TimeSales wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) TimeSales(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]models.Bar, error) {
		return g.TimeSales(ctx, symbol, interval, start, end)
	})
}

// CurrentPositions wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) CurrentPositions(ctx context.Context, symbol string) ([]models.PositionRecord, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]models.PositionRecord, error) {
		return g.CurrentPositions(ctx, symbol)
	})
}

// Submit wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Submit(ctx context.Context, req models.OrderRequest) (models.GatewayOrder, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (models.GatewayOrder, error) {
		return g.Submit(ctx, req)
	})
}

// Replace wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Replace(ctx context.Context, gatewayID string, price float64) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.Replace(ctx, gatewayID, price)
	})
	return err
}

// Cancel wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Cancel(ctx context.Context, gatewayID string) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.Cancel(ctx, gatewayID)
	})
	return err
}

// Status wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Status(ctx context.Context, gatewayID string) (models.OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (models.OrderStatus, error) {
		return g.Status(ctx, gatewayID)
	})
}

// State reports the breaker state, for status reporting.
func (c *CircuitBreakerGateway) State() string {
	return c.breaker.State().String()
}
