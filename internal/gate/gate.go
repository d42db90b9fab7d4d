// Package gate decides whether today's session qualifies for an entry: an
// opening-range breakout per symbol and a volatility move from the open.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/condorbot/internal/models"
)

const (
	// ORBLow breaks out when price trades below the range low
	ORBLow = "low"
	// ORBHigh breaks out when price trades above the range high
	ORBHigh = "high"
)

var (
	// ErrNoBars is returned when the market data source has no bars for the range.
	ErrNoBars = errors.New("no bars in opening range")
	// ErrRangeForming is returned while the opening range window is still open.
	ErrRangeForming = errors.New("opening range still forming")
	// ErrNoOpen is returned when the volatility index has no opening print.
	ErrNoOpen = errors.New("no opening price")
)

// MarketData is the subset of the broker the gate reads from.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (models.Quote, error)
	TimeSales(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Bar, error)
}

// Config selects the checks and their thresholds.
type Config struct {
	Location   *time.Location
	ORBType    string
	VIXSymbol  string
	ORBWindow  time.Duration
	MinVIXPct  float64
	ORBEnabled bool
	CheckVIX   bool
}

// OpeningRange is the high and low traded during the first minutes of a session.
type OpeningRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Bars  int       `json:"bars"`
}

// Result is the outcome of an opening-range check.
type Result struct {
	Range     OpeningRange
	Price     float64
	Breakout  bool
	Direction string
}

// Gate evaluates entry preconditions against a market data source.
type Gate struct {
	data   MarketData
	logger logrus.FieldLogger
	now    func() time.Time
	cfg    Config
}

// New creates a gate. A nil logger discards output.
func New(data MarketData, cfg Config, logger logrus.FieldLogger) *Gate {
	if data == nil {
		panic("gate: market data cannot be nil")
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if cfg.Location == nil {
		if loc, err := time.LoadLocation("America/New_York"); err == nil {
			cfg.Location = loc
		} else {
			cfg.Location = time.UTC
		}
	}
	cfg.ORBType = strings.ToLower(cfg.ORBType)
	if cfg.ORBType == "" {
		cfg.ORBType = ORBLow
	}
	if cfg.ORBWindow <= 0 {
		cfg.ORBWindow = time.Hour
	}
	if cfg.VIXSymbol == "" {
		cfg.VIXSymbol = "VIX"
	}
	return &Gate{data: data, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces the wall clock, for tests and replays.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Config returns the normalised configuration.
func (g *Gate) Config() Config {
	return g.cfg
}

// sessionOpen returns 09:30 exchange time on day's calendar date.
func (g *Gate) sessionOpen(day time.Time) time.Time {
	y, m, d := day.In(g.cfg.Location).Date()
	return time.Date(y, m, d, 9, 30, 0, 0, g.cfg.Location)
}

// OpeningRange computes the range of symbol on day from one-minute bars
// starting at 09:30 exchange time and spanning the configured window.
func (g *Gate) OpeningRange(ctx context.Context, symbol string, day time.Time) (OpeningRange, error) {
	start := g.sessionOpen(day)
	end := start.Add(g.cfg.ORBWindow)
	rng := OpeningRange{Start: start, End: end, High: math.Inf(-1), Low: math.Inf(1)}

	if g.now().Before(end) {
		return rng, fmt.Errorf("%s until %s: %w", symbol, end.Format("15:04"), ErrRangeForming)
	}

	bars, err := g.data.TimeSales(ctx, symbol, "1min", start, end)
	if err != nil {
		return rng, fmt.Errorf("fetching bars for %s: %w", symbol, err)
	}
	for _, b := range bars {
		if b.Time.Before(start) || !b.Time.Before(end) {
			continue
		}
		rng.Bars++
		rng.High = math.Max(rng.High, b.High)
		rng.Low = math.Min(rng.Low, b.Low)
	}
	if rng.Bars == 0 {
		return rng, fmt.Errorf("%s %s: %w", symbol, start.Format("2006-01-02"), ErrNoBars)
	}
	return rng, nil
}

// CheckORB reports whether price has broken out of today's opening range in
// the configured direction. A zero price is replaced by a fresh quote.
func (g *Gate) CheckORB(ctx context.Context, symbol string, price float64) (Result, error) {
	res := Result{Direction: g.cfg.ORBType, Price: price}

	rng, err := g.OpeningRange(ctx, symbol, g.now())
	res.Range = rng
	if err != nil {
		return res, err
	}

	if res.Price <= 0 {
		q, err := g.data.Quote(ctx, symbol)
		if err != nil {
			return res, fmt.Errorf("quote for %s: %w", symbol, err)
		}
		res.Price = q.ReferencePrice()
	}

	switch g.cfg.ORBType {
	case ORBHigh:
		res.Breakout = res.Price > rng.High
	default:
		res.Breakout = res.Price < rng.Low
	}

	g.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"orb_type": g.cfg.ORBType,
		"price":    res.Price,
		"orb_high": rng.High,
		"orb_low":  rng.Low,
		"bars":     rng.Bars,
		"breakout": res.Breakout,
	}).Info("Opening range check")
	return res, nil
}

// VIXMove returns the percent change of the volatility index from its open.
func (g *Gate) VIXMove(ctx context.Context) (float64, error) {
	q, err := g.data.Quote(ctx, g.cfg.VIXSymbol)
	if err != nil {
		return 0, fmt.Errorf("quote for %s: %w", g.cfg.VIXSymbol, err)
	}
	if q.Open <= 0 {
		return 0, fmt.Errorf("%s: %w", g.cfg.VIXSymbol, ErrNoOpen)
	}
	last := q.ReferencePrice()
	if last <= 0 {
		return 0, fmt.Errorf("%s has no last price", g.cfg.VIXSymbol)
	}
	return (last - q.Open) / q.Open * 100, nil
}

// CheckVIX reports whether the volatility move from the open is at least the
// configured minimum. It always passes when the check is disabled.
func (g *Gate) CheckVIX(ctx context.Context) (bool, float64, error) {
	if !g.cfg.CheckVIX {
		return true, 0, nil
	}
	move, err := g.VIXMove(ctx)
	if err != nil {
		return false, 0, err
	}
	ok := move >= g.cfg.MinVIXPct
	g.logger.WithFields(logrus.Fields{
		"symbol":  g.cfg.VIXSymbol,
		"move":    fmt.Sprintf("%.2f%%", move),
		"minimum": g.cfg.MinVIXPct,
		"pass":    ok,
	}).Info("Volatility check")
	return ok, move, nil
}

// Allow runs the per-symbol checks. It returns true without looking at the
// market when the opening-range check is disabled.
func (g *Gate) Allow(ctx context.Context, symbol string, price float64) (bool, error) {
	if !g.cfg.ORBEnabled {
		return true, nil
	}
	res, err := g.CheckORB(ctx, symbol, price)
	if err != nil {
		return false, err
	}
	return res.Breakout, nil
}
