package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/condorbot/internal/broker"
	"github.com/eddiefleurent/condorbot/internal/config"
	"github.com/eddiefleurent/condorbot/internal/gate"
	"github.com/eddiefleurent/condorbot/internal/journal"
	"github.com/eddiefleurent/condorbot/internal/mock"
	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/eddiefleurent/condorbot/internal/notify"
	"github.com/eddiefleurent/condorbot/internal/orders"
	"github.com/eddiefleurent/condorbot/internal/status"
	"github.com/eddiefleurent/condorbot/internal/strategy"
	"github.com/eddiefleurent/condorbot/internal/tradecount"
)

// Options are the run flags.
type Options struct {
	Live     bool // place real orders instead of previews
	Sandbox  bool // force the broker sandbox
	Override bool // skip the volatility and opening range checks
	DryRun   bool // use the simulated gateway
}

// Outcome of one symbol in a run.
const (
	outcomeSkipped   = "skipped"
	outcomeSubmitted = "submitted"
	outcomeFailed    = "failed"
)

// Result is what happened to one symbol.
type Result struct {
	Symbol  string
	Outcome string
	Reason  string
	Order   models.OrderSnapshot
	Price   float64
}

// Bot wires the engine for one run over the configured symbols.
type Bot struct {
	config   *config.Config
	opts     Options
	gateway  broker.Gateway
	breaker  *broker.CircuitBreakerGateway
	strategy *strategy.IronCondor
	gate     *gate.Gate
	counter  *tradecount.Counter
	journal  journal.Interface
	notes    *notify.Recorder
	registry *status.Registry
	logger   *logrus.Logger
	now      func() time.Time
}

// newGateway selects the broker connection for the run.
func newGateway(cfg *config.Config, opts Options, logger *logrus.Logger) (broker.Gateway, *broker.CircuitBreakerGateway) {
	if opts.DryRun || cfg.Broker.Provider == "sim" {
		logger.Info("Using simulated gateway")
		return mock.NewGateway(mock.WithRandomWalk(), mock.WithFillMode(mock.FillAfterPolls, 3)), nil
	}

	sandbox := useSandbox(cfg, opts)
	if sandbox {
		logger.Info("Using broker sandbox")
	}
	var api *broker.TradierAPI
	if cfg.Broker.APIEndpoint != "" {
		api = broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID, sandbox, cfg.Broker.APIEndpoint)
	} else {
		api = broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, sandbox)
	}
	api = api.WithLogger(logger)

	tg := broker.NewTradierGateway(api)
	for _, name := range cfg.SymbolNames() {
		if sc, err := cfg.Symbol(name); err == nil {
			tg = tg.WithTradingClass(name, sc.TradingClass)
		}
	}
	cb := broker.NewCircuitBreakerGateway(tg, logger)
	return cb, cb
}

// useSandbox reports whether orders go to the broker sandbox. Paper mode
// always does, whatever the flags say.
func useSandbox(cfg *config.Config, opts Options) bool {
	return cfg.IsPaperTrading() || cfg.Broker.Sandbox || opts.Sandbox
}

// NewBot builds every collaborator around gw. A nil now uses the wall clock.
func NewBot(cfg *config.Config, opts Options, gw broker.Gateway, logger *logrus.Logger, now func() time.Time) (*Bot, error) {
	if now == nil {
		now = time.Now
	}
	counter, err := tradecount.NewCounter(cfg.Storage.TradeCounterPath,
		tradecount.WithLocation(cfg.Location()), tradecount.WithClock(now))
	if err != nil {
		return nil, err
	}

	var jrnl journal.Interface
	if cfg.Storage.JournalPath != "" {
		if jrnl, err = journal.NewJournal(cfg.Storage.JournalPath); err != nil {
			return nil, err
		}
	}

	notes := notify.NewRecorder(100)
	notifier := notify.Multi{notify.NewLogNotifier(logger, cfg.Strategy.Tag), notes}

	submitter := orders.NewSubmitter(gw, cfg, logger, orders.Config{
		Quiescence:     cfg.Orders.Quiescence,
		PollInterval:   cfg.Orders.PollInterval,
		FillTimeout:    cfg.Orders.FillTimeout,
		CallTimeout:    cfg.Orders.CallTimeout,
		AdjustTicks:    *cfg.Orders.AdjustTicks,
		MaxAdjustments: *cfg.Orders.MaxAdjustments,
	})

	ic, err := strategy.NewIronCondor(strategy.Deps{
		Config:    cfg,
		Market:    gw,
		Submitter: submitter,
		Counter:   counter,
		Notifier:  notifier,
		Journal:   jrnl,
		Logger:    logger,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}

	return &Bot{
		config:   cfg,
		opts:     opts,
		gateway:  gw,
		strategy: ic,
		gate:     gate.New(gw, gateConfig(cfg), logger).WithClock(now),
		counter:  counter,
		journal:  jrnl,
		notes:    notes,
		registry: status.NewRegistry(),
		logger:   logger,
		now:      now,
	}, nil
}

func gateConfig(cfg *config.Config) gate.Config {
	return gate.Config{
		Location:   cfg.Location(),
		ORBType:    cfg.Gate.ORBType,
		VIXSymbol:  cfg.Gate.VIXSymbol,
		ORBWindow:  time.Duration(cfg.Gate.ORBSeconds) * time.Second,
		MinVIXPct:  cfg.Gate.MinVIXPct,
		ORBEnabled: cfg.Gate.ORBEnabled,
		CheckVIX:   cfg.Gate.CheckVIX,
	}
}

// statusServer returns the status endpoint, or nil when disabled.
func (b *Bot) statusServer() *status.Server {
	if !b.config.Status.Enabled {
		return nil
	}
	src := status.Sources{
		Orders:        b.registry,
		Counts:        b.counter,
		Journal:       b.journal,
		Notifications: b.notes,
	}
	if b.breaker != nil {
		src.Breaker = b.breaker.State
	}
	return status.NewServer(status.Config{AuthToken: b.config.Status.AuthToken, Port: b.config.Status.Port}, src, b.logger)
}

// sessionEnd returns today's configured end of trading.
func (b *Bot) sessionEnd(now time.Time) (time.Time, bool) {
	loc := b.config.Location()
	end, err := time.ParseInLocation("15:04", b.config.Schedule.TradingEnd, loc)
	if err != nil {
		return time.Time{}, false
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), end.Hour(), end.Minute(), 0, 0, loc), true
}

// Run checks the session-wide gate and processes every configured symbol.
// Per-symbol failures are reported in the results, never returned.
func (b *Bot) Run(ctx context.Context) ([]Result, error) {
	now := b.now()
	if !b.opts.Override && !b.opts.DryRun && !b.config.IsWithinTradingHours(now) {
		b.logger.WithFields(logrus.Fields{
			"start": b.config.Schedule.TradingStart,
			"end":   b.config.Schedule.TradingEnd,
		}).Info("Outside trading hours, nothing to do")
		return nil, nil
	}

	// Orders still working at the session end are cancelled.
	if end, ok := b.sessionEnd(now); ok && now.Before(end) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, end.Sub(now))
		defer cancel()
	}

	if !b.opts.Override {
		ok, move, err := b.gate.CheckVIX(ctx)
		if err != nil {
			return nil, fmt.Errorf("volatility check: %w", err)
		}
		if !ok {
			b.logger.WithField("move", fmt.Sprintf("%.2f%%", move)).Info("Volatility move below minimum, not trading today")
			return nil, nil
		}
	}

	symbols := b.config.SymbolNames()
	results := make([]Result, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.Strategy.MaxConcurrentSymbols)
	for i, symbol := range symbols {
		g.Go(func() error {
			results[i] = b.runSymbol(gctx, symbol)
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// runSymbol qualifies, gates and submits one symbol.
func (b *Bot) runSymbol(ctx context.Context, symbol string) (res Result) {
	res = Result{Symbol: symbol}
	log := b.logger.WithField("symbol", symbol)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Recovered panic while processing symbol")
			res.Outcome, res.Reason = outcomeFailed, fmt.Sprintf("panic: %v", r)
		}
	}()

	u, err := strategy.Qualify(b.config, symbol, b.now())
	if err != nil {
		return res.fail(log, "qualify", err)
	}

	q, err := b.gateway.Quote(ctx, u.Symbol)
	if err != nil {
		return res.fail(log, "quote", err)
	}
	res.Price = q.ReferencePrice()
	if res.Price <= 0 {
		return res.fail(log, "quote", fmt.Errorf("no usable price for %s", symbol))
	}

	if !b.opts.Override {
		ok, err := b.gate.Allow(ctx, symbol, res.Price)
		if err != nil {
			return res.fail(log, "opening range", err)
		}
		if !ok {
			log.WithField("price", res.Price).Info("No opening range breakout, skipping trade")
			res.Outcome, res.Reason = outcomeSkipped, "no breakout"
			return res
		}
	}

	live := b.opts.Live && !b.opts.DryRun
	handle, err := b.strategy.SubmitCombo(ctx, u, res.Price, live)
	if handle == nil {
		if errors.Is(err, models.ErrMaxOpenTrades) || errors.Is(err, models.ErrPositionCollision) {
			res.Outcome, res.Reason = outcomeSkipped, err.Error()
			return res
		}
		return res.fail(log, "submit", err)
	}

	b.registry.Track(handle)
	res.Order = handle.Snapshot()
	if errors.Is(err, models.ErrSubmissionFailed) {
		return res.fail(log, "submit", err)
	}
	res.Outcome = outcomeSubmitted
	if err != nil {
		res.Reason = err.Error()
	}
	return res
}

func (r Result) fail(log logrus.FieldLogger, step string, err error) Result {
	log.WithError(err).Errorf("%s failed", step)
	r.Outcome = outcomeFailed
	r.Reason = fmt.Sprintf("%s: %v", step, err)
	return r
}
