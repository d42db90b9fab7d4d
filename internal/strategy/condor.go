// Package strategy turns a qualified underlying and its reference price into a
// submitted iron condor.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/condorbot/internal/combo"
	"github.com/eddiefleurent/condorbot/internal/config"
	"github.com/eddiefleurent/condorbot/internal/guard"
	"github.com/eddiefleurent/condorbot/internal/journal"
	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/eddiefleurent/condorbot/internal/notify"
	"github.com/eddiefleurent/condorbot/internal/selection"
	"github.com/eddiefleurent/condorbot/internal/tradecount"
)

// MarketSource is the part of the broker the strategy reads from.
type MarketSource interface {
	selection.ChainProvider
	guard.PositionSource
}

// OrderSubmitter places and works an order request.
type OrderSubmitter interface {
	Submit(ctx context.Context, req models.OrderRequest) (*models.OrderHandle, error)
}

// Deps are the collaborators of IronCondor. Journal and Notifier are optional.
type Deps struct {
	Config    *config.Config
	Market    MarketSource
	Submitter OrderSubmitter
	Counter   tradecount.Interface
	Notifier  notify.Notifier
	Journal   journal.Interface
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// IronCondor selects, prices and submits iron condors.
type IronCondor struct {
	cfg       *config.Config
	market    MarketSource
	submitter OrderSubmitter
	counter   tradecount.Interface
	notifier  notify.Notifier
	journal   journal.Interface
	guard     *guard.Guard
	pricer    *combo.PriceEngine
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewIronCondor wires the strategy. Config, Market, Submitter and Counter are
// required.
func NewIronCondor(d Deps) (*IronCondor, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("strategy: config is required")
	case d.Market == nil:
		return nil, errors.New("strategy: market source is required")
	case d.Submitter == nil:
		return nil, errors.New("strategy: order submitter is required")
	case d.Counter == nil:
		return nil, errors.New("strategy: trade counter is required")
	}
	if d.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		d.Logger = l
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLogNotifier(d.Logger, d.Config.Strategy.Tag)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &IronCondor{
		cfg:       d.Config,
		market:    d.Market,
		submitter: d.Submitter,
		counter:   d.Counter,
		notifier:  d.Notifier,
		journal:   d.Journal,
		guard:     guard.New(d.Market, d.Logger),
		pricer:    combo.NewPriceEngine(combo.TickSizerFunc(d.Config.TickSize)),
		logger:    d.Logger,
		now:       d.Now,
	}, nil
}

// SubmitCombo selects a four-leg iron condor on today's expiry around
// referencePrice and submits it. live=false sends a preview only.
//
// A nil handle means nothing was sent: the symbol is unknown, the open trade
// limit is reached, selection or pricing failed, or a leg collides with an
// open position. Otherwise the handle is returned in its terminal state along
// with the submitter's error, if any.
func (s *IronCondor) SubmitCombo(ctx context.Context, u models.Underlying, referencePrice float64, live bool) (handle *models.OrderHandle, err error) {
	log := s.logger.WithFields(logrus.Fields{
		"symbol": u.Symbol,
		"price":  referencePrice,
		"live":   live,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered panic while building combo")
			handle = nil
			err = fmt.Errorf("%s: combo construction panicked: %v", u.Symbol, r)
		}
	}()

	sc, err := s.cfg.Symbol(u.Symbol)
	if err != nil {
		return nil, err
	}

	// A live attempt holds its trade slot from here on; the slot is given back
	// unless an order reached the gateway.
	tradeNo := 0
	if live {
		n, rerr := s.counter.Reserve(u.Symbol, sc.MaxOpenTrades)
		switch {
		case errors.Is(rerr, tradecount.ErrLimitReached):
			return nil, s.maxTrades(u.Symbol, n, sc.MaxOpenTrades, log)
		case rerr != nil:
			return nil, fmt.Errorf("reserving trade slot: %w", rerr)
		}
		tradeNo = n
		defer func() {
			if handle != nil && handle.GatewayID() != "" {
				return
			}
			if rerr := s.counter.Release(u.Symbol); rerr != nil {
				log.WithError(rerr).Error("Failed to release trade slot")
			}
		}()
	} else if open := s.counter.Count(u.Symbol); open >= sc.MaxOpenTrades {
		return nil, s.maxTrades(u.Symbol, open, sc.MaxOpenTrades, log)
	}

	req, err := s.buildRequest(ctx, u, sc, referencePrice, live, log)
	if err != nil {
		return nil, err
	}
	log = log.WithFields(logrus.Fields{"order": req.ID, "limit": req.LimitPrice})

	handle, err = s.submitter.Submit(ctx, req)
	s.record(handle, err, log)
	if handle == nil {
		return nil, err
	}

	if live && handle.GatewayID() != "" {
		s.notifier.Notify(notify.LevelInfo, u.Symbol, fmt.Sprintf("opened %s, trade #%d (%s)", u.Symbol, tradeNo, handle.State()))
	}

	switch {
	case err == nil:
		log.WithField("state", handle.State()).Info("Combo submitted")
	case errors.Is(err, models.ErrFillTimeout):
		log.WithField("state", handle.State()).Warn("Combo not filled within budget")
	default:
		log.WithError(err).WithField("state", handle.State()).Error("Combo submission ended with error")
	}
	return handle, err
}

func (s *IronCondor) maxTrades(symbol string, open, limit int, log logrus.FieldLogger) error {
	log.WithFields(logrus.Fields{"open": open, "max": limit}).Info("Max open trades reached, skipping")
	return fmt.Errorf("%s has %d of %d trades: %w", symbol, open, limit, models.ErrMaxOpenTrades)
}

// buildRequest runs selection, the collision guard and pricing.
func (s *IronCondor) buildRequest(
	ctx context.Context,
	u models.Underlying,
	sc *config.SymbolConfig,
	referencePrice float64,
	live bool,
	log logrus.FieldLogger,
) (models.OrderRequest, error) {
	expiry := TodayExpiry(s.now(), s.cfg.Location())
	tradingClass := sc.TradingClass

	snap, err := s.market.FetchChain(ctx, u, expiry, tradingClass)
	if err != nil {
		return models.OrderRequest{}, fmt.Errorf("fetching chain for %s %s: %w", u.Symbol, expiry.Format(models.ExpiryLayout), err)
	}
	log.WithField("quotes", len(snap.Quotes)).Debug("Chain snapshot received")

	shortPut, err := selection.SelectByDelta(snap, models.RightPut, sc.ShortPutTarget(), referencePrice)
	if err != nil {
		return models.OrderRequest{}, fmt.Errorf("short put for %s: %w", u.Symbol, err)
	}
	shortCall, err := selection.SelectByDelta(snap, models.RightCall, sc.ShortCallTarget(), referencePrice)
	if err != nil {
		return models.OrderRequest{}, fmt.Errorf("short call for %s: %w", u.Symbol, err)
	}

	targets := selection.CondorTargets(shortCall, shortPut, sc.LongCallOffset, sc.LongPutOffset)
	wings, err := selection.SelectByTargetStrikes(ctx, s.market, selection.StrikeRequest{
		Expiry:       expiry,
		Snapshot:     snap,
		Underlying:   u,
		TradingClass: tradingClass,
		Targets:      targets,
		Tolerance:    sc.StrikeTol,
	})
	if err != nil {
		return models.OrderRequest{}, fmt.Errorf("long legs for %s: %w", u.Symbol, err)
	}
	longCall, longPut := wings[0], wings[1]

	log.WithFields(logrus.Fields{
		"short_call": shortCall.Strike,
		"short_put":  shortPut.Strike,
		"long_call":  longCall.Strike,
		"long_put":   longPut.Strike,
	}).Info("Condor strikes selected")

	legs := []models.OptionQuote{shortCall, shortPut, longCall, longPut}
	collision, err := s.guard.HasCollision(ctx, u.Symbol, legs)
	if err != nil {
		return models.OrderRequest{}, fmt.Errorf("checking positions for %s: %w", u.Symbol, err)
	}
	if collision {
		s.notifier.Notify(notify.LevelWarn, u.Symbol, fmt.Sprintf("%s aborted due to strike collision", u.Symbol))
		return models.OrderRequest{}, fmt.Errorf("%s: %w", u.Symbol, models.ErrPositionCollision)
	}

	inst, err := combo.IronCondor(u, expiry, tradingClass, shortCall, shortPut, longCall, longPut)
	if err != nil {
		return models.OrderRequest{}, err
	}
	inst = combo.ForAction(inst, sc.Action)

	limit, cp, err := s.pricer.LimitPrice(inst, sc.Action)
	if err != nil {
		return models.OrderRequest{}, fmt.Errorf("pricing %s: %w", inst, err)
	}
	log.WithFields(logrus.Fields{
		"bid":   cp.Bid,
		"mid":   cp.Mid,
		"ask":   cp.Ask,
		"limit": limit,
	}).Info("Combo priced")

	return models.OrderRequest{
		Instrument: inst,
		ID:         uuid.NewString(),
		Action:     sc.Action,
		Urgency:    s.cfg.Orders.Urgency,
		Tag:        strings.ToLower(s.cfg.Strategy.Tag),
		Quantity:   sc.Quantity,
		LimitPrice: limit,
		Adaptive:   sc.UseAdaptive,
		Preview:    !live,
	}, nil
}

func (s *IronCondor) record(handle *models.OrderHandle, err error, log logrus.FieldLogger) {
	if s.journal == nil || handle == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if jerr := s.journal.Record(handle.Snapshot(), msg); jerr != nil {
		log.WithError(jerr).Warn("Failed to write journal entry")
	}
}
