// Package orders works combo orders on the gateway: it places them, waits for
// fills, walks the limit price and cancels what is left when the fill budget
// runs out.
package orders

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/eddiefleurent/condorbot/internal/retry"
	"github.com/eddiefleurent/condorbot/internal/util"
	"github.com/sirupsen/logrus"
)

// Gateway is the order side of the broker connection.
type Gateway interface {
	Submit(ctx context.Context, req models.OrderRequest) (models.GatewayOrder, error)
	Replace(ctx context.Context, gatewayID string, price float64) error
	Cancel(ctx context.Context, gatewayID string) error
	Status(ctx context.Context, gatewayID string) (models.OrderStatus, error)
}

// StatusNotifier is implemented by gateways that push order status changes.
// The submitter still polls; a notification only triggers an early check.
type StatusNotifier interface {
	Updates(gatewayID string) <-chan struct{}
}

// TickSizer returns the minimum price increment for symbol at price.
type TickSizer interface {
	TickSize(symbol string, price float64) (float64, error)
}

// Config contains configuration for the order submitter.
type Config struct {
	Quiescence     time.Duration // wait after each placement before the order counts as stale
	PollInterval   time.Duration
	FillTimeout    time.Duration // overall budget for one submission
	CallTimeout    time.Duration // per gateway call
	AdjustTicks    int
	MaxAdjustments int
}

// DefaultConfig is the default configuration for the order submitter.
var DefaultConfig = Config{
	Quiescence:     4 * time.Second,
	PollInterval:   1 * time.Second,
	FillTimeout:    2 * time.Minute,
	CallTimeout:    5 * time.Second,
	AdjustTicks:    2,
	MaxAdjustments: 5,
}

// Submitter places orders and manages them until they fill, die or time out.
type Submitter struct {
	gateway Gateway
	ticks   TickSizer
	retry   *retry.Client
	logger  logrus.FieldLogger
	config  Config
}

// NewSubmitter creates a submitter. Non-positive durations fall back to
// DefaultConfig; negative tick settings disable price adjustment.
func NewSubmitter(gateway Gateway, ticks TickSizer, logger logrus.FieldLogger, config ...Config) *Submitter {
	if gateway == nil {
		panic("orders.NewSubmitter: gateway must not be nil")
	}
	if ticks == nil {
		panic("orders.NewSubmitter: tick sizer must not be nil")
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = DefaultConfig.Quiescence
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig.FillTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.AdjustTicks < 0 {
		cfg.AdjustTicks = 0
	}
	if cfg.MaxAdjustments < 0 {
		cfg.MaxAdjustments = 0
	}

	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	return &Submitter{
		gateway: gateway,
		ticks:   ticks,
		logger:  logger,
		config:  cfg,
		retry: retry.NewClient(logger, retry.Config{
			MaxRetries:     2,
			InitialBackoff: cfg.PollInterval / 4,
			MaxBackoff:     cfg.PollInterval,
			Timeout:        3 * cfg.CallTimeout,
		}),
	}
}

// Config returns the effective configuration.
func (s *Submitter) Config() Config {
	return s.config
}

// Submit places req and works it to completion.
//
// Preview requests are sent once and returned in StateUnsubmitted. Live
// requests return with the handle Filled (nil error), TimedOut
// (ErrFillTimeout, after exactly one cancel), Cancelled (ErrOrderRejected, or
// the context error when ctx ends first) or Unsubmitted (ErrSubmissionFailed).
// The handle is never nil.
func (s *Submitter) Submit(ctx context.Context, req models.OrderRequest) (*models.OrderHandle, error) {
	handle := models.NewOrderHandle(req)
	log := s.logger.WithFields(logrus.Fields{
		"order":    req.ID,
		"symbol":   handle.Symbol,
		"action":   req.Action,
		"quantity": req.Quantity,
		"limit":    req.LimitPrice,
		"adaptive": req.Adaptive,
	})

	if req.Preview {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		if _, err := s.gateway.Submit(callCtx, req); err != nil {
			log.WithError(err).Error("Order preview failed")
			return handle, fmt.Errorf("%w: preview: %v", models.ErrSubmissionFailed, err)
		}
		log.Info("Order previewed, not placed")
		return handle, nil
	}

	if err := handle.TransitionState(models.StateSubmitted, models.ConditionOrderPlaced); err != nil {
		return handle, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	ack, err := s.gateway.Submit(callCtx, req)
	cancel()
	if err != nil {
		if terr := handle.TransitionState(models.StateUnsubmitted, models.ConditionSubmissionFailed); terr != nil {
			log.WithError(terr).Error("Failed to revert order state")
		}
		log.WithError(err).Error("Order submission failed")
		return handle, fmt.Errorf("%w: %w", models.ErrSubmissionFailed, err)
	}
	handle.SetGatewayID(ack.ID)
	log = log.WithField("gateway_id", ack.ID)
	log.Info("Order placed")

	return handle, s.work(ctx, handle, log)
}

// outcome of one quiescence wait
type waitResult int

const (
	waitQuiet waitResult = iota
	waitFilled
	waitDead
	waitDone // budget or caller context ended
)

func (s *Submitter) work(ctx context.Context, handle *models.OrderHandle, log logrus.FieldLogger) error {
	budgetCtx, cancel := context.WithTimeout(ctx, s.config.FillTimeout)
	defer cancel()

	adjusting := !handle.Request.Adaptive && s.config.AdjustTicks > 0 && s.config.MaxAdjustments > 0

	for {
		st, res := s.await(budgetCtx, handle, log)
		switch res {
		case waitFilled:
			return s.markFilled(handle, st, log)

		case waitDead:
			if err := handle.TransitionState(models.StateCancelled, models.ConditionOrderCancelled); err != nil {
				log.WithError(err).Error("Failed to record gateway cancel")
			}
			log.WithField("status", st.Status).Warn("Order cancelled by gateway")
			return fmt.Errorf("%w: %s", models.ErrOrderRejected, st.Status)

		case waitDone:
			if ctx.Err() != nil {
				return s.abort(ctx, handle, log)
			}
			return s.expire(ctx, handle, log)
		}

		// quiet: no fill within the quiescence interval
		if handle.State() == models.StateSubmitted {
			if err := handle.TransitionState(models.StateTimedOut, models.ConditionQuiescenceElapsed); err != nil {
				log.WithError(err).Error("Failed to record quiescence timeout")
			}
		}
		if !adjusting || handle.Adjustments() >= s.config.MaxAdjustments {
			continue
		}
		if err := s.adjust(budgetCtx, handle, log); err != nil {
			// the order is still live at its last price
			log.WithError(err).Warn("Price adjustment failed, no further adjustments")
			adjusting = false
		}
	}
}

// await polls the order until it fills, dies, the quiescence interval passes
// or ctx ends.
func (s *Submitter) await(ctx context.Context, handle *models.OrderHandle, log logrus.FieldLogger) (models.OrderStatus, waitResult) {
	id := handle.GatewayID()

	quiet := time.NewTimer(s.config.Quiescence)
	defer quiet.Stop()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	var updates <-chan struct{}
	if n, ok := s.gateway.(StatusNotifier); ok {
		updates = n.Updates(id)
	}

	check := func() (models.OrderStatus, waitResult, bool) {
		st, err := s.status(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("Order status check failed")
			}
			return st, waitQuiet, false
		}
		switch {
		case st.IsFilled():
			return st, waitFilled, true
		case st.IsDead():
			return st, waitDead, true
		}
		return st, waitQuiet, false
	}

	for {
		select {
		case <-ctx.Done():
			return models.OrderStatus{}, waitDone
		case <-quiet.C:
			st, res, _ := check()
			return st, res
		case <-ticker.C:
		case <-updates:
		}
		if st, res, done := check(); done {
			return st, res
		}
	}
}

func (s *Submitter) status(ctx context.Context, id string) (models.OrderStatus, error) {
	return retry.Do(ctx, s.retry, "order status", func(ctx context.Context) (models.OrderStatus, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		return s.gateway.Status(callCtx, id)
	})
}

// adjust walks the live order AdjustTicks ticks toward the market: sells
// lower, buys higher, never below one tick.
func (s *Submitter) adjust(ctx context.Context, handle *models.OrderHandle, log logrus.FieldLogger) error {
	current := handle.LimitPrice()
	tick, err := s.ticks.TickSize(handle.Symbol, current)
	if err != nil {
		return fmt.Errorf("tick size: %w", err)
	}
	if tick <= 0 {
		return fmt.Errorf("tick size for %s must be positive, got %v", handle.Symbol, tick)
	}

	n := s.config.AdjustTicks
	if handle.Request.Action == models.ActionSell {
		n = -n
	}
	next := util.AddTicks(current, tick, n)
	if next < tick {
		next = tick
	}
	if next == current {
		return fmt.Errorf("limit %.2f cannot move further", current)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()
	if err := s.gateway.Replace(callCtx, handle.GatewayID(), next); err != nil {
		return err
	}

	if err := handle.TransitionState(models.StateAdjusted, models.ConditionPriceAdjusted); err != nil {
		return err
	}
	handle.SetLimitPrice(next)
	if err := handle.TransitionState(models.StateSubmitted, models.ConditionOrderReplaced); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"from":       current,
		"to":         next,
		"adjustment": handle.Adjustments(),
	}).Info("Order price adjusted")
	return nil
}

func (s *Submitter) markFilled(handle *models.OrderHandle, st models.OrderStatus, log logrus.FieldLogger) error {
	handle.SetFillPrice(st.AvgFillPrice)
	if err := handle.TransitionState(models.StateFilled, models.ConditionOrderFilled); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"fill_price":  st.AvgFillPrice,
		"adjustments": handle.Adjustments(),
	}).Info("Order filled")
	return nil
}

// cancelLive sends one cancel for the live order on a context detached from
// ctx, so it still goes out after ctx has ended.
func (s *Submitter) cancelLive(ctx context.Context, handle *models.OrderHandle) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CallTimeout)
	defer cancel()
	handle.RecordCancel()
	return s.gateway.Cancel(callCtx, handle.GatewayID())
}

// expire handles an unfilled order at the end of its fill budget. The order
// ends TimedOut unless the final check finds a fill that raced the cancel.
func (s *Submitter) expire(ctx context.Context, handle *models.OrderHandle, log logrus.FieldLogger) error {
	if handle.State() == models.StateSubmitted {
		if err := handle.TransitionState(models.StateTimedOut, models.ConditionQuiescenceElapsed); err != nil {
			log.WithError(err).Error("Failed to record timeout")
		}
	}
	if err := s.cancelLive(ctx, handle); err != nil {
		log.WithError(err).Warn("Cancel at fill timeout failed")
	}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CallTimeout)
	defer cancel()
	st, err := s.gateway.Status(checkCtx, handle.GatewayID())
	if err == nil && st.IsFilled() {
		log.Info("Fill arrived with the cancel")
		return s.markFilled(handle, st, log)
	}

	log.WithFields(logrus.Fields{
		"budget":      s.config.FillTimeout,
		"adjustments": handle.Adjustments(),
		"limit":       handle.LimitPrice(),
	}).Warn("Order not filled within budget")
	return fmt.Errorf("%w: order %s after %s", models.ErrFillTimeout, handle.GatewayID(), s.config.FillTimeout)
}

// abort cancels the live order because the caller gave up.
func (s *Submitter) abort(ctx context.Context, handle *models.OrderHandle, log logrus.FieldLogger) error {
	if err := s.cancelLive(ctx, handle); err != nil {
		log.WithError(err).Warn("Cancel on abort failed")
	}
	if err := handle.TransitionState(models.StateCancelled, models.ConditionAborted); err != nil {
		log.WithError(err).Error("Failed to record abort")
	}
	log.WithError(ctx.Err()).Warn("Order aborted")
	return fmt.Errorf("order %s aborted: %w", handle.GatewayID(), ctx.Err())
}
