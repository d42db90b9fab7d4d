// Package guard refuses new combos whose legs would land on contracts the
// account already holds.
package guard

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/sirupsen/logrus"
)

// PositionSource lists the account's open option positions for an underlying.
type PositionSource interface {
	CurrentPositions(ctx context.Context, symbol string) ([]models.PositionRecord, error)
}

// Guard checks candidate legs against open positions.
type Guard struct {
	source PositionSource
	logger logrus.FieldLogger
}

// New returns a Guard backed by source. A nil logger discards output.
func New(source PositionSource, logger logrus.FieldLogger) *Guard {
	if source == nil {
		panic("guard: position source cannot be nil")
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Guard{source: source, logger: logger}
}

// HasCollision reports whether any candidate matches an open position on
// (expiry, strike, right). Position lookup failures are returned as errors.
func (g *Guard) HasCollision(ctx context.Context, symbol string, candidates []models.OptionQuote) (bool, error) {
	hits, err := g.Collisions(ctx, symbol, candidates)
	if err != nil {
		return false, err
	}
	return len(hits) > 0, nil
}

// Collisions returns the candidates that collide with open positions.
func (g *Guard) Collisions(ctx context.Context, symbol string, candidates []models.OptionQuote) ([]models.OptionQuote, error) {
	positions, err := g.source.CurrentPositions(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("loading positions for %s: %w", symbol, err)
	}

	var hits []models.OptionQuote
	for _, c := range candidates {
		for _, p := range positions {
			if Collides(c, p) {
				g.logger.WithFields(logrus.Fields{
					"symbol":   symbol,
					"expiry":   c.Expiry.Format(models.ExpiryLayout),
					"strike":   c.Strike,
					"right":    c.Right.Code(),
					"quantity": p.Quantity,
				}).Warn("Candidate leg collides with open position")
				hits = append(hits, c)
				break
			}
		}
	}
	return hits, nil
}

// Collides reports whether candidate and position refer to the same contract.
// Flat positions never collide.
func Collides(candidate models.OptionQuote, position models.PositionRecord) bool {
	if math.Abs(position.Quantity) < 1e-9 {
		return false
	}
	return candidate.Right == position.Right &&
		models.SameExpiry(candidate.Expiry, position.Expiry) &&
		models.SameStrike(candidate.Strike, position.Strike)
}
