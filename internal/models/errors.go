package models

import "errors"

// Selection and pricing failures. All of them abort the current attempt for a
// symbol; none of them are retried within the same run.
var (
	// ErrNoMatchingContract is returned when a chain has no quote of the requested
	// right, or none of those quotes carries delta data.
	ErrNoMatchingContract = errors.New("no matching contract")
	// ErrIncompleteLegs is returned when at least one target strike has no tradable
	// contract within tolerance. No partial leg list is ever returned with it.
	ErrIncompleteLegs = errors.New("incomplete legs")
	// ErrInvalidPrice is returned when any leg lacks a two-sided quote.
	ErrInvalidPrice = errors.New("invalid combo price")
	// ErrInvalidCombo is returned when legs, sides and ratios do not line up.
	ErrInvalidCombo = errors.New("invalid combo")
	// ErrPositionCollision is returned when a proposed leg already has an open position.
	ErrPositionCollision = errors.New("position collision")
)

// Order lifecycle failures.
var (
	// ErrSubmissionFailed wraps any gateway error raised while placing an order.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrFillTimeout marks an order that stayed unfilled for its whole fill budget.
	ErrFillTimeout = errors.New("fill timeout")
	// ErrOrderRejected is returned when the gateway cancels or rejects a live order.
	ErrOrderRejected = errors.New("order cancelled by gateway")
)

// Gating failures.
var (
	// ErrUnknownSymbol is returned for symbols without a configuration record.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrMaxOpenTrades is returned when the per-symbol open trade limit is reached.
	ErrMaxOpenTrades = errors.New("max open trades reached")
)
