// Package models provides the shared data types of the condor engine: option
// quotes, chain snapshots, combo legs, positions and orders.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ExpiryLayout is the calendar layout used for expiries throughout the engine.
const ExpiryLayout = "2006-01-02"

// Right is the option right.
type Right string

const (
	// RightPut is a put option
	RightPut Right = "put"
	// RightCall is a call option
	RightCall Right = "call"
)

// ParseRight accepts "put"/"call" as well as the single letter forms.
func ParseRight(s string) (Right, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "put", "p":
		return RightPut, nil
	case "call", "c":
		return RightCall, nil
	default:
		return "", fmt.Errorf("unknown option right %q", s)
	}
}

// Code returns the single letter OSI code for the right.
func (r Right) Code() string {
	if r == RightCall {
		return "C"
	}
	return "P"
}

// Side is the side held in a leg.
type Side string

const (
	// SideLong is a bought leg
	SideLong Side = "long"
	// SideShort is a sold leg
	SideShort Side = "short"
)

// Sign returns +1 for long legs and -1 for short legs.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

// Action is the order action.
type Action string

const (
	// ActionBuy opens for a debit
	ActionBuy Action = "buy"
	// ActionSell opens for a credit
	ActionSell Action = "sell"
)

// SecType is the underlying security type.
type SecType string

const (
	// SecTypeIndex is a cash-settled index underlying such as SPX
	SecTypeIndex SecType = "IND"
	// SecTypeFuture is a futures underlying such as ES or NQ
	SecTypeFuture SecType = "FUT"
)

// Underlying is a qualified underlying contract. It is never mutated after
// qualification.
type Underlying struct {
	FuturesExpiry time.Time `json:"futures_expiry,omitempty"`
	Symbol        string    `json:"symbol"`
	SecType       SecType   `json:"sec_type"`
	Exchange      string    `json:"exchange"`
	Currency      string    `json:"currency"`
	Multiplier    float64   `json:"multiplier"`
}

// OptionQuote is one quoted contract from a chain snapshot. Missing bid, ask,
// mid or delta values are NaN.
type OptionQuote struct {
	Expiry       time.Time `json:"expiry"`
	Symbol       string    `json:"symbol"`
	Underlying   string    `json:"underlying"`
	TradingClass string    `json:"trading_class"`
	Right        Right     `json:"right"`
	Strike       float64   `json:"strike"`
	Bid          float64   `json:"bid"`
	Mid          float64   `json:"mid"`
	Ask          float64   `json:"ask"`
	Delta        float64   `json:"delta"`
}

// HasDelta reports whether the quote carries usable greeks.
func (q OptionQuote) HasDelta() bool {
	return !math.IsNaN(q.Delta) && !math.IsInf(q.Delta, 0)
}

// HasTwoSidedQuote reports whether both bid and ask are present.
func (q OptionQuote) HasTwoSidedQuote() bool {
	return !math.IsNaN(q.Bid) && !math.IsNaN(q.Ask)
}

// MidPrice returns the quoted mid, falling back to the bid/ask midpoint.
func (q OptionQuote) MidPrice() float64 {
	if !math.IsNaN(q.Mid) {
		return q.Mid
	}
	return (q.Bid + q.Ask) / 2
}

// Matches reports whether the quote is the contract (strike, right, expiry).
func (q OptionQuote) Matches(strike float64, right Right, expiry time.Time) bool {
	return q.Right == right && SameStrike(q.Strike, strike) && SameExpiry(q.Expiry, expiry)
}

func (q OptionQuote) String() string {
	return fmt.Sprintf("%s %s %.2f %s", q.Underlying, q.Expiry.Format(ExpiryLayout), q.Strike, q.Right)
}

// ChainSnapshot is a set of quotes for one underlying, expiry and trading class
// captured at one instant. A snapshot belongs to the selection pass that
// requested it and is never shared across symbols.
type ChainSnapshot struct {
	CapturedAt   time.Time     `json:"captured_at"`
	Expiry       time.Time     `json:"expiry"`
	Underlying   Underlying    `json:"underlying"`
	TradingClass string        `json:"trading_class"`
	Quotes       []OptionQuote `json:"quotes"`
}

// QuotesFor returns the quotes of one right in snapshot order.
func (s *ChainSnapshot) QuotesFor(right Right) []OptionQuote {
	if s == nil {
		return nil
	}
	out := make([]OptionQuote, 0, len(s.Quotes)/2)
	for _, q := range s.Quotes {
		if q.Right == right {
			out = append(out, q)
		}
	}
	return out
}

// Covers reports whether the snapshot was taken for the given underlying,
// expiry and trading class.
func (s *ChainSnapshot) Covers(symbol string, expiry time.Time, tradingClass string) bool {
	if s == nil {
		return false
	}
	return s.Underlying.Symbol == symbol &&
		SameExpiry(s.Expiry, expiry) &&
		strings.EqualFold(s.TradingClass, tradingClass)
}

// Leg is a resolved contract with the side held and its ratio.
type Leg struct {
	Contract OptionQuote `json:"contract"`
	Side     Side        `json:"side"`
	Ratio    int         `json:"ratio"`
}

// ComboInstrument is an ordered set of legs sharing underlying, expiry and
// trading class. A new instrument is built for every submission attempt.
type ComboInstrument struct {
	Expiry       time.Time  `json:"expiry"`
	Underlying   Underlying `json:"underlying"`
	TradingClass string     `json:"trading_class"`
	Legs         []Leg      `json:"legs"`
}

func (c *ComboInstrument) String() string {
	parts := make([]string, 0, len(c.Legs))
	for _, l := range c.Legs {
		parts = append(parts, fmt.Sprintf("%s %dx %.2f%s", l.Side, l.Ratio, l.Contract.Strike, l.Contract.Right.Code()))
	}
	return fmt.Sprintf("%s %s [%s]", c.Underlying.Symbol, c.Expiry.Format(ExpiryLayout), strings.Join(parts, ", "))
}

// ComboPrice is the net bid/mid/ask of a combo. Any component may be NaN.
type ComboPrice struct {
	Bid float64 `json:"bid"`
	Mid float64 `json:"mid"`
	Ask float64 `json:"ask"`
}

// Valid reports whether every component is a number.
func (p ComboPrice) Valid() bool {
	return !math.IsNaN(p.Bid) && !math.IsNaN(p.Mid) && !math.IsNaN(p.Ask)
}

// PositionRecord is an open position as reported by the broker.
type PositionRecord struct {
	Expiry     time.Time `json:"expiry"`
	Symbol     string    `json:"symbol"`
	Underlying string    `json:"underlying"`
	Right      Right     `json:"right"`
	Strike     float64   `json:"strike"`
	Quantity   float64   `json:"quantity"`
}

// strikeEpsilon is the tolerance used when matching strikes.
const strikeEpsilon = 1e-3

// SameStrike compares strikes with a small tolerance.
func SameStrike(a, b float64) bool {
	return math.Abs(a-b) <= strikeEpsilon
}

// SameExpiry compares expiries by calendar date.
func SameExpiry(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ExpiryDate normalises t to its calendar date at midnight UTC.
func ExpiryDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
