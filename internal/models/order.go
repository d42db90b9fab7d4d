package models

import (
	"strings"
	"sync"
	"time"
)

// OrderRequest is created once per submission. Only LimitPrice changes while
// the order is worked; the instrument and its legs never do.
type OrderRequest struct {
	Instrument *ComboInstrument `json:"instrument"`
	ID         string           `json:"id"`
	Action     Action           `json:"action"`
	Urgency    string           `json:"urgency,omitempty"`
	Tag        string           `json:"tag,omitempty"`
	Quantity   int              `json:"quantity"`
	LimitPrice float64          `json:"limit_price"`
	Adaptive   bool             `json:"adaptive"`
	Preview    bool             `json:"preview"`
}

// GatewayOrder is the gateway acknowledgement of a submission.
type GatewayOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// GatewayStatus is the order status string reported by the gateway.
type GatewayStatus string

const (
	GatewayPending   GatewayStatus = "pending"
	GatewayOpen      GatewayStatus = "open"
	GatewayPartial   GatewayStatus = "partially_filled"
	GatewayFilled    GatewayStatus = "filled"
	GatewayCancelled GatewayStatus = "canceled"
	GatewayRejected  GatewayStatus = "rejected"
	GatewayExpired   GatewayStatus = "expired"
)

// NormalizeGatewayStatus maps the spellings seen from brokers onto GatewayStatus.
func NormalizeGatewayStatus(s string) GatewayStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filled":
		return GatewayFilled
	case "partial", "partially_filled":
		return GatewayPartial
	case "canceled", "cancelled", "pending_cancel":
		return GatewayCancelled
	case "rejected", "error":
		return GatewayRejected
	case "expired":
		return GatewayExpired
	case "open", "submitted", "presubmitted":
		return GatewayOpen
	default:
		return GatewayPending
	}
}

// OrderStatus is a point-in-time view of a live order.
type OrderStatus struct {
	GatewayID         string        `json:"gateway_id"`
	Status            GatewayStatus `json:"status"`
	Quantity          float64       `json:"quantity"`
	ExecQuantity      float64       `json:"exec_quantity"`
	RemainingQuantity float64       `json:"remaining_quantity"`
	AvgFillPrice      float64       `json:"avg_fill_price"`
}

const quantityEpsilon = 1e-6

// IsFilled reports a complete fill. A "partial" status whose executed quantity
// covers the order also counts.
func (s OrderStatus) IsFilled() bool {
	if s.Status == GatewayFilled {
		return true
	}
	if s.Quantity <= quantityEpsilon || s.ExecQuantity <= quantityEpsilon {
		return false
	}
	return s.ExecQuantity >= s.Quantity-quantityEpsilon
}

// IsDead reports a status from which the order can no longer fill.
func (s OrderStatus) IsDead() bool {
	switch s.Status {
	case GatewayCancelled, GatewayRejected, GatewayExpired:
		return true
	default:
		return false
	}
}

// OrderHandle is returned to the caller of a combo submission. Its state is
// safe to read from other goroutines while the submitter works the order.
type OrderHandle struct {
	mu           sync.RWMutex
	stateMachine *OrderStateMachine

	CreatedAt time.Time    `json:"created_at"`
	Request   OrderRequest `json:"request"`
	ID        string       `json:"id"`
	Symbol    string       `json:"symbol"`

	gatewayID   string
	limitPrice  float64
	fillPrice   float64
	adjustments int
	cancels     int
	preview     bool
}

// NewOrderHandle creates a handle in StateUnsubmitted for the request.
func NewOrderHandle(req OrderRequest) *OrderHandle {
	symbol := ""
	if req.Instrument != nil {
		symbol = req.Instrument.Underlying.Symbol
	}
	return &OrderHandle{
		stateMachine: NewOrderStateMachine(),
		CreatedAt:    time.Now().UTC(),
		Request:      req,
		ID:           req.ID,
		Symbol:       symbol,
		limitPrice:   req.LimitPrice,
		preview:      req.Preview,
	}
}

// GatewayID returns the gateway's order id, empty before submission.
func (h *OrderHandle) GatewayID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gatewayID
}

// SetGatewayID records the gateway's order id.
func (h *OrderHandle) SetGatewayID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gatewayID = id
}

// State returns the current order state.
func (h *OrderHandle) State() OrderState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stateMachine.GetCurrentState()
}

// TransitionState validates and applies a state transition.
func (h *OrderHandle) TransitionState(to OrderState, condition string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateMachine.Transition(to, condition)
}

// TransitionCount returns how many times the order entered state.
func (h *OrderHandle) TransitionCount(state OrderState) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stateMachine.GetTransitionCount(state)
}

// LimitPrice returns the price of the live order.
func (h *OrderHandle) LimitPrice() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.limitPrice
}

// SetLimitPrice records a replacement price and counts the adjustment.
func (h *OrderHandle) SetLimitPrice(p float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limitPrice = p
	h.adjustments++
}

// Adjustments returns the number of price replacements.
func (h *OrderHandle) Adjustments() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.adjustments
}

// RecordCancel counts a cancel request sent to the gateway.
func (h *OrderHandle) RecordCancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels++
}

// Cancels returns the number of cancel requests sent for this order.
func (h *OrderHandle) Cancels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cancels
}

// SetFillPrice records the average fill price.
func (h *OrderHandle) SetFillPrice(p float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fillPrice = p
}

// FillPrice returns the average fill price, zero when unfilled.
func (h *OrderHandle) FillPrice() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fillPrice
}

// IsPreview reports whether the order was only previewed.
func (h *OrderHandle) IsPreview() bool {
	return h.preview
}

// OrderSnapshot is a serialisable copy of a handle.
type OrderSnapshot struct {
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ID          string     `json:"id"`
	GatewayID   string     `json:"gateway_id,omitempty"`
	Symbol      string     `json:"symbol"`
	State       OrderState `json:"state"`
	Action      Action     `json:"action"`
	Combo       string     `json:"combo"`
	Quantity    int        `json:"quantity"`
	LimitPrice  float64    `json:"limit_price"`
	FillPrice   float64    `json:"fill_price,omitempty"`
	Adjustments int        `json:"adjustments"`
	Cancels     int        `json:"cancels"`
	Adaptive    bool       `json:"adaptive"`
	Preview     bool       `json:"preview"`
}

// Snapshot returns a consistent copy of the handle.
func (h *OrderHandle) Snapshot() OrderSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	combo := ""
	if h.Request.Instrument != nil {
		combo = h.Request.Instrument.String()
	}
	return OrderSnapshot{
		CreatedAt:   h.CreatedAt,
		UpdatedAt:   h.stateMachine.GetTransitionTime(),
		ID:          h.ID,
		GatewayID:   h.gatewayID,
		Symbol:      h.Symbol,
		State:       h.stateMachine.GetCurrentState(),
		Action:      h.Request.Action,
		Combo:       combo,
		Quantity:    h.Request.Quantity,
		LimitPrice:  h.limitPrice,
		FillPrice:   h.fillPrice,
		Adjustments: h.adjustments,
		Cancels:     h.cancels,
		Adaptive:    h.Request.Adaptive,
		Preview:     h.preview,
	}
}
