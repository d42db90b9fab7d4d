package models

import (
	"fmt"
	"time"
)

// OrderState represents the lifecycle state of a combo order.
type OrderState string

const (
	StateUnsubmitted OrderState = "unsubmitted" // Built but not on the gateway
	StateSubmitted   OrderState = "submitted"   // Live on the gateway
	StateFilled      OrderState = "filled"      // Completely filled
	StateTimedOut    OrderState = "timed_out"   // Unfilled after a quiescence interval or the fill budget
	StateAdjusted    OrderState = "adjusted"    // Price walked, replacement pending
	StateCancelled   OrderState = "cancelled"   // Cancelled by the gateway or by an abort
)

// Transition conditions
const (
	ConditionOrderPlaced       = "order_placed"
	ConditionSubmissionFailed  = "submission_failed"
	ConditionOrderFilled       = "order_filled"
	ConditionQuiescenceElapsed = "quiescence_elapsed"
	ConditionPriceAdjusted     = "price_adjusted"
	ConditionOrderReplaced     = "order_replaced"
	ConditionOrderCancelled    = "order_cancelled"
	ConditionAborted           = "aborted"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        OrderState
	To          OrderState
	Condition   string
	Description string
}

// ValidTransitions lists every allowed order transition.
var ValidTransitions = []StateTransition{
	{StateUnsubmitted, StateSubmitted, ConditionOrderPlaced, "Order accepted by the gateway"},
	{StateSubmitted, StateUnsubmitted, ConditionSubmissionFailed, "Gateway rejected the submission"},
	{StateSubmitted, StateFilled, ConditionOrderFilled, "Order filled"},
	{StateSubmitted, StateTimedOut, ConditionQuiescenceElapsed, "No fill within the quiescence interval"},
	{StateSubmitted, StateCancelled, ConditionOrderCancelled, "Gateway cancelled or rejected the order"},
	{StateSubmitted, StateCancelled, ConditionAborted, "Submission aborted by the caller"},

	{StateTimedOut, StateAdjusted, ConditionPriceAdjusted, "Limit price walked toward the market"},
	{StateTimedOut, StateFilled, ConditionOrderFilled, "Fill arrived after the timeout"},
	{StateTimedOut, StateCancelled, ConditionOrderCancelled, "Gateway cancelled or rejected the order"},
	{StateTimedOut, StateCancelled, ConditionAborted, "Submission aborted by the caller"},

	{StateAdjusted, StateSubmitted, ConditionOrderReplaced, "Replacement acknowledged by the gateway"},
	{StateAdjusted, StateCancelled, ConditionAborted, "Submission aborted by the caller"},
}

// OrderStateMachine tracks the state of one order.
type OrderStateMachine struct {
	transitionTime  time.Time
	transitionCount map[OrderState]int
	currentState    OrderState
	previousState   OrderState
	lastCondition   string
}

// NewOrderStateMachine creates a state machine in StateUnsubmitted.
func NewOrderStateMachine() *OrderStateMachine {
	return &OrderStateMachine{
		currentState:    StateUnsubmitted,
		previousState:   StateUnsubmitted,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[OrderState]int),
	}
}

// GetCurrentState returns the current state
func (sm *OrderStateMachine) GetCurrentState() OrderState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *OrderStateMachine) GetPreviousState() OrderState {
	return sm.previousState
}

// GetLastCondition returns the condition of the most recent transition.
func (sm *OrderStateMachine) GetLastCondition() string {
	return sm.lastCondition
}

// GetTransitionTime returns when the current state was entered.
func (sm *OrderStateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// GetTransitionCount returns how many times a state has been entered.
func (sm *OrderStateMachine) GetTransitionCount(state OrderState) int {
	return sm.transitionCount[state]
}

// IsValidTransition checks if a transition is valid
func (sm *OrderStateMachine) IsValidTransition(to OrderState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'", sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *OrderStateMachine) Transition(to OrderState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.lastCondition = condition
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// IsTerminal reports whether no further transition can move the order on the
// gateway. TimedOut is terminal once the submitter stops adjusting; that
// decision belongs to the submitter, so it is not reported here.
func (sm *OrderStateMachine) IsTerminal() bool {
	return sm.currentState == StateFilled || sm.currentState == StateCancelled
}

// Copy creates a deep copy of the state machine
func (sm *OrderStateMachine) Copy() *OrderStateMachine {
	if sm == nil {
		return nil
	}
	out := &OrderStateMachine{
		currentState:    sm.currentState,
		previousState:   sm.previousState,
		transitionTime:  sm.transitionTime,
		lastCondition:   sm.lastCondition,
		transitionCount: make(map[OrderState]int, len(sm.transitionCount)),
	}
	for k, v := range sm.transitionCount {
		out.transitionCount[k] = v
	}
	return out
}
