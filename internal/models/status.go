package models

import "fmt"

// SignalStatus represents the lifecycle state of a signal.
type SignalStatus string

const (
	// StatusPending is the initial state: ingested, awaiting the risk gate.
	StatusPending SignalStatus = "pending"
	// StatusApproved records the gate's approval intent before submission starts.
	StatusApproved SignalStatus = "approved"
	// StatusExecuting means an order submission is in flight. Not cancellable.
	StatusExecuting SignalStatus = "executing"
	// StatusExecuted is terminal: the broker accepted the order.
	StatusExecuted SignalStatus = "executed"
	// StatusFailed is terminal: submission was rejected or errored.
	StatusFailed SignalStatus = "failed"
	// StatusRejected is terminal: denied by the risk gate or by the user.
	StatusRejected SignalStatus = "rejected"
	// StatusExpired is terminal: pending past the market close of its creation day.
	StatusExpired SignalStatus = "expired"
	// StatusTracked is terminal: kept visible for manual follow-up without execution.
	StatusTracked SignalStatus = "tracked"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SignalStatus) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusRejected, StatusExpired, StatusTracked:
		return true
	}
	return false
}

// StatusTransition defines one valid lifecycle transition.
type StatusTransition struct {
	From SignalStatus
	To   SignalStatus
}

// ValidStatusTransitions is the complete transition table. The two-phase
// approved → executing split is deliberate: a crash between intent and the
// in-flight submission leaves recoverable state.
var ValidStatusTransitions = []StatusTransition{
	{StatusPending, StatusApproved},
	{StatusPending, StatusTracked},
	{StatusPending, StatusRejected},
	{StatusPending, StatusExpired},
	{StatusApproved, StatusExecuting},
	{StatusApproved, StatusRejected},
	{StatusExecuting, StatusExecuted},
	{StatusExecuting, StatusFailed},
}

// CanTransition reports whether from → to is defined in the table.
func CanTransition(from, to SignalStatus) bool {
	for _, t := range ValidStatusTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Transition moves the signal to a new status, enforcing the table.
func (s *Signal) Transition(to SignalStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("signal %s: invalid transition %s -> %s", s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}

// StatusDescription returns a human-readable description for display.
func StatusDescription(s SignalStatus) string {
	switch s {
	case StatusPending:
		return "Awaiting risk evaluation"
	case StatusApproved:
		return "Approved, order construction queued"
	case StatusExecuting:
		return "Order submission in flight"
	case StatusExecuted:
		return "Order accepted by broker"
	case StatusFailed:
		return "Order submission failed"
	case StatusRejected:
		return "Denied by risk gate or user"
	case StatusExpired:
		return "Expired at market close"
	case StatusTracked:
		return "Tracked for manual follow-up"
	default:
		return "Unknown status"
	}
}
