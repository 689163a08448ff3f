// Package oms owns the order lifecycle: the transition table, the
// optimistic-concurrency rules around it, and the service that routes
// caller commands and broker events through both.
package oms

import (
	"github.com/dunmininu/oms-trading/internal/types"
)

// transitions is the full lifecycle table. A transition absent from
// the table is illegal; terminal states have no entries at all.
// Self-transitions on PENDING_CANCEL and PENDING_MODIFY carry fill
// updates that arrive while a cancel or modify is outstanding.
var transitions = map[types.OrderState][]types.OrderState{
	types.StateNew: {
		types.StatePendingRisk,
	},
	types.StatePendingRisk: {
		types.StateRouted,
		types.StateRejected,
	},
	types.StateRouted: {
		types.StatePartiallyFilled,
		types.StateFilled,
		types.StatePendingCancel,
		types.StatePendingModify,
		types.StateCanceled,
		types.StateRejected,
		types.StateExpired,
	},
	types.StatePendingCancel: {
		types.StatePendingCancel,
		types.StateCanceled,
		types.StateFilled,
		types.StateExpired,
	},
	types.StatePendingModify: {
		types.StatePendingModify,
		types.StateRouted,
		types.StatePartiallyFilled,
		types.StateFilled,
		types.StateCanceled,
		types.StateRejected,
		types.StateExpired,
	},
	types.StatePartiallyFilled: {
		types.StatePartiallyFilled,
		types.StateFilled,
		types.StatePendingCancel,
		types.StatePendingModify,
		types.StateCanceled,
		types.StateExpired,
	},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to types.OrderState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// LegalTargets returns the states reachable from the given state.
func LegalTargets(from types.OrderState) []types.OrderState {
	return transitions[from]
}

// cancellable reports whether a caller-initiated cancel is accepted
// in this state.
func cancellable(s types.OrderState) bool {
	return s == types.StateRouted || s == types.StatePartiallyFilled
}

// modifiable reports whether a caller-initiated modify is accepted in
// this state.
func modifiable(s types.OrderState) bool {
	return s == types.StateRouted || s == types.StatePartiallyFilled
}
