package oms

import (
	"testing"

	"github.com/dunmininu/oms-trading/internal/types"
)

var allStates = []types.OrderState{
	types.StateNew,
	types.StatePendingRisk,
	types.StateRouted,
	types.StatePendingCancel,
	types.StatePendingModify,
	types.StatePartiallyFilled,
	types.StateFilled,
	types.StateCanceled,
	types.StateRejected,
	types.StateExpired,
}

func TestCanTransition_HappyPath(t *testing.T) {
	path := []types.OrderState{
		types.StateNew,
		types.StatePendingRisk,
		types.StateRouted,
		types.StatePartiallyFilled,
		types.StateFilled,
	}
	for i := 1; i < len(path); i++ {
		if !CanTransition(path[i-1], path[i]) {
			t.Errorf("%s -> %s must be legal", path[i-1], path[i])
		}
	}
}

func TestCanTransition_TerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range allStates {
		if !from.IsTerminal() {
			continue
		}
		if targets := LegalTargets(from); len(targets) != 0 {
			t.Errorf("terminal state %s has exits: %v", from, targets)
		}
		for _, to := range allStates {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s allows transition to %s", from, to)
			}
		}
	}
}

func TestCanTransition_IllegalEdges(t *testing.T) {
	illegal := []struct{ from, to types.OrderState }{
		{types.StateNew, types.StateRouted},             // must pass risk first
		{types.StateNew, types.StateFilled},             // cannot fill before routing
		{types.StatePendingRisk, types.StateFilled},     // cannot fill before routing
		{types.StatePendingRisk, types.StateCanceled},   // nothing at the venue to cancel
		{types.StateRouted, types.StateNew},             // no going back
		{types.StatePendingCancel, types.StateRouted},   // cancel cannot be withdrawn
		{types.StatePartiallyFilled, types.StateRouted}, // fills never un-happen
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s must be illegal", e.from, e.to)
		}
	}
}

func TestCanTransition_SelfTransitionsCarryFills(t *testing.T) {
	for _, s := range []types.OrderState{
		types.StatePendingCancel,
		types.StatePendingModify,
		types.StatePartiallyFilled,
	} {
		if !CanTransition(s, s) {
			t.Errorf("%s must allow a self-transition for fill updates", s)
		}
	}
	for _, s := range []types.OrderState{
		types.StateNew,
		types.StatePendingRisk,
		types.StateRouted,
	} {
		if CanTransition(s, s) {
			t.Errorf("%s must not allow a self-transition", s)
		}
	}
}

func TestCanTransition_PendingCancelCanStillFill(t *testing.T) {
	// A full fill can race the cancel and win.
	if !CanTransition(types.StatePendingCancel, types.StateFilled) {
		t.Error("PENDING_CANCEL -> FILLED must be legal")
	}
	if !CanTransition(types.StatePendingCancel, types.StateCanceled) {
		t.Error("PENDING_CANCEL -> CANCELED must be legal")
	}
}

func TestCanTransition_PendingModifyAck(t *testing.T) {
	if !CanTransition(types.StatePendingModify, types.StateRouted) {
		t.Error("modify ack on an unfilled order must return to ROUTED")
	}
	if !CanTransition(types.StatePendingModify, types.StatePartiallyFilled) {
		t.Error("modify ack on a partially filled order must return to PARTIALLY_FILLED")
	}
}

func TestCancellableAndModifiable(t *testing.T) {
	for _, s := range allStates {
		wantLive := s == types.StateRouted || s == types.StatePartiallyFilled
		if cancellable(s) != wantLive {
			t.Errorf("cancellable(%s) = %v, want %v", s, cancellable(s), wantLive)
		}
		if modifiable(s) != wantLive {
			t.Errorf("modifiable(%s) = %v, want %v", s, modifiable(s), wantLive)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[types.OrderState]bool{
		types.StateFilled:   true,
		types.StateCanceled: true,
		types.StateRejected: true,
		types.StateExpired:  true,
	}
	for _, s := range allStates {
		if s.IsTerminal() != terminal[s] {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, s.IsTerminal(), terminal[s])
		}
	}
}
