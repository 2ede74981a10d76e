package session

import "testing"

func TestTransitionTable(t *testing.T) {
	all := []State{StateConnecting, StateOpen, StateClosing, StateClosed}
	allowed := map[[2]State]bool{
		{StateConnecting, StateOpen}:    true,
		{StateConnecting, StateClosing}: true,
		{StateOpen, StateClosing}:       true,
		{StateClosing, StateClosed}:     true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := transitionValid(from, to); got != allowed[[2]State{from, to}] {
				t.Fatalf("%s -> %s: got %v", from, to, got)
			}
		}
	}
}

func TestClosedIsTerminal(t *testing.T) {
	for _, to := range []State{StateConnecting, StateOpen, StateClosing, StateClosed} {
		if transitionValid(StateClosed, to) {
			t.Fatalf("CLOSED must be terminal, allowed -> %s", to)
		}
	}
}

func TestSendableCloseCode(t *testing.T) {
	for _, code := range []int{1000, 1001, 1003, 1007, 1011, 1014, 3000, 4999} {
		if !sendableCloseCode(code) {
			t.Fatalf("expected %d sendable", code)
		}
	}
	for _, code := range []int{0, 999, 1004, 1005, 1006, 1015, 2000, 2999, 5000} {
		if sendableCloseCode(code) {
			t.Fatalf("expected %d not sendable", code)
		}
	}
}

func TestInvalidTransitionErrorMessage(t *testing.T) {
	err := &InvalidTransitionError{From: StateClosed, To: StateOpen}
	if err.Error() != "invalid state transition from CLOSED to OPEN" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
