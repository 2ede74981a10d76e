package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonProviderConnect)
	if Reason(err) != ReasonProviderConnect {
		t.Fatalf("expected reason %s, got %s", ReasonProviderConnect, Reason(err))
	}
	if !HasReason(err, ReasonProviderConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonClientTransport)
	second := Wrap(first, ReasonProviderTransport)
	if Reason(second) != ReasonClientTransport {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrap(t *testing.T) {
	err := fmt.Errorf("dial provider: %w", Wrap(assertErr{}, ReasonProviderConnect))
	if Reason(err) != ReasonProviderConnect {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(err))
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected underlying error to stay reachable")
	}
}

func TestNilAndPlainErrors(t *testing.T) {
	if Wrap(nil, ReasonSessionState) != nil {
		t.Fatalf("expected nil passthrough")
	}
	if Reason(nil) != ReasonUnknown || Reason(assertErr{}) != ReasonUnknown {
		t.Fatalf("expected unknown reason")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
