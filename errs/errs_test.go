package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesReasonAndFields(t *testing.T) {
	err := New(
		"risk",
		CodeRiskRejected,
		WithReason("SpreadTooWide"),
		WithMessage("spread 3% exceeds 2%"),
		WithField("market", "M"),
		WithField("leader", "0xabc"),
		WithCause(errors.New("book stale")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=risk") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=risk_rejected") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "reason=SpreadTooWide") {
		t.Fatalf("expected reason in error string: %s", out)
	}
	if !strings.Contains(out, `fields=leader="0xabc",market="M"`) {
		t.Fatalf("expected sorted fields in error string: %s", out)
	}
	if !strings.Contains(out, `cause="book stale"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeHelpersWalkWrappedChain(t *testing.T) {
	base := New("ledger", CodeInvalidTransition, WithMessage("filled -> pending"))
	wrapped := fmt.Errorf("advance: %w", base)

	if !IsCode(wrapped, CodeInvalidTransition) {
		t.Fatalf("expected wrapped error to carry invalid_transition")
	}
	if IsCode(wrapped, CodeGateway) {
		t.Fatalf("unexpected gateway code match")
	}
	if !Systemic(wrapped) {
		t.Fatalf("invalid transition must be systemic")
	}
	if Systemic(New("risk", CodeRiskRejected)) {
		t.Fatalf("risk rejections are absorbed per signal")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}

func TestReasonOf(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New("lifecycle", CodeStalePlan, WithReason("StalePlan")))
	if got := ReasonOf(err); got != "StalePlan" {
		t.Fatalf("expected StalePlan, got %q", got)
	}
	if got := ReasonOf(nil); got != "" {
		t.Fatalf("expected empty reason for nil, got %q", got)
	}
}

func TestNilEnvelopeFormatting(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected nil marker")
	}
}
