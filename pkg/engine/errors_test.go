package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestAgentErrorString(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  *AgentError
		want string
	}{
		{"bare", NewPlanError("failed to parse plan", nil), "[plan] failed to parse plan"},
		{"wrapped", NewPlanError("failed to read plan", base), "[plan] failed to read plan: boom"},
		{"with plan", NewStaleError("dropped", nil).WithPlan("p1"), "[stale] dropped (plan=p1)"},
		{
			"with command",
			NewCommandError("command failed", base).WithPlan("p1").WithCommand("Deploy"),
			"[command] command failed: boom (plan=p1, command=Deploy)",
		},
		{"command without plan", NewCommandError("x", nil).WithCommand("Deploy"), "[command] x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		err   error
		class ErrorClass
		check func(error) bool
	}{
		{NewTransportError("t", nil), ErrorClassTransport, IsTransport},
		{NewAdmissionError("a", nil), ErrorClassAdmission, IsAdmission},
		{NewPlanError("p", nil), ErrorClassPlan, IsPlan},
		{NewAuthenticationError("s", nil), ErrorClassAuthentication, IsAuthentication},
		{fmt.Errorf("outer: %w", NewAdmissionError("a", nil)), ErrorClassAdmission, IsAdmission},
		{NewCheckpointError("c", nil), ErrorClassCheckpoint, nil},
		{errors.New("plain"), "", IsPlan},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.class {
				t.Errorf("ClassOf = %q, want %q", got, tt.class)
			}
			if tt.check != nil && tt.check(tt.err) != (tt.class != "") {
				t.Errorf("predicate = %v, want %v", tt.check(tt.err), tt.class != "")
			}
		})
	}
}

func TestAgentErrorIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewPlanError("io", errors.New("disk full")).WithCode(ErrCodeIO))

	if !errors.Is(err, &AgentError{Class: ErrorClassPlan, Code: ErrCodeIO}) {
		t.Error("expected match on class and code")
	}
	if errors.Is(err, &AgentError{Class: ErrorClassPlan, Code: ErrCodeParse}) {
		t.Error("different code must not match")
	}
	if errors.Is(err, &AgentError{Class: ErrorClassTransport, Code: ErrCodeIO}) {
		t.Error("different class must not match")
	}
}

func TestWithDetail(t *testing.T) {
	err := NewAdmissionError("denied", nil).WithDetail("violations", 2).WithDetail("policy", "naming")
	if err.Details["violations"] != 2 || err.Details["policy"] != "naming" {
		t.Errorf("details = %v", err.Details)
	}
}

func TestMessageReleaseOnce(t *testing.T) {
	var acks, releases int
	msg := NewMessage("id", nil,
		func() error { acks++; return nil },
		func() error { releases++; return errors.New("nack failed") },
	)

	if err := msg.Close(); err == nil {
		t.Error("expected release error from Close")
	}
	if err := msg.Ack(); err != nil {
		t.Errorf("Ack after Close = %v, want nil", err)
	}
	if acks != 0 || releases != 1 || !msg.Acked() {
		t.Errorf("acks=%d releases=%d acked=%v", acks, releases, msg.Acked())
	}

	nilFuncs := NewMessage("", nil, nil, nil)
	if err := nilFuncs.Ack(); err != nil {
		t.Errorf("Ack with nil callback = %v", err)
	}
}
