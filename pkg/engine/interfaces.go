package engine

import (
	"context"
)

// MessageSource delivers authenticated plan messages and accepts results.
// It is implemented by the broker transport.
type MessageSource interface {
	// GetMessage blocks until an authenticated message arrives.
	// A nil message with a nil error means the source is closed.
	GetMessage(ctx context.Context) (*Message, error)

	// SendResult publishes a result message, correlated by message ID.
	SendResult(ctx context.Context, msg *Message) error

	// Close releases the underlying connection. Safe to call concurrently
	// with GetMessage and more than once.
	Close() error
}

// PlanRunner executes a staged plan file.
type PlanRunner interface {
	// Execute drives one plan file to completion, failure, or drop.
	// The returned error is non-nil only when even the failure result
	// could not be written.
	Execute(ctx context.Context, path string) (*Outcome, error)
}

// Admitter decides whether a staged plan may run.
type Admitter interface {
	// Admit returns an admission error when the plan must not run.
	Admit(ctx context.Context, planID string, body []byte) error
}

// Rebooter restarts the host.
type Rebooter interface {
	// Reboot requests a host restart. It returns once the request was issued.
	Reboot(ctx context.Context) error
}

// Verifier authenticates inbound payloads.
type Verifier interface {
	// Verify reports whether signature authenticates payload.
	Verify(payload, signature []byte) bool
}
