package engine

import (
	"sync"
	"time"
)

// UnknownID is the plan file name used when a message carries no id.
// Results for such plans are sent back with an empty id.
const UnknownID = "unknown"

// Message is a broker envelope: a plan on the way in, a result on the way out.
//
// An inbound message is a scoped handle. Exactly one of Ack or Close performs
// the release: Ack confirms the delivery, Close returns an unconfirmed delivery
// to the broker. Callers Ack after the body is staged durably and defer Close.
type Message struct {
	// ID is the broker message id, empty when the sender supplied none.
	ID string

	// Body is the raw plan or result payload.
	Body []byte

	// Signature is the optional detached signature header.
	Signature []byte

	// ReplyTo is the optional routing key requested by the sender for results.
	ReplyTo string

	mu      sync.Mutex
	done    bool
	ack     func() error
	release func() error
}

// NewMessage creates an inbound message handle. ack confirms the delivery,
// release returns it unconfirmed. Either may be nil.
func NewMessage(id string, body []byte, ack, release func() error) *Message {
	return &Message{
		ID:      id,
		Body:    body,
		ack:     ack,
		release: release,
	}
}

// Ack confirms the delivery. Only the first Ack or Close has an effect.
func (m *Message) Ack() error {
	return m.finish(m.ack)
}

// Close releases the handle, returning the delivery to the broker if it was
// never acknowledged. Safe to defer unconditionally.
func (m *Message) Close() error {
	return m.finish(m.release)
}

// Acked reports whether the handle has been released.
func (m *Message) Acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Message) finish(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return nil
	}
	m.done = true
	if fn == nil {
		return nil
	}
	return fn()
}

// OutcomeStatus is the terminal state of one executor run.
type OutcomeStatus string

const (
	// OutcomeCompleted means the command loop ran and a success wrapper was written.
	// Individual commands may still have failed.
	OutcomeCompleted OutcomeStatus = "completed"

	// OutcomeFailed means a plan-level error occurred and a failure wrapper was written.
	OutcomeFailed OutcomeStatus = "failed"

	// OutcomeDropped means the plan was stale and nothing was executed or written.
	OutcomeDropped OutcomeStatus = "dropped"
)

// Outcome describes the result of executing one plan file.
type Outcome struct {
	PlanID       string        `json:"plan_id"`
	Status       OutcomeStatus `json:"status"`
	Stamp        int64         `json:"stamp,omitempty"`
	Entries      int           `json:"entries"`
	Failures     int           `json:"failures"`
	RebootNeeded bool          `json:"reboot_needed"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}
