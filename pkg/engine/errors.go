package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for loop and reporting logic.
type ErrorClass string

const (
	// ErrorClassAuthentication indicates a message whose signature could not be verified.
	// Such messages are discarded at the transport boundary.
	ErrorClassAuthentication ErrorClass = "authentication"

	// ErrorClassStale indicates a plan whose stamp is not newer than the persisted stamp.
	ErrorClassStale ErrorClass = "stale"

	// ErrorClassCommand indicates a single command failed inside the execution session.
	// It halts the plan but is not fatal to the agent.
	ErrorClassCommand ErrorClass = "command"

	// ErrorClassCheckpoint indicates an unreadable partial-result checkpoint.
	ErrorClassCheckpoint ErrorClass = "checkpoint"

	// ErrorClassPlan indicates a plan-level fatal failure (parse, session, disk).
	ErrorClassPlan ErrorClass = "plan"

	// ErrorClassTransport indicates a broker failure. The cached connection is dropped.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassAdmission indicates a plan rejected by validation or policy.
	ErrorClassAdmission ErrorClass = "admission"
)

// AgentError represents a classified error with plan context.
type AgentError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// PlanID is the plan (message) id the error belongs to, if any.
	PlanID string `json:"plan_id,omitempty"`

	// Command is the command name being executed, if any.
	Command string `json:"command,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	switch {
	case e.PlanID != "" && e.Command != "":
		return fmt.Sprintf("[%s] %s (plan=%s, command=%s)", e.Class, msg, e.PlanID, e.Command)
	case e.PlanID != "":
		return fmt.Sprintf("[%s] %s (plan=%s)", e.Class, msg, e.PlanID)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *AgentError {
	return &AgentError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewAuthenticationError creates a new authentication error.
func NewAuthenticationError(message string, err error) *AgentError {
	return newError(ErrorClassAuthentication, message, err)
}

// NewStaleError creates a new stale-plan error.
func NewStaleError(message string, err error) *AgentError {
	return newError(ErrorClassStale, message, err)
}

// NewCommandError creates a new command error.
func NewCommandError(message string, err error) *AgentError {
	return newError(ErrorClassCommand, message, err)
}

// NewCheckpointError creates a new checkpoint error.
func NewCheckpointError(message string, err error) *AgentError {
	return newError(ErrorClassCheckpoint, message, err)
}

// NewPlanError creates a new plan-level error.
func NewPlanError(message string, err error) *AgentError {
	return newError(ErrorClassPlan, message, err)
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *AgentError {
	return newError(ErrorClassTransport, message, err)
}

// NewAdmissionError creates a new admission error.
func NewAdmissionError(message string, err error) *AgentError {
	return newError(ErrorClassAdmission, message, err)
}

// WithPlan adds plan context to an error.
func (e *AgentError) WithPlan(planID string) *AgentError {
	e.PlanID = planID
	return e
}

// WithCommand adds command context to an error.
func (e *AgentError) WithCommand(command string) *AgentError {
	e.Command = command
	return e
}

// WithCode adds an error code to an error.
func (e *AgentError) WithCode(code string) *AgentError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *AgentError) WithDetail(key string, value interface{}) *AgentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first AgentError in the chain, or "" if none.
func ClassOf(err error) ErrorClass {
	var e *AgentError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsTransport returns true if the error is classified as a transport error.
func IsTransport(err error) bool {
	return ClassOf(err) == ErrorClassTransport
}

// IsAdmission returns true if the error is classified as an admission error.
func IsAdmission(err error) bool {
	return ClassOf(err) == ErrorClassAdmission
}

// IsPlan returns true if the error is classified as a plan-level error.
func IsPlan(err error) bool {
	return ClassOf(err) == ErrorClassPlan
}

// IsAuthentication returns true if the error is classified as an authentication error.
func IsAuthentication(err error) bool {
	return ClassOf(err) == ErrorClassAuthentication
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodePolicyDenied  = "POLICY_DENIED"
	ErrCodeBadSignature  = "BAD_SIGNATURE"
	ErrCodeParse         = "PARSE_ERROR"
	ErrCodeSession       = "SESSION_ERROR"
	ErrCodeIO            = "IO_ERROR"
	ErrCodeConnect       = "CONNECT_FAILED"
	ErrCodePublish       = "PUBLISH_FAILED"
	ErrCodeConsume       = "CONSUME_FAILED"
	ErrCodeInvalidID     = "INVALID_ID"
	ErrCodeUnknownMethod = "UNKNOWN_COMMAND"
)
