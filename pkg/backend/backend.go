// Package backend runs plan scripts and commands.
//
// A Backend opens Sessions. A session first loads the plan's scripts, which
// define commands in a shared namespace, and then invokes those commands by
// name with keyword arguments. The only implementation is the Starlark
// backend in this package.
package backend

import (
	"context"
	"time"
)

// Backend opens execution sessions.
type Backend interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one isolated execution environment.
type Session interface {
	// LoadScript evaluates source in the session namespace.
	LoadScript(ctx context.Context, name, source string) error
	// Invoke calls a command and returns its output objects.
	// Errors raised by the command are *CommandError values.
	Invoke(ctx context.Context, command string, args map[string]any) ([]any, error)
	// Close releases the session. Further calls fail.
	Close() error
}

// Record is a structured output object with named properties.
type Record interface {
	Properties() []string
	// Property returns the string form of a property value.
	Property(name string) (string, error)
}

// Failure types reported in CommandError.Type.
const (
	TypeEvalError       = "EvalError"
	TypeFailure         = "Failure"
	TypeCommandNotFound = "CommandNotFound"
	TypeCancelled       = "Cancelled"
	TypeHostError       = "HostError"
	TypeConversion      = "ConversionError"
)

// CommandError is an error raised while evaluating a script or command,
// carrying its diagnostic detail.
type CommandError struct {
	Type       string
	Err        error
	StackTrace string
	Position   string
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Config configures the Starlark backend.
type Config struct {
	// Timeout bounds each script load and command call. Zero disables it.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// DefaultConfig returns the backend defaults.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Minute}
}
