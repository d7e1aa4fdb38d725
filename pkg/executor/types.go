// Package executor runs execution plans against a backend session with
// per-command checkpointing, so an interrupted plan resumes where it stopped.
package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Plan is an execution plan as received from the engine.
type Plan struct {
	// Scripts are base64 encoded sources loaded before any command runs.
	Scripts []string `json:"scripts,omitempty" validate:"dive,base64"`
	// Commands run in order. Each is removed once attempted.
	Commands []Command `json:"commands" validate:"dive"`
	// RebootOnCompletion is 0 for never, 1 when no command failed, 2+ for always.
	RebootOnCompletion int `json:"rebootOnCompletion,omitempty" validate:"gte=0"`
	// Stamp orders plans. Zero disables the duplicate check.
	Stamp int64 `json:"stamp,omitempty" validate:"gte=0"`
}

// Command is one named invocation with typed arguments.
type Command struct {
	Name      string           `json:"name" validate:"required"`
	Arguments map[string]Value `json:"arguments,omitempty"`
}

// Args converts the arguments to plain Go values.
func (c Command) Args() map[string]any {
	args := make(map[string]any, len(c.Arguments))
	for k, v := range c.Arguments {
		args[k] = v.Native()
	}
	return args
}

// ResultEntry is the outcome of one command. Result is the list of
// serialized output objects on success, or
// [typeName, message, commandName, diagnostic] on failure.
type ResultEntry struct {
	IsException bool `json:"isException"`
	Result      any  `json:"result"`
}

// ExecutionResult is the document written to the result file. Result is
// the list of entries, or an error message when the plan itself failed.
type ExecutionResult struct {
	IsException bool `json:"isException"`
	Result      any  `json:"result"`
}

// Encode renders the result file content.
func (r ExecutionResult) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FailureResult renders the result file of a plan that failed as a whole.
func FailureResult(message string) ([]byte, error) {
	return ExecutionResult{IsException: true, Result: message}.Encode()
}

// Diagnostic carries script-level detail for a failed command.
type Diagnostic struct {
	ScriptStackTrace string `json:"ScriptStackTrace"`
	PositionMessage  string `json:"PositionMessage"`
}

// ParsePlan decodes a plan document.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &plan, nil
}

// ParseEntries decodes a checkpoint. Numbers are kept as json.Number so
// they are written back unchanged.
func ParseEntries(data []byte) ([]ResultEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var entries []ResultEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ParseResult decodes a result file.
func ParseResult(data []byte) (*ExecutionResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var res ExecutionResult
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	return &res, nil
}
