package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/froyo-agent/pkg/backend"
	"github.com/openfroyo/froyo-agent/pkg/engine"
	"github.com/openfroyo/froyo-agent/pkg/planstore"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// Executor runs one plan file at a time.
type Executor struct {
	store   *planstore.Store
	backend backend.Backend
	log     *telemetry.Logger
}

// New creates an executor over store using be for sessions.
func New(store *planstore.Store, be backend.Backend, log *telemetry.Logger) *Executor {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Executor{
		store:   store,
		backend: be,
		log:     log.NewComponentLogger("executor"),
	}
}

var _ engine.PlanRunner = (*Executor)(nil)

// run holds the state of one Execute call.
type run struct {
	id      string
	planID  string
	path    string
	log     *telemetry.Logger
	plan    *Plan
	entries []ResultEntry
	session backend.Session
	outcome *engine.Outcome
}

// Execute runs the plan at path.
//
// The plan file is rewritten without each command as soon as it has been
// attempted, and the results so far are checkpointed alongside, so a crash
// loses at most the command in flight. On completion the final result file
// is written and the checkpoint removed. A plan whose stamp is not newer than
// the persisted stamp is dropped without touching any file. Plan-level
// failures are reported through a failure result file; the returned error is
// non-nil only when that file could not be written.
func (e *Executor) Execute(ctx context.Context, path string) (*engine.Outcome, error) {
	r := &run{
		id:     uuid.NewString(),
		planID: planstore.IDFromPath(path),
		path:   path,
	}
	r.log = e.log.WithRunID(r.id).WithPlanID(r.planID)
	r.outcome = &engine.Outcome{PlanID: r.planID}

	ctx = telemetry.WithPlanContext(ctx, r.id, r.planID)
	events := telemetry.EventsFromContext(ctx)

	defer func() {
		if r.session != nil {
			_ = r.session.Close()
		}
		r.log.Debug("finished processing of execution plan")
	}()

	err := e.execute(ctx, r)
	if err == nil {
		return r.outcome, nil
	}

	msg := FailureMessage(err)
	r.log.WithError(err).Warn("exception while processing execution plan")
	telemetry.MetricsFromContext(ctx).RecordError(string(classOr(err, engine.ErrorClassPlan)))

	r.outcome.Status = engine.OutcomeFailed
	r.outcome.Error = msg
	r.outcome.RebootNeeded = false
	r.outcome.Duration = telemetry.EndPlanContext(ctx, string(engine.OutcomeFailed), err)
	_ = events.PublishPlanFailed(r.id, r.planID, msg)

	if rmErr := e.store.RemoveCheckpoint(path); rmErr != nil {
		r.log.WithError(rmErr).Warn("failed to remove checkpoint")
	}
	if werr := e.writeResult(path, ExecutionResult{IsException: true, Result: msg}); werr != nil {
		return r.outcome, engine.NewPlanError("failed to write failure result", werr).
			WithPlan(r.planID).WithCode(engine.ErrCodeIO)
	}
	return r.outcome, nil
}

func (e *Executor) execute(ctx context.Context, r *run) error {
	events := telemetry.EventsFromContext(ctx)

	data, err := os.ReadFile(r.path)
	if err != nil {
		return engine.NewPlanError("failed to read plan", err).WithPlan(r.planID).WithCode(engine.ErrCodeIO)
	}
	r.plan, err = ParsePlan(data)
	if err != nil {
		return engine.NewPlanError("failed to parse plan", err).WithPlan(r.planID).WithCode(engine.ErrCodeParse)
	}
	r.outcome.Stamp = r.plan.Stamp

	r.entries = e.loadCheckpoint(ctx, r)

	watermark, err := e.store.Stamp()
	if err != nil {
		return engine.NewPlanError("failed to read stamp", err).WithPlan(r.planID).WithCode(engine.ErrCodeIO)
	}
	if r.plan.Stamp > 0 && r.plan.Stamp <= watermark {
		stale := engine.NewStaleError(fmt.Sprintf("stamp %d is not newer than %d", r.plan.Stamp, watermark), nil).WithPlan(r.planID)
		r.log.WithError(stale).Warn("dropping old/duplicate plan")
		r.outcome.Status = engine.OutcomeDropped
		r.outcome.Duration = telemetry.EndPlanContext(ctx, string(engine.OutcomeDropped), nil)
		telemetry.MetricsFromContext(ctx).RecordError(string(engine.ClassOf(stale)))
		_ = events.PublishPlanDropped(r.id, r.planID, r.plan.Stamp, watermark)
		return nil
	}

	_ = events.PublishPlanStarted(r.id, r.planID, r.plan.Stamp, len(r.plan.Commands))

	if err := e.prepare(ctx, r); err != nil {
		return err
	}

	for len(r.plan.Commands) > 0 {
		stop, err := e.step(ctx, r)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}

	session := r.session
	r.session = nil
	if err := session.Close(); err != nil {
		r.log.WithError(err).Warn("failed to close session")
	}

	if r.plan.Stamp > 0 {
		if err := e.store.SetStamp(r.plan.Stamp); err != nil {
			r.log.WithError(err).Error("cannot persist last stamp")
			return engine.NewPlanError("failed to persist stamp", err).WithPlan(r.planID).WithCode(engine.ErrCodeIO)
		}
	}

	failures := countFailures(r.entries)
	r.outcome.RebootNeeded = rebootNeeded(r.plan.RebootOnCompletion, failures)

	if err := e.store.RemoveCheckpoint(r.path); err != nil {
		return engine.NewPlanError("failed to remove checkpoint", err).WithPlan(r.planID).WithCode(engine.ErrCodeIO)
	}
	if err := e.writeResult(r.path, ExecutionResult{IsException: false, Result: r.entries}); err != nil {
		return engine.NewPlanError("failed to write result", err).WithPlan(r.planID).WithCode(engine.ErrCodeIO)
	}

	r.outcome.Status = engine.OutcomeCompleted
	r.outcome.Entries = len(r.entries)
	r.outcome.Failures = failures
	r.outcome.Duration = telemetry.EndPlanContext(ctx, string(engine.OutcomeCompleted), nil)
	_ = events.PublishPlanCompleted(r.id, r.planID, failures, r.outcome.RebootNeeded, r.outcome.Duration)

	r.log.Infof("plan completed: %d entries, %d failed, reboot=%v", len(r.entries), failures, r.outcome.RebootNeeded)
	return nil
}

// loadCheckpoint returns the entries of an interrupted run. A missing or
// unreadable checkpoint means no progress.
func (e *Executor) loadCheckpoint(ctx context.Context, r *run) []ResultEntry {
	data, err := e.store.ReadCheckpoint(r.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.WithError(err).Warn("cannot read previous execution result")
			telemetry.MetricsFromContext(ctx).RecordError(string(engine.ErrorClassCheckpoint))
		}
		return []ResultEntry{}
	}

	entries, err := ParseEntries(data)
	if err != nil {
		cerr := engine.NewCheckpointError("cannot deserialize previous execution result", err).WithPlan(r.planID)
		r.log.WithError(cerr).Warn("discarding checkpoint")
		telemetry.MetricsFromContext(ctx).RecordError(string(engine.ErrorClassCheckpoint))
		return []ResultEntry{}
	}
	if entries == nil {
		entries = []ResultEntry{}
	}
	if len(entries) > 0 {
		r.log.Infof("resuming plan after %d completed commands", len(entries))
	}
	return entries
}

// prepare opens the session and loads every script.
func (e *Executor) prepare(ctx context.Context, r *run) error {
	session, err := e.backend.Open(ctx)
	if err != nil {
		return engine.NewPlanError("failed to open session", err).WithPlan(r.planID).WithCode(engine.ErrCodeSession)
	}
	r.session = session

	for i, script := range r.plan.Scripts {
		src, err := base64.StdEncoding.DecodeString(script)
		if err != nil {
			return engine.NewPlanError(fmt.Sprintf("script #%d is not valid base64", i+1), err).
				WithPlan(r.planID).WithCode(engine.ErrCodeParse)
		}
		if err := session.LoadScript(ctx, fmt.Sprintf("script-%d.star", i+1), string(src)); err != nil {
			return engine.NewPlanError(fmt.Sprintf("failed to load script #%d", i+1), err).
				WithPlan(r.planID).WithCode(engine.ErrCodeSession)
		}
		r.log.Debugf("loaded script #%d", i+1)
	}
	return nil
}

// step runs the first pending command, records its entry and persists the
// shortened plan and the checkpoint. stop is true after a command failure.
func (e *Executor) step(ctx context.Context, r *run) (stop bool, err error) {
	events := telemetry.EventsFromContext(ctx)
	command := r.plan.Commands[0]
	index := len(r.entries)
	log := r.log.WithCommand(command.Name, index)

	log.Infof("executing %s %s", command.Name, formatArgs(command.Arguments))

	var outputs []any
	duration, invokeErr := telemetry.RecordCommand(ctx, command.Name, index, func(ctx context.Context) error {
		var err error
		outputs, err = r.session.Invoke(ctx, command.Name, command.Args())
		return err
	})

	if invokeErr == nil {
		log.Debugf("command %s executed", command.Name)
		result := serializeOutputs(outputs)
		r.entries = append(r.entries, ResultEntry{IsException: false, Result: result})
		_ = events.PublishCommandCompleted(r.id, r.planID, command.Name, len(result), duration)
	} else {
		cerr := engine.NewCommandError("command failed", invokeErr).WithPlan(r.planID).WithCommand(command.Name)
		log.WithError(cerr).Warn("exception while executing command " + command.Name)
		telemetry.MetricsFromContext(ctx).RecordError(string(engine.ErrorClassCommand))
		r.entries = append(r.entries, failureEntry(command.Name, invokeErr))
		_ = events.PublishCommandFailed(r.id, r.planID, command.Name, invokeErr.Error())
		stop = true
	}

	r.plan.Commands = r.plan.Commands[1:]
	if err := e.persist(r); err != nil {
		return true, err
	}
	return stop, nil
}

// persist writes the remaining plan, then the checkpoint.
func (e *Executor) persist(r *run) error {
	planData, err := json.Marshal(r.plan)
	if err != nil {
		return engine.NewPlanError("failed to encode plan", err).WithPlan(r.planID)
	}
	if err := e.store.WritePlan(r.path, planData); err != nil {
		return engine.NewPlanError("failed to write plan", err).WithPlan(r.planID).WithCode(engine.ErrCodeIO)
	}

	entriesData, err := json.Marshal(r.entries)
	if err != nil {
		return engine.NewPlanError("failed to encode checkpoint", err).WithPlan(r.planID)
	}
	if err := e.store.WriteCheckpoint(r.path, entriesData); err != nil {
		return engine.NewPlanError("failed to write checkpoint", err).WithPlan(r.planID).WithCode(engine.ErrCodeIO)
	}
	return nil
}

func (e *Executor) writeResult(path string, res ExecutionResult) error {
	data, err := res.Encode()
	if err != nil {
		return err
	}
	return e.store.WriteResult(path, data)
}

// failureEntry builds [typeName, message, commandName, diagnostic]. The
// diagnostic is present when the backend reported script detail.
func failureEntry(command string, err error) ResultEntry {
	typeName := fmt.Sprintf("%T", err)
	message := err.Error()
	var diagnostic any

	var cmdErr *backend.CommandError
	if errors.As(err, &cmdErr) {
		typeName = cmdErr.Type
		if cmdErr.Err != nil {
			message = cmdErr.Err.Error()
		}
		if cmdErr.StackTrace != "" || cmdErr.Position != "" {
			diagnostic = Diagnostic{
				ScriptStackTrace: cmdErr.StackTrace,
				PositionMessage:  cmdErr.Position,
			}
		}
	}

	return ResultEntry{
		IsException: true,
		Result:      []any{typeName, message, command, diagnostic},
	}
}

// rebootNeeded applies the reboot policy.
func rebootNeeded(policy, failures int) bool {
	switch {
	case policy <= 0:
		return false
	case policy == 1:
		return failures == 0
	default:
		return true
	}
}

func countFailures(entries []ResultEntry) int {
	n := 0
	for _, entry := range entries {
		if entry.IsException {
			n++
		}
	}
	return n
}

func formatArgs(args map[string]Value) string {
	parts := make([]string, 0, len(args))
	for _, k := range sortedKeys(args) {
		parts = append(parts, k+"="+args[k].String())
	}
	return strings.Join(parts, " ")
}

// FailureMessage returns the text reported in a failure result.
func FailureMessage(err error) string {
	var agentErr *engine.AgentError
	if errors.As(err, &agentErr) {
		if agentErr.Err != nil {
			return agentErr.Message + ": " + agentErr.Err.Error()
		}
		return agentErr.Message
	}
	return err.Error()
}

func classOr(err error, fallback engine.ErrorClass) engine.ErrorClass {
	if class := engine.ClassOf(err); class != "" {
		return class
	}
	return fallback
}
