package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/engine"
	"github.com/openfroyo/froyo-agent/pkg/executor"
	"github.com/openfroyo/froyo-agent/pkg/planstore"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// ErrSourceClosed is returned by Run when the message source reports it is
// closed while the supervisor was not asked to stop.
var ErrSourceClosed = errors.New("message source closed")

// Backoff defaults. The wait after the n-th consecutive failure is
// min(n, MaxBackoffFactor)² units.
const (
	DefaultBackoffUnit = time.Second
	MaxBackoffFactor   = 6
	DefaultRebootWait  = 5 * time.Minute
)

// Supervisor drives intake, execution, result upload and reboots.
type Supervisor struct {
	source   engine.MessageSource
	store    *planstore.Store
	runner   engine.PlanRunner
	admitter engine.Admitter
	rebooter engine.Rebooter
	log      *telemetry.Logger

	backoffUnit time.Duration
	rebootWait  time.Duration

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithAdmitter checks every plan before it runs.
func WithAdmitter(a engine.Admitter) Option {
	return func(s *Supervisor) { s.admitter = a }
}

// WithRebooter sets how the host is rebooted.
func WithRebooter(r engine.Rebooter) Option {
	return func(s *Supervisor) { s.rebooter = r }
}

// WithLogger sets the supervisor logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Supervisor) { s.log = l.NewComponentLogger("supervisor") }
}

// WithBackoffUnit scales the failure backoff.
func WithBackoffUnit(d time.Duration) Option {
	return func(s *Supervisor) { s.backoffUnit = d }
}

// WithRebootWait sets how long the loop idles after requesting a reboot.
func WithRebootWait(d time.Duration) Option {
	return func(s *Supervisor) { s.rebootWait = d }
}

// NewSupervisor creates a supervisor.
func NewSupervisor(source engine.MessageSource, store *planstore.Store, runner engine.PlanRunner, opts ...Option) *Supervisor {
	s := &Supervisor{
		source:      source,
		store:       store,
		runner:      runner,
		log:         telemetry.NewNopLogger(),
		backoffUnit: DefaultBackoffUnit,
		rebootWait:  DefaultRebootWait,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop asks Run to return. A blocked GetMessage is released by closing the
// source; a running plan is allowed to finish its current command loop.
// Safe to call more than once and from any goroutine.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.stopCh)
		if err := s.source.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close message source")
		}
	})
}

// Stopping reports whether Stop has been called.
func (s *Supervisor) Stopping() bool {
	return s.stopping.Load()
}

// Run processes plans until stopped, ctx is cancelled, or the source closes.
// It returns nil on a requested stop and ErrSourceClosed when the source
// closed on its own.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor started")
	defer s.log.Info("supervisor stopped")

	factor := 1
	for !s.done(ctx) {
		outcome, err := s.iterate(ctx)
		if err == nil {
			factor = 1
			if s.done(ctx) {
				return nil
			}
			err = s.rebootIfNeeded(ctx, outcome)
		}
		if err == nil {
			continue
		}

		if s.done(ctx) {
			return nil
		}
		if errors.Is(err, ErrSourceClosed) {
			return err
		}

		wait := time.Duration(factor*factor) * s.backoffUnit
		s.log.WithError(err).Errorf("loop iteration failed, retrying in %s", wait)
		telemetry.MetricsFromContext(ctx).RecordBackoff(wait)
		if !s.sleep(ctx, wait) {
			return nil
		}
		if factor < MaxBackoffFactor {
			factor++
		}
	}
	return nil
}

// iterate runs one pass of the loop. The outcome is nil when no plan ran.
func (s *Supervisor) iterate(ctx context.Context) (*engine.Outcome, error) {
	if err := s.uploadResults(ctx); err != nil {
		return nil, err
	}

	path, err := s.nextPlan(ctx)
	if err != nil || path == "" {
		return nil, err
	}

	planID := planstore.IDFromPath(path)
	log := s.log.WithPlanID(planID)

	if s.admitter != nil {
		rejected, err := s.admit(ctx, path, planID)
		if err != nil || rejected {
			return nil, err
		}
	}

	// A stop request lets the plan finish; only ctx interrupts commands.
	outcome, err := s.runner.Execute(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := s.store.RemovePlan(path); err != nil {
		return nil, fmt.Errorf("failed to remove plan file: %w", err)
	}
	if outcome.Status == engine.OutcomeDropped {
		// No result will be uploaded for a dropped plan.
		if err := s.store.RemoveRoute(path); err != nil {
			log.WithError(err).Warn("failed to remove route file")
		}
	}

	log.WithField("status", outcome.Status).
		WithField("failures", outcome.Failures).
		WithField("reboot", outcome.RebootNeeded).
		Info("plan processed")
	return outcome, nil
}

// uploadResults sends every result whose plan file is gone, then deletes it.
func (s *Supervisor) uploadResults(ctx context.Context) error {
	results, err := s.store.OrphanResults()
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}

	metrics := telemetry.MetricsFromContext(ctx)
	events := telemetry.EventsFromContext(ctx)
	metrics.SetPendingResults(len(results))

	for i, resultPath := range results {
		body, err := s.store.ReadResult(resultPath)
		if err != nil {
			return fmt.Errorf("failed to read result: %w", err)
		}

		id := planstore.IDFromPath(resultPath)
		if id == engine.UnknownID {
			id = ""
		}

		msg := engine.NewMessage(id, body, nil, nil)
		msg.ReplyTo = s.store.ReadRoute(planstore.PlanPathForResult(resultPath))

		if err := s.source.SendResult(ctx, msg); err != nil {
			return err
		}
		if err := s.store.RemoveResult(resultPath); err != nil {
			return fmt.Errorf("failed to remove uploaded result: %w", err)
		}

		metrics.SetPendingResults(len(results) - i - 1)
		_ = events.PublishResultSent(id)
		s.log.WithPlanID(id).Info("result uploaded")
	}
	return nil
}

// nextPlan returns the first staged plan, or stages the next message.
// An empty path with a nil error means there was nothing to do.
func (s *Supervisor) nextPlan(ctx context.Context) (string, error) {
	pending, err := s.store.PendingPlans()
	if err != nil {
		return "", fmt.Errorf("failed to list plans: %w", err)
	}
	if len(pending) > 0 {
		s.log.WithPlanID(planstore.IDFromPath(pending[0])).Info("resuming staged plan")
		return pending[0], nil
	}

	msg, err := s.source.GetMessage(ctx)
	if err != nil {
		return "", err
	}
	if msg == nil {
		if s.Stopping() {
			return "", nil
		}
		return "", ErrSourceClosed
	}
	defer msg.Close()

	path, err := s.store.StagePlan(msg.ID, msg.Body, msg.ReplyTo)
	if engine.IsPlan(err) {
		// An unusable id would be redelivered forever.
		s.log.WithMessageID(msg.ID).WithError(err).Error("discarding message")
		if ackErr := msg.Ack(); ackErr != nil {
			return "", ackErr
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stage plan: %w", err)
	}

	if err := msg.Ack(); err != nil {
		return "", err
	}

	planID := planstore.IDFromPath(path)
	telemetry.MetricsFromContext(ctx).RecordPlanReceived("broker")
	_ = telemetry.EventsFromContext(ctx).PublishPlanReceived(planID, "broker", len(msg.Body))
	s.log.WithPlanID(planID).WithMessageID(msg.ID).Info("plan received")
	return path, nil
}

// admit runs admission on a staged plan. A rejected plan gets a failure
// result and its plan file is removed.
func (s *Supervisor) admit(ctx context.Context, path, planID string) (bool, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read plan: %w", err)
	}

	// Stale plans go straight to the runner, which drops them without a result.
	stale, err := s.stale(body)
	if err != nil || stale {
		return false, err
	}

	admitErr := s.admitter.Admit(ctx, planID, body)
	if admitErr == nil {
		return false, nil
	}
	if !engine.IsAdmission(admitErr) {
		return false, admitErr
	}

	result, err := executor.FailureResult(executor.FailureMessage(admitErr))
	if err != nil {
		return false, err
	}
	if err := s.store.WriteResult(path, result); err != nil {
		return false, fmt.Errorf("failed to write rejection result: %w", err)
	}
	if err := s.store.RemoveCheckpoint(path); err != nil {
		return false, fmt.Errorf("failed to remove checkpoint of rejected plan: %w", err)
	}
	if err := s.store.RemovePlan(path); err != nil {
		return false, fmt.Errorf("failed to remove rejected plan: %w", err)
	}
	return true, nil
}

// stale reports whether the plan's stamp is at or below the watermark. An
// unparsable body is not stale; admission reports it.
func (s *Supervisor) stale(body []byte) (bool, error) {
	plan, err := executor.ParsePlan(body)
	if err != nil || plan.Stamp <= 0 {
		return false, nil
	}
	watermark, err := s.store.Stamp()
	if err != nil {
		return false, fmt.Errorf("failed to read stamp: %w", err)
	}
	return plan.Stamp <= watermark, nil
}

// rebootIfNeeded reboots after a plan that asked for it and idles for the
// reboot wait, or until stopped.
func (s *Supervisor) rebootIfNeeded(ctx context.Context, outcome *engine.Outcome) error {
	if outcome == nil || !outcome.RebootNeeded {
		return nil
	}
	if s.rebooter == nil {
		s.log.Warn("reboot requested but no rebooter configured")
		return nil
	}

	s.log.WithPlanID(outcome.PlanID).Warn("rebooting host")
	telemetry.MetricsFromContext(ctx).RecordReboot()
	_ = telemetry.EventsFromContext(ctx).PublishRebootRequested(outcome.PlanID)
	if err := s.rebooter.Reboot(ctx); err != nil {
		return fmt.Errorf("reboot failed: %w", err)
	}

	s.sleep(ctx, s.rebootWait)
	return nil
}

// sleep waits for d. It returns false when the wait was cut short by Stop
// or ctx.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !s.done(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) done(ctx context.Context) bool {
	return s.Stopping() || ctx.Err() != nil
}
