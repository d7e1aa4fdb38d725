package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, telemetryContextKey{}, t)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// MetricsFromContext returns the metrics carried by ctx, or nil.
// Metrics methods are safe on nil.
func MetricsFromContext(ctx context.Context) *Metrics {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Metrics
	}
	return nil
}

// EventsFromContext returns the event publisher carried by ctx, or nil.
// Publish is safe on nil.
func EventsFromContext(ctx context.Context) *EventPublisher {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Events
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return t.Metrics.Shutdown(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	log := t.Logger.NewComponentLogger("metrics")
	return t.Metrics.StartMetricsServer(func(err error) {
		log.WithError(err).Error("metrics server stopped")
	})
}

// InstrumentedContext carries a span and timer for one operation.
type InstrumentedContext struct {
	Ctx   context.Context
	Span  trace.Span
	Timer *Timer
}

// StartOperation begins an instrumented operation with tracing and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{Ctx: ctx, Timer: NewTimer()}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	return &InstrumentedContext{
		Ctx:   spanCtx,
		Span:  span,
		Timer: NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// planSpanKey is the context key for plan spans.
type planSpanKey struct{}

// planTimerKey is the context key for plan timers.
type planTimerKey struct{}

// WithPlanContext starts the plan span and timer for one executor run.
func WithPlanContext(ctx context.Context, runID, planID string) context.Context {
	ctx = context.WithValue(ctx, planTimerKey{}, NewTimer())

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartPlanSpan(ctx, planID, runID)
	tel.Metrics.RecordPlanStarted()

	return context.WithValue(spanCtx, planSpanKey{}, span)
}

// EndPlanContext completes the plan context, recording the span status and
// plan metrics. It returns the elapsed run time.
func EndPlanContext(ctx context.Context, status string, err error) time.Duration {
	var duration time.Duration
	if timer, ok := ctx.Value(planTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return duration
	}

	if span, ok := ctx.Value(planSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrPlanStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordPlanCompleted(status, duration)
	return duration
}

// RecordCommand runs fn inside a command span and records command metrics.
func RecordCommand(ctx context.Context, command string, index int, fn func(ctx context.Context) error) (time.Duration, error) {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartCommandSpan(ctx, command, index)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)
	duration := timer.Duration()

	if tel != nil {
		status := "succeeded"
		if err != nil {
			status = "failed"
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		tel.Metrics.RecordCommandExecution(command, status, duration)
	}

	return duration, err
}
