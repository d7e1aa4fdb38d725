package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, "invalid trace exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, "endpoint is required"},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, "listen address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSyncEventsPreserveOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	_ = ep.PublishPlanStarted("r", "p", 0, 2)
	_ = ep.PublishCommandCompleted("r", "p", "A", 0, 0)
	_ = ep.PublishCommandFailed("r", "p", "B", "boom")
	_ = ep.PublishPlanCompleted("r", "p", 1, false, 0)

	want := []string{EventTypePlanStarted, EventTypeCommandCompleted, EventTypeCommandFailed, EventTypePlanCompleted}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestAsyncEventsDrainOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.PlanID)
		mu.Unlock()
	}, nil)

	for _, id := range []string{"a", "b", "c"} {
		if err := ep.PublishResultSent(id); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, "") != "abc" {
		t.Errorf("delivered = %v, want [a b c]", got)
	}
}

func TestEventFilters(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})

	var errorsSeen, planA int
	ep.Subscribe(func(Event) { errorsSeen++ }, FilterByLevel(EventLevelError))
	ep.Subscribe(func(Event) { planA++ }, FilterByPlanID("a"))

	_ = ep.PublishPlanFailed("r", "a", "boom")
	_ = ep.PublishResultSent("a")
	_ = ep.PublishPlanRejected("b", "denied")

	if errorsSeen != 2 {
		t.Errorf("error subscriber saw %d events, want 2", errorsSeen)
	}
	if planA != 2 {
		t.Errorf("plan filter saw %d events, want 2", planA)
	}
}

func TestNilSafety(t *testing.T) {
	var m *Metrics
	m.RecordPlanReceived("broker")
	m.RecordBackoff(time.Second)
	m.SetPendingResults(3)

	var ep *EventPublisher
	if err := ep.PublishResultSent("x"); err != nil {
		t.Errorf("nil publisher returned %v", err)
	}

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	disabled.RecordReboot()
	if disabled.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
}

func TestMetricsRecording(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordPlanReceived("broker")
	m.RecordPlanReceived("broker")
	m.RecordSignatureRejection()
	m.RecordBackoff(4 * time.Second)

	if got := testutil.ToFloat64(m.plansReceived.WithLabelValues("broker")); got != 2 {
		t.Errorf("plans_received = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.signatureRejections); got != 1 {
		t.Errorf("signature_rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.backoffSeconds); got != 4 {
		t.Errorf("backoff_seconds = %v, want 4", got)
	}
}

func TestRecordCommandWithoutTelemetry(t *testing.T) {
	boom := errors.New("boom")
	_, err := RecordCommand(context.Background(), "A", 0, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("RecordCommand error = %v, want %v", err, boom)
	}

	ctx := WithPlanContext(context.Background(), "r", "p")
	if d := EndPlanContext(ctx, "completed", nil); d < 0 {
		t.Errorf("negative duration %v", d)
	}
}

func TestConfiguredEventTypes(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled: true,
		Types:   []string{EventTypePlanRejected, EventTypeResultSent},
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	_ = ep.PublishPlanStarted("r", "p", 0, 1)
	_ = ep.PublishPlanRejected("p", "denied")
	_ = ep.PublishCommandFailed("r", "p", "A", "boom")
	_ = ep.PublishResultSent("p")

	want := []string{EventTypePlanRejected, EventTypeResultSent}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestStartOperation(t *testing.T) {
	op := StartOperation(context.Background(), "plan.admission")
	if op.Span != nil || op.Timer == nil {
		t.Fatalf("operation without telemetry = %+v", op)
	}
	op.End(errors.New("denied"))

	tel := &Telemetry{Logger: NewNopLogger()}
	op = StartOperation(tel.WithContext(context.Background()), "plan.admission")
	if op.Span == nil {
		t.Fatal("operation with telemetry has no span")
	}
	if FromTelemetryContext(op.Ctx) != tel {
		t.Error("operation context lost the telemetry")
	}
	op.End(nil)
	if op.Timer.Duration() < 0 {
		t.Error("negative operation duration")
	}
}
