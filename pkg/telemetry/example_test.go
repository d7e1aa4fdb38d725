package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// Example_eventPublishing demonstrates event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.PlanID)
	}, nil)

	_ = tel.Events.PublishPlanStarted("run-1", "plan-a", 5, 2)
	_ = tel.Events.PublishCommandCompleted("run-1", "plan-a", "Install", 1, 10*time.Millisecond)
	_ = tel.Events.PublishPlanCompleted("run-1", "plan-a", 0, true, time.Second)

	// Output:
	// plan.started plan-a
	// command.completed plan-a
	// plan.completed plan-a
}

// Example_planInstrumentation demonstrates instrumenting an executor run.
func Example_planInstrumentation() {
	cfg := telemetry.DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithPlanContext(ctx, "run-1", "plan-a")

	_, err = telemetry.RecordCommand(ctx, "Install", 0, func(ctx context.Context) error {
		return nil
	})
	telemetry.EndPlanContext(ctx, "completed", err)

	fmt.Println("plan instrumented")
	// Output: plan instrumented
}
