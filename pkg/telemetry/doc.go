// Package telemetry provides observability instrumentation for the agent.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Components take a component logger and add plan and command fields:
//
//	log := tel.Logger.NewComponentLogger("executor")
//	log.WithPlanID(planID).WithCommand("Install", 0).Info("invoking command")
//	log.WithError(err).Error("plan failed")
//
// # Tracing
//
// One span per executor run, one child span per command:
//
//	ctx = telemetry.WithPlanContext(ctx, runID, planID)
//	defer telemetry.EndPlanContext(ctx, status, err)
//
//	_, err := telemetry.RecordCommand(ctx, name, index, func(ctx context.Context) error {
//	    return session.Invoke(ctx, name, args)
//	})
//
// Supported exporters: "otlp" (gRPC), "stdout", "none".
//
// # Metrics
//
// Key metrics exposed under the froyo_agent namespace:
//
//   - plans_received_total{source}
//   - plans_completed_total{status}
//   - plan_duration_seconds{status}
//   - commands_executed_total{status}
//   - command_duration_seconds{command}
//   - signature_rejections_total
//   - transport_errors_total{operation}
//   - results_sent_total
//   - admission_rejections_total{reason}
//   - backoff_waits_total, backoff_seconds_total
//   - reboots_total
//   - active_plans, pending_results
//
// Recording methods are no-ops on a nil or disabled Metrics.
//
// # Events
//
// Events describe the plan lifecycle and feed the execution journal:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    journal.Record(event)
//	}, telemetry.FilterByLevel(telemetry.EventLevelInfo))
//
// Subscribers see events in publish order.
package telemetry
