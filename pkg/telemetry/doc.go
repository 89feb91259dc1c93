// Package telemetry provides the observability stack for runway: structured
// logging (zerolog), distributed tracing (OpenTelemetry), Prometheus metrics
// and an event bus for apply runs.
//
// # Usage
//
// Initialize telemetry once per command:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Environment = "prod"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Orchestrator Wiring
//
// Metrics implements engine.MetricsRecorder and EventPublisher implements
// engine.EventPublisher, so both plug straight into engine.Options:
//
//	orch := engine.NewOrchestrator(builder, builder, provisioner, engine.Options{
//	    Logger:  tel.Logger.Zerolog(),
//	    Events:  tel.Events,
//	    Metrics: tel.Metrics,
//	})
//
// When tracing is enabled the tracer provider is installed globally, so the
// orchestrator's run and node spans reach the configured exporter.
//
// # Event Bus
//
// Subscribers receive events in publish order, one at a time:
//
//	tel.Events.Subscribe("recorder", recorder.Publish, nil)
//	tel.Events.Subscribe("console", printEvent, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// In synchronous mode Publish returns subscriber errors; in async mode a
// single goroutine drains the buffer and logs them. Shutdown delivers
// everything still buffered.
//
// # Metrics
//
// All metrics live in a private registry under the "runway" namespace:
//
//   - runs_started_total, runs_completed_total{status}, run_duration_seconds{status}, active_runs
//   - nodes_applied_total{kind,operation,status}, node_duration_seconds{kind}
//   - stage_transitions_total{pipeline,stage}
//   - policy_violations_total{policy,severity}
//
// Set MetricsConfig.ListenAddress to serve them over HTTP.
package telemetry
