package telemetry_test

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/runway/pkg/engine"
	"github.com/openfroyo/runway/pkg/telemetry"
)

// Example_eventBus shows subscribers receiving run events in publish order.
func Example_eventBus() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Writer = io.Discard

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe("printer", func(_ context.Context, e *engine.Event) error {
		if e.NodeID == "" {
			fmt.Println(e.Type)
			return nil
		}
		fmt.Println(e.Type, e.NodeID)
		return nil
	}, telemetry.FilterByRunID("run-1"))

	ctx := context.Background()
	_ = tel.Events.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted, RunID: "run-1"})
	_ = tel.Events.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeStarted, RunID: "run-1", NodeID: "artifactRegistry"})
	_ = tel.Events.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeStarted, RunID: "run-2", NodeID: "dockerImage"})
	_ = tel.Events.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeCompleted, RunID: "run-1", NodeID: "artifactRegistry"})

	// Output:
	// run_started
	// node_started artifactRegistry
	// node_completed artifactRegistry
}
