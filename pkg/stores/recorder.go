package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/runway/pkg/engine"
)

// Recorder persists orchestrator runs, node results and events for one environment.
type Recorder struct {
	store       Store
	environment string
}

// NewRecorder creates a recorder that writes to store.
func NewRecorder(store Store, environment string) *Recorder {
	return &Recorder{store: store, environment: environment}
}

// RecordRun implements engine.RunRecorder.
func (r *Recorder) RecordRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	stages := run.Stages
	if stages == nil {
		stages = map[string]engine.Stage{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("failed to marshal run stages: %w", err)
	}

	record := &Run{
		ID:          run.ID,
		Environment: r.environment,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		FailedNode:  run.FailedNode,
		Summary:     string(summary),
		Stages:      string(stagesJSON),
	}
	if run.Error != "" {
		msg := run.Error
		record.Error = &msg
	}

	return r.store.UpsertRun(ctx, record)
}

// RecordNodeResult implements engine.RunRecorder.
func (r *Recorder) RecordNodeResult(ctx context.Context, runID string, result *engine.NodeResult) error {
	outputs := result.Outputs
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs of %s: %w", result.NodeID, err)
	}

	record := &NodeResult{
		RunID:      runID,
		NodeID:     result.NodeID,
		Kind:       string(result.Kind),
		Status:     string(result.Status),
		Operation:  string(result.Operation),
		Outputs:    string(outputsJSON),
		DurationMS: result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		msg := result.Error
		record.Error = &msg
	}
	if !result.StartedAt.IsZero() {
		started := result.StartedAt
		record.StartedAt = &started
	}

	return r.store.UpsertNodeResult(ctx, record)
}

// Publish implements engine.EventPublisher.
func (r *Recorder) Publish(ctx context.Context, event *engine.Event) error {
	record := &Event{
		EventID:   event.ID,
		Type:      string(event.Type),
		Level:     EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if record.EventID == "" {
		record.EventID = uuid.New().String()
	}
	if record.Level == "" {
		record.Level = EventLevel(event.Type.Severity())
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if event.RunID != "" {
		runID := event.RunID
		record.RunID = &runID
	}
	if event.NodeID != "" {
		nodeID := event.NodeID
		record.NodeID = &nodeID
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		s := string(details)
		record.Details = &s
	}

	return r.store.AppendEvent(ctx, record)
}

// Audit records an action against a target.
func (r *Recorder) Audit(ctx context.Context, action, actor, targetID string, details map[string]interface{}) error {
	entry := &AuditEntry{
		Action: action,
		Actor:  actor,
	}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		s := string(data)
		entry.Details = &s
	}
	return r.store.CreateAuditEntry(ctx, entry)
}

var (
	_ engine.RunRecorder    = (*Recorder)(nil)
	_ engine.EventPublisher = (*Recorder)(nil)
)
