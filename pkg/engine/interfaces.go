package engine

import (
	"context"
	"time"
)

// ImageBuilder builds container images from a local build context.
// A returned error is fatal to the run and is not retried.
type ImageBuilder interface {
	// Build builds the image and returns its reference.
	Build(ctx context.Context, req BuildRequest) (string, error)
}

// ImagePusher publishes a built image to its registry.
// Transient failures are retried inside the pusher; an error means retries are exhausted.
type ImagePusher interface {
	// Push pushes the image and returns its content digest.
	Push(ctx context.Context, imageRef string) (string, error)
}

// ArtifactBuilder is an ImageBuilder that also pushes.
type ArtifactBuilder interface {
	ImageBuilder
	ImagePusher
}

// ProvisioningEngine creates and updates cloud resources with its own state tracking.
// Submitted configs may carry Deferred values, which the engine evaluates
// against its own state when it applies the node.
type ProvisioningEngine interface {
	// Submit applies one node and returns the outputs it reports.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
}

// ArtifactStore remembers what the last build and push of an artifact node
// produced, so a rerun can report an unchanged artifact as a no-op.
type ArtifactStore interface {
	// LastArtifact returns the outputs recorded for nodeID, or nil when none are.
	LastArtifact(ctx context.Context, nodeID string) (map[string]interface{}, error)

	// RecordArtifact stores the outputs of an artifact node.
	RecordArtifact(ctx context.Context, runID, nodeID string, kind Kind, outputs map[string]interface{}) error
}

// EventPublisher publishes run events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists runs and per-node results.
type RunRecorder interface {
	// RecordRun creates or updates a run record.
	RecordRun(ctx context.Context, run *Run) error

	// RecordNodeResult stores the result of a single node.
	RecordNodeResult(ctx context.Context, runID string, result *NodeResult) error
}

// MetricsRecorder receives run and node measurements.
type MetricsRecorder interface {
	// RecordNodeApplied records a finished node.
	RecordNodeApplied(kind, operation, status string, duration time.Duration)

	// RecordStageAdvanced records a pipeline stage transition.
	RecordStageAdvanced(pipeline, stage string)

	// RecordRunCompleted records a finished run.
	RecordRunCompleted(status string, duration time.Duration)
}
