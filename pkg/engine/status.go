package engine

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the type of infrastructure object a node describes.
type Kind string

const (
	// KindRegistry is a container registry repository.
	KindRegistry Kind = "registry"

	// KindImage is a container image built from a local build context.
	KindImage Kind = "image"

	// KindImagePush publishes a built image to its registry.
	KindImagePush Kind = "image_push"

	// KindManagedService is a managed container service running the pushed image.
	KindManagedService Kind = "managed_service"

	// KindIAMPolicyBinding grants a role on a managed service.
	KindIAMPolicyBinding Kind = "iam_policy_binding"

	// KindDomainMapping routes a custom domain to a managed service.
	KindDomainMapping Kind = "domain_mapping"

	// KindDNSRecordSet is a DNS record set in a managed zone.
	KindDNSRecordSet Kind = "dns_record_set"

	// KindNetwork is a standalone network resource.
	KindNetwork Kind = "network"
)

// AllKinds lists every supported node kind.
var AllKinds = []Kind{
	KindRegistry,
	KindImage,
	KindImagePush,
	KindManagedService,
	KindIAMPolicyBinding,
	KindDomainMapping,
	KindDNSRecordSet,
	KindNetwork,
}

// Validate checks if the kind is known.
func (k Kind) Validate() error {
	for _, known := range AllKinds {
		if k == known {
			return nil
		}
	}
	return fmt.Errorf("invalid node kind: %q", string(k))
}

// IsArtifact returns true for kinds handled by the image builder rather than the provisioning engine.
func (k Kind) IsArtifact() bool {
	return k == KindImage || k == KindImagePush
}

// RunStatus represents the overall status of an apply run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node was provisioned.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run halted on a failed node.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled through its context.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// NodeStatus represents the execution status of a single node within a run.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has not been submitted.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusRunning indicates the node has been submitted and is awaiting completion.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusSucceeded indicates the node was provisioned and its outputs recorded.
	NodeStatusSucceeded NodeStatus = "succeeded"

	// NodeStatusFailed indicates the node failed.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusSkipped indicates the node was never submitted because the run halted.
	NodeStatusSkipped NodeStatus = "skipped"
)

// IsTerminal returns true if the node status represents a final state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusSucceeded || s == NodeStatusFailed || s == NodeStatusSkipped
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusSucceeded,
		NodeStatusFailed, NodeStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// OperationType represents what the provisioning engine did with a submitted node.
type OperationType string

const (
	// OperationCreate indicates a new resource was created.
	OperationCreate OperationType = "create"

	// OperationUpdate indicates an existing resource was updated in place.
	OperationUpdate OperationType = "update"

	// OperationDelete indicates a resource was removed.
	OperationDelete OperationType = "delete"

	// OperationNoop indicates the submitted config matched recorded state.
	OperationNoop OperationType = "noop"
)

// IsMutating returns true if the operation modified recorded state.
func (o OperationType) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeNodeStarted indicates a node was submitted.
	EventTypeNodeStarted EventType = "node_started"

	// EventTypeNodeCompleted indicates a node completed and its outputs were recorded.
	EventTypeNodeCompleted EventType = "node_completed"

	// EventTypeNodeFailed indicates a node failed.
	EventTypeNodeFailed EventType = "node_failed"

	// EventTypeNodeSkipped indicates a node was never submitted.
	EventTypeNodeSkipped EventType = "node_skipped"

	// EventTypeStageAdvanced indicates a pipeline moved to its next stage.
	EventTypeStageAdvanced EventType = "stage_advanced"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeNodeFailed:
		return "error"
	case EventTypeNodeSkipped:
		return "warning"
	default:
		return "info"
	}
}
