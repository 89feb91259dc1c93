package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents an apply run
type Run struct {
	ID          string     `json:"id"`
	Environment string     `json:"environment"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedNode  string     `json:"failed_node,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Summary     string     `json:"summary"` // JSON blob
	Stages      string     `json:"stages"`  // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NodeResult represents the outcome of one node within a run
type NodeResult struct {
	RunID      string     `json:"run_id"`
	NodeID     string     `json:"node_id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Operation  string     `json:"operation,omitempty"`
	Outputs    string     `json:"outputs"` // JSON blob
	Error      *string    `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	RunID     *string    `json:"run_id,omitempty"`
	NodeID    *string    `json:"node_id,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// ResourceState represents the last applied state of a node in an environment
type ResourceState struct {
	Environment string    `json:"environment"`
	NodeID      string    `json:"node_id"`
	Kind        string    `json:"kind"`
	Config      string    `json:"config"`  // JSON blob
	Outputs     string    `json:"outputs"` // JSON blob
	Hash        string    `json:"hash"`    // SHA256 of the evaluated config
	LastRunID   string    `json:"last_run_id"`
	LastApplied time.Time `json:"last_applied"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "run.applied", "state.destroyed"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // run or environment ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter narrows GetEvents.
type EventFilter struct {
	RunID  *string
	NodeID *string
	Level  *EventLevel
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	UpsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, environment string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Node result operations
	UpsertNodeResult(ctx context.Context, result *NodeResult) error
	ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error)

	// ResourceState operations
	UpsertResourceState(ctx context.Context, state *ResourceState) error
	GetResourceState(ctx context.Context, environment, nodeID string) (*ResourceState, error)
	ListResourceStates(ctx context.Context, environment string) ([]*ResourceState, error)
	DeleteResourceState(ctx context.Context, environment, nodeID string) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
