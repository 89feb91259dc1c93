package engine

import (
	"fmt"
	"sync"
	"time"
)

// Node is one declared infrastructure resource within a Graph.
// Nodes are created by the caller and handed to Graph.AddNode; after that the
// graph owns them and only the orchestrator writes their outputs.
type Node struct {
	// ID is the unique, stable identifier of the node within its graph.
	ID string `json:"id"`

	// Kind is the type of infrastructure object.
	Kind Kind `json:"kind"`

	// Config is the kind-specific configuration submitted for this node.
	Config map[string]interface{} `json:"config,omitempty"`

	// DependsOn lists node IDs that must be provisioned before this node.
	DependsOn []string `json:"depends_on,omitempty"`

	// References are late-bound attribute overrides, in the order they were added.
	References []AttributeRef `json:"references,omitempty"`

	mu           sync.RWMutex
	outputs      map[string]interface{}
	materialized bool
}

// NewNode creates a node with an initialized config map.
func NewNode(id string, kind Kind, config map[string]interface{}, dependsOn ...string) *Node {
	if config == nil {
		config = make(map[string]interface{})
	}
	return &Node{
		ID:        id,
		Kind:      kind,
		Config:    config,
		DependsOn: dependsOn,
	}
}

// Materialized reports whether the node's outputs have been recorded.
func (n *Node) Materialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.materialized
}

// Outputs returns a shallow copy of the recorded outputs.
// It returns ErrNotMaterialized if the node has not been provisioned.
func (n *Node) Outputs() (map[string]interface{}, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.materialized {
		return nil, ErrNotMaterialized
	}
	out := make(map[string]interface{}, len(n.outputs))
	for k, v := range n.outputs {
		out[k] = v
	}
	return out, nil
}

// Output returns a single recorded output value.
func (n *Node) Output(name string) (interface{}, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.materialized {
		return nil, ErrNotMaterialized
	}
	v, ok := n.outputs[name]
	if !ok {
		return nil, fmt.Errorf("node %s has no output %q", n.ID, name)
	}
	return v, nil
}

// setOutputs records outputs exactly once.
func (n *Node) setOutputs(outputs map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.materialized {
		return NewPermanentError("outputs already recorded", nil).
			WithCode(ErrCodeConflict).
			WithResource(n.ID)
	}
	n.outputs = make(map[string]interface{}, len(outputs))
	for k, v := range outputs {
		n.outputs[k] = v
	}
	n.materialized = true
	return nil
}

// Record is one element of a record-shaped output, such as a DNS resource record
// with "name", "type" and "rrdata" fields.
type Record map[string]interface{}

// DependencyType represents the type of edge between two nodes.
type DependencyType string

const (
	// DependencyReference is the implicit edge created by an attribute reference.
	DependencyReference DependencyType = "reference"

	// DependencyExplicit is a declared dependency with no data flow.
	DependencyExplicit DependencyType = "explicit"

	// DependencyOrder orders two nodes without any functional dependency between them.
	DependencyOrder DependencyType = "order"
)

// Validate checks if the dependency type is valid.
func (d DependencyType) Validate() error {
	switch d {
	case DependencyReference, DependencyExplicit, DependencyOrder:
		return nil
	default:
		return fmt.Errorf("invalid dependency type: %s", d)
	}
}

// Edge is a directed dependency: To must be provisioned before From.
type Edge struct {
	// From is the dependent node.
	From string `json:"from"`

	// To is the dependency.
	To string `json:"to"`

	// Type is the dependency type.
	Type DependencyType `json:"type"`
}

// NodeResult captures the outcome of one node within a run.
type NodeResult struct {
	// NodeID is the node this result belongs to.
	NodeID string `json:"node_id"`

	// Kind is the node kind.
	Kind Kind `json:"kind"`

	// Status is the final node status.
	Status NodeStatus `json:"status"`

	// Operation is what the provisioning engine did, empty for skipped nodes.
	Operation OperationType `json:"operation,omitempty"`

	// Outputs are the outputs recorded for the node.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`

	// StartedAt is when the node was submitted.
	StartedAt time.Time `json:"started_at,omitempty"`

	// Duration is how long the submission took.
	Duration time.Duration `json:"duration"`
}

// Run represents one apply of a graph.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// Order is the topological order the run followed.
	Order []string `json:"order"`

	// Results holds per-node outcomes keyed by node ID.
	Results map[string]*NodeResult `json:"results"`

	// FailedNode is the ID of the node that halted the run, if any.
	FailedNode string `json:"failed_node,omitempty"`

	// Error is the failure message of the halting node.
	Error string `json:"error,omitempty"`

	// Stages records the final stage of every pipeline in the graph.
	Stages map[string]Stage `json:"stages,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Summary provides statistics about the run.
	Summary RunSummary `json:"summary"`
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	// Total is the total number of nodes.
	Total int `json:"total"`

	// Succeeded is the number of nodes that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of nodes that failed.
	Failed int `json:"failed"`

	// Skipped is the number of nodes that were never submitted.
	Skipped int `json:"skipped"`

	// Changed is the number of succeeded nodes whose operation mutated state.
	Changed int `json:"changed"`
}

// Event represents a timeline event during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// NodeID is the ID of the node, if applicable.
	NodeID string `json:"node_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// BuildRequest asks the image builder to produce an image.
type BuildRequest struct {
	// NodeID is the image node being built.
	NodeID string `json:"node_id"`

	// ContextPath is the directory used as the build context.
	ContextPath string `json:"context_path"`

	// Platform is the target platform, e.g. "linux/amd64".
	Platform string `json:"platform"`

	// Reference is the fully qualified image reference to tag the result with.
	Reference string `json:"reference"`
}

// SubmitRequest is a node handed to the provisioning engine with its references substituted.
type SubmitRequest struct {
	// RunID is the run submitting the node.
	RunID string `json:"run_id"`

	// NodeID is the stable node identifier, used as the engine's state key.
	NodeID string `json:"node_id"`

	// Kind is the node kind.
	Kind Kind `json:"kind"`

	// Config is the resolved config. Values may be Deferred expressions.
	Config map[string]interface{} `json:"config"`
}

// SubmitResponse is returned by the provisioning engine for a submitted node.
type SubmitResponse struct {
	// Outputs are the attributes the engine reports for the resource.
	Outputs map[string]interface{} `json:"outputs"`

	// Operation is what the engine did with the node.
	Operation OperationType `json:"operation"`
}

// PlannedNode is one node of a dry run.
type PlannedNode struct {
	// ID is the node ID.
	ID string `json:"id"`

	// Kind is the node kind.
	Kind Kind `json:"kind"`

	// Level is the concurrency level the node would run at.
	Level int `json:"level"`

	// DependsOn lists the direct dependencies of the node.
	DependsOn []string `json:"depends_on,omitempty"`

	// Config is the config with every reference resolved or deferred.
	Config map[string]interface{} `json:"config"`
}

// Plan is the result of a dry run over a graph.
type Plan struct {
	// Order is the topological order.
	Order []string `json:"order"`

	// Levels groups node IDs that may run concurrently.
	Levels [][]string `json:"levels"`

	// Nodes are the planned nodes in topological order.
	Nodes []PlannedNode `json:"nodes"`
}
