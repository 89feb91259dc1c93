package provisioner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/runway/pkg/engine"
	"github.com/openfroyo/runway/pkg/stores"
)

// Options configures a LocalEngine.
type Options struct {
	// Environment scopes every state record the engine reads and writes.
	Environment string

	// Logger receives structured logs. Nil disables logging.
	Logger *zerolog.Logger

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// LocalEngine is a provisioning engine that tracks resources in the state
// store instead of calling a cloud API. A node whose evaluated config hashes
// to the recorded value is a no-op; a changed hash is an in-place update.
type LocalEngine struct {
	store       stores.Store
	environment string
	logger      zerolog.Logger
	now         func() time.Time

	// Serializes read-compare-write of state records.
	mu sync.Mutex
}

// NewLocalEngine creates a local engine over store.
func NewLocalEngine(store stores.Store, opts Options) *LocalEngine {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "provisioner").Str("environment", opts.Environment).Logger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &LocalEngine{
		store:       store,
		environment: opts.Environment,
		logger:      logger,
		now:         now,
	}
}

// Submit implements engine.ProvisioningEngine.
func (e *LocalEngine) Submit(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResponse, error) {
	if err := req.Kind.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid submission", err).WithCode(engine.ErrCodeValidation).WithResource(req.NodeID)
	}
	if req.Kind.IsArtifact() {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s nodes are handled by the image builder", req.Kind), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(req.NodeID)
	}
	outputsOf := kindOutputs[req.Kind]

	e.mu.Lock()
	defer e.mu.Unlock()

	evaluated, err := newEvaluator(ctx, e.store, e.environment).value(req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate config of %s: %w", req.NodeID, err)
	}
	config, _ := evaluated.(map[string]interface{})
	if config == nil {
		config = map[string]interface{}{}
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode config", err).WithResource(req.NodeID)
	}
	hash := hashConfig(req.Kind, configJSON)

	existing, err := e.store.GetResourceState(ctx, e.environment, req.NodeID)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, engine.NewTransientError("failed to load state", err).WithResource(req.NodeID)
	}

	if existing != nil && existing.Hash == hash && existing.Kind == string(req.Kind) {
		var outputs map[string]interface{}
		if err := json.Unmarshal([]byte(existing.Outputs), &outputs); err != nil {
			return nil, fmt.Errorf("corrupt state for %s: %w", req.NodeID, err)
		}
		e.logger.Debug().Str("node_id", req.NodeID).Msg("Resource unchanged")
		return &engine.SubmitResponse{Outputs: outputs, Operation: engine.OperationNoop}, nil
	}

	outputs, err := outputsOf(config, hash)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid %s config", req.Kind), err).
			WithCode(engine.ErrCodeValidation).WithResource(req.NodeID)
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode outputs", err).WithResource(req.NodeID)
	}

	operation := engine.OperationCreate
	if existing != nil {
		operation = engine.OperationUpdate
	}

	state := &stores.ResourceState{
		Environment: e.environment,
		NodeID:      req.NodeID,
		Kind:        string(req.Kind),
		Config:      string(configJSON),
		Outputs:     string(outputsJSON),
		Hash:        hash,
		LastRunID:   req.RunID,
		LastApplied: e.now(),
	}
	if existing != nil {
		state.CreatedAt = existing.CreatedAt
	}
	if err := e.store.UpsertResourceState(ctx, state); err != nil {
		return nil, engine.NewTransientError("failed to save state", err).WithResource(req.NodeID)
	}

	e.logger.Info().
		Str("node_id", req.NodeID).
		Str("kind", string(req.Kind)).
		Str("operation", string(operation)).
		Msg("Resource applied")

	return &engine.SubmitResponse{Outputs: outputs, Operation: operation}, nil
}

// Destroy removes recorded state in reverse of order, which is expected to be
// a topological order. Nodes without state are skipped. It returns the IDs it
// removed.
func (e *LocalEngine) Destroy(ctx context.Context, order []string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	destroyed := []string{}
	for i := len(order) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return destroyed, err
		}
		id := order[i]
		err := e.store.DeleteResourceState(ctx, e.environment, id)
		if errors.Is(err, stores.ErrNotFound) {
			continue
		}
		if err != nil {
			return destroyed, fmt.Errorf("failed to destroy %s: %w", id, err)
		}
		e.logger.Info().Str("node_id", id).Msg("Resource destroyed")
		destroyed = append(destroyed, id)
	}
	return destroyed, nil
}

// Outputs returns the recorded outputs of a node.
func (e *LocalEngine) Outputs(ctx context.Context, nodeID string) (map[string]interface{}, error) {
	state, err := e.store.GetResourceState(ctx, e.environment, nodeID)
	if err != nil {
		return nil, err
	}
	var outputs map[string]interface{}
	if err := json.Unmarshal([]byte(state.Outputs), &outputs); err != nil {
		return nil, fmt.Errorf("corrupt state for %s: %w", nodeID, err)
	}
	return outputs, nil
}

// LastArtifact implements engine.ArtifactStore.
func (e *LocalEngine) LastArtifact(ctx context.Context, nodeID string) (map[string]interface{}, error) {
	outputs, err := e.Outputs(ctx, nodeID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, nil
	}
	return outputs, err
}

// RecordArtifact implements engine.ArtifactStore. Artifact outputs are kept
// next to resource state so deferred expressions can read them too.
func (e *LocalEngine) RecordArtifact(ctx context.Context, runID, nodeID string, kind engine.Kind, outputs map[string]interface{}) error {
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs of %s: %w", nodeID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := &stores.ResourceState{
		Environment: e.environment,
		NodeID:      nodeID,
		Kind:        string(kind),
		Config:      "{}",
		Outputs:     string(outputsJSON),
		Hash:        hashConfig(kind, outputsJSON),
		LastRunID:   runID,
		LastApplied: e.now(),
	}
	existing, err := e.store.GetResourceState(ctx, e.environment, nodeID)
	switch {
	case err == nil:
		state.CreatedAt = existing.CreatedAt
	case !errors.Is(err, stores.ErrNotFound):
		return engine.NewTransientError("failed to load state", err).WithResource(nodeID)
	}
	if err := e.store.UpsertResourceState(ctx, state); err != nil {
		return engine.NewTransientError("failed to save state", err).WithResource(nodeID)
	}

	e.logger.Info().Str("node_id", nodeID).Str("kind", string(kind)).Msg("Artifact recorded")
	return nil
}

func hashConfig(kind engine.Kind, configJSON []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(configJSON)
	return hex.EncodeToString(h.Sum(nil))
}

var (
	_ engine.ProvisioningEngine = (*LocalEngine)(nil)
	_ engine.ArtifactStore      = (*LocalEngine)(nil)
)
