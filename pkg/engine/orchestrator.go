package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/runway/pkg/engine"

// Options configures an Orchestrator.
type Options struct {
	// MaxParallel is the maximum number of nodes in flight. Values below 2 run
	// strictly sequentially in topological order.
	MaxParallel int

	// DeferTransforms leaves filtered or projected references unresolved and
	// submits them as Deferred expressions for the provisioning engine to evaluate.
	// Artifact nodes always receive concrete values.
	DeferTransforms bool

	// Logger receives structured run logs. Nil disables logging.
	Logger *zerolog.Logger

	// Events receives run and node events. Optional.
	Events EventPublisher

	// Recorder persists runs and node results. Optional.
	Recorder RunRecorder

	// Metrics receives run and node measurements. Optional.
	Metrics MetricsRecorder

	// Artifacts tracks build and push outputs across runs. When nil and the
	// provisioning engine implements ArtifactStore, the engine is used.
	// Without one every build and push reports a create.
	Artifacts ArtifactStore
}

// Orchestrator drives a graph through the image builder and the provisioning
// engine in dependency order. It halts on the first failure: nodes already in
// flight finish, nothing new is submitted, and every node never started is
// reported as skipped.
type Orchestrator struct {
	builder     ImageBuilder
	pusher      ImagePusher
	provisioner ProvisioningEngine

	maxParallel     int
	deferTransforms bool

	logger   zerolog.Logger
	events   EventPublisher
	recorder RunRecorder
	metrics  MetricsRecorder
	tracer   trace.Tracer

	artifacts ArtifactStore
}

// NewOrchestrator creates an orchestrator. The builder handles image nodes, the
// pusher handles image push nodes and the provisioner handles everything else.
func NewOrchestrator(
	builder ImageBuilder,
	pusher ImagePusher,
	provisioner ProvisioningEngine,
	opts Options,
) *Orchestrator {
	maxParallel := opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "orchestrator").Logger()
	}

	artifacts := opts.Artifacts
	if artifacts == nil {
		artifacts, _ = provisioner.(ArtifactStore)
	}

	return &Orchestrator{
		builder:         builder,
		pusher:          pusher,
		provisioner:     provisioner,
		maxParallel:     maxParallel,
		deferTransforms: opts.DeferTransforms,
		logger:          logger,
		events:          opts.Events,
		recorder:        opts.Recorder,
		metrics:         opts.Metrics,
		tracer:          otel.Tracer(tracerName),
		artifacts:       artifacts,
	}
}

// completion is sent by a node worker when its node finishes.
type completion struct {
	result *NodeResult
	err    error
}

// Apply seals the graph and applies every node. The returned run is always
// non-nil once ordering succeeded; the returned error is the failure that
// halted the run, carrying the originating node ID.
func (o *Orchestrator) Apply(ctx context.Context, g *Graph) (*Run, error) {
	if g == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}

	g.Seal()
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New().String(),
		Status:    RunStatusRunning,
		Order:     order,
		Results:   make(map[string]*NodeResult, len(order)),
		StartedAt: time.Now(),
	}
	for _, id := range order {
		node, _ := g.Node(id)
		run.Results[id] = &NodeResult{NodeID: id, Kind: node.Kind, Status: NodeStatusPending}
	}

	ctx, span := o.tracer.Start(ctx, "runway.apply", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("run.nodes", len(order)),
		attribute.Int("run.max_parallel", o.maxParallel),
	))
	defer span.End()

	logger := o.logger.With().Str("run_id", run.ID).Logger()
	logger.Info().Int("nodes", len(order)).Int("max_parallel", o.maxParallel).Msg("Starting apply")

	o.recordRun(ctx, run)
	o.publishEvent(ctx, run.ID, "", EventTypeRunStarted, fmt.Sprintf("Run started with %d nodes", len(order)), nil)

	runErr := o.execute(ctx, g, run, logger)

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	run.Summary = calculateRunSummary(run)
	run.Stages = make(map[string]Stage)
	for _, p := range g.Pipelines() {
		run.Stages[p.Name()] = p.Stage()
	}

	switch {
	case runErr == nil:
		run.Status = RunStatusSucceeded
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = RunStatusCancelled
		run.Error = runErr.Error()
	default:
		run.Status = RunStatusFailed
		run.Error = runErr.Error()
	}

	o.recordRun(ctx, run)
	if o.metrics != nil {
		o.metrics.RecordRunCompleted(string(run.Status), run.Duration)
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Error().Err(runErr).Str("failed_node", run.FailedNode).
			Int("skipped", run.Summary.Skipped).Msg("Apply halted")
		o.publishEvent(ctx, run.ID, run.FailedNode, EventTypeRunFailed,
			fmt.Sprintf("Run failed at node %s: %v", run.FailedNode, runErr), nil)
		return run, runErr
	}

	span.SetStatus(codes.Ok, "")
	logger.Info().Int("changed", run.Summary.Changed).Dur("duration", run.Duration).Msg("Apply completed")
	o.publishEvent(ctx, run.ID, "", EventTypeRunCompleted,
		fmt.Sprintf("Run completed: %d nodes, %d changed", run.Summary.Total, run.Summary.Changed), nil)
	return run, nil
}

// execute starts nodes in topological order as soon as all their dependencies
// have succeeded, keeping at most maxParallel in flight. Only this goroutine
// touches run.Results.
func (o *Orchestrator) execute(ctx context.Context, g *Graph, run *Run, logger zerolog.Logger) error {
	started := make(map[string]bool, len(run.Order))
	done := make(chan completion)
	inFlight := 0
	halted := false
	var firstErr error

	for {
		if !halted && ctx.Err() != nil {
			halted = true
			firstErr = ctx.Err()
		}

		if !halted {
			for _, id := range run.Order {
				if inFlight >= o.maxParallel {
					break
				}
				if started[id] || !o.dependenciesSucceeded(g, run, id) {
					continue
				}

				node, _ := g.Node(id)
				started[id] = true
				inFlight++
				run.Results[id].Status = NodeStatusRunning
				run.Results[id].StartedAt = time.Now()

				go func(node *Node) {
					result, err := o.applyNode(ctx, g, run.ID, node, logger)
					done <- completion{result: result, err: err}
				}(node)
			}
		}

		if inFlight == 0 {
			break
		}

		c := <-done
		inFlight--
		run.Results[c.result.NodeID] = c.result
		o.recordNodeResult(ctx, run.ID, c.result)

		if c.err != nil && firstErr == nil {
			firstErr = c.err
			run.FailedNode = c.result.NodeID
			halted = true
		}
	}

	for _, id := range run.Order {
		if !started[id] {
			o.markNodeSkipped(ctx, run, id, logger)
		}
	}
	return firstErr
}

// dependenciesSucceeded verifies that every dependency of a node succeeded.
func (o *Orchestrator) dependenciesSucceeded(g *Graph, run *Run, id string) bool {
	deps, err := g.DependenciesOf(id)
	if err != nil {
		return false
	}
	for _, dep := range deps {
		if run.Results[dep].Status != NodeStatusSucceeded {
			return false
		}
	}
	return true
}

// applyNode resolves, dispatches and records a single node.
func (o *Orchestrator) applyNode(
	ctx context.Context,
	g *Graph,
	runID string,
	node *Node,
	logger zerolog.Logger,
) (*NodeResult, error) {
	startTime := time.Now()
	nodeLogger := logger.With().Str("node_id", node.ID).Str("kind", string(node.Kind)).Logger()

	ctx, span := o.tracer.Start(ctx, "runway.node", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("node.id", node.ID),
		attribute.String("node.kind", string(node.Kind)),
	))
	defer span.End()

	nodeLogger.Debug().Msg("Submitting node")
	o.publishEvent(ctx, runID, node.ID, EventTypeNodeStarted, fmt.Sprintf("Started %s %s", node.Kind, node.ID), nil)

	resp, err := o.dispatch(ctx, g, runID, node)
	if err == nil {
		err = node.setOutputs(resp.Outputs)
	}

	var transitions []StageTransition
	if err == nil {
		transitions, err = g.completeNode(node.ID)
	}

	result := &NodeResult{
		NodeID:    node.ID,
		Kind:      node.Kind,
		StartedAt: startTime,
		Duration:  time.Since(startTime),
	}

	if err != nil {
		result.Status = NodeStatusFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		nodeLogger.Error().Err(err).Dur("duration", result.Duration).Msg("Node failed")
		o.publishEvent(ctx, runID, node.ID, EventTypeNodeFailed,
			fmt.Sprintf("Failed %s %s: %v", node.Kind, node.ID, err), nil)
		if o.metrics != nil {
			o.metrics.RecordNodeApplied(string(node.Kind), "", string(NodeStatusFailed), result.Duration)
		}
		return result, err
	}

	result.Status = NodeStatusSucceeded
	result.Operation = resp.Operation
	result.Outputs = resp.Outputs
	span.SetAttributes(attribute.String("node.operation", string(resp.Operation)))
	span.SetStatus(codes.Ok, "")

	nodeLogger.Info().Str("operation", string(resp.Operation)).Dur("duration", result.Duration).Msg("Node applied")
	o.publishEvent(ctx, runID, node.ID, EventTypeNodeCompleted,
		fmt.Sprintf("Completed %s %s (%s)", node.Kind, node.ID, resp.Operation),
		map[string]interface{}{"operation": string(resp.Operation)})
	if o.metrics != nil {
		o.metrics.RecordNodeApplied(string(node.Kind), string(resp.Operation), string(NodeStatusSucceeded), result.Duration)
	}

	for _, t := range transitions {
		nodeLogger.Info().Str("pipeline", t.Pipeline).Str("from", string(t.From)).Str("to", string(t.To)).
			Msg("Pipeline advanced")
		o.publishEvent(ctx, runID, node.ID, EventTypeStageAdvanced,
			fmt.Sprintf("Pipeline %s advanced to %s", t.Pipeline, t.To),
			map[string]interface{}{"pipeline": t.Pipeline, "from": string(t.From), "to": string(t.To)})
		if o.metrics != nil {
			o.metrics.RecordStageAdvanced(t.Pipeline, string(t.To))
		}
	}

	return result, nil
}

// dispatch resolves the node's references and hands it to its collaborator.
func (o *Orchestrator) dispatch(ctx context.Context, g *Graph, runID string, node *Node) (*SubmitResponse, error) {
	resolver := NewResolver(g)
	resolver.DeferTransforms = o.deferTransforms && !node.Kind.IsArtifact()

	config, _, err := resolver.ResolveConfig(node)
	if err != nil {
		return nil, err
	}

	switch node.Kind {
	case KindImage:
		return o.build(ctx, runID, node, config)
	case KindImagePush:
		return o.push(ctx, runID, node, config)
	default:
		return o.submit(ctx, runID, node, config)
	}
}

func (o *Orchestrator) build(ctx context.Context, runID string, node *Node, config map[string]interface{}) (*SubmitResponse, error) {
	if o.builder == nil {
		return nil, &BuildError{NodeID: node.ID, Err: errors.New("no image builder configured")}
	}

	req := BuildRequest{
		NodeID:      node.ID,
		ContextPath: stringField(config, "context"),
		Platform:    stringField(config, "platform"),
		Reference:   ImageReference(config),
	}
	if req.Reference == "" {
		return nil, &BuildError{NodeID: node.ID, Err: errors.New("image node has no name or repository")}
	}

	ref, err := o.builder.Build(ctx, req)
	if err != nil {
		return nil, &BuildError{NodeID: node.ID, Err: err}
	}

	outputs := map[string]interface{}{
		"name":     ref,
		"platform": req.Platform,
	}
	operation, err := o.artifactOperation(ctx, runID, node, outputs, "name", "platform")
	if err != nil {
		return nil, &BuildError{NodeID: node.ID, Err: err}
	}
	return &SubmitResponse{Outputs: outputs, Operation: operation}, nil
}

func (o *Orchestrator) push(ctx context.Context, runID string, node *Node, config map[string]interface{}) (*SubmitResponse, error) {
	if o.pusher == nil {
		return nil, &PushError{NodeID: node.ID, Err: errors.New("no image pusher configured")}
	}

	name := stringField(config, "name")
	if name == "" {
		return nil, &PushError{NodeID: node.ID, Err: errors.New("push node has no image name")}
	}

	digest, err := o.pusher.Push(ctx, name)
	if err != nil {
		return nil, &PushError{NodeID: node.ID, Err: err}
	}

	outputs := map[string]interface{}{
		"name":          name,
		"sha256_digest": digest,
		"image_ref":     DigestReference(name, digest),
	}
	operation, err := o.artifactOperation(ctx, runID, node, outputs, "name", "sha256_digest")
	if err != nil {
		return nil, &PushError{NodeID: node.ID, Err: err}
	}
	return &SubmitResponse{Outputs: outputs, Operation: operation}, nil
}

// artifactOperation compares outputs with the ones last recorded for node on
// the given keys. Changed outputs are recorded; unchanged ones are a no-op.
func (o *Orchestrator) artifactOperation(ctx context.Context, runID string, node *Node, outputs map[string]interface{}, keys ...string) (Operation, error) {
	if o.artifacts == nil {
		return OperationCreate, nil
	}

	previous, err := o.artifacts.LastArtifact(ctx, node.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load artifact state: %w", err)
	}

	operation := OperationCreate
	if previous != nil {
		operation = OperationNoop
		for _, key := range keys {
			if fmt.Sprint(previous[key]) != fmt.Sprint(outputs[key]) {
				operation = OperationUpdate
				break
			}
		}
	}
	if operation == OperationNoop {
		return operation, nil
	}

	if err := o.artifacts.RecordArtifact(ctx, runID, node.ID, node.Kind, outputs); err != nil {
		return "", fmt.Errorf("failed to record artifact state: %w", err)
	}
	return operation, nil
}

func (o *Orchestrator) submit(ctx context.Context, runID string, node *Node, config map[string]interface{}) (*SubmitResponse, error) {
	if o.provisioner == nil {
		return nil, &ProvisionError{NodeID: node.ID, Kind: node.Kind, Err: errors.New("no provisioning engine configured")}
	}

	resp, err := o.provisioner.Submit(ctx, SubmitRequest{
		RunID:  runID,
		NodeID: node.ID,
		Kind:   node.Kind,
		Config: config,
	})
	if err != nil {
		return nil, &ProvisionError{NodeID: node.ID, Kind: node.Kind, Err: err}
	}
	if resp == nil {
		return nil, &ProvisionError{NodeID: node.ID, Kind: node.Kind, Err: errors.New("engine returned no response")}
	}
	if resp.Operation == "" {
		resp.Operation = OperationNoop
	}
	return resp, nil
}

// Plan resolves every node without dispatching anything. References to nodes
// that have not been provisioned appear as deferred expressions.
func (o *Orchestrator) Plan(ctx context.Context, g *Graph) (*Plan, error) {
	if g == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}

	_, span := o.tracer.Start(ctx, "runway.plan", trace.WithAttributes(
		attribute.Int("graph.nodes", g.Len()),
	))
	defer span.End()

	order, err := g.TopologicalOrder()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	levels, err := g.TopologicalLevels()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	levelOf := make(map[string]int, len(order))
	for level, ids := range levels {
		for _, id := range ids {
			levelOf[id] = level
		}
	}

	resolver := NewResolver(g)
	plan := &Plan{Order: order, Levels: levels, Nodes: make([]PlannedNode, 0, len(order))}
	for _, id := range order {
		node, _ := g.Node(id)
		config, _, err := resolver.ResolveConfig(node)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		deps, _ := g.DependenciesOf(id)
		plan.Nodes = append(plan.Nodes, PlannedNode{
			ID:        id,
			Kind:      node.Kind,
			Level:     levelOf[id],
			DependsOn: deps,
			Config:    config,
		})
	}

	o.logger.Debug().Int("nodes", len(order)).Int("levels", len(levels)).Msg("Plan computed")
	return plan, nil
}

// markNodeSkipped marks a node that was never submitted.
func (o *Orchestrator) markNodeSkipped(ctx context.Context, run *Run, id string, logger zerolog.Logger) {
	result := run.Results[id]
	result.Status = NodeStatusSkipped
	result.Error = NewPermanentError("not submitted after earlier failure", nil).
		WithCode(ErrCodeDependencyFailed).
		WithResource(id).
		Error()

	logger.Warn().Str("node_id", id).Msg("Node skipped")
	o.recordNodeResult(ctx, run.ID, result)
	o.publishEvent(ctx, run.ID, id, EventTypeNodeSkipped, fmt.Sprintf("Skipped %s", id), nil)
}

// calculateRunSummary calculates the final run summary statistics.
func calculateRunSummary(run *Run) RunSummary {
	summary := RunSummary{Total: len(run.Order)}
	for _, result := range run.Results {
		switch result.Status {
		case NodeStatusSucceeded:
			summary.Succeeded++
			if result.Operation.IsMutating() {
				summary.Changed++
			}
		case NodeStatusFailed:
			summary.Failed++
		case NodeStatusSkipped:
			summary.Skipped++
		}
	}
	return summary
}

func (o *Orchestrator) recordRun(ctx context.Context, run *Run) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordRun(ctx, run); err != nil {
		o.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run")
	}
}

func (o *Orchestrator) recordNodeResult(ctx context.Context, runID string, result *NodeResult) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordNodeResult(ctx, runID, result); err != nil {
		o.logger.Warn().Err(err).Str("run_id", runID).Str("node_id", result.NodeID).Msg("Failed to record node result")
	}
}

// publishEvent publishes a run event. Publishing failures are logged, never fatal.
func (o *Orchestrator) publishEvent(
	ctx context.Context,
	runID, nodeID string,
	eventType EventType,
	message string,
	details map[string]interface{},
) {
	if o.events == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		NodeID:    nodeID,
		Message:   message,
		Details:   details,
		Level:     eventType.Severity(),
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

// ImageReference returns the reference an image node is tagged with: the
// explicit "name", or "<repository>/<image_name>:<tag>".
func ImageReference(config map[string]interface{}) string {
	if name := stringField(config, "name"); name != "" {
		return name
	}
	repository := stringField(config, "repository")
	imageName := stringField(config, "image_name")
	if repository == "" || imageName == "" {
		return ""
	}
	ref := repository + "/" + imageName
	if tag := stringField(config, "tag"); tag != "" {
		ref += ":" + tag
	}
	return ref
}

// DigestReference pins an image reference to a digest.
func DigestReference(name, digest string) string {
	if digest == "" {
		return name
	}
	return name + "@" + digest
}

func stringField(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}
