package engine

import (
	"fmt"
	"sync"
	"time"
)

// Stage is a state of a deployable unit moving through the canonical
// registry -> build -> push -> deploy -> authorize -> route -> DNS path.
type Stage string

const (
	// StagePending is the initial state before the registry exists.
	StagePending Stage = "pending"

	// StageRegistered indicates the registry repository is provisioned.
	StageRegistered Stage = "registered"

	// StageImageBuilt indicates the container image has been built.
	StageImageBuilt Stage = "image_built"

	// StageImagePushed indicates the image has been published to the registry.
	StageImagePushed Stage = "image_pushed"

	// StageServiceDeployed indicates the managed service runs the pushed image.
	StageServiceDeployed Stage = "service_deployed"

	// StageAccessAuthorized indicates the IAM binding on the service is in place.
	StageAccessAuthorized Stage = "access_authorized"

	// StageDomainMapped indicates the custom domain routes to the service.
	StageDomainMapped Stage = "domain_mapped"

	// StageDNSSynthesized indicates every DNS record set has been written. Terminal.
	StageDNSSynthesized Stage = "dns_synthesized"
)

// StageStep pairs a stage with the node kind whose completion reaches it.
type StageStep struct {
	Stage Stage
	Kind  Kind
}

// StageTemplate is the canonical ordered shape of a pipeline.
var StageTemplate = []StageStep{
	{Stage: StageRegistered, Kind: KindRegistry},
	{Stage: StageImageBuilt, Kind: KindImage},
	{Stage: StageImagePushed, Kind: KindImagePush},
	{Stage: StageServiceDeployed, Kind: KindManagedService},
	{Stage: StageAccessAuthorized, Kind: KindIAMPolicyBinding},
	{Stage: StageDomainMapped, Kind: KindDomainMapping},
	{Stage: StageDNSSynthesized, Kind: KindDNSRecordSet},
}

// Index returns the position of the stage in the sequence, or -1 if unknown.
// StagePending is position 0.
func (s Stage) Index() int {
	if s == StagePending {
		return 0
	}
	for i, step := range StageTemplate {
		if step.Stage == s {
			return i + 1
		}
	}
	return -1
}

// Next returns the stage that follows s.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i >= len(StageTemplate) {
		return "", false
	}
	return StageTemplate[i].Stage, true
}

// IsTerminal returns true for the final stage.
func (s Stage) IsTerminal() bool {
	return s == StageDNSSynthesized
}

// Validate checks if the stage is known.
func (s Stage) Validate() error {
	if s.Index() < 0 {
		return fmt.Errorf("invalid stage: %s", s)
	}
	return nil
}

// KindForStage returns the node kind that completes a stage.
func KindForStage(s Stage) (Kind, bool) {
	for _, step := range StageTemplate {
		if step.Stage == s {
			return step.Kind, true
		}
	}
	return "", false
}

// StageTransition is one recorded move of a pipeline.
type StageTransition struct {
	Pipeline string    `json:"pipeline"`
	From     Stage     `json:"from"`
	To       Stage     `json:"to"`
	At       time.Time `json:"at"`
}

// Pipeline is the strictly sequential stage machine of one deployable unit.
type Pipeline struct {
	name string

	mu      sync.Mutex
	stage   Stage
	history []StageTransition
}

// NewPipeline creates a pipeline in StagePending.
func NewPipeline(name string) *Pipeline {
	return &Pipeline{name: name, stage: StagePending}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Stage returns the current stage.
func (p *Pipeline) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// History returns the transitions taken so far.
func (p *Pipeline) History() []StageTransition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StageTransition{}, p.history...)
}

// Advance moves the pipeline to the immediate successor of its current stage.
// Skipping, repeating or moving backwards is a *StageTransitionError.
func (p *Pipeline) Advance(to Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, ok := p.stage.Next()
	if !ok || next != to {
		return &StageTransitionError{Pipeline: p.name, From: p.stage, To: to}
	}

	p.history = append(p.history, StageTransition{
		Pipeline: p.name,
		From:     p.stage,
		To:       to,
		At:       time.Now(),
	})
	p.stage = to
	return nil
}

// pipelineBinding ties a pipeline to the nodes that complete each of its stages.
type pipelineBinding struct {
	pipeline  *Pipeline
	stages    map[Stage][]string
	completed map[string]bool
}

// AddPipeline binds a pipeline to graph nodes. Every stage of the template needs
// at least one node of the matching kind, and every node of a stage must depend,
// directly or transitively, on every node of the previous stage.
func (g *Graph) AddPipeline(p *Pipeline, stages map[Stage][]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ErrGraphSealed
	}
	for _, existing := range g.pipelines {
		if existing.pipeline.Name() == p.Name() {
			return NewPermanentError(fmt.Sprintf("duplicate pipeline %q", p.Name()), nil).
				WithCode(ErrCodeAlreadyExists)
		}
	}

	bound := make(map[string]Stage)
	var previous []string
	for _, step := range StageTemplate {
		ids := stages[step.Stage]
		if len(ids) == 0 {
			return NewPermanentError(fmt.Sprintf("pipeline %s has no node for stage %s", p.Name(), step.Stage), nil).
				WithCode(ErrCodeValidation)
		}
		for _, id := range ids {
			node, ok := g.nodes[id]
			if !ok {
				return &UnknownTargetError{Target: id}
			}
			if node.Kind != step.Kind {
				return NewPermanentError(
					fmt.Sprintf("pipeline %s stage %s needs a %s node, got %s", p.Name(), step.Stage, step.Kind, node.Kind),
					nil,
				).WithCode(ErrCodeValidation).WithResource(id)
			}
			if other, dup := bound[id]; dup {
				return NewPermanentError(
					fmt.Sprintf("node bound to stages %s and %s", other, step.Stage), nil,
				).WithCode(ErrCodeValidation).WithResource(id)
			}
			bound[id] = step.Stage
			for _, prev := range previous {
				if g.pathLocked(id, prev) == nil {
					return NewPermanentError(
						fmt.Sprintf("stage %s node must be ordered after stage node %s", step.Stage, prev), nil,
					).WithCode(ErrCodeValidation).WithResource(id)
				}
			}
		}
		previous = ids
	}

	copied := make(map[Stage][]string, len(stages))
	for stage, ids := range stages {
		copied[stage] = append([]string{}, ids...)
	}
	g.pipelines = append(g.pipelines, &pipelineBinding{
		pipeline:  p,
		stages:    copied,
		completed: make(map[string]bool),
	})
	return nil
}

// Pipelines returns the bound pipelines in the order they were added.
func (g *Graph) Pipelines() []*Pipeline {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]*Pipeline, 0, len(g.pipelines))
	for _, b := range g.pipelines {
		result = append(result, b.pipeline)
	}
	return result
}

// completeNode records a successful node and advances every pipeline whose next
// stage is now fully complete. It returns the transitions taken.
func (g *Graph) completeNode(id string) ([]StageTransition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var taken []StageTransition
	for _, b := range g.pipelines {
		b.completed[id] = true
		for {
			current := b.pipeline.Stage()
			next, ok := current.Next()
			if !ok || !b.stageComplete(next) {
				break
			}
			if err := b.pipeline.Advance(next); err != nil {
				return taken, err
			}
			taken = append(taken, StageTransition{
				Pipeline: b.pipeline.Name(),
				From:     current,
				To:       next,
				At:       time.Now(),
			})
		}
	}
	return taken, nil
}

func (b *pipelineBinding) stageComplete(stage Stage) bool {
	ids := b.stages[stage]
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if !b.completed[id] {
			return false
		}
	}
	return true
}
