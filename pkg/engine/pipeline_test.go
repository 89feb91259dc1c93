package engine

import (
	"errors"
	"testing"
)

func TestPipeline_AdvanceSequence(t *testing.T) {
	p := NewPipeline("prod")
	if p.Stage() != StagePending {
		t.Fatalf("Expected pending, got %s", p.Stage())
	}

	for _, step := range StageTemplate {
		if err := p.Advance(step.Stage); err != nil {
			t.Fatalf("Advance(%s) failed: %v", step.Stage, err)
		}
	}

	if p.Stage() != StageDNSSynthesized {
		t.Errorf("Expected dns_synthesized, got %s", p.Stage())
	}
	if !p.Stage().IsTerminal() {
		t.Error("Expected terminal stage")
	}
	if len(p.History()) != len(StageTemplate) {
		t.Errorf("Expected %d transitions, got %d", len(StageTemplate), len(p.History()))
	}

	err := p.Advance(StageDNSSynthesized)
	var transitionErr *StageTransitionError
	if !errors.As(err, &transitionErr) {
		t.Errorf("Expected StageTransitionError after terminal stage, got: %v", err)
	}
}

func TestPipeline_RejectsSkipAndRepeat(t *testing.T) {
	tests := []struct {
		name    string
		prepare []Stage
		to      Stage
	}{
		{name: "skip build", prepare: []Stage{StageRegistered}, to: StageImagePushed},
		{name: "skip registry", to: StageImageBuilt},
		{name: "repeat", prepare: []Stage{StageRegistered}, to: StageRegistered},
		{name: "backwards", prepare: []Stage{StageRegistered, StageImageBuilt}, to: StageRegistered},
		{name: "unknown", to: Stage("launched")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline("prod")
			for _, s := range tt.prepare {
				if err := p.Advance(s); err != nil {
					t.Fatalf("prepare Advance(%s) failed: %v", s, err)
				}
			}
			before := p.Stage()

			err := p.Advance(tt.to)
			var transitionErr *StageTransitionError
			if !errors.As(err, &transitionErr) {
				t.Fatalf("Expected StageTransitionError, got: %v", err)
			}
			if transitionErr.From != before || transitionErr.To != tt.to {
				t.Errorf("Unexpected error fields: %+v", transitionErr)
			}
			if p.Stage() != before {
				t.Errorf("Stage changed on rejected transition: %s", p.Stage())
			}
		})
	}
}

func TestStage_Navigation(t *testing.T) {
	next, ok := StagePending.Next()
	if !ok || next != StageRegistered {
		t.Errorf("Expected registered after pending, got %s", next)
	}
	if _, ok := StageDNSSynthesized.Next(); ok {
		t.Error("Expected no stage after dns_synthesized")
	}
	if err := Stage("bogus").Validate(); err == nil {
		t.Error("Expected validation error for unknown stage")
	}
	kind, ok := KindForStage(StageAccessAuthorized)
	if !ok || kind != KindIAMPolicyBinding {
		t.Errorf("Expected iam_policy_binding for access_authorized, got %s", kind)
	}
}

func TestGraph_AddPipeline_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(stages map[Stage][]string)
	}{
		{
			name: "missing stage",
			mutate: func(stages map[Stage][]string) {
				delete(stages, StageAccessAuthorized)
			},
		},
		{
			name: "wrong kind",
			mutate: func(stages map[Stage][]string) {
				stages[StageImageBuilt] = []string{"registryImage"}
			},
		},
		{
			name: "unknown node",
			mutate: func(stages map[Stage][]string) {
				stages[StageDomainMapped] = []string{"nowhere"}
			},
		},
		{
			name: "unordered node",
			mutate: func(stages map[Stage][]string) {
				stages[StageDNSSynthesized] = append(stages[StageDNSSynthesized], "strayRecord")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newPipelineGraph(t, false)
			mustAddNode(t, g, NewNode("strayRecord", KindDNSRecordSet, nil))

			stages := pipelineStages()
			tt.mutate(stages)
			if err := g.AddPipeline(NewPipeline("prod"), stages); err == nil {
				t.Fatal("Expected AddPipeline to fail")
			}
			if len(g.Pipelines()) != 0 {
				t.Error("Rejected pipeline was bound")
			}
		})
	}
}

func TestGraph_CompleteNode_AdvancesWhenStageComplete(t *testing.T) {
	g := newPipelineGraph(t, true)
	p := g.Pipelines()[0]

	steps := []struct {
		nodeID   string
		expected Stage
	}{
		{"artifactRegistry", StageRegistered},
		{"dockerImage", StageImageBuilt},
		{"registryImage", StageImagePushed},
		{"runService", StageServiceDeployed},
		{"runServiceIamPolicy", StageAccessAuthorized},
		{"runDomainMapping", StageDomainMapped},
		{"ARecordSet", StageDomainMapped},
		{"AAAARecordSet", StageDNSSynthesized},
	}

	for _, step := range steps {
		if _, err := g.completeNode(step.nodeID); err != nil {
			t.Fatalf("completeNode(%s) failed: %v", step.nodeID, err)
		}
		if p.Stage() != step.expected {
			t.Errorf("After %s expected %s, got %s", step.nodeID, step.expected, p.Stage())
		}
	}
}
