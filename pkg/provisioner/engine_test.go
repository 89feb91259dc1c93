package provisioner

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/openfroyo/runway/pkg/config"
	"github.com/openfroyo/runway/pkg/engine"
	"github.com/openfroyo/runway/pkg/stack"
	"github.com/openfroyo/runway/pkg/stores"
)

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func registryRequest(repo string) engine.SubmitRequest {
	return engine.SubmitRequest{
		RunID:  "run-1",
		NodeID: stack.RegistryID,
		Kind:   engine.KindRegistry,
		Config: map[string]interface{}{
			"project":       "demo",
			"location":      "us-east1",
			"repository_id": repo,
			"format":        "DOCKER",
		},
	}
}

func mappingRequest(domain string) engine.SubmitRequest {
	return engine.SubmitRequest{
		RunID:  "run-1",
		NodeID: stack.DomainMappingID,
		Kind:   engine.KindDomainMapping,
		Config: map[string]interface{}{
			"project":    "demo",
			"name":       domain,
			"location":   "us-east1",
			"namespace":  "demo",
			"route_name": "web",
		},
	}
}

func TestLocalEngine_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	e := NewLocalEngine(store, Options{Environment: "prod"})
	ctx := context.Background()

	resp, err := e.Submit(ctx, registryRequest("apps"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Operation != engine.OperationCreate {
		t.Errorf("Expected create, got %s", resp.Operation)
	}
	if resp.Outputs["repository_url"] != "us-east1-docker.pkg.dev/demo/apps" {
		t.Errorf("Unexpected repository_url %v", resp.Outputs["repository_url"])
	}

	resp, err = e.Submit(ctx, registryRequest("apps"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Operation != engine.OperationNoop {
		t.Errorf("Expected noop, got %s", resp.Operation)
	}
	if resp.Outputs["repository_url"] != "us-east1-docker.pkg.dev/demo/apps" {
		t.Errorf("Expected recorded outputs on noop, got %v", resp.Outputs)
	}

	first, err := store.GetResourceState(ctx, "prod", stack.RegistryID)
	if err != nil {
		t.Fatalf("GetResourceState failed: %v", err)
	}

	req := registryRequest("web")
	req.RunID = "run-2"
	resp, err = e.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Operation != engine.OperationUpdate {
		t.Errorf("Expected update, got %s", resp.Operation)
	}

	updated, err := store.GetResourceState(ctx, "prod", stack.RegistryID)
	if err != nil {
		t.Fatalf("GetResourceState failed: %v", err)
	}
	if updated.Hash == first.Hash {
		t.Error("Expected hash to change")
	}
	if updated.LastRunID != "run-2" {
		t.Errorf("Expected last run run-2, got %s", updated.LastRunID)
	}

	// Environments do not share state.
	other := NewLocalEngine(store, Options{Environment: "dev"})
	resp, err = other.Submit(ctx, registryRequest("web"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Operation != engine.OperationCreate {
		t.Errorf("Expected create in a new environment, got %s", resp.Operation)
	}
}

func TestLocalEngine_DeferredRecords(t *testing.T) {
	store := newTestStore(t)
	e := NewLocalEngine(store, Options{Environment: "prod"})
	ctx := context.Background()

	if _, err := e.Submit(ctx, mappingRequest("example.me")); err != nil {
		t.Fatalf("Submit mapping failed: %v", err)
	}

	tests := []struct {
		recordType string
		expected   []interface{}
	}{
		{"A", []interface{}{"216.239.32.21", "216.239.34.21", "216.239.36.21", "216.239.38.21"}},
		{"AAAA", []interface{}{"2001:4860:4802:32::15", "2001:4860:4802:34::15", "2001:4860:4802:36::15", "2001:4860:4802:38::15"}},
	}

	for _, tt := range tests {
		t.Run(tt.recordType, func(t *testing.T) {
			d, err := engine.NewDeferred(engine.AttributeRef{
				Field:      "rrdatas",
				Target:     stack.DomainMappingID,
				Output:     "resource_records",
				Filter:     `record.type == "` + tt.recordType + `"`,
				Projection: "record.rrdata",
			})
			if err != nil {
				t.Fatalf("NewDeferred failed: %v", err)
			}

			resp, err := e.Submit(ctx, engine.SubmitRequest{
				RunID:  "run-1",
				NodeID: stack.RecordSetID(tt.recordType),
				Kind:   engine.KindDNSRecordSet,
				Config: map[string]interface{}{
					"managed_zone": "example-me",
					"name":         "example.me.",
					"type":         tt.recordType,
					"ttl":          300,
					"rrdatas":      d,
				},
			})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if !reflect.DeepEqual(resp.Outputs["rrdatas"], tt.expected) {
				t.Errorf("Expected rrdatas %v, got %v", tt.expected, resp.Outputs["rrdatas"])
			}

			state, err := store.GetResourceState(ctx, "prod", stack.RecordSetID(tt.recordType))
			if err != nil {
				t.Fatalf("GetResourceState failed: %v", err)
			}
			if state.Config == "" || state.Config[0] != '{' {
				t.Errorf("Expected evaluated config to be recorded, got %s", state.Config)
			}
		})
	}
}

func TestLocalEngine_PlainDeferred(t *testing.T) {
	store := newTestStore(t)
	e := NewLocalEngine(store, Options{Environment: "prod"})
	ctx := context.Background()

	if _, err := e.Submit(ctx, registryRequest("apps")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	d, err := engine.NewDeferred(engine.Ref("repository", stack.RegistryID, "repository_url"))
	if err != nil {
		t.Fatalf("NewDeferred failed: %v", err)
	}

	resp, err := e.Submit(ctx, engine.SubmitRequest{
		NodeID: "network-apps",
		Kind:   engine.KindNetwork,
		Config: map[string]interface{}{
			"project": "demo",
			"name":    "apps",
			"labels":  map[string]interface{}{"source": &d},
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	state, err := store.GetResourceState(ctx, "prod", "network-apps")
	if err != nil {
		t.Fatalf("GetResourceState failed: %v", err)
	}
	expected := `{"labels":{"source":"us-east1-docker.pkg.dev/demo/apps"},"name":"apps","project":"demo"}`
	if state.Config != expected {
		t.Errorf("Expected config %s, got %s", expected, state.Config)
	}
	if resp.Outputs["self_link"] != "https://www.googleapis.com/compute/v1/projects/demo/global/networks/apps" {
		t.Errorf("Unexpected self_link %v", resp.Outputs["self_link"])
	}
}

func TestLocalEngine_DeferredTargetMissing(t *testing.T) {
	e := NewLocalEngine(newTestStore(t), Options{Environment: "prod"})

	d, err := engine.NewDeferred(engine.Ref("rrdatas", stack.DomainMappingID, "resource_records"))
	if err != nil {
		t.Fatalf("NewDeferred failed: %v", err)
	}

	_, err = e.Submit(context.Background(), engine.SubmitRequest{
		NodeID: "ARecordSet",
		Kind:   engine.KindDNSRecordSet,
		Config: map[string]interface{}{"rrdatas": d},
	})
	if err == nil {
		t.Fatal("Expected error for unapplied target")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != engine.ErrCodeNotFound {
		t.Errorf("Expected not found code, got %v", err)
	}
}

func TestLocalEngine_SubdomainMapping(t *testing.T) {
	e := NewLocalEngine(newTestStore(t), Options{Environment: "prod"})

	resp, err := e.Submit(context.Background(), mappingRequest("www.example.me"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	records, err := engine.AsRecords(resp.Outputs["resource_records"])
	if err != nil {
		t.Fatalf("AsRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0]["type"] != "CNAME" || records[0]["rrdata"] != "ghs.googlehosted.com." || records[0]["name"] != "www" {
		t.Errorf("Unexpected record %v", records[0])
	}
}

func TestLocalEngine_Rejects(t *testing.T) {
	tests := []struct {
		name string
		req  engine.SubmitRequest
	}{
		{
			name: "unknown kind",
			req:  engine.SubmitRequest{NodeID: "x", Kind: "bucket"},
		},
		{
			name: "artifact kind",
			req:  engine.SubmitRequest{NodeID: stack.ImageID, Kind: engine.KindImage},
		},
		{
			name: "missing registry field",
			req: engine.SubmitRequest{NodeID: stack.RegistryID, Kind: engine.KindRegistry,
				Config: map[string]interface{}{"project": "demo", "location": "us-east1"}},
		},
		{
			name: "wrong registry format",
			req: engine.SubmitRequest{NodeID: stack.RegistryID, Kind: engine.KindRegistry,
				Config: map[string]interface{}{"project": "demo", "location": "us-east1", "repository_id": "r", "format": "NPM"}},
		},
		{
			name: "empty members",
			req: engine.SubmitRequest{NodeID: stack.IAMPolicyID, Kind: engine.KindIAMPolicyBinding,
				Config: map[string]interface{}{"role": "roles/run.invoker", "service": "web", "location": "us-east1"}},
		},
		{
			name: "record name without dot",
			req: engine.SubmitRequest{NodeID: "ARecordSet", Kind: engine.KindDNSRecordSet,
				Config: map[string]interface{}{"managed_zone": "z", "name": "example.me", "type": "A", "rrdatas": []interface{}{"1.2.3.4"}}},
		},
		{
			name: "rrdata of wrong family",
			req: engine.SubmitRequest{NodeID: "AAAARecordSet", Kind: engine.KindDNSRecordSet,
				Config: map[string]interface{}{"managed_zone": "z", "name": "example.me.", "type": "AAAA", "rrdatas": []interface{}{"1.2.3.4"}}},
		},
		{
			name: "non-string rrdata",
			req: engine.SubmitRequest{NodeID: "ARecordSet", Kind: engine.KindDNSRecordSet,
				Config: map[string]interface{}{"managed_zone": "z", "name": "example.me.", "type": "A", "rrdatas": []interface{}{42}}},
		},
		{
			name: "network without name",
			req:  engine.SubmitRequest{NodeID: "network-x", Kind: engine.KindNetwork, Config: map[string]interface{}{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			e := NewLocalEngine(store, Options{Environment: "prod"})

			_, err := e.Submit(context.Background(), tt.req)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !engine.IsPermanent(err) {
				t.Errorf("Expected permanent error, got %v", err)
			}

			states, err := store.ListResourceStates(context.Background(), "prod")
			if err != nil {
				t.Fatalf("ListResourceStates failed: %v", err)
			}
			if len(states) != 0 {
				t.Errorf("Expected no state after rejection, got %d records", len(states))
			}
		})
	}
}

func TestLocalEngine_Destroy(t *testing.T) {
	store := newTestStore(t)
	e := NewLocalEngine(store, Options{Environment: "prod"})
	ctx := context.Background()

	if _, err := e.Submit(ctx, registryRequest("apps")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := e.Submit(ctx, mappingRequest("example.me")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	order := []string{stack.RegistryID, stack.ImageID, stack.DomainMappingID}
	destroyed, err := e.Destroy(ctx, order)
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	expected := []string{stack.DomainMappingID, stack.RegistryID}
	if !reflect.DeepEqual(destroyed, expected) {
		t.Errorf("Expected destroyed %v, got %v", expected, destroyed)
	}

	if _, err := e.Outputs(ctx, stack.RegistryID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after destroy, got %v", err)
	}

	destroyed, err = e.Destroy(ctx, order)
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if len(destroyed) != 0 {
		t.Errorf("Expected nothing to destroy, got %v", destroyed)
	}
}

func testEnvironment() *config.EnvironmentConfig {
	return &config.EnvironmentConfig{
		Name:     "prod",
		Project:  "demo",
		Region:   "us-east1",
		Registry: config.RegistryConfig{Location: "us-east1", RepositoryID: "apps", Format: "DOCKER"},
		Image:    config.ImageConfig{Name: "web", Tag: "1.0.0", Context: ".", Platform: "linux/amd64"},
		Service:  config.ServiceConfig{Name: "web", Location: "us-east1", Port: 8080},
		Access:   config.AccessConfig{Role: "roles/run.invoker", Members: []string{"allUsers"}},
		Domain: config.DomainConfig{
			Name:        "example.me",
			Location:    "us-east1",
			ManagedZone: "example-me",
			RecordTypes: []string{"A", "AAAA"},
			TTL:         300,
		},
		Networks: []config.NetworkConfig{{Name: "apps"}},
	}
}

type stubArtifacts struct{}

func (stubArtifacts) Build(_ context.Context, req engine.BuildRequest) (string, error) {
	return req.Reference, nil
}

func (stubArtifacts) Push(_ context.Context, _ string) (string, error) {
	return "sha256:0123abcd", nil
}

func TestLocalEngine_ApplyStack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	env := testEnvironment()
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	local := NewLocalEngine(store, Options{Environment: env.Name, Now: func() time.Time { return fixed }})

	for _, deferTransforms := range []bool{false, true} {
		g, err := stack.Build(env)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}

		orch := engine.NewOrchestrator(stubArtifacts{}, stubArtifacts{}, local, engine.Options{
			MaxParallel:     4,
			DeferTransforms: deferTransforms,
		})
		run, err := orch.Apply(ctx, g)
		if err != nil {
			t.Fatalf("Apply (defer=%v) failed: %v", deferTransforms, err)
		}
		if run.Status != engine.RunStatusSucceeded {
			t.Fatalf("Expected succeeded run, got %s (%s)", run.Status, run.Error)
		}
		if run.Stages[env.Name] != engine.StageDNSSynthesized {
			t.Errorf("Expected final stage dns_synthesized, got %s", run.Stages[env.Name])
		}
	}

	outputs, err := local.Outputs(ctx, stack.ServiceID)
	if err != nil {
		t.Fatalf("Outputs failed: %v", err)
	}
	expectedImage := "us-east1-docker.pkg.dev/demo/apps/web:1.0.0@sha256:0123abcd"
	if outputs["image"] != expectedImage {
		t.Errorf("Expected image %s, got %v", expectedImage, outputs["image"])
	}

	outputs, err = local.Outputs(ctx, stack.RecordSetID("A"))
	if err != nil {
		t.Fatalf("Outputs failed: %v", err)
	}
	if rr, ok := outputs["rrdatas"].([]interface{}); !ok || len(rr) != 4 {
		t.Errorf("Expected 4 A rrdatas, got %v", outputs["rrdatas"])
	}
}

func TestLocalEngine_EmptyRecordSet(t *testing.T) {
	store := newTestStore(t)
	e := NewLocalEngine(store, Options{Environment: "prod"})
	ctx := context.Background()

	resp, err := e.Submit(ctx, engine.SubmitRequest{
		NodeID: "ARecordSet",
		Kind:   engine.KindDNSRecordSet,
		Config: map[string]interface{}{"managed_zone": "z", "name": "www.example.me.", "type": "A", "rrdatas": []interface{}{}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	rr, ok := resp.Outputs["rrdatas"].([]interface{})
	if !ok || rr == nil || len(rr) != 0 {
		t.Errorf("Expected empty rrdatas, got %#v", resp.Outputs["rrdatas"])
	}

	outputs, err := e.Outputs(ctx, "ARecordSet")
	if err != nil {
		t.Fatalf("Outputs failed: %v", err)
	}
	if rr, ok := outputs["rrdatas"].([]interface{}); !ok || len(rr) != 0 {
		t.Errorf("Expected recorded empty rrdatas, got %#v", outputs["rrdatas"])
	}
}

func TestLocalEngine_ApplySubdomainStack(t *testing.T) {
	for _, deferTransforms := range []bool{false, true} {
		t.Run(fmt.Sprintf("defer=%v", deferTransforms), func(t *testing.T) {
			store := newTestStore(t)
			ctx := context.Background()

			env := testEnvironment()
			env.Domain.Name = "www.example.me"
			local := NewLocalEngine(store, Options{Environment: env.Name})

			g, err := stack.Build(env)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			orch := engine.NewOrchestrator(stubArtifacts{}, stubArtifacts{}, local, engine.Options{
				DeferTransforms: deferTransforms,
			})
			run, err := orch.Apply(ctx, g)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if run.Status != engine.RunStatusSucceeded {
				t.Fatalf("Expected succeeded run, got %s (%s)", run.Status, run.Error)
			}

			for _, recordType := range []string{"A", "AAAA"} {
				outputs, err := local.Outputs(ctx, stack.RecordSetID(recordType))
				if err != nil {
					t.Fatalf("Outputs failed: %v", err)
				}
				if rr, ok := outputs["rrdatas"].([]interface{}); !ok || len(rr) != 0 {
					t.Errorf("Expected no %s rrdatas for a subdomain, got %v", recordType, outputs["rrdatas"])
				}
			}
		})
	}
}

func TestLocalEngine_RerunIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	env := testEnvironment()
	local := NewLocalEngine(store, Options{Environment: env.Name})
	orch := engine.NewOrchestrator(stubArtifacts{}, stubArtifacts{}, local, engine.Options{MaxParallel: 4})

	var runs []*engine.Run
	for i := 0; i < 2; i++ {
		g, err := stack.Build(env)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		run, err := orch.Apply(ctx, g)
		if err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
		runs = append(runs, run)
	}

	if runs[0].Summary.Changed != len(runs[0].Order) {
		t.Errorf("Expected every node changed on the first run, got %d of %d", runs[0].Summary.Changed, len(runs[0].Order))
	}
	if runs[1].Summary.Changed != 0 {
		t.Errorf("Expected no changes on rerun, got %d", runs[1].Summary.Changed)
	}
	for id, result := range runs[1].Results {
		if result.Operation != engine.OperationNoop {
			t.Errorf("Expected %s to be a no-op, got %s", id, result.Operation)
		}
	}

	state, err := store.GetResourceState(ctx, env.Name, stack.PushID)
	if err != nil {
		t.Fatalf("GetResourceState failed: %v", err)
	}
	if state.Kind != string(engine.KindImagePush) || state.LastRunID != runs[0].ID {
		t.Errorf("Expected push recorded by the first run, got kind=%s run=%s", state.Kind, state.LastRunID)
	}
}
