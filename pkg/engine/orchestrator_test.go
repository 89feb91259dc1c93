package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// Mock image builder for testing
type mockBuilder struct {
	mu       sync.Mutex
	err      error
	requests []BuildRequest
}

func (m *mockBuilder) Build(ctx context.Context, req BuildRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	return req.Reference, nil
}

// Mock image pusher for testing
type mockPusher struct {
	mu     sync.Mutex
	err    error
	digest string
	pushed []string
}

func (m *mockPusher) Push(ctx context.Context, imageRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, imageRef)
	if m.err != nil {
		return "", m.err
	}
	if m.digest != "" {
		return m.digest, nil
	}
	return "sha256:abc123", nil
}

// Mock artifact store for testing
type mockArtifactStore struct {
	mu       sync.Mutex
	outputs  map[string]map[string]interface{}
	recorded []string
}

func newMockArtifactStore() *mockArtifactStore {
	return &mockArtifactStore{outputs: make(map[string]map[string]interface{})}
}

func (m *mockArtifactStore) LastArtifact(ctx context.Context, nodeID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs[nodeID], nil
}

func (m *mockArtifactStore) RecordArtifact(ctx context.Context, runID, nodeID string, kind Kind, outputs map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[nodeID] = outputs
	m.recorded = append(m.recorded, nodeID)
	return nil
}

// Mock provisioning engine for testing. It reports outputs shaped like the
// real engine's and tracks submission order and concurrency.
type mockEngine struct {
	mu        sync.Mutex
	failNodes map[string]error
	delays    map[string]time.Duration
	submitted []SubmitRequest
	started   map[string]int
	finished  map[string]int
	seq       int
	inFlight  int
	maxFlight int
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		failNodes: make(map[string]error),
		delays:    make(map[string]time.Duration),
		started:   make(map[string]int),
		finished:  make(map[string]int),
	}
}

func (m *mockEngine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.seq++
	m.started[req.NodeID] = m.seq
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	delay := m.delays[req.NodeID]
	failErr := m.failNodes[req.NodeID]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.seq++
		m.finished[req.NodeID] = m.seq
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	outputs := map[string]interface{}{}
	switch req.Kind {
	case KindRegistry:
		outputs["repository_url"] = "us-central1-docker.pkg.dev/demo/apps"
	case KindManagedService:
		outputs["name"] = req.Config["name"]
		outputs["location"] = req.Config["location"]
		outputs["url"] = "https://web-abc123-uc.a.run.app"
	case KindIAMPolicyBinding:
		outputs["etag"] = "BwW1"
	case KindDomainMapping:
		outputs["resource_records"] = domainRecords()
	case KindDNSRecordSet:
		outputs["rrdatas"] = req.Config["rrdatas"]
	case KindNetwork:
		outputs["self_link"] = "projects/demo/global/networks/" + req.NodeID
	}
	return &SubmitResponse{Outputs: outputs, Operation: OperationCreate}, nil
}

func (m *mockEngine) submittedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.submitted))
	for _, req := range m.submitted {
		ids = append(ids, req.NodeID)
	}
	return ids
}

func (m *mockEngine) request(id string) (SubmitRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.submitted {
		if req.NodeID == id {
			return req, true
		}
	}
	return SubmitRequest{}, false
}

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	err    error
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return m.err
}

func (m *mockEventPublisher) count(eventType EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Mock run recorder for testing
type mockRecorder struct {
	mu      sync.Mutex
	runs    []RunStatus
	results map[string]NodeStatus
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{results: make(map[string]NodeStatus)}
}

func (m *mockRecorder) RecordRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run.Status)
	return nil
}

func (m *mockRecorder) RecordNodeResult(ctx context.Context, runID string, result *NodeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.NodeID] = result.Status
	return nil
}

// Mock metrics recorder for testing
type mockMetrics struct {
	mu     sync.Mutex
	nodes  int
	stages []string
	runs   []string
}

func (m *mockMetrics) RecordNodeApplied(kind, operation, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes++
}

func (m *mockMetrics) RecordStageAdvanced(pipeline, stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
}

func (m *mockMetrics) RecordRunCompleted(status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
}

var canonicalOrder = []string{
	"artifactRegistry",
	"dockerImage",
	"registryImage",
	"runService",
	"runServiceIamPolicy",
	"runDomainMapping",
	"ARecordSet",
	"AAAARecordSet",
}

func pipelineStages() map[Stage][]string {
	return map[Stage][]string{
		StageRegistered:       {"artifactRegistry"},
		StageImageBuilt:       {"dockerImage"},
		StageImagePushed:      {"registryImage"},
		StageServiceDeployed:  {"runService"},
		StageAccessAuthorized: {"runServiceIamPolicy"},
		StageDomainMapped:     {"runDomainMapping"},
		StageDNSSynthesized:   {"ARecordSet", "AAAARecordSet"},
	}
}

// newPipelineGraph builds the eight canonical nodes of one deployable unit and
// optionally binds the "prod" pipeline to them.
func newPipelineGraph(t *testing.T, bind bool) *Graph {
	t.Helper()
	g := NewGraph()

	mustAddNode(t, g, NewNode("artifactRegistry", KindRegistry, map[string]interface{}{
		"location":      "us-central1",
		"repository_id": "apps",
		"format":        "DOCKER",
	}))

	image := NewNode("dockerImage", KindImage, map[string]interface{}{
		"image_name": "web",
		"tag":        "1.0.0",
		"context":    "./app",
		"platform":   "linux/amd64",
	})
	image.References = []AttributeRef{Ref("repository", "artifactRegistry", "repository_url")}
	mustAddNode(t, g, image)

	push := NewNode("registryImage", KindImagePush, nil)
	push.References = []AttributeRef{Ref("name", "dockerImage", "name")}
	mustAddNode(t, g, push)

	service := NewNode("runService", KindManagedService, map[string]interface{}{
		"name":     "web",
		"location": "us-central1",
	})
	service.References = []AttributeRef{Ref("image", "registryImage", "image_ref")}
	mustAddNode(t, g, service)

	iam := NewNode("runServiceIamPolicy", KindIAMPolicyBinding, map[string]interface{}{
		"role":    "roles/run.invoker",
		"members": []interface{}{"allUsers"},
	})
	iam.References = []AttributeRef{
		Ref("location", "runService", "location"),
		Ref("service", "runService", "name"),
	}
	mustAddNode(t, g, iam)

	mapping := NewNode("runDomainMapping", KindDomainMapping, map[string]interface{}{
		"name": "example.com",
	})
	mapping.References = []AttributeRef{Ref("route_name", "runService", "name")}
	mustAddNode(t, g, mapping)
	if err := g.AddDependency("runDomainMapping", "runServiceIamPolicy", DependencyOrder); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	for _, recordType := range []string{"A", "AAAA"} {
		record := NewNode(recordType+"RecordSet", KindDNSRecordSet, map[string]interface{}{
			"name": "example.com.",
			"type": recordType,
			"ttl":  300,
		})
		record.References = []AttributeRef{{
			Field:      "rrdatas",
			Target:     "runDomainMapping",
			Output:     "resource_records",
			Filter:     fmt.Sprintf("record.type == %q", recordType),
			Projection: "record.rrdata",
		}}
		mustAddNode(t, g, record)
	}

	if bind {
		if err := g.AddPipeline(NewPipeline("prod"), pipelineStages()); err != nil {
			t.Fatalf("AddPipeline failed: %v", err)
		}
	}
	return g
}

func TestOrchestrator_Apply_FullPipeline(t *testing.T) {
	g := newPipelineGraph(t, true)
	builder := &mockBuilder{}
	pusher := &mockPusher{}
	engine := newMockEngine()
	events := &mockEventPublisher{}
	recorder := newMockRecorder()
	metrics := &mockMetrics{}

	orch := NewOrchestrator(builder, pusher, engine, Options{
		Events:   events,
		Recorder: recorder,
		Metrics:  metrics,
	})

	run, err := orch.Apply(context.Background(), g)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s", run.Status)
	}
	if !reflect.DeepEqual(run.Order, canonicalOrder) {
		t.Errorf("Expected order %v, got %v", canonicalOrder, run.Order)
	}
	if run.Stages["prod"] != StageDNSSynthesized {
		t.Errorf("Expected prod at dns_synthesized, got %s", run.Stages["prod"])
	}
	if run.Summary.Succeeded != len(canonicalOrder) || run.Summary.Changed != len(canonicalOrder) {
		t.Errorf("Unexpected summary: %+v", run.Summary)
	}

	if len(builder.requests) != 1 {
		t.Fatalf("Expected 1 build, got %d", len(builder.requests))
	}
	if builder.requests[0].Reference != "us-central1-docker.pkg.dev/demo/apps/web:1.0.0" {
		t.Errorf("Unexpected build reference: %s", builder.requests[0].Reference)
	}
	if builder.requests[0].Platform != "linux/amd64" {
		t.Errorf("Unexpected platform: %s", builder.requests[0].Platform)
	}
	if !reflect.DeepEqual(pusher.pushed, []string{"us-central1-docker.pkg.dev/demo/apps/web:1.0.0"}) {
		t.Errorf("Unexpected pushes: %v", pusher.pushed)
	}

	expectedSubmitted := []string{
		"artifactRegistry", "runService", "runServiceIamPolicy", "runDomainMapping", "ARecordSet", "AAAARecordSet",
	}
	if got := engine.submittedIDs(); !reflect.DeepEqual(got, expectedSubmitted) {
		t.Errorf("Expected submissions %v, got %v", expectedSubmitted, got)
	}

	serviceReq, _ := engine.request("runService")
	if serviceReq.Config["image"] != "us-central1-docker.pkg.dev/demo/apps/web:1.0.0@sha256:abc123" {
		t.Errorf("Unexpected service image: %v", serviceReq.Config["image"])
	}
	iamReq, _ := engine.request("runServiceIamPolicy")
	if iamReq.Config["service"] != "web" || iamReq.Config["location"] != "us-central1" {
		t.Errorf("Unexpected IAM config: %v", iamReq.Config)
	}

	aReq, _ := engine.request("ARecordSet")
	if !reflect.DeepEqual(aReq.Config["rrdatas"], []interface{}{"216.239.32.21", "216.239.34.21"}) {
		t.Errorf("Unexpected A rrdatas: %v", aReq.Config["rrdatas"])
	}
	aaaaReq, _ := engine.request("AAAARecordSet")
	if !reflect.DeepEqual(aaaaReq.Config["rrdatas"], []interface{}{"2001:4860:4802:32::15", "2001:4860:4802:34::15"}) {
		t.Errorf("Unexpected AAAA rrdatas: %v", aaaaReq.Config["rrdatas"])
	}

	if n := events.count(EventTypeStageAdvanced); n != len(StageTemplate) {
		t.Errorf("Expected %d stage events, got %d", len(StageTemplate), n)
	}
	if n := events.count(EventTypeNodeCompleted); n != len(canonicalOrder) {
		t.Errorf("Expected %d node completed events, got %d", len(canonicalOrder), n)
	}
	if len(metrics.stages) != len(StageTemplate) || metrics.nodes != len(canonicalOrder) {
		t.Errorf("Unexpected metrics: stages=%v nodes=%d", metrics.stages, metrics.nodes)
	}
	if !reflect.DeepEqual(recorder.runs, []RunStatus{RunStatusRunning, RunStatusSucceeded}) {
		t.Errorf("Unexpected recorded runs: %v", recorder.runs)
	}
}

func TestOrchestrator_Apply_PushFailureHaltsDownstream(t *testing.T) {
	g := newPipelineGraph(t, true)
	pusher := &mockPusher{err: errors.New("registry unavailable")}
	engine := newMockEngine()

	orch := NewOrchestrator(&mockBuilder{}, pusher, engine, Options{})
	run, err := orch.Apply(context.Background(), g)

	var pushErr *PushError
	if !errors.As(err, &pushErr) {
		t.Fatalf("Expected PushError, got: %v", err)
	}
	if pushErr.NodeID != "registryImage" {
		t.Errorf("Expected failing node registryImage, got %s", pushErr.NodeID)
	}
	if FailedNodeID(err) != "registryImage" || run.FailedNode != "registryImage" {
		t.Errorf("Failed node not attached: %q / %q", FailedNodeID(err), run.FailedNode)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("Expected status failed, got %s", run.Status)
	}

	if got := engine.submittedIDs(); !reflect.DeepEqual(got, []string{"artifactRegistry"}) {
		t.Errorf("Expected only the registry submitted, got %v", got)
	}
	for _, id := range []string{"runService", "runServiceIamPolicy", "runDomainMapping", "ARecordSet", "AAAARecordSet"} {
		if run.Results[id].Status != NodeStatusSkipped {
			t.Errorf("Expected %s skipped, got %s", id, run.Results[id].Status)
		}
		if run.Results[id].Error == "" {
			t.Errorf("Expected skip reason on %s", id)
		}
	}
	if run.Results["registryImage"].Status != NodeStatusFailed {
		t.Errorf("Expected registryImage failed, got %s", run.Results["registryImage"].Status)
	}
	if run.Stages["prod"] != StageImageBuilt {
		t.Errorf("Expected prod at image_built, got %s", run.Stages["prod"])
	}
	if run.Summary.Skipped != 5 || run.Summary.Failed != 1 || run.Summary.Succeeded != 2 {
		t.Errorf("Unexpected summary: %+v", run.Summary)
	}
}

func TestOrchestrator_Apply_BuildFailure(t *testing.T) {
	g := newPipelineGraph(t, true)
	pusher := &mockPusher{}
	engine := newMockEngine()

	orch := NewOrchestrator(&mockBuilder{err: errors.New("Dockerfile not found")}, pusher, engine, Options{})
	run, err := orch.Apply(context.Background(), g)

	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("Expected BuildError, got: %v", err)
	}
	if buildErr.NodeID != "dockerImage" {
		t.Errorf("Expected failing node dockerImage, got %s", buildErr.NodeID)
	}
	if len(pusher.pushed) != 0 {
		t.Errorf("Expected no pushes, got %v", pusher.pushed)
	}
	if run.Stages["prod"] != StageRegistered {
		t.Errorf("Expected prod at registered, got %s", run.Stages["prod"])
	}
}

func TestOrchestrator_Apply_ProvisionFailure(t *testing.T) {
	g := newPipelineGraph(t, true)
	engine := newMockEngine()
	engine.failNodes["runServiceIamPolicy"] = NewPermanentError("permission denied", nil)

	orch := NewOrchestrator(&mockBuilder{}, &mockPusher{}, engine, Options{})
	run, err := orch.Apply(context.Background(), g)

	var provisionErr *ProvisionError
	if !errors.As(err, &provisionErr) {
		t.Fatalf("Expected ProvisionError, got: %v", err)
	}
	if provisionErr.NodeID != "runServiceIamPolicy" || provisionErr.Kind != KindIAMPolicyBinding {
		t.Errorf("Unexpected error fields: %+v", provisionErr)
	}
	if !IsPermanent(err) {
		t.Error("Expected the engine's error class to survive wrapping")
	}
	for _, id := range []string{"runDomainMapping", "ARecordSet", "AAAARecordSet"} {
		if _, submitted := engine.request(id); submitted {
			t.Errorf("%s submitted after failure", id)
		}
	}
	if run.Stages["prod"] != StageServiceDeployed {
		t.Errorf("Expected prod at service_deployed, got %s", run.Stages["prod"])
	}
}

func TestOrchestrator_Apply_DeterministicOrder(t *testing.T) {
	var previous []string
	for i := 0; i < 5; i++ {
		g := newPipelineGraph(t, false)
		engine := newMockEngine()
		orch := NewOrchestrator(&mockBuilder{}, &mockPusher{}, engine, Options{})

		if _, err := orch.Apply(context.Background(), g); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		got := engine.submittedIDs()
		if previous != nil && !reflect.DeepEqual(previous, got) {
			t.Fatalf("Run %d submitted %v, previous run %v", i, got, previous)
		}
		previous = got
	}
}

func TestOrchestrator_Apply_Parallel(t *testing.T) {
	g := NewGraph()
	mustAddNode(t, g, NewNode("registry", KindRegistry, nil))
	networks := []string{"net-a", "net-b", "net-c", "net-d"}
	for _, id := range networks {
		mustAddNode(t, g, NewNode(id, KindNetwork, nil, "registry"))
	}
	mustAddNode(t, g, NewNode("service", KindManagedService, map[string]interface{}{"name": "web"}, networks...))

	engine := newMockEngine()
	for _, id := range networks {
		engine.delays[id] = 30 * time.Millisecond
	}

	orch := NewOrchestrator(nil, nil, engine, Options{MaxParallel: 4})
	run, err := orch.Apply(context.Background(), g)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if run.Summary.Succeeded != 6 {
		t.Errorf("Expected 6 succeeded, got %+v", run.Summary)
	}

	if engine.maxFlight < 2 {
		t.Errorf("Expected concurrent submissions, max in flight was %d", engine.maxFlight)
	}
	if engine.maxFlight > 4 {
		t.Errorf("MaxParallel exceeded: %d in flight", engine.maxFlight)
	}

	for _, id := range networks {
		if engine.started[id] < engine.finished["registry"] {
			t.Errorf("%s started before registry finished", id)
		}
		if engine.started["service"] < engine.finished[id] {
			t.Errorf("service started before %s finished", id)
		}
	}
}

func TestOrchestrator_Apply_ParallelFailureLetsInFlightFinish(t *testing.T) {
	g := NewGraph()
	mustAddNode(t, g, NewNode("slow", KindNetwork, nil))
	mustAddNode(t, g, NewNode("broken", KindNetwork, nil))
	mustAddNode(t, g, NewNode("afterSlow", KindNetwork, nil, "slow"))

	engine := newMockEngine()
	engine.delays["slow"] = 50 * time.Millisecond
	engine.failNodes["broken"] = errors.New("quota exceeded")

	orch := NewOrchestrator(nil, nil, engine, Options{MaxParallel: 2})
	run, err := orch.Apply(context.Background(), g)

	var provisionErr *ProvisionError
	if !errors.As(err, &provisionErr) || provisionErr.NodeID != "broken" {
		t.Fatalf("Expected ProvisionError for broken, got: %v", err)
	}
	if run.Results["slow"].Status != NodeStatusSucceeded {
		t.Errorf("Expected in-flight node to finish, got %s", run.Results["slow"].Status)
	}
	if run.Results["afterSlow"].Status != NodeStatusSkipped {
		t.Errorf("Expected afterSlow skipped, got %s", run.Results["afterSlow"].Status)
	}
	if _, submitted := engine.request("afterSlow"); submitted {
		t.Error("afterSlow submitted after failure")
	}
}

func TestOrchestrator_Apply_CancelledContext(t *testing.T) {
	g := newPipelineGraph(t, true)
	engine := newMockEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := NewOrchestrator(&mockBuilder{}, &mockPusher{}, engine, Options{})
	run, err := orch.Apply(ctx, g)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if run.Status != RunStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", run.Status)
	}
	if len(engine.submittedIDs()) != 0 {
		t.Errorf("Expected no submissions, got %v", engine.submittedIDs())
	}
	if run.Summary.Skipped != len(canonicalOrder) {
		t.Errorf("Expected all nodes skipped, got %+v", run.Summary)
	}
}

func TestOrchestrator_Apply_DeferTransforms(t *testing.T) {
	g := newPipelineGraph(t, false)
	engine := newMockEngine()

	orch := NewOrchestrator(&mockBuilder{}, &mockPusher{}, engine, Options{DeferTransforms: true})
	if _, err := orch.Apply(context.Background(), g); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	aReq, _ := engine.request("ARecordSet")
	deferred, ok := aReq.Config["rrdatas"].(Deferred)
	if !ok {
		t.Fatalf("Expected Deferred rrdatas, got %T", aReq.Config["rrdatas"])
	}
	expected := `[for record in runDomainMapping.resource_records : record.rrdata if record.type == "A"]`
	if deferred.Expression != expected {
		t.Errorf("Expected %q, got %q", expected, deferred.Expression)
	}

	// Plain references are still substituted.
	iamReq, _ := engine.request("runServiceIamPolicy")
	if iamReq.Config["service"] != "web" {
		t.Errorf("Expected concrete service name, got %v", iamReq.Config["service"])
	}
}

func TestOrchestrator_Apply_SealsGraph(t *testing.T) {
	g := newPipelineGraph(t, false)
	orch := NewOrchestrator(&mockBuilder{}, &mockPusher{}, newMockEngine(), Options{
		Events: &mockEventPublisher{err: errors.New("bus down")},
	})

	if _, err := orch.Apply(context.Background(), g); err != nil {
		t.Fatalf("Apply failed despite publisher errors: %v", err)
	}
	if !g.Sealed() {
		t.Error("Expected graph sealed after Apply")
	}
	if err := g.AddNode(NewNode("late", KindNetwork, nil)); !errors.Is(err, ErrGraphSealed) {
		t.Errorf("Expected ErrGraphSealed, got: %v", err)
	}
}

func TestOrchestrator_Apply_NilGraph(t *testing.T) {
	orch := NewOrchestrator(nil, nil, newMockEngine(), Options{})
	if _, err := orch.Apply(context.Background(), nil); err == nil {
		t.Fatal("Expected error for nil graph")
	}
}

func TestOrchestrator_Plan(t *testing.T) {
	g := newPipelineGraph(t, true)
	engine := newMockEngine()
	orch := NewOrchestrator(&mockBuilder{}, &mockPusher{}, engine, Options{})

	plan, err := orch.Plan(context.Background(), g)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !reflect.DeepEqual(plan.Order, canonicalOrder) {
		t.Errorf("Expected order %v, got %v", canonicalOrder, plan.Order)
	}
	if len(plan.Levels) != 7 {
		t.Errorf("Expected 7 levels, got %d: %v", len(plan.Levels), plan.Levels)
	}
	if len(engine.submittedIDs()) != 0 {
		t.Error("Plan submitted nodes")
	}
	if g.Sealed() {
		t.Error("Plan must not seal the graph")
	}

	byID := make(map[string]PlannedNode)
	for _, n := range plan.Nodes {
		byID[n.ID] = n
	}
	repo, ok := byID["dockerImage"].Config["repository"].(Deferred)
	if !ok || repo.Expression != "artifactRegistry.repository_url" {
		t.Errorf("Expected deferred repository, got %v", byID["dockerImage"].Config["repository"])
	}
	rrdatas, ok := byID["AAAARecordSet"].Config["rrdatas"].(Deferred)
	if !ok {
		t.Fatalf("Expected deferred rrdatas, got %T", byID["AAAARecordSet"].Config["rrdatas"])
	}
	if rrdatas.String() != `${[for record in runDomainMapping.resource_records : record.rrdata if record.type == "AAAA"]}` {
		t.Errorf("Unexpected rrdatas expression: %s", rrdatas.String())
	}
	if !reflect.DeepEqual(byID["runDomainMapping"].DependsOn, []string{"runService", "runServiceIamPolicy"}) {
		t.Errorf("Unexpected mapping dependencies: %v", byID["runDomainMapping"].DependsOn)
	}
}

func TestOrchestrator_Apply_ArtifactOperations(t *testing.T) {
	artifacts := newMockArtifactStore()
	pusher := &mockPusher{}
	orch := NewOrchestrator(&mockBuilder{}, pusher, newMockEngine(), Options{Artifacts: artifacts})

	tests := []struct {
		name      string
		digest    string
		wantBuild Operation
		wantPush  Operation
	}{
		{name: "first run", digest: "sha256:abc123", wantBuild: OperationCreate, wantPush: OperationCreate},
		{name: "unchanged rerun", digest: "sha256:abc123", wantBuild: OperationNoop, wantPush: OperationNoop},
		{name: "new digest", digest: "sha256:def456", wantBuild: OperationNoop, wantPush: OperationUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pusher.digest = tt.digest
			run, err := orch.Apply(context.Background(), newPipelineGraph(t, false))
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if op := run.Results["dockerImage"].Operation; op != tt.wantBuild {
				t.Errorf("Expected build operation %s, got %s", tt.wantBuild, op)
			}
			if op := run.Results["registryImage"].Operation; op != tt.wantPush {
				t.Errorf("Expected push operation %s, got %s", tt.wantPush, op)
			}
		})
	}

	expected := []string{"dockerImage", "registryImage", "registryImage"}
	if !reflect.DeepEqual(artifacts.recorded, expected) {
		t.Errorf("Expected recorded %v, got %v", expected, artifacts.recorded)
	}
}

func TestOrchestrator_Apply_ArtifactStoreFromEngine(t *testing.T) {
	eng := &artifactEngine{mockEngine: newMockEngine(), mockArtifactStore: newMockArtifactStore()}
	orch := NewOrchestrator(&mockBuilder{}, &mockPusher{}, eng, Options{})

	if _, err := orch.Apply(context.Background(), newPipelineGraph(t, false)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(eng.recorded) != 2 {
		t.Errorf("Expected both artifacts recorded through the engine, got %v", eng.recorded)
	}
}

// artifactEngine is a provisioning engine that also stores artifacts.
type artifactEngine struct {
	*mockEngine
	*mockArtifactStore
}
