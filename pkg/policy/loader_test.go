package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/runway/pkg/engine"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := newTestLoader()

	policyFile := filepath.Join(t.TempDir(), "no-public-domains.rego")
	regoContent := `# Domain mappings must not target apex domains.
# severity: error
# kinds: domain_mapping, dns_record_set
# tags: dns, custom
package custom.domains

import rego.v1

deny contains msg if {
	count(split(input.node.config.name, ".")) < 3
	msg := "apex domain"
}`
	writeFile(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-public-domains" {
		t.Errorf("Expected name 'no-public-domains', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity from header, got %s", policy.Severity)
	}
	if policy.Description != "Domain mappings must not target apex domains." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	wantKinds := []engine.Kind{engine.KindDomainMapping, engine.KindDNSRecordSet}
	if !reflect.DeepEqual(policy.Kinds, wantKinds) {
		t.Errorf("Expected kinds %v, got %v", wantKinds, policy.Kinds)
	}
	if !reflect.DeepEqual(policy.Tags, []string{"dns", "custom"}) {
		t.Errorf("Unexpected tags %v", policy.Tags)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := newTestLoader()
	policyFile := filepath.Join(t.TempDir(), "test-policy.json")

	policy := Policy{
		Name:        "test-json-policy",
		Description: "A test policy",
		Rego:        "package test\n\nimport rego.v1\n\ndeny contains msg if { false; msg := \"x\" }",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"test"},
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if loaded.Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded.Name)
	}
	if loaded.Description != policy.Description {
		t.Errorf("Expected description '%s', got '%s'", policy.Description, loaded.Description)
	}
	if loaded.Severity != policy.Severity {
		t.Errorf("Expected severity '%s', got '%s'", policy.Severity, loaded.Severity)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt default")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{"unsupported type", "test.txt", "not a policy"},
		{"invalid json", "test.json", "invalid json"},
		{"json without name", "test.json", `{"rego": "package x"}`},
		{"json without rego", "test.json", `{"name": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.filename)
			writeFile(t, path, tt.content)
			if _, err := newTestLoader().loadFromFile(path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := newTestLoader()
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	if err := os.Mkdir(subDir, 0o755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	writeFile(t, filepath.Join(tmpDir, "policy1.rego"), "package p1")
	writeFile(t, filepath.Join(tmpDir, "policy2.rego"), "package p2")
	writeFile(t, filepath.Join(subDir, "policy3.rego"), "package p3")
	writeFile(t, filepath.Join(tmpDir, "README.md"), "# Policies")
	writeFile(t, filepath.Join(tmpDir, "broken.json"), "{")

	loaded, err := loader.loadFromDirectory(tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	var names []string
	for _, p := range loaded {
		names = append(names, p.Name)
	}
	if !reflect.DeepEqual(names, []string{"policy1", "policy2", "policy3"}) {
		t.Errorf("Unexpected policies %v", names)
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := newTestLoader()
	tmpDir := t.TempDir()

	dir1 := filepath.Join(tmpDir, "dir1")
	if err := os.Mkdir(dir1, 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	writeFile(t, filepath.Join(dir1, "policy1.rego"), "package p1")
	file1 := filepath.Join(tmpDir, "policy2.rego")
	writeFile(t, file1, "package p2")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file1})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadPolicies_Engine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "custom.rego"), `# severity: error
package custom.ttl

import rego.v1

deny contains msg if {
	input.node.config.ttl > 3600
	msg := "ttl too long"
}`)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	node := engine.NewNode("ARecordSet", engine.KindDNSRecordSet, map[string]interface{}{"type": "A", "ttl": 86400})
	result, err := eng.EvaluateNode(context.Background(), node, nil)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 || result.Violations[0].Policy != "custom" {
		t.Errorf("Expected custom violation, got %+v", result.Violations)
	}
}

func TestLoadBundle(t *testing.T) {
	loader := newTestLoader()
	bundleFile := filepath.Join(t.TempDir(), "bundle.json")

	bundle := PolicyBundle{
		Name:        "test-bundle",
		Version:     "1.0.0",
		Description: "Test policy bundle",
		Policies: []Policy{
			{Name: "policy1", Rego: "package p1", Severity: SeverityError, Enabled: true},
			{Name: "policy2", Rego: "package p2", Severity: SeverityWarning, Enabled: true},
		},
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	writeFile(t, bundleFile, string(data))

	loaded, err := loader.LoadBundle(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}

	if loaded.Name != bundle.Name || loaded.Version != bundle.Version {
		t.Errorf("Unexpected bundle %s@%s", loaded.Name, loaded.Version)
	}
	if len(loaded.Policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(loaded.Policies))
	}
	if loaded.Policies[0].Source != bundleFile {
		t.Errorf("Expected bundle source, got %s", loaded.Policies[0].Source)
	}
}

func TestExtractDescription(t *testing.T) {
	loader := newTestLoader()

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name: "single line comment",
			content: `# Pins every image tag
package test`,
			expected: "Pins every image tag",
		},
		{
			name: "multi line comments",
			content: `# Pins every image tag
# to a released version
package test`,
			expected: "Pins every image tag to a released version",
		},
		{
			name:     "no comments",
			content:  "package test",
			expected: "",
		},
		{
			name: "header fields skipped",
			content: `# First line
#
# severity: error
# Second line
package test`,
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := loader.extractDescription(tt.content); got != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := newTestLoader()
	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writeFile(t, policyFile, "package test")

	if _, err := loader.loadFromFile(policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestWatch(t *testing.T) {
	loader := newTestLoader()
	loader.reloadDelay = 10 * time.Millisecond

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.rego"), "package first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, filepath.Join(dir, "second.rego"), "package second")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	select {
	case policies := <-reloaded:
		var names []string
		for _, p := range policies {
			names = append(names, p.Name)
		}
		if !reflect.DeepEqual(names, []string{"first", "second"}) {
			t.Errorf("Expected reloaded policies [first second], got %v", names)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
