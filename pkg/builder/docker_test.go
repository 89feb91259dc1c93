package builder

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/runway/pkg/engine"
)

const testDigest = "sha256:4f3c2b1a4f3c2b1a4f3c2b1a4f3c2b1a4f3c2b1a4f3c2b1a4f3c2b1a4f3c2b1a"

// mockRunner returns scripted results in order and records every call.
type mockRunner struct {
	mu      sync.Mutex
	results []*Result
	err     error
	calls   [][]string
}

func (m *mockRunner) Run(_ context.Context, _ string, name string, args ...string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, append([]string{name}, args...))
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) == 0 {
		return &Result{}, nil
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r, nil
}

func newTestBuilder(runner Runner) *DockerBuilder {
	return NewDockerBuilder(Options{
		Runner: runner,
		Retry: RetryConfig{
			MaxTries:        3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	})
}

func TestDockerBuilder_Build(t *testing.T) {
	runner := &mockRunner{}
	b := newTestBuilder(runner)

	ref, err := b.Build(context.Background(), engine.BuildRequest{
		NodeID:      "dockerImage",
		ContextPath: "./app",
		Platform:    "linux/amd64",
		Reference:   "us-east1-docker.pkg.dev/demo/apps/web:1.0.0",
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if ref != "us-east1-docker.pkg.dev/demo/apps/web:1.0.0" {
		t.Errorf("Unexpected reference %s", ref)
	}

	expected := []string{"docker", "build", "--platform", "linux/amd64", "-t", "us-east1-docker.pkg.dev/demo/apps/web:1.0.0", "./app"}
	if !reflect.DeepEqual(runner.calls[0], expected) {
		t.Errorf("Expected command %v, got %v", expected, runner.calls[0])
	}
}

func TestDockerBuilder_BuildDefaults(t *testing.T) {
	runner := &mockRunner{}
	b := NewDockerBuilder(Options{Runner: runner, Binary: "podman"})

	if _, err := b.Build(context.Background(), engine.BuildRequest{Reference: "web:dev"}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	expected := []string{"podman", "build", "-t", "web:dev", "."}
	if !reflect.DeepEqual(runner.calls[0], expected) {
		t.Errorf("Expected command %v, got %v", expected, runner.calls[0])
	}
}

func TestDockerBuilder_BuildFailure(t *testing.T) {
	tests := []struct {
		name    string
		runner  *mockRunner
		req     engine.BuildRequest
		wantMsg string
	}{
		{
			name:    "missing reference",
			runner:  &mockRunner{},
			req:     engine.BuildRequest{},
			wantMsg: "image reference is required",
		},
		{
			name:    "non-zero exit",
			runner:  &mockRunner{results: []*Result{{ExitCode: 1, Stderr: "failed to solve: Dockerfile not found"}}},
			req:     engine.BuildRequest{Reference: "web:dev"},
			wantMsg: "Dockerfile not found",
		},
		{
			name:    "runner error",
			runner:  &mockRunner{err: errors.New("docker: executable file not found")},
			req:     engine.BuildRequest{Reference: "web:dev"},
			wantMsg: "executable file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestBuilder(tt.runner).Build(context.Background(), tt.req)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestDockerBuilder_Push(t *testing.T) {
	runner := &mockRunner{results: []*Result{
		{Stdout: "1.0.0: digest: " + testDigest + " size: 1573\n"},
	}}
	b := newTestBuilder(runner)

	digest, err := b.Push(context.Background(), "us-east1-docker.pkg.dev/demo/apps/web:1.0.0")
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if digest != testDigest {
		t.Errorf("Expected digest %s, got %s", testDigest, digest)
	}
	if len(runner.calls) != 1 {
		t.Errorf("Expected 1 call, got %d", len(runner.calls))
	}
}

func TestDockerBuilder_PushInspectsDigest(t *testing.T) {
	runner := &mockRunner{results: []*Result{
		{Stdout: "pushed\n"},
		{Stdout: "us-east1-docker.pkg.dev/demo/apps/web@" + testDigest + "\n"},
	}}
	b := newTestBuilder(runner)

	digest, err := b.Push(context.Background(), "us-east1-docker.pkg.dev/demo/apps/web:1.0.0")
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if digest != testDigest {
		t.Errorf("Expected digest %s, got %s", testDigest, digest)
	}
	if runner.calls[1][1] != "image" || runner.calls[1][2] != "inspect" {
		t.Errorf("Expected image inspect, got %v", runner.calls[1])
	}
}

func TestDockerBuilder_PushRetries(t *testing.T) {
	runner := &mockRunner{results: []*Result{
		{ExitCode: 1, Stderr: "net/http: TLS handshake timeout"},
		{ExitCode: 1, Stderr: "connection reset by peer"},
		{Stdout: "digest: " + testDigest},
	}}
	b := newTestBuilder(runner)

	digest, err := b.Push(context.Background(), "web:1.0.0")
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if digest != testDigest {
		t.Errorf("Expected digest %s, got %s", testDigest, digest)
	}
	if len(runner.calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(runner.calls))
	}
}

func TestDockerBuilder_PushExhaustsRetries(t *testing.T) {
	runner := &mockRunner{results: []*Result{
		{ExitCode: 1, Stderr: "timeout"},
		{ExitCode: 1, Stderr: "timeout"},
		{ExitCode: 1, Stderr: "timeout"},
		{Stdout: "digest: " + testDigest},
	}}
	b := newTestBuilder(runner)

	if _, err := b.Push(context.Background(), "web:1.0.0"); err == nil {
		t.Fatal("Expected push to fail")
	}
	if len(runner.calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(runner.calls))
	}
}

func TestDockerBuilder_PushPermanentFailure(t *testing.T) {
	runner := &mockRunner{results: []*Result{
		{ExitCode: 1, Stderr: "denied: Permission \"artifactregistry.repositories.uploadArtifacts\" denied"},
		{Stdout: "digest: " + testDigest},
	}}
	b := newTestBuilder(runner)

	_, err := b.Push(context.Background(), "web:1.0.0")
	if err == nil {
		t.Fatal("Expected push to fail")
	}
	if !strings.Contains(err.Error(), "denied") {
		t.Errorf("Expected denied error, got %v", err)
	}
	if len(runner.calls) != 1 {
		t.Errorf("Expected no retry, got %d attempts", len(runner.calls))
	}
}

func TestDockerBuilder_PushCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &mockRunner{results: []*Result{{ExitCode: 1, Stderr: "timeout"}}}
	if _, err := newTestBuilder(runner).Push(ctx, "web:1.0.0"); err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}

func TestExecRunner(t *testing.T) {
	r := &ExecRunner{Env: []string{"RUNWAY_TEST=1"}}

	result, err := r.Run(context.Background(), t.TempDir(), "sh", "-c", "echo $RUNWAY_TEST; echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "1" {
		t.Errorf("Expected stdout 1, got %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("Expected stderr oops, got %q", result.Stderr)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}

	if _, err := r.Run(context.Background(), "", "runway-no-such-binary"); err == nil {
		t.Error("Expected error for missing binary")
	}
}
