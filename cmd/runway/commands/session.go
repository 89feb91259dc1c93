package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/runway/pkg/config"
	"github.com/openfroyo/runway/pkg/engine"
	"github.com/openfroyo/runway/pkg/policy"
	"github.com/openfroyo/runway/pkg/stack"
	"github.com/openfroyo/runway/pkg/stores"
	"github.com/openfroyo/runway/pkg/telemetry"
)

const defaultStatePath = ".runway/state.db"

// session is the per-command context: parsed configuration, telemetry and,
// for commands that need it, the state store.
type session struct {
	opts    *globalOptions
	baseDir string
	parsed  *config.ParsedConfig
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	store   *stores.SQLiteStore
}

// openSession parses the configuration and starts telemetry. The caller must
// call close.
func openSession(cmd *cobra.Command, opts *globalOptions) (*session, error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s := &session{
		opts:    opts,
		baseDir: configDir(opts.configPath),
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("cli").WithField("command", cmd.Name()),
	}

	parsed, err := config.NewParser().Load(cmd.Context(), []string{opts.configPath})
	if err != nil {
		if parsed != nil {
			printValidationErrors(cmd, parsed.Errors)
		}
		s.close()
		return nil, err
	}
	s.parsed = parsed

	return s, nil
}

func telemetryConfig(opts *globalOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = opts.environment
	cfg.Logging.Level = opts.logLevel
	cfg.Logging.Format = opts.logFormat
	cfg.Metrics.ListenAddress = opts.metricsAddr
	if opts.traceExport != "" && opts.traceExport != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.traceExport
		cfg.Tracing.Endpoint = opts.otlpEndpoint
		cfg.Tracing.Writer = os.Stderr
	}
	return cfg
}

func configDir(path string) string {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return path
	}
	return filepath.Dir(path)
}

// resolve makes a workspace-relative path absolute against the config directory.
func (s *session) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.baseDir, path)
}

// openStore opens and migrates the state database.
func (s *session) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if s.store != nil {
		return s.store, nil
	}

	path := defaultStatePath
	if st := s.parsed.Workspace.State; st != nil && st.Path != "" {
		path = st.Path
	}
	path = s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.store = store
	return store, nil
}

// environment selects the environment named by --env, or the only one declared.
func (s *session) environment() (*config.EnvironmentConfig, error) {
	if s.opts.environment != "" {
		return s.parsed.Environment(s.opts.environment)
	}
	switch len(s.parsed.Environments) {
	case 0:
		return nil, errors.New("no environments declared")
	case 1:
		return &s.parsed.Environments[0], nil
	default:
		names := make([]string, 0, len(s.parsed.Environments))
		for _, env := range s.parsed.Environments {
			names = append(names, env.Name)
		}
		return nil, fmt.Errorf("multiple environments declared, select one with --env: %s", strings.Join(names, ", "))
	}
}

// graph builds the sealed stack graph of the selected environment.
func (s *session) graph() (*config.EnvironmentConfig, *engine.Graph, error) {
	env, err := s.environment()
	if err != nil {
		return nil, nil, err
	}
	g, err := stack.Build(env)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build graph for %s: %w", env.Name, err)
	}
	return env, g, nil
}

// policySettings returns the effective policy configuration. Without a
// policy block the built-in policies run in enforcing mode.
func (s *session) policySettings() config.PolicyConfig {
	pc := config.PolicyConfig{Enabled: true, Mode: policy.ModeEnforcing, OnViolation: "fail"}
	if p := s.parsed.Workspace.Policy; p != nil {
		pc.Enabled = p.Enabled
		pc.Paths = p.Paths
		if p.Mode != "" {
			pc.Mode = p.Mode
		}
		if p.OnViolation != "" {
			pc.OnViolation = p.OnViolation
		}
	}
	return pc
}

// policyPaths returns the configured policy paths resolved against the config directory.
func (s *session) policyPaths() []string {
	pc := s.policySettings()
	paths := make([]string, 0, len(pc.Paths))
	for _, p := range pc.Paths {
		paths = append(paths, s.resolve(p))
	}
	return paths
}

// policyEngine creates a policy engine with the built-in and configured policies.
func (s *session) policyEngine(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(*s.logger.Zerolog())
	if err != nil {
		return nil, err
	}
	if paths := s.policyPaths(); len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// evaluatePolicies runs every policy over g and records findings in metrics.
func (s *session) evaluatePolicies(ctx context.Context, eng *policy.Engine, env *config.EnvironmentConfig, g *engine.Graph, operation string) (*policy.PolicyResult, error) {
	result, err := eng.EvaluateGraph(ctx, g, &policy.PolicyContext{
		User:        currentUser(),
		Environment: env.Name,
		Timestamp:   time.Now(),
		Operation:   operation,
		DryRun:      operation != "apply",
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	for _, v := range result.Violations {
		s.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
	}
	for _, v := range result.Warnings {
		s.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
	}
	return result, nil
}

// close drains telemetry before closing the store, since queued events are
// still written through the recorder.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close store: %v\n", err)
		}
	}
}

func currentUser() string {
	for _, key := range []string{"RUNWAY_USER", "USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}

func printValidationErrors(cmd *cobra.Command, errs []config.ValidationError) {
	sorted := append([]config.ValidationError(nil), errs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Severity < sorted[j].Severity })
	for _, e := range sorted {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", e.Severity, e.Error())
	}
}
