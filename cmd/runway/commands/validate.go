package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/runway/pkg/config"
	"github.com/openfroyo/runway/pkg/policy"
	"github.com/openfroyo/runway/pkg/stack"
)

type envReport struct {
	env    string
	nodes  int
	result *policy.PolicyResult
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var skipPolicy bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, graphs and policies",
		Long: `Validate the CUE configuration and every environment built from it.

This command checks:
  - CUE syntax and schema conformance
  - Semantic version image tags and the workspace min_version constraint
  - That each environment builds an acyclic graph
  - Policy compliance (built-in and configured Rego policies)`,
		Example: `  # Validate every environment
  runway validate

  # Validate one environment without policies
  runway validate --env prod --skip-policy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			var eng *policy.Engine
			if !skipPolicy && s.policySettings().Enabled {
				if eng, err = s.policyEngine(cmd.Context()); err != nil {
					return err
				}
			}

			reports, err := validateEnvironments(cmd.Context(), s, eng)
			if err != nil {
				return err
			}

			printValidationErrors(cmd, s.parsed.Errors)
			if printReports(cmd.OutOrStdout(), s.policySettings(), reports) {
				return fmt.Errorf("policy violations found")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "skip policy evaluation")

	return cmd
}

// printReports prints every report and returns whether a policy result blocks.
func printReports(out io.Writer, pc config.PolicyConfig, reports []envReport) bool {
	blocked := false
	for _, r := range reports {
		fmt.Fprintf(out, "✓ %s: %d nodes\n", r.env, r.nodes)
		if r.result == nil {
			continue
		}
		printPolicyResult(out, r.env, r.result)
		if r.result.Blocks(pc.Mode, pc.OnViolation) {
			blocked = true
		}
	}
	return blocked
}

// validateEnvironments builds and checks every selected environment
// concurrently. A nil eng skips policy evaluation. Reports keep declaration order.
func validateEnvironments(ctx context.Context, s *session, eng *policy.Engine) ([]envReport, error) {
	envs := s.parsed.Environments
	if s.opts.environment != "" {
		env, err := s.parsed.Environment(s.opts.environment)
		if err != nil {
			return nil, err
		}
		envs = []config.EnvironmentConfig{*env}
	}

	reports := make([]envReport, len(envs))
	g, ctx := errgroup.WithContext(ctx)
	for i := range envs {
		env := &envs[i]
		g.Go(func() error {
			graph, err := stack.Build(env)
			if err != nil {
				return fmt.Errorf("environment %s: %w", env.Name, err)
			}
			if _, err := graph.TopologicalOrder(); err != nil {
				return fmt.Errorf("environment %s: %w", env.Name, err)
			}
			reports[i] = envReport{env: env.Name, nodes: graph.Len()}
			if eng == nil {
				return nil
			}
			result, err := s.evaluatePolicies(ctx, eng, env, graph, "validate")
			if err != nil {
				return fmt.Errorf("environment %s: %w", env.Name, err)
			}
			reports[i].result = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
