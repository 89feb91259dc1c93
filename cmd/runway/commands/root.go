package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath   string
	environment  string
	logLevel     string
	logFormat    string
	traceExport  string
	otlpEndpoint string
	metricsAddr  string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "runway",
		Short: "runway - declarative container deployment pipelines",
		Long: `runway provisions a container deployment pipeline per environment:
an artifact registry, an image build and push, a managed service, its public
access binding, a custom domain mapping and the DNS records derived from it.

Features:
  - Typed stack configuration via CUE
  - Dependency graph with attribute references and filtered projections
  - Parallel apply with halt-on-first-failure semantics
  - Rego policy checks before apply
  - Terraform JSON and HCL synthesis
  - Local sqlite state and run history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", ".", "CUE config file or directory")
	flags.StringVarP(&opts.environment, "env", "e", "", "environment to operate on (defaults to the only one declared)")
	flags.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	flags.StringVar(&opts.traceExport, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for traces")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during apply")

	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newApplyCommand(opts))
	rootCmd.AddCommand(newDestroyCommand(opts))
	rootCmd.AddCommand(newSynthCommand(opts))
	rootCmd.AddCommand(newStateCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "runway %s\n  commit: %s\n  built:  %s\n", version, commit, buildDate)
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
