package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/runway/pkg/config"
	"github.com/openfroyo/runway/pkg/stack"
	"github.com/openfroyo/runway/pkg/synth"
)

func newSynthCommand(opts *globalOptions) *cobra.Command {
	var (
		format string
		outDir string
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize Terraform configuration",
		Long: `Render each environment graph as a Terraform configuration, one directory
per environment. Attribute references become Terraform expressions, so the
synthesized configuration keeps the data flow of the graph.`,
		Example: `  # Terraform JSON for every environment
  runway synth --out cdktf.out

  # Native HCL for prod
  runway synth --env prod --format hcl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "hcl" {
				return fmt.Errorf("unsupported format: %s (must be json or hcl)", format)
			}

			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			envs := s.parsed.Environments
			if opts.environment != "" {
				env, err := s.parsed.Environment(opts.environment)
				if err != nil {
					return err
				}
				envs = []config.EnvironmentConfig{*env}
			}

			written := make([]string, len(envs))
			g, _ := errgroup.WithContext(cmd.Context())
			for i := range envs {
				env := &envs[i]
				g.Go(func() error {
					path, err := synthesizeEnvironment(s.parsed.Workspace.Name, env, format, outDir)
					if err != nil {
						return fmt.Errorf("environment %s: %w", env.Name, err)
					}
					written[i] = path
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			for _, path := range written {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ wrote %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, hcl)")
	cmd.Flags().StringVar(&outDir, "out", "cdktf.out", "output directory")

	return cmd
}

func synthesizeEnvironment(stackName string, env *config.EnvironmentConfig, format, outDir string) (string, error) {
	g, err := stack.Build(env)
	if err != nil {
		return "", err
	}

	doc, err := synth.Synthesize(g, synth.Options{
		StackName:     stackName + "-" + env.Name,
		Project:       env.Project,
		Region:        env.Region,
		Zone:          env.Zone,
		RegistryHosts: []string{stack.RegistryHost(env.Registry.Location)},
	})
	if err != nil {
		return "", err
	}

	var (
		data []byte
		name string
	)
	if format == "hcl" {
		data, err = doc.HCL()
		name = "main.tf"
	} else {
		data, err = doc.JSON()
		name = "cdk.tf.json"
	}
	if err != nil {
		return "", err
	}

	dir := filepath.Join(outDir, "stacks", env.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
