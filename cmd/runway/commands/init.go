package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/runway/pkg/config"
	"github.com/openfroyo/runway/pkg/stores"
)

var workspaceTemplate = template.Must(template.New("runway.cue").Parse(`// runway workspace configuration

workspace: {
	name: "{{ .Name }}"
	state: path: "{{ .StatePath }}"
	policy: {
		enabled:      true
		paths:        ["policies"]
		mode:         "enforcing"
		on_violation: "fail"
	}
	engine: max_parallel: 4
}

environments: {
	"{{ .Environment }}": {
		project: "{{ .Project }}"
		region:  "{{ .Region }}"
		registry: repository_id: "{{ .Name }}"
		image: {
			name:    "{{ .Name }}"
			tag:     "0.1.0"
			context: "./app"
		}
		service: {
			name:     "{{ .Name }}"
			location: "{{ .Region }}"
		}
		domain: {
			name:         "{{ .Domain }}"
			managed_zone: "{{ .Zone }}"
		}
	}
}
`))

const examplePolicy = `# Services must listen on an explicit port.
# severity: warning
# kinds: managed_service
# tags: example
package runway.policies.custom.port

import rego.v1

deny contains msg if {
	not input.node.config.port
	msg := sprintf("service %s does not set a port", [input.node.id])
}
`

type workspaceParams struct {
	Name        string
	StatePath   string
	Environment string
	Project     string
	Region      string
	Domain      string
	Zone        string
}

func newInitCommand(opts *globalOptions) *cobra.Command {
	var (
		params workspaceParams
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a runway workspace",
		Long: `Initialize a new runway workspace: a runway.cue configuration, an example
policy and the local state database.`,
		Example: `  # Initialize in the current directory
  runway init --name shop --project shop-prod-123 --domain shop.example.com

  # Initialize a new directory
  runway init ./infra --name shop --project shop-prod-123 --domain shop.example.com`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.configPath
			if len(args) > 0 {
				dir = args[0]
			}
			ctx := cmd.Context()

			log.Info().Str("dir", dir).Str("name", params.Name).Msg("Initializing workspace")

			if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			configFile := filepath.Join(dir, "runway.cue")
			if _, err := os.Stat(configFile); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", configFile)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			f, err := os.Create(configFile)
			if err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			if err := workspaceTemplate.Execute(f, params); err != nil {
				f.Close()
				return fmt.Errorf("failed to render config file: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created config file: %s\n", configFile)

			if _, err := config.NewParser().Load(ctx, []string{configFile}); err != nil {
				return fmt.Errorf("generated configuration is invalid: %w", err)
			}

			policyFile := filepath.Join(dir, "policies", "service-port.rego")
			if _, err := os.Stat(policyFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(policyFile, []byte(examplePolicy), 0o644); err != nil {
					return fmt.Errorf("failed to write policy: %w", err)
				}
				fmt.Fprintf(out, "✓ Created example policy: %s\n", policyFile)
			}

			dbPath := filepath.Join(dir, params.StatePath)
			if err := initStore(ctx, dbPath); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized state database: %s\n", dbPath)

			fmt.Fprintf(out, "\n✅ Workspace initialized successfully!\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Put a Dockerfile in %s\n", filepath.Join(dir, "app"))
			fmt.Fprintf(out, "  2. runway validate -c %s\n", dir)
			fmt.Fprintf(out, "  3. runway apply -c %s --env %s\n", dir, params.Environment)

			return nil
		},
	}

	cmd.Flags().StringVar(&params.Name, "name", "app", "workspace and service name")
	cmd.Flags().StringVar(&params.Environment, "env-name", "prod", "name of the first environment")
	cmd.Flags().StringVar(&params.Project, "project", "", "cloud project ID")
	cmd.Flags().StringVar(&params.Region, "region", "us-central1", "default region")
	cmd.Flags().StringVar(&params.Domain, "domain", "", "custom domain of the service")
	cmd.Flags().StringVar(&params.Zone, "managed-zone", "", "DNS managed zone (defaults to the domain with dots replaced)")
	cmd.Flags().StringVar(&params.StatePath, "state", defaultStatePath, "state database path, relative to the workspace")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing runway.cue")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("domain")

	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if params.Zone == "" {
			params.Zone = managedZoneName(params.Domain)
		}
	}

	return cmd
}

func managedZoneName(domain string) string {
	return strings.ReplaceAll(domain, ".", "-")
}

func initStore(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
