package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/runway/pkg/engine"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the apply order of an environment",
		Long: `Build the environment graph and show the order nodes would be applied in,
grouped by concurrency level. Nothing is built or provisioned.`,
		Example: `  # Show the plan as a table
  runway plan --env prod

  # Machine-readable plan
  runway plan --env prod -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			env, g, err := s.graph()
			if err != nil {
				return err
			}

			orch := engine.NewOrchestrator(nil, nil, nil, engine.Options{Logger: s.logger.Zerolog()})
			plan, err := orch.Plan(cmd.Context(), g)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "table" {
				return writeStructured(out, output, plan)
			}

			fmt.Fprintf(out, "Plan for %s (%d nodes, %d levels)\n\n", env.Name, len(plan.Nodes), len(plan.Levels))
			tw := newTable(out)
			fmt.Fprintln(tw, "LEVEL\tNODE\tKIND\tDEPENDS ON")
			for _, n := range plan.Nodes {
				deps := "-"
				if len(n.DependsOn) > 0 {
					deps = strings.Join(n.DependsOn, ", ")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", n.Level, n.ID, n.Kind, deps)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	return cmd
}

func newGraphCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render an environment graph in DOT format",
		Example: `  # Render with graphviz
  runway graph --env prod | dot -Tsvg > graph.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			_, g, err := s.graph()
			if err != nil {
				return err
			}
			dot, err := g.ToDOT()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
			return err
		},
	}

	return cmd
}
