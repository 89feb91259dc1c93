package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/runway/pkg/engine"
)

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect policies",
	}

	cmd.AddCommand(newPolicyListCommand(opts))

	return cmd
}

func newPolicyListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			eng, err := s.policyEngine(cmd.Context())
			if err != nil {
				return err
			}

			pc := s.policySettings()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policy enforcement: enabled=%t mode=%s on_violation=%s\n\n", pc.Enabled, pc.Mode, pc.OnViolation)

			tw := newTable(out)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tKINDS\tSOURCE\tDESCRIPTION")
			for _, p := range eng.ListPolicies() {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Severity, kindList(p.Kinds), source, p.Description)
			}
			return tw.Flush()
		},
	}
}

func kindList(kinds []engine.Kind) string {
	if len(kinds) == 0 {
		return "*"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ",")
}
