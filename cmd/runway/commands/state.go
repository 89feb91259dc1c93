package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect recorded resource state",
	}

	cmd.AddCommand(newStateListCommand(opts))
	cmd.AddCommand(newStateShowCommand(opts))

	return cmd
}

func newStateListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded resources of an environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			env, err := s.environment()
			if err != nil {
				return err
			}
			store, err := s.openStore(cmd.Context())
			if err != nil {
				return err
			}
			states, err := store.ListResourceStates(cmd.Context(), env.Name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(states) == 0 {
				fmt.Fprintf(out, "No recorded resources in %s\n", env.Name)
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "NODE\tKIND\tLAST APPLIED\tRUN")
			for _, st := range states {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.NodeID, st.Kind, st.LastApplied.Format(time.RFC3339), shortID(st.LastRunID))
			}
			return tw.Flush()
		},
	}
}

// resourceView is the decoded form of a state record.
type resourceView struct {
	Environment string                 `json:"environment"`
	NodeID      string                 `json:"node_id"`
	Kind        string                 `json:"kind"`
	Hash        string                 `json:"hash"`
	LastRunID   string                 `json:"last_run_id"`
	LastApplied time.Time              `json:"last_applied"`
	Config      map[string]interface{} `json:"config"`
	Outputs     map[string]interface{} `json:"outputs"`
}

func newStateShowCommand(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <node-id>",
		Short: "Show the recorded config and outputs of a node",
		Example: `  runway state show runDomainMapping --env prod -o json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			env, err := s.environment()
			if err != nil {
				return err
			}
			store, err := s.openStore(cmd.Context())
			if err != nil {
				return err
			}
			st, err := store.GetResourceState(cmd.Context(), env.Name, args[0])
			if err != nil {
				return fmt.Errorf("no state for %s in %s: %w", args[0], env.Name, err)
			}

			view := resourceView{
				Environment: st.Environment,
				NodeID:      st.NodeID,
				Kind:        st.Kind,
				Hash:        st.Hash,
				LastRunID:   st.LastRunID,
				LastApplied: st.LastApplied,
			}
			if err := json.Unmarshal([]byte(st.Config), &view.Config); err != nil {
				return fmt.Errorf("corrupt config for %s: %w", st.NodeID, err)
			}
			if err := json.Unmarshal([]byte(st.Outputs), &view.Outputs); err != nil {
				return fmt.Errorf("corrupt outputs for %s: %w", st.NodeID, err)
			}
			return writeStructured(cmd.OutOrStdout(), output, view)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (json, yaml)")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
