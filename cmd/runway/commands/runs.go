package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect apply run history",
	}

	cmd.AddCommand(newRunsListCommand(opts))
	cmd.AddCommand(newRunsShowCommand(opts))

	return cmd
}

func newRunsListCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs of an environment",
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
			runs, err := store.ListRuns(cmd.Context(), env.Name, limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintf(out, "No runs recorded for %s\n", env.Name)
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tFAILED NODE")
			for _, r := range runs {
				duration := "-"
				if r.CompletedAt != nil {
					duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				failed := r.FailedNode
				if failed == "" {
					failed = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.StartedAt.Format(time.RFC3339), duration, failed)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	return cmd
}

func newRunsShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the node results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			store, err := s.openStore(cmd.Context())
			if err != nil {
				return err
			}
			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			results, err := store.ListNodeResults(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (%s) %s\n\n", run.ID, run.Environment, run.Status)
			tw := newTable(out)
			fmt.Fprintln(tw, "NODE\tKIND\tSTATUS\tOPERATION\tDURATION\tERROR")
			for _, r := range results {
				op, msg := r.Operation, "-"
				if op == "" {
					op = "-"
				}
				if r.Error != nil {
					msg = *r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%s\n", r.NodeID, r.Kind, r.Status, op, r.DurationMS, msg)
			}
			return tw.Flush()
		},
	}
}
