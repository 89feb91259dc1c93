package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/runway/pkg/builder"
	"github.com/openfroyo/runway/pkg/engine"
	"github.com/openfroyo/runway/pkg/provisioner"
	"github.com/openfroyo/runway/pkg/stores"
	"github.com/openfroyo/runway/pkg/telemetry"
)

func newApplyCommand(opts *globalOptions) *cobra.Command {
	var (
		parallelism  int
		skipPolicy   bool
		dockerBinary string
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Build, push and provision an environment",
		Long: `Apply every node of an environment graph in dependency order.

This command:
  - Evaluates policies and stops on blocking violations
  - Builds and pushes the image with the docker CLI
  - Provisions the remaining nodes through the local provisioning engine
  - Halts on the first failure and skips everything not yet started
  - Records the run, node results and events in the state database`,
		Example: `  # Apply the prod environment
  runway apply --env prod

  # Apply strictly sequentially and expose metrics while running
  runway apply --env prod --parallelism 1 --metrics-addr :9464`,
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
			ctx := s.tel.WithContext(cmd.Context())
			out := cmd.OutOrStdout()

			if pc := s.policySettings(); pc.Enabled && !skipPolicy {
				eng, err := s.policyEngine(ctx)
				if err != nil {
					return err
				}
				result, err := s.evaluatePolicies(ctx, eng, env, g, "apply")
				if err != nil {
					return err
				}
				printPolicyResult(out, env.Name, result)
				if result.Blocks(pc.Mode, pc.OnViolation) {
					return fmt.Errorf("apply blocked by %d policy violation(s)", len(result.Violations))
				}
			}

			store, err := s.openStore(ctx)
			if err != nil {
				return err
			}
			recorder := stores.NewRecorder(store, env.Name)
			s.tel.Events.Subscribe("recorder", recorder.Publish, nil)
			if !quiet {
				s.tel.Events.Subscribe("console", consolePrinter(out), nil)
			}

			if err := s.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			logger := s.logger.WithEnvironment(env.Name)
			engineOpts := engine.Options{
				MaxParallel: 4,
				Logger:      logger.Zerolog(),
				Events:      s.tel.Events,
				Recorder:    recorder,
				Metrics:     s.tel.Metrics,
			}
			if ec := s.parsed.Workspace.Engine; ec != nil {
				if ec.MaxParallel > 0 {
					engineOpts.MaxParallel = ec.MaxParallel
				}
				engineOpts.DeferTransforms = ec.DeferTransforms
			}
			if cmd.Flags().Changed("parallelism") {
				engineOpts.MaxParallel = parallelism
			}

			docker := builder.NewDockerBuilder(builder.Options{Binary: dockerBinary, Logger: logger.Zerolog()})
			local := provisioner.NewLocalEngine(store, provisioner.Options{Environment: env.Name, Logger: logger.Zerolog()})
			orch := engine.NewOrchestrator(docker, docker, local, engineOpts)

			op := telemetry.StartOperation(ctx, "runway.cli.apply",
				telemetry.AttrEnvironment.String(env.Name),
				telemetry.AttrCommand.String("apply"),
			)
			run, applyErr := orch.Apply(op.Ctx, g)
			op.End(applyErr)

			if run == nil {
				return applyErr
			}

			if err := recorder.Audit(context.WithoutCancel(ctx), "run.applied", currentUser(), run.ID, map[string]interface{}{
				"status":  run.Status,
				"summary": run.Summary,
			}); err != nil {
				logger.Warn().Err(err).Msg("Failed to write audit entry")
			}

			printRunSummary(out, run)
			if applyErr != nil {
				return fmt.Errorf("apply failed at %s: %w", run.FailedNode, applyErr)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 4, "max nodes applied concurrently (overrides workspace.engine.max_parallel)")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "skip the policy gate")
	cmd.Flags().StringVar(&dockerBinary, "docker", "docker", "docker CLI binary")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print node events")

	return cmd
}

// consolePrinter prints node progress lines as events arrive.
func consolePrinter(w io.Writer) telemetry.EventSubscriber {
	return func(_ context.Context, e *engine.Event) error {
		var mark string
		switch e.Type {
		case engine.EventTypeNodeStarted:
			mark = "→"
		case engine.EventTypeNodeCompleted:
			mark = "✓"
		case engine.EventTypeNodeFailed:
			mark = "✗"
		case engine.EventTypeNodeSkipped:
			mark = "-"
		case engine.EventTypeStageAdvanced:
			mark = "»"
		default:
			return nil
		}
		_, err := fmt.Fprintf(w, "%s %s %s\n", e.Timestamp.Format(time.TimeOnly), mark, e.Message)
		return err
	}
}

func printRunSummary(w io.Writer, run *engine.Run) {
	fmt.Fprintf(w, "\nRun %s %s in %s\n", run.ID, run.Status, run.Duration.Round(time.Millisecond))
	tw := newTable(w)
	fmt.Fprintln(tw, "NODE\tSTATUS\tOPERATION\tDURATION")
	for _, id := range run.Order {
		r := run.Results[id]
		op := string(r.Operation)
		if op == "" {
			op = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, r.Status, op, r.Duration.Round(time.Millisecond))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped\n", run.Summary.Succeeded, run.Summary.Failed, run.Summary.Skipped)
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error)
	}
}
