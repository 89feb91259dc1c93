package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/runway/pkg/provisioner"
	"github.com/openfroyo/runway/pkg/stores"
)

func newDestroyCommand(opts *globalOptions) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Remove the recorded resources of an environment",
		Long: `Remove every recorded resource of an environment in reverse dependency
order. Nodes without recorded state are skipped.`,
		Example: `  runway destroy --env dev --yes`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("destroy removes recorded resources, pass --yes to confirm")
			}

			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			env, g, err := s.graph()
			if err != nil {
				return err
			}
			order, err := g.TopologicalOrder()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := s.openStore(ctx)
			if err != nil {
				return err
			}

			logger := s.logger.WithEnvironment(env.Name)
			local := provisioner.NewLocalEngine(store, provisioner.Options{Environment: env.Name, Logger: logger.Zerolog()})
			destroyed, destroyErr := local.Destroy(ctx, order)

			out := cmd.OutOrStdout()
			for _, id := range destroyed {
				fmt.Fprintf(out, "✓ destroyed %s\n", id)
			}
			if len(destroyed) > 0 {
				recorder := stores.NewRecorder(store, env.Name)
				if err := recorder.Audit(ctx, "state.destroyed", currentUser(), env.Name, map[string]interface{}{
					"nodes": destroyed,
				}); err != nil {
					logger.Warn().Err(err).Msg("Failed to write audit entry")
				}
			}
			if destroyErr != nil {
				return destroyErr
			}

			fmt.Fprintf(out, "%d resource(s) destroyed in %s\n", len(destroyed), env.Name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&confirm, "yes", "y", false, "confirm destruction")

	return cmd
}
