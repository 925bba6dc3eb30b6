package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/app-packager/internal/state"
)

func newRunsCommand(opts *options) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "runs [RUN_ID]",
		Short: "List recorded packaging runs, or show one run's artifacts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				err = errors.Join(err, a.close(closeCtx))
			}()

			store, err := a.openStore()
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			repo, ok := store.(*state.Repository)
			if !ok {
				return fmt.Errorf("run history needs state.driver sqlite or postgres, got %q", a.cfg.State.Driver)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid run id %q: %w", args[0], err)
				}
				run, err := repo.GetRun(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "WORKLOAD\tKIND\tLANGUAGE\tOUTCOME\tDIGEST\tSIZE")
				for _, art := range run.Artifacts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						art.Workload, art.Kind, art.Language, art.Outcome, shortDigest(art.Digest), humanSize(art.Size))
				}
				return nil
			}

			runs, err := repo.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "RUN\tSTATUS\tWORKLOADS\tFAILED\tCREATED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					run.ID, run.Status, run.Workloads, run.Failed, run.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}
