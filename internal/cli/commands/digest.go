package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/packaging"
	"github.com/alvesdmateus/app-packager/internal/state"
	"github.com/alvesdmateus/app-packager/pkg/models"
)

func newDigestCommand(opts *options) *cobra.Command {
	var (
		flags    workloadFlags
		useStore bool
	)

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print each workload's digest and whether it would be rebuilt",
		Args:  cobra.NoArgs,
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
			flags.apply(cmd, a)

			file, err := models.Load(flags.file)
			if err != nil {
				return err
			}

			var (
				store  state.DigestStore
				stored func(context.Context) (buildtypes.DigestSet, error)
			)
			if useStore {
				store, err = a.openStore()
				if err != nil {
					return fmt.Errorf("failed to open state store: %w", err)
				}
				if store != nil {
					stored = store.ExistingDigests
				}
			}
			digestOpts, err := flags.options(ctx, a, stored)
			if err != nil {
				return err
			}

			manager, err := a.newDigestManager()
			if err != nil {
				return err
			}

			results, runErr := manager.Digests(ctx, file.Workloads, digestOpts)
			if results == nil {
				return runErr
			}
			changes, err := changesSinceLastRun(ctx, store, results)
			if err != nil {
				return errors.Join(runErr, err)
			}
			printDigests(cmd.OutOrStdout(), results, changes)
			return runErr
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&useStore, "state", true, "also treat digests recorded in the state store as deployed")

	return cmd
}

// Values of the CHANGED column
const (
	changeYes     = "yes"
	changeNo      = "no"
	changeNew     = "new"
	changeUnknown = "-"
)

// changesSinceLastRun compares each digest with the one most recently
// recorded for its workload. A nil store yields a nil map.
func changesSinceLastRun(ctx context.Context, store state.DigestStore, results []packaging.DigestResult) (map[string]string, error) {
	if store == nil {
		return nil, nil
	}

	changes := make(map[string]string, len(results))
	for _, r := range results {
		if r.Digest == "" {
			continue
		}
		latest, err := store.LatestDigest(ctx, r.Workload)
		var notFound state.ErrNotFound
		switch {
		case errors.As(err, &notFound):
			changes[r.Workload] = changeNew
		case err != nil:
			return nil, err
		case latest == r.Digest:
			changes[r.Workload] = changeNo
		default:
			changes[r.Workload] = changeYes
		}
	}
	return changes, nil
}

func printDigests(out io.Writer, results []packaging.DigestResult, changes map[string]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKLOAD\tDIGEST\tOUTCOME\tCHANGED")
	for _, r := range results {
		digest, outcome := r.Digest, string(r.Outcome)
		if digest == "" {
			digest, outcome = "-", "failed"
		}
		changed, ok := changes[r.Workload]
		if !ok {
			changed = changeUnknown
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Workload, digest, outcome, changed)
	}
	_ = w.Flush()
}
