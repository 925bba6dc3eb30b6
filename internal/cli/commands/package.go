package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/packaging"
	"github.com/alvesdmateus/app-packager/pkg/models"
)

const shutdownTimeout = 10 * time.Second

// workloadFlags are shared by the commands that read a workloads file
type workloadFlags struct {
	file        string
	out         string
	concurrency int
	existing    []string
}

func (f *workloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "workloads.yaml", "workloads file")
	cmd.Flags().StringVar(&f.out, "out", "", "output root (default: packaging.output_root)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "workloads processed at once (default: packaging.concurrency)")
	cmd.Flags().StringSliceVar(&f.existing, "existing-digest", nil, "digest already deployed (repeatable)")
}

// apply overrides the loaded config with explicitly set flags
func (f *workloadFlags) apply(cmd *cobra.Command, a *app) {
	if f.out != "" {
		a.cfg.Packaging.OutputRoot = f.out
	}
	if cmd.Flags().Changed("concurrency") {
		a.cfg.Packaging.Concurrency = f.concurrency
	}
}

// options resolves the output root and merges flag digests with stored ones
func (f *workloadFlags) options(ctx context.Context, a *app, stored func(context.Context) (buildtypes.DigestSet, error)) (packaging.Options, error) {
	outputRoot, err := filepath.Abs(a.cfg.Packaging.OutputRoot)
	if err != nil {
		return packaging.Options{}, fmt.Errorf("failed to resolve output root: %w", err)
	}

	existing := buildtypes.NewDigestSet(f.existing...)
	if stored != nil {
		known, err := stored(ctx)
		if err != nil {
			return packaging.Options{}, err
		}
		for d := range known {
			existing[d] = struct{}{}
		}
	}

	return packaging.Options{
		OutputRoot:      outputRoot,
		ExistingDigests: existing,
		DefaultLimits:   a.defaultLimits(),
	}, nil
}

func newPackageCommand(opts *options) *cobra.Command {
	var (
		flags  workloadFlags
		record bool
	)

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Build and package every workload in a workloads file",
		Long: `Build and package every workload in a workloads file.

Workloads whose digest is already deployed are skipped. Digests come from
--existing-digest and, when state.driver is set, from previous recorded runs.`,
		Args: cobra.NoArgs,
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

			store, err := a.openStore()
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			if record && store == nil {
				return errors.New("--record needs state.driver set to sqlite, postgres or redis")
			}

			var stored func(context.Context) (buildtypes.DigestSet, error)
			if store != nil {
				stored = store.ExistingDigests
			}
			packOpts, err := flags.options(ctx, a, stored)
			if err != nil {
				return err
			}

			manager, err := a.newManager()
			if err != nil {
				return err
			}

			artifacts, runErr := manager.PackageAll(ctx, file.Workloads, packOpts)
			if artifacts != nil {
				printArtifacts(cmd.OutOrStdout(), file.Workloads, artifacts)
			}

			if record && artifacts != nil {
				runID := uuid.New()
				if err := store.Record(context.WithoutCancel(ctx), runID, artifacts); err != nil {
					return errors.Join(runErr, err)
				}
				a.logger.Info().Str("runId", runID.String()).Msg("Packaging run recorded")
			}

			return runErr
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&record, "record", false, "record the run in the state store")

	return cmd
}

func printArtifacts(out io.Writer, workloads []models.Workload, artifacts []*buildtypes.PackagedArtifact) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKLOAD\tKIND\tLANGUAGE\tOUTCOME\tDIGEST\tARTIFACT\tSIZE")
	for i, art := range artifacts {
		if art == nil {
			wl := workloads[i]
			fmt.Fprintf(w, "%s\t%s\t%s\tfailed\t-\t-\t-\n", wl.Name, wl.Kind, wl.Language)
			continue
		}
		location := art.ArtifactPath
		if art.ImageRef != "" {
			location = art.ImageRef
		}
		if location == "" {
			location = "-"
		}
		size := "-"
		if art.Size > 0 {
			size = humanSize(art.Size)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			art.Workload, art.Kind, art.Language, art.Outcome, shortDigest(art.Digest), location, size)
	}
	_ = w.Flush()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func humanSize(n int64) string {
	switch {
	case n >= buildtypes.MB:
		return fmt.Sprintf("%.1fMB", float64(n)/float64(buildtypes.MB))
	case n >= 1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
