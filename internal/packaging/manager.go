// Package packaging packages many workloads concurrently and reports every
// outcome together.
package packaging

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alvesdmateus/app-packager/internal/buildpack"
	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/digest"
	"github.com/alvesdmateus/app-packager/pkg/models"
)

// Options apply to one PackageAll or Digests call
type Options struct {
	// OutputRoot receives one directory per workload
	OutputRoot      string
	ExistingDigests buildtypes.DigestSet
	DefaultLimits   buildtypes.Limits
}

// Manager fans workloads out to their buildpacks
type Manager struct {
	registry    *buildpack.Registry
	gate        *digest.Gate
	concurrency int
	logger      zerolog.Logger
}

// NewManager creates a packaging manager. A concurrency below one uses the
// number of CPUs.
func NewManager(registry *buildpack.Registry, gate *digest.Gate, concurrency int, logger zerolog.Logger) *Manager {
	if concurrency < 1 {
		concurrency = runtime.NumCPU()
	}
	return &Manager{
		registry:    registry,
		gate:        gate,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "packaging").Logger(),
	}
}

// Concurrency returns the maximum number of workloads processed at once
func (m *Manager) Concurrency() int {
	return m.concurrency
}

// PackageAll packages every workload and returns the artifacts in input
// order. Failed workloads leave a nil entry; their errors are joined in input
// order and returned once every workload has settled.
func (m *Manager) PackageAll(ctx context.Context, workloads []models.Workload, opts Options) ([]*buildtypes.PackagedArtifact, error) {
	if err := checkNames(workloads); err != nil {
		return nil, err
	}

	runID := uuid.New()
	logger := m.logger.With().Str("runId", runID.String()).Logger()
	logger.Info().
		Int("workloads", len(workloads)).
		Int("concurrency", m.concurrency).
		Str("outputRoot", opts.OutputRoot).
		Msg("Packaging run started")

	start := time.Now()
	results := make([]*buildtypes.PackagedArtifact, len(workloads))
	errs := make([]error, len(workloads))

	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for i := range workloads {
		w := &workloads[i]
		g.Go(func() error {
			results[i], errs[i] = m.packageOne(ctx, w, opts)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)

	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	logger.Info().
		Int("succeeded", len(workloads)-failed).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Packaging run finished")

	return results, err
}

func (m *Manager) packageOne(ctx context.Context, w *models.Workload, opts Options) (*buildtypes.PackagedArtifact, error) {
	req, err := w.Request(opts.OutputRoot, opts.DefaultLimits, opts.ExistingDigests)
	if err != nil {
		return nil, buildtypes.NewBuildError(w.Name, buildtypes.PhaseDigest, err)
	}

	bp, err := m.registry.Get(w.Kind, w.Language)
	if err != nil {
		return nil, buildtypes.NewBuildError(w.Name, buildtypes.PhaseDigest, &buildtypes.InputError{Reason: err.Error()})
	}

	return bp.Run(ctx, req)
}

// DigestResult is the cache decision for one workload
type DigestResult struct {
	Workload string
	Digest   string
	Outcome  buildtypes.Outcome
}

// Digests computes every workload's digest and cache decision without
// building anything. Results and errors follow input order.
func (m *Manager) Digests(ctx context.Context, workloads []models.Workload, opts Options) ([]DigestResult, error) {
	if err := checkNames(workloads); err != nil {
		return nil, err
	}

	results := make([]DigestResult, len(workloads))
	errs := make([]error, len(workloads))

	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for i := range workloads {
		w := &workloads[i]
		g.Go(func() error {
			results[i].Workload = w.Name
			if err := ctx.Err(); err != nil {
				errs[i] = buildtypes.NewBuildError(w.Name, buildtypes.PhaseDigest, err)
				return nil
			}

			req, err := w.Request(opts.OutputRoot, opts.DefaultLimits, opts.ExistingDigests)
			if err == nil {
				err = req.Validate()
			}
			if err != nil {
				errs[i] = buildtypes.NewBuildError(w.Name, buildtypes.PhaseDigest, err)
				return nil
			}

			fp, outcome, err := m.gate.Decide(req)
			if err != nil {
				errs[i] = buildtypes.NewBuildError(w.Name, buildtypes.PhaseDigest, err)
				return nil
			}
			results[i].Digest = fp.Digest
			results[i].Outcome = outcome
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// checkNames rejects duplicate workload names, which would share an output
// directory
func checkNames(workloads []models.Workload) error {
	seen := make(map[string]int, len(workloads))
	var errs []error
	for i, w := range workloads {
		if first, ok := seen[w.Name]; ok {
			errs = append(errs, &buildtypes.InputError{
				Reason: fmt.Sprintf("workload name %q is used by workloads %d and %d", w.Name, first+1, i+1),
			})
			continue
		}
		seen[w.Name] = i
	}
	return errors.Join(errs...)
}
