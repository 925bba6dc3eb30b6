// Package buildpack runs one workload through the packaging pipeline:
// cache decision, build, archive, size check and finalize.
package buildpack

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/alvesdmateus/app-packager/internal/archive"
	"github.com/alvesdmateus/app-packager/internal/builder"
	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/builder/strategies"
	"github.com/alvesdmateus/app-packager/internal/digest"
	"github.com/alvesdmateus/app-packager/internal/observability"
	"github.com/alvesdmateus/app-packager/internal/progress"
	"github.com/alvesdmateus/app-packager/internal/retry"
)

// Final layout inside a request's output directory
const (
	BundleDir     = "bundle"
	StagingPrefix = ".staging-"
)

// ArchiveName returns the file name of a workload's function package
func ArchiveName(workload string) string {
	return workload + ".zip"
}

// Config wires a Buildpack
type Config struct {
	Kind     buildtypes.Kind
	Gate     *digest.Gate
	Service  *builder.Service
	Builder  builder.Builder
	Archiver *archive.Archiver
	// Engine measures and removes images; required for the container kind
	Engine  strategies.Engine
	Sink    progress.Sink
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
	Retry   retry.Policy
}

// Buildpack packages workloads of one (kind, language) combination
type Buildpack struct {
	name     string
	language buildtypes.Language
	kind     buildtypes.Kind
	gate     *digest.Gate
	service  *builder.Service
	builder  builder.Builder
	archiver *archive.Archiver
	engine   strategies.Engine
	sink     progress.Sink
	tracer   *observability.Tracer
	metrics  *observability.Metrics
	retry    retry.Policy
	// rename moves finalized files into place
	rename func(from, to string) error
	logger zerolog.Logger
}

// New creates a buildpack for cfg.Builder's language and cfg.Kind
func New(cfg Config, logger zerolog.Logger) (*Buildpack, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unsupported kind %q", cfg.Kind)
	}
	if cfg.Gate == nil || cfg.Service == nil || cfg.Builder == nil {
		return nil, errors.New("buildpack requires a gate, a build service and a builder")
	}
	if cfg.Kind == buildtypes.KindFunction && cfg.Archiver == nil {
		return nil, errors.New("function buildpack requires an archiver")
	}
	if cfg.Kind == buildtypes.KindContainer && cfg.Engine == nil {
		return nil, errors.New("container buildpack requires an engine")
	}

	sink := cfg.Sink
	if sink == nil {
		sink = progress.Nop{}
	}
	policy := cfg.Retry
	if policy.Attempts == 0 {
		policy = retry.DefaultPolicy
	}

	lang := cfg.Builder.Language()
	name := fmt.Sprintf("%s-%s", lang, cfg.Kind)

	return &Buildpack{
		name:     name,
		language: lang,
		kind:     cfg.Kind,
		gate:     cfg.Gate,
		service:  cfg.Service,
		builder:  cfg.Builder,
		archiver: cfg.Archiver,
		engine:   cfg.Engine,
		sink:     sink,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
		retry:    policy,
		rename:   os.Rename,
		logger:   logger.With().Str("component", "buildpack").Str("buildpack", name).Logger(),
	}, nil
}

// Name returns "<language>-<kind>"
func (b *Buildpack) Name() string { return b.name }

// Language returns the buildpack's language
func (b *Buildpack) Language() buildtypes.Language { return b.language }

// Kind returns the buildpack's deployment shape
func (b *Buildpack) Kind() buildtypes.Kind { return b.kind }

// run carries the per-invocation state of Run
type run struct {
	bp      *Buildpack
	req     *buildtypes.Request
	start   time.Time
	logger  zerolog.Logger
	staging string
}

// Run packages req. The cache gate runs first; a skipped request does no
// build, archive or size-check work. Every failure is a *buildtypes.BuildError.
func (b *Buildpack) Run(ctx context.Context, req *buildtypes.Request) (*buildtypes.PackagedArtifact, error) {
	ctx, span := b.tracer.StartSpan(ctx, "package.workload",
		trace.WithAttributes(observability.WorkloadSpanAttributes(req.Workload, string(b.language), string(b.kind))...))
	defer span.End()

	r := &run{
		bp:     b,
		req:    req,
		start:  time.Now(),
		logger: b.logger.With().Str("workload", req.Workload).Logger(),
	}

	b.sink.StartEvent(req.Workload)
	b.metrics.IncBuildsInProgress()
	defer b.metrics.DecBuildsInProgress()

	artifact, err := r.execute(ctx)
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	duration := time.Since(r.start)
	artifact.Duration = duration

	b.metrics.RecordOutcome(string(b.language), string(b.kind), string(artifact.Outcome))
	b.metrics.RecordBuildDuration(string(b.language), string(b.kind), duration.Seconds())
	b.metrics.RecordArtifactSize(string(b.language), string(b.kind), buildtypes.MeasureUncompressed, artifact.Size)
	b.metrics.RecordArtifactSize(string(b.language), string(b.kind), buildtypes.MeasureCompressed, artifact.CompressedSize)
	b.tracer.SetAttributes(ctx, observability.ArtifactSpanAttributes(artifact.ArtifactPath, artifact.ImageRef, artifact.Size)...)
	b.sink.FinishEvent(req.Workload, string(artifact.Outcome))

	r.logger.Info().
		Str("digest", artifact.Digest).
		Str("outcome", string(artifact.Outcome)).
		Dur("duration", duration).
		Msg("Workload packaged")

	return artifact, nil
}

func (r *run) execute(ctx context.Context) (*buildtypes.PackagedArtifact, error) {
	b, req := r.bp, r.req

	if req.Language != b.language || req.Kind != b.kind {
		return nil, buildtypes.NewBuildError(req.Workload, buildtypes.PhaseDigest, &buildtypes.InputError{
			Reason: fmt.Sprintf("%s %s workload given to %s buildpack", req.Language, req.Kind, b.name),
		})
	}
	if err := req.Validate(); err != nil {
		return nil, buildtypes.NewBuildError(req.Workload, buildtypes.PhaseDigest, err)
	}

	var (
		fp      *digest.Fingerprint
		outcome buildtypes.Outcome
	)
	err := r.phase(ctx, buildtypes.PhaseDigest, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		fp, outcome, err = b.gate.Decide(req)
		if err != nil {
			return err
		}
		// A decision taken while the run was being cancelled is discarded
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	b.tracer.SetAttributes(ctx, observability.OutcomeSpanAttributes(fp.Digest, string(outcome))...)
	r.logger = r.logger.With().Str("digest", fp.Digest).Logger()

	artifact := &buildtypes.PackagedArtifact{
		Result: buildtypes.Result{
			Digest:      fp.Digest,
			Outcome:     outcome,
			OutputDir:   req.OutputDir,
			SourceFiles: fp.SourceFiles,
		},
		Workload: req.Workload,
		Language: req.Language,
		Kind:     req.Kind,
	}

	if outcome == buildtypes.OutcomeSkipped {
		r.logger.Info().Msg("Digest already deployed, skipping build")
		return artifact, nil
	}

	if err := r.prepareStaging(); err != nil {
		return nil, buildtypes.NewBuildError(req.Workload, buildtypes.PhaseBuild, err)
	}
	defer r.cleanupStaging(ctx)

	var out *builder.Output
	err = r.phase(ctx, buildtypes.PhaseBuild, func(ctx context.Context) error {
		var err error
		out, err = b.service.Build(ctx, b.builder, &builder.Job{
			Request:    req,
			Digest:     fp.Digest,
			StagingDir: r.staging,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	artifact.Metadata = out.Metadata

	if b.kind == buildtypes.KindContainer {
		return r.finishImage(ctx, artifact, out)
	}
	return r.finishFunction(ctx, artifact, out)
}

// finishFunction archives the build output, checks both size ceilings and
// moves bundle and archive into their final places
func (r *run) finishFunction(ctx context.Context, artifact *buildtypes.PackagedArtifact, out *builder.Output) (*buildtypes.PackagedArtifact, error) {
	b, req := r.bp, r.req

	if out.Dir == "" {
		return nil, buildtypes.NewBuildError(req.Workload, buildtypes.PhaseBuild, &buildtypes.ToolchainError{
			Tool: string(b.language) + " builder",
			Err:  errors.New("build produced no output directory"),
		})
	}

	stagedArchive := filepath.Join(r.staging, ArchiveName(req.Workload))
	var stats *archive.Stats
	err := r.phase(ctx, buildtypes.PhaseArchive, func(ctx context.Context) error {
		var err error
		stats, err = b.archiver.Archive(ctx, out.Dir, stagedArchive)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.phase(ctx, buildtypes.PhaseSizeCheck, func(context.Context) error {
		if err := checkLimit(buildtypes.MeasureUncompressed, stats.Uncompressed, req.Limits.Uncompressed); err != nil {
			return err
		}
		return checkLimit(buildtypes.MeasureCompressed, stats.Compressed, req.Limits.Compressed)
	})
	if err != nil {
		return nil, err
	}

	finalBundle := filepath.Join(req.OutputDir, BundleDir)
	finalArchive := filepath.Join(req.OutputDir, ArchiveName(req.Workload))
	err = r.phase(ctx, buildtypes.PhaseArchive, func(ctx context.Context) error {
		restoreArchive, err := r.replace(ctx, stagedArchive, finalArchive)
		if err != nil {
			return err
		}
		if _, err := r.replace(ctx, out.Dir, finalBundle); err != nil {
			if undoErr := restoreArchive(); undoErr != nil {
				r.logger.Warn().Err(undoErr).Str("artifact", finalArchive).Msg("Failed to restore previous archive")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	artifact.OutputDir = finalBundle
	artifact.ArtifactPath = finalArchive
	artifact.Size = stats.Uncompressed
	artifact.CompressedSize = stats.Compressed

	r.logger.Debug().
		Int("files", stats.Files).
		Str("uncompressed", buildtypes.FormatSize(stats.Uncompressed)).
		Str("compressed", buildtypes.FormatSize(stats.Compressed)).
		Msg("Function package finalized")

	return artifact, nil
}

// finishImage measures the built image against the uncompressed ceiling.
// An oversized image is removed from the engine.
func (r *run) finishImage(ctx context.Context, artifact *buildtypes.PackagedArtifact, out *builder.Output) (*buildtypes.PackagedArtifact, error) {
	b, req := r.bp, r.req

	if out.ImageRef == "" {
		return nil, buildtypes.NewBuildError(req.Workload, buildtypes.PhaseBuild, &buildtypes.ToolchainError{
			Tool: string(b.language) + " builder",
			Err:  errors.New("build produced no image"),
		})
	}

	var info *strategies.ImageInfo
	err := r.phase(ctx, buildtypes.PhaseSizeCheck, func(ctx context.Context) error {
		var err error
		info, err = b.engine.InspectImage(ctx, out.ImageRef)
		if err != nil {
			return err
		}
		if err := checkLimit(buildtypes.MeasureUncompressed, info.Size, req.Limits.Uncompressed); err != nil {
			if rmErr := b.engine.RemoveImage(context.WithoutCancel(ctx), out.ImageRef); rmErr != nil {
				r.logger.Warn().Err(rmErr).Str("image", out.ImageRef).Msg("Failed to remove oversized image")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The node container shape also leaves its bundle behind
	var bundleSize int64
	if out.Dir != "" {
		finalBundle := filepath.Join(req.OutputDir, BundleDir)
		if err := r.phase(ctx, buildtypes.PhaseArchive, func(ctx context.Context) error {
			size, err := archive.DirSize(out.Dir)
			if err != nil {
				return err
			}
			bundleSize = size
			_, err = r.replace(ctx, out.Dir, finalBundle)
			return err
		}); err != nil {
			return nil, err
		}
		artifact.OutputDir = finalBundle
		r.logger.Debug().Int64("bundleSize", bundleSize).Str("path", finalBundle).Msg("Kept image bundle")
	}

	artifact.ImageRef = out.ImageRef
	artifact.Size = info.Size
	if info.ID != "" || out.Dir != "" {
		metadata := map[string]any{"build": out.Metadata}
		if info.ID != "" {
			metadata["imageId"] = info.ID
		}
		if out.Dir != "" {
			metadata["bundleSize"] = bundleSize
		}
		artifact.Metadata = metadata
	}

	return artifact, nil
}

// phase runs fn inside a span and a pair of progress events, records its
// duration and turns its error into a BuildError for the phase
func (r *run) phase(ctx context.Context, phase buildtypes.Phase, fn func(context.Context) error) error {
	b := r.bp
	ctx, span := b.tracer.StartSpan(ctx, "package."+string(phase),
		trace.WithAttributes(observability.AttrPhase.String(string(phase))))
	defer span.End()

	event := progress.PhaseEvent(r.req.Workload, string(phase))
	b.sink.StartEvent(event)

	start := time.Now()
	err := fn(ctx)
	b.metrics.RecordPhaseDuration(string(phase), time.Since(start).Seconds())

	if err != nil {
		buildErr := buildtypes.NewBuildError(r.req.Workload, phase, err)
		outcome := progress.OutcomeFailed
		if buildErr.Category == buildtypes.CategoryCancelled {
			outcome = progress.OutcomeCancelled
		}
		b.sink.FinishEvent(event, outcome)
		b.tracer.RecordError(ctx, err)
		return buildErr
	}
	b.sink.FinishEvent(event, progress.OutcomeOK)
	return nil
}

func (r *run) prepareStaging() error {
	if err := os.MkdirAll(r.req.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	r.staging = filepath.Join(r.req.OutputDir, StagingPrefix+uuid.New().String())
	if err := os.Mkdir(r.staging, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	return nil
}

func (r *run) cleanupStaging(ctx context.Context) {
	if r.staging == "" {
		return
	}
	err := retry.Do(context.WithoutCancel(ctx), r.bp.retry, retry.IsTransient, func() error {
		return os.RemoveAll(r.staging)
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("staging", r.staging).Msg("Failed to remove staging directory")
	}
}

// replace moves src to dst. A previous dst is first moved into the staging
// directory so it is removed with it and dst never holds a partial tree.
// The returned restore puts the previous dst back while staging still exists.
func (r *run) replace(ctx context.Context, src, dst string) (restore func() error, err error) {
	rename := func(ctx context.Context, from, to string) error {
		return retry.Do(ctx, r.bp.retry, retry.IsTransient, func() error {
			return r.bp.rename(from, to)
		})
	}

	previous := ""
	if _, err := os.Lstat(dst); err == nil {
		previous = filepath.Join(r.staging, "previous-"+filepath.Base(dst))
		if err := rename(ctx, dst, previous); err != nil {
			return nil, fmt.Errorf("failed to move previous artifact aside: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", dst, err)
	}

	restore = func() error {
		ctx := context.WithoutCancel(ctx)
		if err := rename(ctx, dst, src); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if previous == "" {
			return nil
		}
		return rename(ctx, previous, dst)
	}

	if err := rename(ctx, src, dst); err != nil {
		if previous != "" {
			if undoErr := rename(context.WithoutCancel(ctx), previous, dst); undoErr != nil {
				r.logger.Warn().Err(undoErr).Str("path", dst).Msg("Failed to restore previous artifact")
			}
		}
		return nil, fmt.Errorf("failed to finalize %s: %w", filepath.Base(dst), err)
	}
	return restore, nil
}

// fail records a failed run and returns the workload-scoped error
func (r *run) fail(ctx context.Context, err error) error {
	b := r.bp
	buildErr := buildtypes.NewBuildError(r.req.Workload, buildtypes.PhaseBuild, err)

	outcome := progress.OutcomeFailed
	if buildErr.Category == buildtypes.CategoryCancelled {
		outcome = progress.OutcomeCancelled
	}

	b.metrics.RecordOutcome(string(b.language), string(b.kind), outcome)
	b.metrics.RecordFailure(string(buildErr.Phase), string(buildErr.Category))
	b.tracer.RecordError(ctx, buildErr)
	b.sink.FinishEvent(r.req.Workload, outcome)

	r.logger.Error().
		Err(buildErr.Err).
		Str("phase", string(buildErr.Phase)).
		Str("category", string(buildErr.Category)).
		Dur("duration", time.Since(r.start)).
		Msg("Workload packaging failed")

	return buildErr
}

func checkLimit(measure string, size, limit int64) error {
	if limit > 0 && size > limit {
		return &buildtypes.SizeLimitError{Measure: measure, Size: size, Limit: limit}
	}
	return nil
}
