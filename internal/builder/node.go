package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/builder/bundler"
	"github.com/alvesdmateus/app-packager/internal/builder/dockerfile"
	"github.com/alvesdmateus/app-packager/internal/builder/strategies"
)

// NodeBuilder bundles nodejs workloads in-process. The container shape wraps
// the bundle in a runtime image.
type NodeBuilder struct {
	bundler   *bundler.Bundler
	generator *dockerfile.Generator
	images    strategies.Strategy
	engine    strategies.Engine
	logger    zerolog.Logger
}

// NewNodeBuilder creates the nodejs builder. images and engine are only used
// for the container shape and may be nil otherwise.
func NewNodeBuilder(b *bundler.Bundler, generator *dockerfile.Generator, images strategies.Strategy, engine strategies.Engine, logger zerolog.Logger) *NodeBuilder {
	return &NodeBuilder{
		bundler:   b,
		generator: generator,
		images:    images,
		engine:    engine,
		logger:    logger.With().Str("component", "node-builder").Logger(),
	}
}

// Language returns nodejs
func (b *NodeBuilder) Language() buildtypes.Language {
	return buildtypes.LanguageNodeJS
}

// Build bundles the entry file into <staging>/out
func (b *NodeBuilder) Build(ctx context.Context, job *Job) (*Output, error) {
	req := job.Request
	cfg, _ := req.LanguageConfig().(*buildtypes.NodeConfig)

	outDir := filepath.Join(job.StagingDir, "out")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	result, err := b.bundler.Bundle(bundler.Options{
		EntryPoint: req.EntryPath(),
		SourceDir:  req.SourceDir,
		OutDir:     outDir,
		Config:     cfg,
	})
	if err != nil {
		var bundleErr *bundler.Error
		if errors.As(err, &bundleErr) {
			return nil, &buildtypes.InputError{Path: firstModule(bundleErr, req.EntryPath()), Reason: "failed to bundle entry file", Err: err}
		}
		return nil, err
	}

	out := &Output{
		Dir:         outDir,
		EntryOutput: result.EntryOutput,
		Metadata:    result.Metafile,
	}

	if req.Kind != buildtypes.KindContainer {
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	image, err := b.buildImage(ctx, job, result.EntryOutput, outDir, cfg)
	if err != nil {
		return nil, err
	}
	out.ImageRef = image.ImageRef
	out.ImageID = image.ImageID
	out.Log = image.Log

	return out, nil
}

func (b *NodeBuilder) buildImage(ctx context.Context, job *Job, entry, bundleDir string, cfg *buildtypes.NodeConfig) (*strategies.Output, error) {
	if b.images == nil || b.engine == nil {
		return nil, fmt.Errorf("%w: no container strategy configured", buildtypes.ErrEngineUnavailable)
	}
	if cfg == nil {
		cfg = &buildtypes.NodeConfig{}
	}

	req := job.Request
	recipe, err := b.generator.Generate(dockerfile.Spec{
		Language:      buildtypes.LanguageNodeJS,
		Kind:          buildtypes.KindContainer,
		EntryFile:     entry,
		Version:       cfg.RuntimeVersion(),
		RequiresGlibc: req.RequiresGlibc,
		Config:        cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate recipe: %w", err)
	}

	recipePath, err := b.generator.Write(recipe, job.StagingDir)
	if err != nil {
		return nil, err
	}

	if err := b.engine.Ping(ctx); err != nil {
		return nil, err
	}

	return b.images.Build(ctx, &strategies.Invocation{
		Workload:   req.Workload,
		Language:   buildtypes.LanguageNodeJS,
		ContextDir: bundleDir,
		RecipePath: recipePath,
		Target:     recipe.Target,
		Platform:   req.Platform,
		Tag:        ImageTag(req.Workload, job.Digest),
		Labels:     imageLabels(req.Workload, job.Digest),
	})
}

func firstModule(err *bundler.Error, fallback string) string {
	if modules := err.UnresolvedModules(); len(modules) > 0 {
		return modules[0]
	}
	for _, m := range err.Messages {
		if m.File != "" {
			return m.File
		}
	}
	return fallback
}

func imageLabels(workload, digest string) map[string]string {
	return map[string]string{
		LabelWorkload: workload,
		LabelDigest:   digest,
	}
}
