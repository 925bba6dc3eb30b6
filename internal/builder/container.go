package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/builder/dockerfile"
	"github.com/alvesdmateus/app-packager/internal/builder/strategies"
	"github.com/alvesdmateus/app-packager/internal/manifest"
)

// ContainerBuilder builds go, java and python workloads inside a container.
// The function shape exports the artifact stage into the staging directory;
// the container shape produces a tagged image.
type ContainerBuilder struct {
	language  buildtypes.Language
	generator *dockerfile.Generator
	// exporter must support local export (buildx)
	exporter strategies.Strategy
	images   strategies.Strategy
	engine   strategies.Engine
	ignore   manifest.SourceOptions
	logger   zerolog.Logger
}

// ContainerBuilderConfig wires a ContainerBuilder
type ContainerBuilderConfig struct {
	Language  buildtypes.Language
	Generator *dockerfile.Generator
	Exporter  strategies.Strategy
	Images    strategies.Strategy
	Engine    strategies.Engine
	Ignore    manifest.SourceOptions
}

// NewContainerBuilder creates a containerized builder for one language
func NewContainerBuilder(cfg ContainerBuilderConfig, logger zerolog.Logger) (*ContainerBuilder, error) {
	if !cfg.Language.Containerized() {
		return nil, fmt.Errorf("language %s is not built in a container", cfg.Language)
	}

	return &ContainerBuilder{
		language:  cfg.Language,
		generator: cfg.Generator,
		exporter:  cfg.Exporter,
		images:    cfg.Images,
		engine:    cfg.Engine,
		ignore:    cfg.Ignore,
		logger:    logger.With().Str("component", string(cfg.Language)+"-builder").Logger(),
	}, nil
}

// Language returns the builder's language
func (b *ContainerBuilder) Language() buildtypes.Language {
	return b.language
}

// Build writes the recipe to the staging directory, checks the engine and
// runs the containerized build
func (b *ContainerBuilder) Build(ctx context.Context, job *Job) (*Output, error) {
	req := job.Request

	contextDir, spec, err := b.resolve(req)
	if err != nil {
		return nil, err
	}

	recipe, err := b.generator.Generate(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to generate recipe: %w", err)
	}

	recipePath, err := b.generator.Write(recipe, job.StagingDir)
	if err != nil {
		return nil, err
	}

	b.logger.Debug().
		Str("workload", req.Workload).
		Str("builderImage", recipe.Images.Builder).
		Str("context", contextDir).
		Msg("Generated build recipe")

	if b.engine == nil {
		return nil, fmt.Errorf("%w: no engine configured", buildtypes.ErrEngineUnavailable)
	}
	if err := b.engine.Ping(ctx); err != nil {
		return nil, err
	}

	labels := imageLabels(req.Workload, job.Digest)
	if b.language == buildtypes.LanguageGo {
		if module := manifest.GoModulePath(req.ManifestDir()); module != "" {
			labels[LabelGoModule] = module
		}
	}

	inv := &strategies.Invocation{
		Workload:   req.Workload,
		Language:   b.language,
		ContextDir: contextDir,
		RecipePath: recipePath,
		Target:     recipe.Target,
		Platform:   req.Platform,
		Labels:     labels,
		Ignore:     b.ignore,
	}

	if req.Kind == buildtypes.KindFunction {
		return b.export(ctx, job, inv, recipe.Images)
	}

	if b.images == nil {
		return nil, fmt.Errorf("%w: no image strategy configured", buildtypes.ErrEngineUnavailable)
	}
	inv.Tag = ImageTag(req.Workload, job.Digest)

	built, err := b.images.Build(ctx, inv)
	if err != nil {
		return nil, err
	}

	return &Output{
		ImageRef: built.ImageRef,
		ImageID:  built.ImageID,
		Log:      built.Log,
		Metadata: map[string]string{"builderImage": recipe.Images.Builder, "runtimeImage": recipe.Images.Runtime},
	}, nil
}

func (b *ContainerBuilder) export(ctx context.Context, job *Job, inv *strategies.Invocation, images dockerfile.Images) (*Output, error) {
	if b.exporter == nil {
		return nil, fmt.Errorf("%w: no export strategy configured", buildtypes.ErrEngineUnavailable)
	}

	outDir := filepath.Join(job.StagingDir, "out")
	inv.ExportDir = outDir

	built, err := b.exporter.Build(ctx, inv)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(outDir)
	if err != nil || len(entries) == 0 {
		return nil, &buildtypes.ToolchainError{
			Tool:   b.exporter.Name(),
			Output: built.Log,
			Err:    fmt.Errorf("container build produced no artifact in %s", outDir),
		}
	}

	return &Output{
		Dir:      outDir,
		Log:      built.Log,
		Metadata: map[string]string{"builderImage": images.Builder},
	}, nil
}

// resolve picks the build context and fills in versions and tools the
// workload left to detection. The context is the working directory when the
// source directory lies inside it, so manifests beside the sources are
// visible to the build.
func (b *ContainerBuilder) resolve(req *buildtypes.Request) (string, dockerfile.Spec, error) {
	contextDir := req.SourceDir
	if wd := req.WorkingDir; wd != "" && within(wd, req.SourceDir) {
		contextDir = wd
	}

	entry, err := filepath.Rel(contextDir, req.EntryPath())
	if err != nil || strings.HasPrefix(entry, "..") {
		return "", dockerfile.Spec{}, &buildtypes.InputError{Path: req.EntryPath(), Reason: "entry file is outside the build context"}
	}
	sub, err := filepath.Rel(contextDir, req.SourceDir)
	if err != nil {
		return "", dockerfile.Spec{}, &buildtypes.InputError{Path: req.SourceDir, Reason: "source directory is outside the build context", Err: err}
	}

	spec := dockerfile.Spec{
		Language:      b.language,
		Kind:          req.Kind,
		EntryFile:     filepath.ToSlash(entry),
		SourceSubdir:  filepath.ToSlash(sub),
		RequiresGlibc: req.RequiresGlibc,
		Config:        req.LanguageConfig(),
	}

	manifestDir := req.ManifestDir()
	switch cfg := spec.Config.(type) {
	case *buildtypes.GoConfig:
		spec.Version = cfg.GoVersion
		if spec.Version == "" {
			spec.Version = manifest.GoVersion(manifestDir)
		}
		if spec.Version == "" {
			spec.Version = buildtypes.DefaultGoVersion
		}
	case *buildtypes.JavaConfig:
		spec.Version = cfg.RuntimeVersion()
		spec.Tool = cfg.BuildTool
		if spec.Tool == "" {
			spec.Tool = manifest.DetectJavaTool(manifestDir, filepath.Base(req.EntryFile))
		}
	case *buildtypes.PythonConfig:
		spec.Version = cfg.RuntimeVersion()
		spec.Tool = cfg.PackageManager
		if spec.Tool == "" {
			spec.Tool = manifest.DetectPythonTool(manifestDir)
		}
	default:
		return "", dockerfile.Spec{}, &buildtypes.InputError{Reason: fmt.Sprintf("%s builder received %T config", b.language, cfg)}
	}

	return contextDir, spec, nil
}

// within reports whether path is parent or a descendant of it
func within(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
