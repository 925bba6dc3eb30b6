// Package strategies runs containerized builds against a container engine.
package strategies

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/manifest"
	"github.com/alvesdmateus/app-packager/internal/process"
)

// Invocation is one containerized build
type Invocation struct {
	Workload   string
	Language   buildtypes.Language
	ContextDir string
	RecipePath string
	// Target is the recipe stage to build
	Target   string
	Platform buildtypes.Platform
	// ExportDir, when set, receives the target stage's filesystem. Otherwise
	// the build produces an image tagged Tag.
	ExportDir string
	Tag       string
	Labels    map[string]string
	// Ignore applies to the build context
	Ignore manifest.SourceOptions
}

// Output describes a finished containerized build
type Output struct {
	ImageRef string
	ImageID  string
	Log      string
	Duration time.Duration
}

// Strategy performs containerized builds
type Strategy interface {
	Build(ctx context.Context, inv *Invocation) (*Output, error)

	// Name returns the strategy name ("buildx", "docker")
	Name() string
}

// ImageInfo is what the engine reports about a built image
type ImageInfo struct {
	ID   string
	Size int64
}

// Engine is the container engine behind the strategies
type Engine interface {
	// Ping returns an error wrapping buildtypes.ErrEngineUnavailable when the
	// engine cannot be reached
	Ping(ctx context.Context) error
	InspectImage(ctx context.Context, ref string) (*ImageInfo, error)
	RemoveImage(ctx context.Context, ref string) error
}

// StrategyType defines the type of build strategy
type StrategyType string

const (
	StrategyTypeBuildx StrategyType = "buildx"
	StrategyTypeDocker StrategyType = "docker"
)

// StrategyFactory creates build strategies based on type
type StrategyFactory struct {
	runner process.Runner
	binary string
	engine *DockerStrategy
	logger zerolog.Logger
}

// NewStrategyFactory creates a factory. binary is the docker CLI used by the
// buildx strategy and engine serves the image-build strategy.
func NewStrategyFactory(runner process.Runner, binary string, engine *DockerStrategy, logger zerolog.Logger) *StrategyFactory {
	return &StrategyFactory{
		runner: runner,
		binary: binary,
		engine: engine,
		logger: logger,
	}
}

// CreateStrategy creates a build strategy based on the specified type
func (f *StrategyFactory) CreateStrategy(strategyType StrategyType) (Strategy, error) {
	switch strategyType {
	case StrategyTypeBuildx:
		return NewBuildxStrategy(f.runner, f.binary, f.logger), nil
	case StrategyTypeDocker:
		if f.engine == nil {
			return nil, ErrStrategyNotAvailable{Type: strategyType}
		}
		return f.engine, nil
	default:
		return nil, ErrUnknownStrategy{Type: strategyType}
	}
}

// ErrStrategyNotAvailable is returned when a strategy lacks its backend
type ErrStrategyNotAvailable struct {
	Type StrategyType
}

func (e ErrStrategyNotAvailable) Error() string {
	return "strategy not available: " + string(e.Type)
}

// ErrUnknownStrategy is returned when an unknown strategy type is requested
type ErrUnknownStrategy struct {
	Type StrategyType
}

func (e ErrUnknownStrategy) Error() string {
	return "unknown strategy type: " + string(e.Type)
}
