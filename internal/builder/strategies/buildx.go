package strategies

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/process"
)

// BuildxStrategy drives "docker buildx build" as an external process. It is
// the only strategy that can export a stage to a local directory.
type BuildxStrategy struct {
	runner process.Runner
	binary string
	// Builder selects a named buildx builder instance
	Builder string
	logger  zerolog.Logger
}

// NewBuildxStrategy creates a buildx strategy
func NewBuildxStrategy(runner process.Runner, binary string, logger zerolog.Logger) *BuildxStrategy {
	if binary == "" {
		binary = "docker"
	}
	return &BuildxStrategy{
		runner: runner,
		binary: binary,
		logger: logger.With().Str("component", "buildx").Logger(),
	}
}

// Name returns the strategy name
func (s *BuildxStrategy) Name() string {
	return string(StrategyTypeBuildx)
}

// Build runs the build. A non-zero exit becomes a ToolchainError carrying the
// tool's output verbatim.
func (s *BuildxStrategy) Build(ctx context.Context, inv *Invocation) (*Output, error) {
	start := time.Now()
	args := s.buildArgs(inv)

	s.logger.Info().
		Str("workload", inv.Workload).
		Str("platform", inv.Platform.String()).
		Str("target", inv.Target).
		Msg("Running containerized build")

	result, err := s.runner.Run(ctx, process.Command{Name: s.binary, Args: args})
	if err != nil {
		var exitErr *process.ExitError
		if errors.As(err, &exitErr) {
			return nil, &buildtypes.ToolchainError{
				Tool:     s.binary + " buildx build",
				ExitCode: exitErr.ExitCode,
				Output:   result.Output(),
				Err:      err,
			}
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &buildtypes.ToolchainError{
			Tool: s.binary + " buildx build",
			Err:  fmt.Errorf("%w: %v", buildtypes.ErrEngineUnavailable, err),
		}
	}

	out := &Output{
		Log:      result.Output(),
		Duration: time.Since(start),
	}
	if inv.ExportDir == "" {
		out.ImageRef = strings.ToLower(inv.Tag)
	}

	s.logger.Info().
		Str("workload", inv.Workload).
		Dur("duration", out.Duration).
		Msg("Containerized build completed")

	return out, nil
}

// buildArgs constructs the docker buildx build argument list
func (s *BuildxStrategy) buildArgs(inv *Invocation) []string {
	args := []string{"buildx", "build"}

	if s.Builder != "" {
		args = append(args, "--builder", s.Builder)
	}

	args = append(args,
		"--file", inv.RecipePath,
		"--platform", inv.Platform.String(),
		"--progress", "plain",
	)

	if inv.Target != "" {
		args = append(args, "--target", inv.Target)
	}

	keys := make([]string, 0, len(inv.Labels))
	for k := range inv.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+inv.Labels[k])
	}

	if inv.ExportDir != "" {
		args = append(args, "--output", "type=local,dest="+inv.ExportDir)
	} else {
		args = append(args, "--tag", strings.ToLower(inv.Tag), "--load")
	}

	return append(args, inv.ContextDir)
}
