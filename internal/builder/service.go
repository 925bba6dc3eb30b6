package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// ErrBuildTimeout is returned when a build exceeds the configured timeout
var ErrBuildTimeout = errors.New("build timeout exceeded")

// Service runs builders with a timeout and lifecycle tracking. It never
// retries; a failed invocation is final.
type Service struct {
	tracker      *Tracker
	buildTimeout time.Duration
	logger       zerolog.Logger
}

// NewService creates a new build service
func NewService(tracker *Tracker, buildTimeout time.Duration, logger zerolog.Logger) *Service {
	if buildTimeout <= 0 {
		buildTimeout = DefaultBuildTimeout
	}

	return &Service{
		tracker:      tracker,
		buildTimeout: buildTimeout,
		logger:       logger.With().Str("component", "build-service").Logger(),
	}
}

// Build runs b for job: pending -> building -> succeeded or failed
func (s *Service) Build(ctx context.Context, b Builder, job *Job) (out *Output, err error) {
	req := job.Request
	id := s.tracker.Create(req.Workload, b.Language())
	defer s.tracker.Forget(id)

	logger := s.logger.With().
		Str("workload", req.Workload).
		Str("buildId", id.String()).
		Logger()

	defer func() {
		if err == nil {
			return
		}
		if trackErr := s.tracker.FailBuild(id, err); trackErr != nil {
			logger.Error().Err(trackErr).Msg("Failed to track build failure")
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buildCtx, cancel := context.WithTimeout(ctx, s.buildTimeout)
	defer cancel()

	if err := s.tracker.StartBuild(id); err != nil {
		return nil, err
	}

	logger.Info().
		Str("language", string(b.Language())).
		Str("kind", string(req.Kind)).
		Dur("timeout", s.buildTimeout).
		Msg("Starting build")

	start := time.Now()
	out, err = b.Build(buildCtx, job)
	if err != nil {
		if ctx.Err() == nil && errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			logger.Error().Dur("timeout", s.buildTimeout).Msg("Build timeout exceeded")
			return nil, &buildtypes.ToolchainError{
				Tool: string(b.Language()) + " builder",
				Err:  fmt.Errorf("%w: build exceeded maximum duration of %v", ErrBuildTimeout, s.buildTimeout),
			}
		}
		return nil, err
	}

	if err := s.tracker.CompleteBuild(id, out.Log); err != nil {
		logger.Error().Err(err).Msg("Failed to complete build tracking")
	}

	logger.Info().
		Dur("duration", time.Since(start)).
		Msg("Build completed successfully")

	return out, nil
}
