package strategies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// dockerAPI is the part of the engine client the strategy uses
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	Close() error
}

// DockerStrategy talks to the engine API. It builds tagged images from an
// uploaded context and serves as the Engine for every strategy.
type DockerStrategy struct {
	client dockerAPI
	logger zerolog.Logger
}

// NewDockerStrategy creates a client from the environment, optionally
// pointed at host
func NewDockerStrategy(host string, logger zerolog.Logger) (*DockerStrategy, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return newDockerStrategy(cli, logger), nil
}

func newDockerStrategy(api dockerAPI, logger zerolog.Logger) *DockerStrategy {
	return &DockerStrategy{
		client: api,
		logger: logger.With().Str("component", "docker").Logger(),
	}
}

// Name returns the strategy name
func (s *DockerStrategy) Name() string {
	return string(StrategyTypeDocker)
}

// Ping checks if the Docker daemon is accessible
func (s *DockerStrategy) Ping(ctx context.Context) error {
	if _, err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", buildtypes.ErrEngineUnavailable, err)
	}
	return nil
}

// Build builds a tagged image through the engine API
func (s *DockerStrategy) Build(ctx context.Context, inv *Invocation) (*Output, error) {
	if inv.ExportDir != "" {
		return nil, fmt.Errorf("the %s strategy cannot export to a local directory", s.Name())
	}

	start := time.Now()
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	tag := strings.ToLower(inv.Tag)
	s.logger.Info().
		Str("workload", inv.Workload).
		Str("imageTag", tag).
		Str("platform", inv.Platform.String()).
		Msg("Building Docker image")

	buildContext, err := createBuildContext(inv)
	if err != nil {
		return nil, &buildtypes.InputError{Path: inv.ContextDir, Reason: "failed to create build context", Err: err}
	}

	resp, err := s.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  contextRecipeName,
		Target:      inv.Target,
		Platform:    inv.Platform.String(),
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
		Labels:      inv.Labels,
	})
	if err != nil {
		return nil, &buildtypes.ToolchainError{Tool: "docker image build", Err: err}
	}
	defer resp.Body.Close()

	var buildLog strings.Builder
	if err := s.streamBuildOutput(ctx, resp.Body, &buildLog); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &buildtypes.ToolchainError{
			Tool:   "docker image build",
			Output: buildLog.String(),
			Err:    err,
		}
	}

	info, err := s.InspectImage(ctx, tag)
	if err != nil {
		return nil, err
	}

	out := &Output{
		ImageRef: tag,
		ImageID:  info.ID,
		Log:      buildLog.String(),
		Duration: time.Since(start),
	}

	s.logger.Info().
		Str("imageTag", tag).
		Str("imageId", info.ID).
		Dur("duration", out.Duration).
		Msg("Docker build completed successfully")

	return out, nil
}

// InspectImage returns the ID and size of a local image
func (s *DockerStrategy) InspectImage(ctx context.Context, ref string) (*ImageInfo, error) {
	inspect, err := s.client.ImageInspect(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return &ImageInfo{ID: inspect.ID, Size: inspect.Size}, nil
}

// RemoveImage removes an image from the local daemon
func (s *DockerStrategy) RemoveImage(ctx context.Context, ref string) error {
	s.logger.Info().Str("imageTag", ref).Msg("Removing Docker image")

	_, err := s.client.ImageRemove(ctx, ref, image.RemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove image: %w", err)
	}

	return nil
}

// Close closes the Docker client connection
func (s *DockerStrategy) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// streamBuildOutput collects the JSON message stream of an image build
func (s *DockerStrategy) streamBuildOutput(ctx context.Context, reader io.Reader, buildLog *strings.Builder) error {
	decoder := json.NewDecoder(reader)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var msg struct {
			Stream      string `json:"stream"`
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}

		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode build output: %w", err)
		}

		if msg.Error != "" {
			buildLog.WriteString(msg.Error)
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			return fmt.Errorf("build error: %s", detail)
		}

		if msg.Stream != "" {
			buildLog.WriteString(msg.Stream)
			s.logger.Debug().Str("output", strings.TrimSpace(msg.Stream)).Msg("Build output")
		}
	}
}
