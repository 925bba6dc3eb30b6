package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/archive"
	"github.com/alvesdmateus/app-packager/internal/builder"
	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/builder/bundler"
	"github.com/alvesdmateus/app-packager/internal/builder/dockerfile"
	"github.com/alvesdmateus/app-packager/internal/builder/strategies"
	"github.com/alvesdmateus/app-packager/internal/buildpack"
	"github.com/alvesdmateus/app-packager/internal/digest"
	"github.com/alvesdmateus/app-packager/internal/manifest"
	"github.com/alvesdmateus/app-packager/internal/observability"
	"github.com/alvesdmateus/app-packager/internal/packaging"
	"github.com/alvesdmateus/app-packager/internal/process"
	"github.com/alvesdmateus/app-packager/internal/progress"
	"github.com/alvesdmateus/app-packager/internal/state"
	"github.com/alvesdmateus/app-packager/pkg/config"
	"github.com/alvesdmateus/app-packager/pkg/database"
)

// app holds the components one command invocation shares
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	tracer   *observability.Tracer
	registry *prometheus.Registry
	metrics  *observability.Metrics
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	tracer, err := observability.NewTracer(ctx, observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, tracer: tracer}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = observability.NewMetrics(a.registry, cfg.Metrics.Namespace)
	}

	return a, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func (a *app) sourceOptions() manifest.SourceOptions {
	return manifest.SourceOptions{
		RespectGitignore: a.cfg.Packaging.RespectGitignore,
		ExtraIgnores:     a.cfg.Packaging.ExtraIgnores,
	}
}

func (a *app) defaultLimits() buildtypes.Limits {
	return buildtypes.Limits{
		Uncompressed: a.cfg.Packaging.SizeLimitMB * buildtypes.MB,
		Compressed:   a.cfg.Packaging.ZippedSizeLimitMB * buildtypes.MB,
	}
}

func (a *app) gate() *digest.Gate {
	return digest.NewGate(a.sourceOptions(), a.logger)
}

// newDigestManager builds a manager that only computes cache decisions, so it
// needs no container engine
func (a *app) newDigestManager() (*packaging.Manager, error) {
	registry, err := buildpack.NewRegistry(buildpack.Components{}, a.logger)
	if err != nil {
		return nil, err
	}
	return packaging.NewManager(registry, a.gate(), a.cfg.Packaging.Concurrency, a.logger), nil
}

// newManager wires every builder and buildpack behind a packaging manager
func (a *app) newManager() (*packaging.Manager, error) {
	cfg := a.cfg
	ignore := a.sourceOptions()

	engine, err := strategies.NewDockerStrategy(cfg.Docker.Host, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, engine.Close)

	factory := strategies.NewStrategyFactory(process.NewExecRunner(a.logger), cfg.Docker.Binary, engine, a.logger)
	exporter, err := a.strategy(factory, strategies.StrategyTypeBuildx)
	if err != nil {
		return nil, err
	}
	images, err := a.strategy(factory, strategies.StrategyType(cfg.Docker.Strategy))
	if err != nil {
		return nil, err
	}

	nodeGenerator := dockerfile.NewGenerator(manifest.Ignores(buildtypes.LanguageNodeJS, ignore))
	builders := []builder.Builder{
		builder.NewNodeBuilder(bundler.New(a.logger), nodeGenerator, images, engine, a.logger),
	}
	for _, lang := range []buildtypes.Language{buildtypes.LanguageGo, buildtypes.LanguageJava, buildtypes.LanguagePython} {
		b, err := builder.NewContainerBuilder(builder.ContainerBuilderConfig{
			Language:  lang,
			Generator: dockerfile.NewGenerator(manifest.Ignores(lang, ignore)),
			Exporter:  exporter,
			Images:    images,
			Engine:    engine,
			Ignore:    ignore,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		builders = append(builders, b)
	}

	gate := a.gate()
	sink := progress.NewMulti(progress.NewLogSink(a.logger), progress.NewMetricsSink(a.metrics))
	registry, err := buildpack.NewRegistry(buildpack.Components{
		Gate:     gate,
		Service:  builder.NewService(builder.NewTracker(a.logger), cfg.Packaging.BuildTimeout, a.logger),
		Builders: builders,
		Archiver: archive.NewArchiver(cfg.Packaging.CompressionLevel, a.logger),
		Engine:   engine,
		Sink:     sink,
		Tracer:   a.tracer,
		Metrics:  a.metrics,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	a.logger.Debug().Strs("buildpacks", registry.Names()).Msg("Buildpacks registered")
	return packaging.NewManager(registry, gate, cfg.Packaging.Concurrency, a.logger), nil
}

func (a *app) strategy(factory *strategies.StrategyFactory, t strategies.StrategyType) (strategies.Strategy, error) {
	s, err := factory.CreateStrategy(t)
	if err != nil {
		return nil, err
	}
	if bx, ok := s.(*strategies.BuildxStrategy); ok {
		bx.Builder = a.cfg.Docker.Builder
	}
	return s, nil
}

// openStore opens the configured digest store. The "none" driver returns a
// nil store.
func (a *app) openStore() (state.DigestStore, error) {
	cfg := a.cfg
	switch cfg.State.Driver {
	case "sqlite", "postgres":
		db, err := database.New(database.Config{
			Driver:          cfg.State.Driver,
			DSN:             cfg.Database.DSN,
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			DBName:          cfg.Database.DBName,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			LogQueries:      a.logger.GetLevel() <= zerolog.DebugLevel,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return database.Close(db) })

		if err := database.Migrate(db, a.logger, state.Models()...); err != nil {
			return nil, err
		}
		return state.NewRepository(db), nil

	case "redis":
		store, err := state.NewRedisStore(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	default:
		return nil, nil
	}
}

// close flushes spans and metrics and releases every opened resource
func (a *app) close(ctx context.Context) error {
	var errs []error

	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
	}
	if a.registry != nil && a.cfg.Metrics.TextfilePath != "" {
		if err := observability.WriteTextfile(a.registry, a.cfg.Metrics.TextfilePath); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}
