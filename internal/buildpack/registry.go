package buildpack

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/archive"
	"github.com/alvesdmateus/app-packager/internal/builder"
	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/builder/strategies"
	"github.com/alvesdmateus/app-packager/internal/digest"
	"github.com/alvesdmateus/app-packager/internal/observability"
	"github.com/alvesdmateus/app-packager/internal/progress"
	"github.com/alvesdmateus/app-packager/internal/retry"
)

// ErrNoBuildpack is returned when no buildpack handles a (kind, language) pair
type ErrNoBuildpack struct {
	Kind     buildtypes.Kind
	Language buildtypes.Language
}

func (e ErrNoBuildpack) Error() string {
	return fmt.Sprintf("no buildpack for %s %s workloads", e.Language, e.Kind)
}

type key struct {
	kind buildtypes.Kind
	lang buildtypes.Language
}

// Registry resolves a (kind, language) pair to its buildpack
type Registry struct {
	packs map[key]*Buildpack
}

// Components are shared by every buildpack of a registry
type Components struct {
	Gate     *digest.Gate
	Service  *builder.Service
	Builders []builder.Builder
	Archiver *archive.Archiver
	Engine   strategies.Engine
	Sink     progress.Sink
	Tracer   *observability.Tracer
	Metrics  *observability.Metrics
	Retry    retry.Policy
}

// NewRegistry creates a function and a container buildpack for each builder
func NewRegistry(c Components, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{packs: make(map[key]*Buildpack)}

	for _, b := range c.Builders {
		for _, kind := range []buildtypes.Kind{buildtypes.KindFunction, buildtypes.KindContainer} {
			bp, err := New(Config{
				Kind:     kind,
				Gate:     c.Gate,
				Service:  c.Service,
				Builder:  b,
				Archiver: c.Archiver,
				Engine:   c.Engine,
				Sink:     c.Sink,
				Tracer:   c.Tracer,
				Metrics:  c.Metrics,
				Retry:    c.Retry,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create %s %s buildpack: %w", b.Language(), kind, err)
			}
			if err := r.Register(bp); err != nil {
				return nil, err
			}
		}
	}

	return r, nil
}

// Register adds bp, refusing a second buildpack for the same pair
func (r *Registry) Register(bp *Buildpack) error {
	k := key{kind: bp.Kind(), lang: bp.Language()}
	if _, exists := r.packs[k]; exists {
		return fmt.Errorf("buildpack %s already registered", bp.Name())
	}
	r.packs[k] = bp
	return nil
}

// Get returns the buildpack for kind and lang
func (r *Registry) Get(kind buildtypes.Kind, lang buildtypes.Language) (*Buildpack, error) {
	bp, ok := r.packs[key{kind: kind, lang: lang}]
	if !ok {
		return nil, ErrNoBuildpack{Kind: kind, Language: lang}
	}
	return bp, nil
}

// Names lists the registered buildpacks in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.packs))
	for _, bp := range r.packs {
		names = append(names, bp.Name())
	}
	sort.Strings(names)
	return names
}
