// Package digest decides whether a workload needs to be rebuilt by
// fingerprinting its build inputs and checking the result against the
// digests already known to be deployed.
package digest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/fingerprint"
	"github.com/alvesdmateus/app-packager/internal/manifest"
)

// Fingerprint is the digest of a request together with the files it covers
type Fingerprint struct {
	Digest string
	// SourceFiles are absolute paths of the hashed source files
	SourceFiles []string
	// ManifestFiles are absolute paths of the hashed manifests
	ManifestFiles []string
}

// Gate computes digests and makes the bundled/skipped decision
type Gate struct {
	sources manifest.SourceOptions
	logger  zerolog.Logger
}

// NewGate creates a cache gate
func NewGate(opts manifest.SourceOptions, logger zerolog.Logger) *Gate {
	return &Gate{
		sources: opts,
		logger:  logger.With().Str("component", "digest").Logger(),
	}
}

// Compute fingerprints req. Only content and relative paths reach the hash,
// so the same inputs under different directories produce the same digest.
//
// Field order: language, kind, platform, glibc flag, entry, sources, manifests,
// external dependencies, language config, additional digest input.
func (g *Gate) Compute(req *buildtypes.Request) (*Fingerprint, error) {
	sources, err := manifest.Sources(req.SourceDir, req.Language, g.sources)
	if err != nil {
		return nil, &buildtypes.InputError{Path: req.SourceDir, Reason: "failed to resolve sources", Err: err}
	}

	manifestDir := req.ManifestDir()
	manifests := manifest.Locate(manifestDir, req.Language)

	cfg, err := req.LanguageConfig().Canonical()
	if err != nil {
		return nil, &buildtypes.InputError{Reason: "failed to serialize language config", Err: err}
	}

	deps, err := json.Marshal(buildtypes.SortedDependencies(req.Dependencies))
	if err != nil {
		return nil, &buildtypes.InputError{Reason: "failed to serialize dependencies", Err: err}
	}

	h := fingerprint.New()
	h.WriteString(string(req.Language))
	h.WriteString(string(req.Kind))
	h.WriteString(req.Platform.String())
	h.WriteString(strconv.FormatBool(req.RequiresGlibc))
	h.WriteString(entryLabel(req))

	fp := &Fingerprint{
		SourceFiles:   make([]string, 0, len(sources)),
		ManifestFiles: manifests,
	}

	h.WriteCount(len(sources))
	for _, rel := range sources {
		path := filepath.Join(req.SourceDir, filepath.FromSlash(rel))
		if err := h.WriteFile(rel, path); err != nil {
			return nil, classifyHashError(err)
		}
		fp.SourceFiles = append(fp.SourceFiles, path)
	}

	h.WriteCount(len(manifests))
	for _, path := range manifests {
		label, err := filepath.Rel(manifestDir, path)
		if err != nil {
			return nil, &buildtypes.CacheDecisionError{Err: err}
		}
		if err := h.WriteFile(filepath.ToSlash(label), path); err != nil {
			return nil, classifyHashError(err)
		}
	}

	h.WriteBytes(deps)
	h.WriteBytes(cfg)
	h.WriteString(req.AdditionalDigestInput)

	fp.Digest = h.Sum()

	g.logger.Debug().
		Str("workload", req.Workload).
		Str("digest", fp.Digest).
		Int("sources", len(sources)).
		Int("manifests", len(manifests)).
		Msg("Computed digest")

	return fp, nil
}

// Decide computes the digest of req and looks it up in req.ExistingDigests
func (g *Gate) Decide(req *buildtypes.Request) (*Fingerprint, buildtypes.Outcome, error) {
	fp, err := g.Compute(req)
	if err != nil {
		return nil, "", err
	}

	outcome := buildtypes.OutcomeBundled
	if req.ExistingDigests.Contains(fp.Digest) {
		outcome = buildtypes.OutcomeSkipped
	}

	return fp, outcome, nil
}

// entryLabel is the entry file relative to the source directory
func entryLabel(req *buildtypes.Request) string {
	rel, err := filepath.Rel(req.SourceDir, req.EntryPath())
	if err != nil {
		return filepath.ToSlash(req.EntryFile)
	}
	return filepath.ToSlash(rel)
}

// classifyHashError separates files that vanished or changed after being
// globbed from files that were never readable
func classifyHashError(err error) error {
	var fileErr *fingerprint.FileError
	if !errors.As(err, &fileErr) {
		return &buildtypes.CacheDecisionError{Err: err}
	}

	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fingerprint.ErrFileChanged) {
		return &buildtypes.CacheDecisionError{Err: err}
	}

	return &buildtypes.InputError{
		Path:   fileErr.Path,
		Reason: "source file is not readable",
		Err:    fileErr.Err,
	}
}
