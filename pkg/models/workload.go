// Package models holds the external workload description read from a
// workloads file.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/manifest"
)

// Workload is one deployable unit as written by the user
type Workload struct {
	Name       string              `yaml:"name" json:"name"`
	Kind       buildtypes.Kind     `yaml:"kind" json:"kind"`
	Language   buildtypes.Language `yaml:"language" json:"language,omitempty"`
	Source     string              `yaml:"source" json:"source"`
	WorkingDir string              `yaml:"workingDir" json:"workingDir,omitempty"`
	Entry      string              `yaml:"entry" json:"entry"`
	// RawConfig is decoded into Config once the language is known
	RawConfig             yaml.Node                 `yaml:"config" json:"-"`
	Config                buildtypes.LanguageConfig `yaml:"-" json:"config,omitempty"`
	Dependencies          []buildtypes.Dependency   `yaml:"dependencies" json:"dependencies,omitempty"`
	Platform              string                    `yaml:"platform" json:"platform,omitempty"`
	RequiresGlibc         bool                      `yaml:"requiresGlibc" json:"requiresGlibc,omitempty"`
	AdditionalDigestInput string                    `yaml:"additionalDigestInput" json:"additionalDigestInput,omitempty"`
	// Size ceilings in MB; zero keeps the default
	SizeLimitMB       int64 `yaml:"sizeLimitMB" json:"sizeLimitMB,omitempty"`
	ZippedSizeLimitMB int64 `yaml:"zippedSizeLimitMB" json:"zippedSizeLimitMB,omitempty"`
}

// Defaults apply to every workload that leaves the field unset
type Defaults struct {
	Kind              buildtypes.Kind `yaml:"kind"`
	Platform          string          `yaml:"platform"`
	RequiresGlibc     bool            `yaml:"requiresGlibc"`
	SizeLimitMB       int64           `yaml:"sizeLimitMB"`
	ZippedSizeLimitMB int64           `yaml:"zippedSizeLimitMB"`
}

// File is a whole workloads document
type File struct {
	Defaults  Defaults   `yaml:"defaults"`
	Workloads []Workload `yaml:"workloads"`
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Load reads and resolves a workloads file. Relative source paths are
// resolved against the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workloads file: %w", err)
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workloads directory: %w", err)
	}

	return Parse(data, abs)
}

// Parse decodes a workloads document and resolves it against baseDir
func Parse(data []byte, baseDir string) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse workloads file: %w", err)
	}
	if len(f.Workloads) == 0 {
		return nil, errors.New("workloads file defines no workloads")
	}

	detector := manifest.NewLanguageDetector()
	var errs []error
	for i := range f.Workloads {
		w := &f.Workloads[i]
		w.applyDefaults(f.Defaults)
		if err := w.Resolve(baseDir, detector); err != nil {
			errs = append(errs, fmt.Errorf("workload %d (%s): %w", i+1, w.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &f, nil
}

func (w *Workload) applyDefaults(d Defaults) {
	if w.Kind == "" {
		w.Kind = d.Kind
	}
	if w.Platform == "" {
		w.Platform = d.Platform
	}
	if !w.RequiresGlibc {
		w.RequiresGlibc = d.RequiresGlibc
	}
	if w.SizeLimitMB == 0 {
		w.SizeLimitMB = d.SizeLimitMB
	}
	if w.ZippedSizeLimitMB == 0 {
		w.ZippedSizeLimitMB = d.ZippedSizeLimitMB
	}
}

// Resolve makes paths absolute, detects a missing language and decodes the
// language config
func (w *Workload) Resolve(baseDir string, detector *manifest.LanguageDetector) error {
	if !namePattern.MatchString(w.Name) {
		return fmt.Errorf("invalid name %q: use lowercase letters, digits, '.', '_' or '-'", w.Name)
	}
	if w.Kind == "" {
		w.Kind = buildtypes.KindFunction
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("unsupported kind %q", w.Kind)
	}
	if w.Source == "" {
		return errors.New("source is required")
	}

	w.Source = absPath(baseDir, w.Source)
	if w.WorkingDir != "" {
		w.WorkingDir = absPath(baseDir, w.WorkingDir)
	}

	if w.Language == "" {
		lang, _ := detector.Detect(w.Source)
		if lang == "" {
			return fmt.Errorf("could not detect the language of %s; set language explicitly", w.Source)
		}
		w.Language = lang
	}
	if !w.Language.Valid() {
		return fmt.Errorf("unsupported language %q", w.Language)
	}

	if w.Config == nil {
		cfg, err := w.decodeConfig()
		if err != nil {
			return err
		}
		w.Config = cfg
	}

	return nil
}

func (w *Workload) decodeConfig() (buildtypes.LanguageConfig, error) {
	cfg, err := buildtypes.NewConfig(w.Language)
	if err != nil {
		return nil, err
	}
	if w.RawConfig.Kind == 0 {
		return cfg, nil
	}
	if err := w.RawConfig.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", w.Language, err)
	}
	return cfg, nil
}

// Request converts the workload into a build request writing to
// outputRoot/<name>
func (w *Workload) Request(outputRoot string, limits buildtypes.Limits, existing buildtypes.DigestSet) (*buildtypes.Request, error) {
	platform, err := buildtypes.ParsePlatform(w.Platform)
	if err != nil {
		return nil, &buildtypes.InputError{Reason: "invalid platform", Err: err}
	}

	if w.SizeLimitMB > 0 {
		limits.Uncompressed = w.SizeLimitMB * buildtypes.MB
	}
	if w.ZippedSizeLimitMB > 0 {
		limits.Compressed = w.ZippedSizeLimitMB * buildtypes.MB
	}

	return &buildtypes.Request{
		Workload:              w.Name,
		Language:              w.Language,
		Kind:                  w.Kind,
		SourceDir:             w.Source,
		WorkingDir:            w.WorkingDir,
		OutputDir:             filepath.Join(outputRoot, w.Name),
		EntryFile:             w.Entry,
		Config:                w.Config,
		AdditionalDigestInput: w.AdditionalDigestInput,
		Dependencies:          w.Dependencies,
		Platform:              platform,
		RequiresGlibc:         w.RequiresGlibc,
		Limits:                limits,
		ExistingDigests:       existing,
	}, nil
}

func absPath(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}
