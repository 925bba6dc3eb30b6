package buildtypes

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Language identifies the toolchain used to build a workload
type Language string

const (
	LanguageNodeJS Language = "nodejs"
	LanguageGo     Language = "go"
	LanguageJava   Language = "java"
	LanguagePython Language = "python"
)

// Languages lists every supported language in a stable order
var Languages = []Language{LanguageNodeJS, LanguageGo, LanguageJava, LanguagePython}

// Valid reports whether the language is supported
func (l Language) Valid() bool {
	switch l {
	case LanguageNodeJS, LanguageGo, LanguageJava, LanguagePython:
		return true
	}
	return false
}

// Containerized reports whether the language is built inside a container
func (l Language) Containerized() bool {
	return l == LanguageGo || l == LanguageJava || l == LanguagePython
}

// Kind is the deployment shape of a workload
type Kind string

const (
	// KindFunction produces a compressed function package
	KindFunction Kind = "function"
	// KindContainer produces a container image
	KindContainer Kind = "container"
)

// Valid reports whether the kind is supported
func (k Kind) Valid() bool {
	return k == KindFunction || k == KindContainer
}

// Outcome is the result of the cache decision for one build request
type Outcome string

const (
	OutcomeBundled Outcome = "bundled"
	OutcomeSkipped Outcome = "skipped"
)

// Dependency is an external dependency pinned outside the source tree
type Dependency struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// SortedDependencies returns a copy of deps ordered by name, then version
func SortedDependencies(deps []Dependency) []Dependency {
	sorted := make([]Dependency, len(deps))
	copy(sorted, deps)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Version < sorted[j].Version
	})
	return sorted
}

// Platform is a target operating system and architecture pair
type Platform struct {
	OS   string
	Arch string
}

// DefaultPlatform is used when a workload does not select one
var DefaultPlatform = Platform{OS: "linux", Arch: "amd64"}

// ParsePlatform parses "os/arch" or a bare architecture ("arm64").
// An empty string yields DefaultPlatform.
func ParsePlatform(s string) (Platform, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return DefaultPlatform, nil
	}

	osName, arch := "linux", s
	if i := strings.Index(s, "/"); i >= 0 {
		osName, arch = s[:i], s[i+1:]
	}

	switch arch {
	case "x86_64":
		arch = "amd64"
	case "aarch64":
		arch = "arm64"
	}

	switch arch {
	case "amd64", "arm64":
	default:
		return Platform{}, fmt.Errorf("unsupported architecture %q", arch)
	}
	if osName != "linux" {
		return Platform{}, fmt.Errorf("unsupported operating system %q", osName)
	}

	return Platform{OS: osName, Arch: arch}, nil
}

// String returns the platform in docker "--platform" form
func (p Platform) String() string {
	if p.OS == "" && p.Arch == "" {
		return DefaultPlatform.String()
	}
	return p.OS + "/" + p.Arch
}

// MB is one mebibyte
const MB int64 = 1024 * 1024

// Limits holds the size ceilings for a built artifact, in bytes. Zero
// disables a ceiling.
type Limits struct {
	Uncompressed int64
	Compressed   int64
}

// DefaultFunctionLimits mirrors the common function-package ceilings
func DefaultFunctionLimits() Limits {
	return Limits{
		Uncompressed: 250 * MB,
		Compressed:   50 * MB,
	}
}

// DigestSet is a read-only set of digests already known to be deployed
type DigestSet map[string]struct{}

// NewDigestSet builds a set from a list of digests
func NewDigestSet(digests ...string) DigestSet {
	set := make(DigestSet, len(digests))
	for _, d := range digests {
		if d != "" {
			set[d] = struct{}{}
		}
	}
	return set
}

// Contains reports whether digest is in the set
func (s DigestSet) Contains(digest string) bool {
	_, ok := s[digest]
	return ok
}

// Request contains everything needed to build one workload
type Request struct {
	Workload   string
	Language   Language
	Kind       Kind
	SourceDir  string
	WorkingDir string
	OutputDir  string
	// EntryFile is relative to SourceDir unless absolute
	EntryFile string
	Config    LanguageConfig
	// AdditionalDigestInput is a caller-supplied salt mixed into the digest
	AdditionalDigestInput string
	Dependencies          []Dependency
	Platform              Platform
	RequiresGlibc         bool
	Limits                Limits
	ExistingDigests       DigestSet
}

// EntryPath returns the absolute entry file path
func (r *Request) EntryPath() string {
	if filepath.IsAbs(r.EntryFile) {
		return r.EntryFile
	}
	return filepath.Join(r.SourceDir, r.EntryFile)
}

// ManifestDir returns the directory used for manifest resolution
func (r *Request) ManifestDir() string {
	if r.WorkingDir != "" {
		return r.WorkingDir
	}
	return r.SourceDir
}

// LanguageConfig returns the request config, falling back to the
// language's zero-value variant
func (r *Request) LanguageConfig() LanguageConfig {
	if r.Config != nil {
		return r.Config
	}
	return DefaultConfig(r.Language)
}

// Validate checks the request for input errors before any work is done
func (r *Request) Validate() error {
	if r.Workload == "" {
		return &InputError{Reason: "workload name is required"}
	}
	if !r.Language.Valid() {
		return &InputError{Reason: fmt.Sprintf("unsupported language %q", r.Language)}
	}
	if !r.Kind.Valid() {
		return &InputError{Reason: fmt.Sprintf("unsupported kind %q", r.Kind)}
	}
	if r.Config != nil {
		if r.Config.Language() != r.Language {
			return &InputError{Reason: fmt.Sprintf("config for %s given to %s workload", r.Config.Language(), r.Language)}
		}
		if err := r.Config.Validate(); err != nil {
			return &InputError{Reason: "invalid language config", Err: err}
		}
	}
	if r.OutputDir == "" {
		return &InputError{Reason: "output directory is required"}
	}

	info, err := os.Stat(r.SourceDir)
	if err != nil {
		return &InputError{Path: r.SourceDir, Reason: "source directory is not readable", Err: err}
	}
	if !info.IsDir() {
		return &InputError{Path: r.SourceDir, Reason: "source path is not a directory"}
	}

	if r.EntryFile == "" {
		return &InputError{Reason: "entry file is required"}
	}
	if _, err := os.Stat(r.EntryPath()); err != nil {
		return &InputError{Path: r.EntryPath(), Reason: "entry file is missing", Err: err}
	}

	return nil
}

// Result contains the output of the cache gate and, when bundled, the build
type Result struct {
	Digest      string
	Outcome     Outcome
	OutputDir   string
	SourceFiles []string
	// Metadata is builder specific (bundler metafile, image ID, ...)
	Metadata any
}

// PackagedArtifact is a finalized, size-validated build result
type PackagedArtifact struct {
	Result
	Workload       string
	Language       Language
	Kind           Kind
	ArtifactPath   string
	ImageRef       string
	Size           int64
	CompressedSize int64
	Duration       time.Duration
}
