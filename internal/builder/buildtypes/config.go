package buildtypes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// LanguageConfig is the language-specific part of a build request. Each
// variant carries only the fields its builder needs and serializes
// canonically so it can be mixed into the digest.
type LanguageConfig interface {
	Language() Language
	Validate() error
	// Canonical returns a deterministic serialization, independent of the
	// order of set-like fields
	Canonical() ([]byte, error)
}

// DefaultConfig returns the zero-value config variant for a language
func DefaultConfig(lang Language) LanguageConfig {
	switch lang {
	case LanguageNodeJS:
		return &NodeConfig{}
	case LanguageGo:
		return &GoConfig{}
	case LanguageJava:
		return &JavaConfig{}
	case LanguagePython:
		return &PythonConfig{}
	}
	return nil
}

// NewConfig returns an empty config variant suitable for decoding
func NewConfig(lang Language) (LanguageConfig, error) {
	cfg := DefaultConfig(lang)
	if cfg == nil {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	return cfg, nil
}

// Default runtime versions
const (
	DefaultNodeVersion   = "20"
	DefaultGoVersion     = "1.23"
	DefaultJavaVersion   = "21"
	DefaultPythonVersion = "3.12"
)

// NodeConfig configures the in-process bundler
type NodeConfig struct {
	NodeVersion string   `json:"nodeVersion,omitempty" yaml:"nodeVersion"`
	Minify      bool     `json:"minify,omitempty" yaml:"minify"`
	Sourcemap   bool     `json:"sourcemap,omitempty" yaml:"sourcemap"`
	Format      string   `json:"format,omitempty" yaml:"format"`
	External    []string `json:"external,omitempty" yaml:"external"`
}

func (c *NodeConfig) Language() Language { return LanguageNodeJS }

func (c *NodeConfig) Validate() error {
	switch c.Format {
	case "", "cjs", "esm":
	default:
		return fmt.Errorf("unsupported output format %q (want cjs or esm)", c.Format)
	}
	return validateVersion("nodeVersion", c.NodeVersion)
}

func (c *NodeConfig) Canonical() ([]byte, error) {
	cp := *c
	cp.External = sortedCopy(c.External)
	return canonical(c.Language(), cp)
}

// RuntimeVersion returns the configured node version or the default
func (c *NodeConfig) RuntimeVersion() string {
	return orDefault(c.NodeVersion, DefaultNodeVersion)
}

// GoConfig configures the cross-compiled binary builder
type GoConfig struct {
	GoVersion  string   `json:"goVersion,omitempty" yaml:"goVersion"`
	LdFlags    string   `json:"ldflags,omitempty" yaml:"ldflags"`
	Tags       []string `json:"tags,omitempty" yaml:"tags"`
	CGO        bool     `json:"cgo,omitempty" yaml:"cgo"`
	BinaryName string   `json:"binaryName,omitempty" yaml:"binaryName"`
}

func (c *GoConfig) Language() Language { return LanguageGo }

func (c *GoConfig) Validate() error {
	if strings.ContainsAny(c.BinaryName, `/\ `) {
		return fmt.Errorf("binaryName %q must be a plain file name", c.BinaryName)
	}
	return validateVersion("goVersion", c.GoVersion)
}

func (c *GoConfig) Canonical() ([]byte, error) {
	cp := *c
	cp.Tags = sortedCopy(c.Tags)
	return canonical(c.Language(), cp)
}

// Binary returns the output binary name
func (c *GoConfig) Binary() string {
	return orDefault(c.BinaryName, "bootstrap")
}

// JavaConfig configures the JVM builder
type JavaConfig struct {
	JavaVersion string `json:"javaVersion,omitempty" yaml:"javaVersion"`
	// BuildTool is "gradle" or "maven"; empty selects from the entry file
	BuildTool string `json:"buildTool,omitempty" yaml:"buildTool"`
	MainClass string `json:"mainClass,omitempty" yaml:"mainClass"`
}

func (c *JavaConfig) Language() Language { return LanguageJava }

func (c *JavaConfig) Validate() error {
	switch c.BuildTool {
	case "", "gradle", "maven":
	default:
		return fmt.Errorf("unsupported buildTool %q (want gradle or maven)", c.BuildTool)
	}
	return validateVersion("javaVersion", c.JavaVersion)
}

func (c *JavaConfig) Canonical() ([]byte, error) {
	return canonical(c.Language(), *c)
}

// RuntimeVersion returns the configured java version or the default
func (c *JavaConfig) RuntimeVersion() string {
	return orDefault(c.JavaVersion, DefaultJavaVersion)
}

// PythonConfig configures the interpreter-runtime builder
type PythonConfig struct {
	PythonVersion string `json:"pythonVersion,omitempty" yaml:"pythonVersion"`
	// PackageManager is "pip", "poetry" or "uv"; empty detects it
	PackageManager string `json:"packageManager,omitempty" yaml:"packageManager"`
}

func (c *PythonConfig) Language() Language { return LanguagePython }

func (c *PythonConfig) Validate() error {
	switch c.PackageManager {
	case "", "pip", "poetry", "uv":
	default:
		return fmt.Errorf("unsupported packageManager %q", c.PackageManager)
	}
	return validateVersion("pythonVersion", c.PythonVersion)
}

func (c *PythonConfig) Canonical() ([]byte, error) {
	return canonical(c.Language(), *c)
}

// RuntimeVersion returns the configured python version or the default
func (c *PythonConfig) RuntimeVersion() string {
	return orDefault(c.PythonVersion, DefaultPythonVersion)
}

// MajorVersion returns the major component of a loose version ("20.11" -> "20")
func MajorVersion(v string) string {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return fmt.Sprintf("%d", parsed.Major())
}

// MajorMinorVersion returns "major.minor" of a loose version ("3.12.1" -> "3.12")
func MajorMinorVersion(v string) string {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return fmt.Sprintf("%d.%d", parsed.Major(), parsed.Minor())
}

func validateVersion(field, v string) error {
	if v == "" {
		return nil
	}
	if _, err := semver.NewVersion(v); err != nil {
		return fmt.Errorf("%s %q is not a valid version: %w", field, v, err)
	}
	return nil
}

func canonical(lang Language, cfg any) ([]byte, error) {
	data, err := json.Marshal(struct {
		Language Language `json:"language"`
		Config   any      `json:"config"`
	}{lang, cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s config: %w", lang, err)
	}
	return data, nil
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
