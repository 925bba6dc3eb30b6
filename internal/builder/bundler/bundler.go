// Package bundler bundles JavaScript and TypeScript entry points in-process.
package bundler

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

var unresolvedImport = regexp.MustCompile(`^Could not resolve "([^"]+)"`)

// Options configures one bundle
type Options struct {
	// EntryPoint is an absolute path
	EntryPoint string
	// SourceDir anchors module resolution and relative paths in messages
	SourceDir string
	OutDir    string
	Config    *buildtypes.NodeConfig
}

// Result describes a written bundle
type Result struct {
	// EntryOutput is the bundled entry file relative to OutDir
	EntryOutput string
	// Files are every written file relative to OutDir, sorted
	Files []string
	// Metafile is esbuild's JSON description of inputs and outputs
	Metafile string
	Warnings []Message
}

// Message is one bundler diagnostic
type Message struct {
	Text   string
	File   string
	Line   int
	Column int
	// Module is the import path that could not be resolved, if any
	Module string
}

func (m Message) String() string {
	if m.File == "" {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.File, m.Line, m.Column, m.Text)
}

// Error lists every bundler error
type Error struct {
	Messages []Message
}

func (e *Error) Error() string {
	lines := make([]string, len(e.Messages))
	for i, m := range e.Messages {
		lines[i] = m.String()
	}
	return "bundle failed:\n" + strings.Join(lines, "\n")
}

// UnresolvedModules returns the import paths that could not be resolved
func (e *Error) UnresolvedModules() []string {
	var modules []string
	for _, m := range e.Messages {
		if m.Module != "" {
			modules = append(modules, m.Module)
		}
	}
	return modules
}

// Bundler wraps esbuild
type Bundler struct {
	logger zerolog.Logger
}

// New creates a bundler
func New(logger zerolog.Logger) *Bundler {
	return &Bundler{logger: logger.With().Str("component", "bundler").Logger()}
}

// Bundle tree-shakes the entry point and everything it imports into
// opts.OutDir. Unresolved imports and syntax errors fail the bundle.
func (b *Bundler) Bundle(opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &buildtypes.NodeConfig{}
	}

	format := api.FormatCommonJS
	outExt := ".js"
	if cfg.Format == "esm" {
		format = api.FormatESModule
		outExt = ".mjs"
	}

	sourcemap := api.SourceMapNone
	if cfg.Sourcemap {
		sourcemap = api.SourceMapLinked
	}

	external := append([]string(nil), cfg.External...)
	sort.Strings(external)

	result := api.Build(api.BuildOptions{
		EntryPoints:       []string{opts.EntryPoint},
		AbsWorkingDir:     opts.SourceDir,
		Outdir:            opts.OutDir,
		OutExtension:      map[string]string{".js": outExt},
		Bundle:            true,
		Write:             true,
		Metafile:          true,
		Platform:          api.PlatformNode,
		Format:            format,
		Engines:           []api.Engine{{Name: api.EngineNode, Version: buildtypes.MajorVersion(cfg.RuntimeVersion())}},
		MinifyWhitespace:  cfg.Minify,
		MinifyIdentifiers: cfg.Minify,
		MinifySyntax:      cfg.Minify,
		Sourcemap:         sourcemap,
		External:          external,
		TreeShaking:       api.TreeShakingTrue,
		LogLevel:          api.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		return nil, &Error{Messages: convertMessages(opts.SourceDir, result.Errors)}
	}

	out := &Result{
		Metafile: result.Metafile,
		Warnings: convertMessages(opts.SourceDir, result.Warnings),
	}

	for _, f := range result.OutputFiles {
		rel, err := filepath.Rel(opts.OutDir, f.Path)
		if err != nil {
			return nil, fmt.Errorf("bundle output outside %s: %w", opts.OutDir, err)
		}
		out.Files = append(out.Files, filepath.ToSlash(rel))
	}
	sort.Strings(out.Files)

	entry, err := entryOutput(result.Metafile, opts)
	if err != nil {
		return nil, err
	}
	out.EntryOutput = entry

	for _, w := range out.Warnings {
		b.logger.Warn().Str("entry", opts.EntryPoint).Msg(w.String())
	}

	b.logger.Debug().
		Str("entry", opts.EntryPoint).
		Strs("files", out.Files).
		Msg("Bundle written")

	return out, nil
}

// entryOutput finds the output whose entry point is the requested entry
func entryOutput(metafile string, opts Options) (string, error) {
	var meta struct {
		Outputs map[string]struct {
			EntryPoint string `json:"entryPoint"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal([]byte(metafile), &meta); err != nil {
		return "", fmt.Errorf("failed to read bundle metafile: %w", err)
	}

	for path, output := range meta.Outputs {
		if output.EntryPoint == "" {
			continue
		}
		abs := path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(opts.SourceDir, path)
		}
		rel, err := filepath.Rel(opts.OutDir, abs)
		if err != nil {
			return "", err
		}
		return filepath.ToSlash(rel), nil
	}

	return "", fmt.Errorf("bundle metafile lists no entry output")
}

func convertMessages(sourceDir string, msgs []api.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		msg := Message{Text: m.Text}
		if m.Location != nil {
			msg.File = m.Location.File
			if filepath.IsAbs(msg.File) {
				if rel, err := filepath.Rel(sourceDir, msg.File); err == nil {
					msg.File = filepath.ToSlash(rel)
				}
			}
			msg.Line = m.Location.Line
			msg.Column = m.Location.Column
		}
		if match := unresolvedImport.FindStringSubmatch(m.Text); match != nil {
			msg.Module = match[1]
		}
		out = append(out, msg)
	}
	return out
}
