package manifest

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// defaultIgnores are never part of a workload's sources
var defaultIgnores = []string{
	".git",
	"node_modules",
	"__pycache__",
	".venv",
	"venv",
	".staging-*",
	".packager",
}

// languageIgnores are build output directories of each toolchain
var languageIgnores = map[buildtypes.Language][]string{
	buildtypes.LanguageNodeJS: {"dist", "build", "coverage"},
	buildtypes.LanguageGo:     {"vendor", "/bin"},
	buildtypes.LanguageJava:   {"target", "/build", ".gradle"},
	buildtypes.LanguagePython: {"dist", "/build", "*.egg-info", ".pytest_cache"},
}

// Ignores returns the gitignore-style patterns excluded from a language's
// sources and build context, without the .gitignore contents
func Ignores(lang buildtypes.Language, opts SourceOptions) []string {
	patterns := make([]string, 0, len(defaultIgnores)+len(languageIgnores[lang])+len(opts.ExtraIgnores))
	patterns = append(patterns, defaultIgnores...)
	patterns = append(patterns, languageIgnores[lang]...)
	patterns = append(patterns, opts.ExtraIgnores...)
	return patterns
}

// SourceOptions tunes source file resolution
type SourceOptions struct {
	// RespectGitignore also excludes paths matched by <sourceDir>/.gitignore
	RespectGitignore bool
	// ExtraIgnores are additional gitignore-style patterns
	ExtraIgnores []string
}

// Sources returns the slash-separated paths, relative to sourceDir, of every
// file matching the language's source pattern. The result is sorted.
func Sources(sourceDir string, lang buildtypes.Language, opts SourceOptions) ([]string, error) {
	pattern := SourcePattern(lang)
	if pattern == "" {
		return nil, fmt.Errorf("no source pattern for language %q", lang)
	}

	var files []string
	err := Walk(sourceDir, lang, opts, func(rel string) error {
		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			return fmt.Errorf("invalid source pattern %q: %w", pattern, err)
		}
		if ok {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sources in %s: %w", sourceDir, err)
	}

	sort.Strings(files)
	return files, nil
}

// Walk calls fn with the slash-separated relative path of every regular file
// under dir that is not ignored, in lexical order
func Walk(dir string, lang buildtypes.Language, opts SourceOptions, fn func(rel string) error) error {
	matcher, err := newIgnoreMatcher(dir, lang, opts)
	if err != nil {
		return err
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if matcher.Match(strings.Split(rel, "/"), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		return fn(rel)
	})
}

func newIgnoreMatcher(sourceDir string, lang buildtypes.Language, opts SourceOptions) (gitignore.Matcher, error) {
	var patterns []gitignore.Pattern
	for _, p := range Ignores(lang, opts) {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}

	if opts.RespectGitignore {
		fromFile, err := readGitignore(filepath.Join(sourceDir, ".gitignore"))
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, fromFile...)
	}

	return gitignore.NewMatcher(patterns), nil
}

func readGitignore(path string) ([]gitignore.Pattern, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return patterns, nil
}
