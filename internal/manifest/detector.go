package manifest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// LanguageDetector infers a workload's language from its source tree
type LanguageDetector struct {
	// Language indicators map file extensions to languages
	extensionMap map[string]buildtypes.Language

	// Key files that indicate a language
	keyFiles map[string]buildtypes.Language
}

// NewLanguageDetector creates a new language detector
func NewLanguageDetector() *LanguageDetector {
	ld := &LanguageDetector{
		extensionMap: map[string]buildtypes.Language{
			".go":   buildtypes.LanguageGo,
			".js":   buildtypes.LanguageNodeJS,
			".mjs":  buildtypes.LanguageNodeJS,
			".cjs":  buildtypes.LanguageNodeJS,
			".ts":   buildtypes.LanguageNodeJS,
			".jsx":  buildtypes.LanguageNodeJS,
			".tsx":  buildtypes.LanguageNodeJS,
			".py":   buildtypes.LanguagePython,
			".java": buildtypes.LanguageJava,
			".kt":   buildtypes.LanguageJava,
		},
		keyFiles: make(map[string]buildtypes.Language),
	}

	// Every recognized manifest is a high-confidence indicator
	for lang, names := range manifestFiles {
		for _, name := range names {
			ld.keyFiles[strings.ToLower(name)] = lang
		}
	}

	return ld
}

// Detect returns the primary language of dir and a confidence between 0 and 1
func (ld *LanguageDetector) Detect(dir string) (buildtypes.Language, float64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0
	}

	// Key files at the root win outright, checked in a stable order
	for _, lang := range buildtypes.Languages {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if ld.keyFiles[strings.ToLower(entry.Name())] == lang {
				return lang, 0.95
			}
		}
	}

	// Count source files by extension
	counts := make(map[buildtypes.Language]int)
	total := 0
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules" || d.Name() == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if lang, ok := ld.extensionMap[strings.ToLower(filepath.Ext(d.Name()))]; ok {
			counts[lang]++
			total++
		}
		return nil
	})

	if total == 0 {
		return "", 0
	}

	var primary buildtypes.Language
	maxCount := 0
	for _, lang := range buildtypes.Languages {
		if counts[lang] > maxCount {
			maxCount = counts[lang]
			primary = lang
		}
	}

	return primary, float64(maxCount) / float64(total)
}
