// Package manifest locates the dependency manifests and source files that
// feed a workload's digest.
package manifest

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// manifestFiles lists, per language, every manifest or lockfile that pins
// external dependency versions. All of them are digested when present.
var manifestFiles = map[buildtypes.Language][]string{
	buildtypes.LanguageNodeJS: {
		"package.json",
		"package-lock.json",
		"npm-shrinkwrap.json",
		"yarn.lock",
		"pnpm-lock.yaml",
		"bun.lockb",
		"bun.lock",
	},
	buildtypes.LanguageGo: {
		"go.mod",
		"go.sum",
		"go.work",
		"go.work.sum",
	},
	buildtypes.LanguageJava: {
		"pom.xml",
		"build.gradle",
		"build.gradle.kts",
		"settings.gradle",
		"settings.gradle.kts",
		"gradle.lockfile",
		"gradle.properties",
	},
	buildtypes.LanguagePython: {
		"requirements.txt",
		"pyproject.toml",
		"poetry.lock",
		"Pipfile",
		"Pipfile.lock",
		"uv.lock",
	},
}

// sourcePatterns selects in-tree source files per language
var sourcePatterns = map[buildtypes.Language]string{
	buildtypes.LanguageNodeJS: "**/*.{js,mjs,cjs,jsx,ts,mts,cts,tsx,json}",
	buildtypes.LanguageGo:     "**/*.{go,s,c,h}",
	buildtypes.LanguageJava:   "**/*.{java,kt,kts,groovy,properties,xml}",
	buildtypes.LanguagePython: "**/*.py",
}

// SourcePattern returns the glob selecting source files for lang
func SourcePattern(lang buildtypes.Language) string {
	return sourcePatterns[lang]
}

// Locate returns the manifests for lang that exist in workingDir, sorted.
// Expected manifests that are absent are omitted; zero results is valid.
func Locate(workingDir string, lang buildtypes.Language) []string {
	var found []string
	for _, name := range manifestFiles[lang] {
		path := filepath.Join(workingDir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		found = append(found, path)
	}
	sort.Strings(found)
	return found
}
