package dockerfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

func firstFrom(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "FROM ") {
			return line
		}
	}
	return ""
}

func TestGenerate_GlibcSelectsFullBaseImage(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		minimal string
		full    string
	}{
		{
			name:    "go",
			spec:    Spec{Language: buildtypes.LanguageGo, EntryFile: "main.go", Version: "1.23"},
			minimal: "golang:1.23-alpine",
			full:    "golang:1.23-bookworm",
		},
		{
			name:    "java",
			spec:    Spec{Language: buildtypes.LanguageJava, EntryFile: "pom.xml", Version: "21", Tool: "maven"},
			minimal: "maven:3.9-eclipse-temurin-21-alpine",
			full:    "maven:3.9-eclipse-temurin-21 ",
		},
		{
			name:    "python",
			spec:    Spec{Language: buildtypes.LanguagePython, EntryFile: "handler.py", Version: "3.12.1"},
			minimal: "python:3.12-alpine",
			full:    "python:3.12-slim-bookworm",
		},
	}

	g := NewGenerator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.Kind = buildtypes.KindFunction

			minimal, err := g.Generate(spec)
			require.NoError(t, err)
			assert.Contains(t, firstFrom(minimal.Content), tt.minimal)

			spec.RequiresGlibc = true
			full, err := g.Generate(spec)
			require.NoError(t, err)
			assert.Contains(t, firstFrom(full.Content)+" ", tt.full)
			assert.NotContains(t, full.Content, "alpine")
		})
	}
}

func TestGenerate_FunctionShapeExportsArtifactOnly(t *testing.T) {
	recipe, err := NewGenerator(nil).Generate(Spec{
		Language:  buildtypes.LanguageGo,
		Kind:      buildtypes.KindFunction,
		EntryFile: "cmd/api/main.go",
		Version:   "1.23",
		Config:    &buildtypes.GoConfig{Tags: []string{"netgo", "lambda.norpc"}, LdFlags: "-X main.version=1"},
	})
	require.NoError(t, err)

	assert.Equal(t, ArtifactStage, recipe.Target)
	assert.Contains(t, recipe.Content, "FROM --platform=$BUILDPLATFORM golang:1.23-alpine AS builder")
	assert.Contains(t, recipe.Content, "FROM scratch AS artifact")
	assert.Contains(t, recipe.Content, "-tags=lambda.norpc,netgo")
	assert.Contains(t, recipe.Content, `-ldflags="-s -w -X main.version=1"`)
	assert.Contains(t, recipe.Content, "-o /out/bootstrap ./cmd/api")
	assert.NotContains(t, recipe.Content, "CMD [")
}

func TestGenerate_CgoBuildsOnTargetPlatform(t *testing.T) {
	recipe, err := NewGenerator(nil).Generate(Spec{
		Language:  buildtypes.LanguageGo,
		Kind:      buildtypes.KindFunction,
		EntryFile: "main.go",
		Version:   "1.23",
		Config:    &buildtypes.GoConfig{CGO: true},
	})
	require.NoError(t, err)

	assert.NotContains(t, recipe.Content, "$BUILDPLATFORM")
	assert.Contains(t, recipe.Content, "CGO_ENABLED=1")
	assert.Contains(t, recipe.Content, "apk add --no-cache build-base")
}

func TestGenerate_ContainerShape(t *testing.T) {
	recipe, err := NewGenerator(nil).Generate(Spec{
		Language:  buildtypes.LanguageJava,
		Kind:      buildtypes.KindContainer,
		EntryFile: "pom.xml",
		Version:   "21",
		Tool:      "maven",
		Config:    &buildtypes.JavaConfig{MainClass: "com.example.App"},
	})
	require.NoError(t, err)

	assert.Equal(t, RuntimeStage, recipe.Target)
	assert.Contains(t, recipe.Content, "FROM eclipse-temurin:21-jre-alpine AS runtime")
	assert.Contains(t, recipe.Content, `CMD ["java", "-cp", "/app/app.jar", "com.example.App"]`)
	assert.Contains(t, recipe.Content, "USER appuser")
}

func TestGenerate_PythonPackageManagers(t *testing.T) {
	g := NewGenerator(nil)
	for tool, want := range map[string]string{
		"pip":    "pip install --no-cache-dir -r requirements.txt --target /out",
		"poetry": "poetry export",
		"uv":     "uv export --frozen",
	} {
		recipe, err := g.Generate(Spec{
			Language:     buildtypes.LanguagePython,
			Kind:         buildtypes.KindContainer,
			EntryFile:    "src/app.py",
			SourceSubdir: "src",
			Version:      "3.12",
			Tool:         tool,
		})
		require.NoError(t, err, tool)
		assert.Contains(t, recipe.Content, want, tool)
		assert.Contains(t, recipe.Content, "cp -a src/. /out/", tool)
		assert.Contains(t, recipe.Content, `CMD ["python", "/app/app.py"]`, tool)
	}
}

func TestGenerate_NodeContainer(t *testing.T) {
	recipe, err := NewGenerator(nil).Generate(Spec{
		Language:  buildtypes.LanguageNodeJS,
		Kind:      buildtypes.KindContainer,
		EntryFile: "index.js",
		Version:   "20",
	})
	require.NoError(t, err)
	assert.Contains(t, recipe.Content, "FROM node:20-alpine AS runtime")
	assert.Contains(t, recipe.Content, `CMD ["node", "/app/index.js"]`)

	_, err = NewGenerator(nil).Generate(Spec{Language: buildtypes.LanguageNodeJS, Kind: buildtypes.KindFunction})
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator([]string{".git", "node_modules"})

	recipe, err := g.Generate(Spec{Language: buildtypes.LanguageGo, Kind: buildtypes.KindFunction, EntryFile: "main.go", Version: "1.23"})
	require.NoError(t, err)

	path, err := g.Write(recipe, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, RecipeFile), path)

	ignore, err := os.ReadFile(filepath.Join(dir, IgnoreFile))
	require.NoError(t, err)
	assert.Equal(t, "**/.git\n**/node_modules\n", string(ignore))
}

func TestDockerignorePatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    []string
	}{
		{name: "bare name matches at any depth", pattern: "node_modules", want: []string{"**/node_modules"}},
		{name: "glob matches at any depth", pattern: "*.egg-info", want: []string{"**/*.egg-info"}},
		{name: "staging dirs", pattern: ".staging-*", want: []string{"**/.staging-*"}},
		{name: "trailing slash", pattern: "dist/", want: []string{"**/dist/"}},
		{name: "leading slash anchors at root", pattern: "/bin", want: []string{"bin"}},
		{name: "inner slash is already anchored", pattern: "docs/build", want: []string{"docs/build"}},
		{name: "already recursive", pattern: "**/coverage", want: []string{"**/coverage"}},
		{name: "negation keeps its bang", pattern: "!keep.js", want: []string{"!**/keep.js"}},
		{name: "comment dropped", pattern: "# generated", want: []string{}},
		{name: "blank dropped", pattern: "  ", want: []string{}},
		{name: "bare slash dropped", pattern: "/", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dockerignorePatterns([]string{tt.pattern}))
		})
	}
}

func TestWrite_DefaultIgnoresMatchNestedPaths(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator([]string{"vendor", "/bin", "__pycache__"})

	recipe, err := g.Generate(Spec{Language: buildtypes.LanguageGo, Kind: buildtypes.KindFunction, EntryFile: "main.go", Version: "1.23"})
	require.NoError(t, err)
	_, err = g.Write(recipe, dir)
	require.NoError(t, err)

	ignore, err := os.ReadFile(filepath.Join(dir, IgnoreFile))
	require.NoError(t, err)
	assert.Equal(t, "**/vendor\nbin\n**/__pycache__\n", string(ignore))
	assert.Equal(t, []string{"vendor", "/bin", "__pycache__"}, recipe.Ignore, "the recipe keeps the gitignore form")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(&Recipe{Content: "ARG V=1\nFROM alpine AS runtime\nRUN true\n", Target: RuntimeStage}))
	assert.Error(t, Validate(&Recipe{Content: "RUN true\nFROM alpine AS runtime\n", Target: RuntimeStage}))
	assert.Error(t, Validate(&Recipe{Content: "FROM alpine AS runtime\n", Target: ArtifactStage}))
	assert.Error(t, Validate(&Recipe{Content: "# empty\n", Target: RuntimeStage}))
}
