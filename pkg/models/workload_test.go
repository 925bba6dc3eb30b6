package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"api/index.js":     "module.exports = {}\n",
		"api/package.json": "{}\n",
		"worker/go.mod":    "module example.com/worker\n\ngo 1.23\n",
		"worker/main.go":   "package main\n",
		"workloads.yaml": `
defaults:
  platform: linux/arm64
  sizeLimitMB: 100
workloads:
  - name: api
    source: api
    entry: index.js
    config:
      minify: true
      external: [aws-sdk]
  - name: worker
    kind: container
    language: go
    source: worker
    entry: main.go
    requiresGlibc: true
    zippedSizeLimitMB: 20
    dependencies:
      - name: libvips
        version: "8.15"
`,
	})

	f, err := Load(filepath.Join(dir, "workloads.yaml"))
	require.NoError(t, err)
	require.Len(t, f.Workloads, 2)

	api := f.Workloads[0]
	assert.Equal(t, buildtypes.LanguageNodeJS, api.Language, "language is detected from the source tree")
	assert.Equal(t, buildtypes.KindFunction, api.Kind)
	assert.Equal(t, filepath.Join(dir, "api"), api.Source)
	assert.Equal(t, "linux/arm64", api.Platform)
	require.IsType(t, &buildtypes.NodeConfig{}, api.Config)
	assert.True(t, api.Config.(*buildtypes.NodeConfig).Minify)
	assert.Equal(t, []string{"aws-sdk"}, api.Config.(*buildtypes.NodeConfig).External)

	worker := f.Workloads[1]
	assert.Equal(t, buildtypes.KindContainer, worker.Kind)
	assert.IsType(t, &buildtypes.GoConfig{}, worker.Config)
	assert.Equal(t, []buildtypes.Dependency{{Name: "libvips", Version: "8.15"}}, worker.Dependencies)

	req, err := worker.Request("/out", buildtypes.DefaultFunctionLimits(), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", "worker"), req.OutputDir)
	assert.Equal(t, buildtypes.Platform{OS: "linux", Arch: "arm64"}, req.Platform)
	assert.True(t, req.RequiresGlibc)
	assert.Equal(t, 100*buildtypes.MB, req.Limits.Uncompressed)
	assert.Equal(t, 20*buildtypes.MB, req.Limits.Compressed)
}

func TestParse_Errors(t *testing.T) {
	src := writeTree(t, map[string]string{"README.md": "docs\n"})

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "workloads: []\n", "no workloads"},
		{"bad name", "workloads:\n  - name: My_API\n    source: .\n    language: go\n", "invalid name"},
		{"bad kind", "workloads:\n  - name: a\n    kind: vm\n    source: .\n    language: go\n", "unsupported kind"},
		{"no source", "workloads:\n  - name: a\n    language: go\n", "source is required"},
		{"undetectable", "workloads:\n  - name: a\n    source: .\n", "could not detect"},
		{"bad language", "workloads:\n  - name: a\n    source: .\n    language: rust\n", "unsupported language"},
		{"bad config", "workloads:\n  - name: a\n    source: .\n    language: go\n    config:\n      tags: 3\n", "invalid go config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWorkloadRequest_InvalidPlatform(t *testing.T) {
	w := Workload{Name: "a", Language: buildtypes.LanguageGo, Kind: buildtypes.KindFunction, Platform: "windows/amd64"}

	_, err := w.Request("/out", buildtypes.Limits{}, nil)

	var inputErr *buildtypes.InputError
	assert.ErrorAs(t, err, &inputErr)
}

func TestWorkloadRequest_KeepsDefaultLimits(t *testing.T) {
	w := Workload{Name: "a", Language: buildtypes.LanguagePython, Kind: buildtypes.KindFunction}

	req, err := w.Request("/out", buildtypes.DefaultFunctionLimits(), buildtypes.NewDigestSet("abc"))
	require.NoError(t, err)

	assert.Equal(t, buildtypes.DefaultFunctionLimits(), req.Limits)
	assert.True(t, req.ExistingDigests.Contains("abc"))
	assert.Equal(t, buildtypes.DefaultPlatform, req.Platform)
}
