package buildpack

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/app-packager/internal/archive"
	"github.com/alvesdmateus/app-packager/internal/builder"
	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/builder/bundler"
	"github.com/alvesdmateus/app-packager/internal/builder/dockerfile"
	"github.com/alvesdmateus/app-packager/internal/builder/strategies"
	"github.com/alvesdmateus/app-packager/internal/digest"
	"github.com/alvesdmateus/app-packager/internal/manifest"
	"github.com/alvesdmateus/app-packager/internal/observability"
	"github.com/alvesdmateus/app-packager/internal/progress"
	"github.com/alvesdmateus/app-packager/internal/retry"
)

// fakeBuilder writes files into <staging>/out and counts invocations
type fakeBuilder struct {
	lang  buildtypes.Language
	files map[string][]byte
	image string
	err   error

	mu    sync.Mutex
	calls int
}

func (f *fakeBuilder) Language() buildtypes.Language { return f.lang }

func (f *fakeBuilder) Build(ctx context.Context, job *builder.Job) (*builder.Output, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if f.image != "" {
		// files alongside an image mimic the node container shape
		var dir string
		if len(f.files) > 0 {
			dir = filepath.Join(job.StagingDir, "out")
			if err := writeOutput(dir, f.files); err != nil {
				return nil, err
			}
		}
		return &builder.Output{ImageRef: f.image, ImageID: "sha256:feed", Dir: dir}, nil
	}

	out := filepath.Join(job.StagingDir, "out")
	if err := writeOutput(out, f.files); err != nil {
		return nil, err
	}
	return &builder.Output{Dir: out}, nil
}

func writeOutput(dir string, files map[string][]byte) error {
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBuilder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEngine struct {
	size    int64
	removed []string
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) InspectImage(ctx context.Context, ref string) (*strategies.ImageInfo, error) {
	return &strategies.ImageInfo{ID: "sha256:feed", Size: f.size}, nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, ref string) error {
	f.removed = append(f.removed, ref)
	return nil
}

var fastRetry = retry.Policy{Attempts: 2, InitialDelay: time.Millisecond}

func newPack(t *testing.T, kind buildtypes.Kind, b builder.Builder, engine strategies.Engine, sink progress.Sink, metrics *observability.Metrics) *Buildpack {
	t.Helper()
	bp, err := New(Config{
		Kind:     kind,
		Gate:     digest.NewGate(manifest.SourceOptions{}, zerolog.Nop()),
		Service:  builder.NewService(builder.NewTracker(zerolog.Nop()), time.Minute, zerolog.Nop()),
		Builder:  b,
		Archiver: archive.NewArchiver(0, zerolog.Nop()),
		Engine:   engine,
		Sink:     sink,
		Metrics:  metrics,
		Retry:    fastRetry,
	}, zerolog.Nop())
	require.NoError(t, err)
	return bp
}

func goRequest(t *testing.T, kind buildtypes.Kind) *buildtypes.Request {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "go.mod"), []byte("module example.com/fn\n\ngo 1.23\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0644))

	return &buildtypes.Request{
		Workload:  "fn",
		Language:  buildtypes.LanguageGo,
		Kind:      kind,
		SourceDir: src,
		OutputDir: filepath.Join(t.TempDir(), "fn"),
		EntryFile: "main.go",
		Limits:    buildtypes.DefaultFunctionLimits(),
	}
}

func stagingDirs(t *testing.T, outputDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(outputDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)

	var staging []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), StagingPrefix) {
			staging = append(staging, e.Name())
		}
	}
	return staging
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(buf)
	return buf
}

func TestRun_BundlesThenSkips(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": []byte("binary")}}
	sink := &progress.Recorder{}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, sink, nil)
	req := goRequest(t, buildtypes.KindFunction)

	first, err := bp.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, buildtypes.OutcomeBundled, first.Outcome)
	assert.Len(t, first.Digest, 64)
	assert.Equal(t, filepath.Join(req.OutputDir, "fn.zip"), first.ArtifactPath)
	assert.FileExists(t, first.ArtifactPath)
	assert.FileExists(t, filepath.Join(req.OutputDir, BundleDir, "bootstrap"))
	assert.Equal(t, int64(len("binary")), first.Size)
	assert.Positive(t, first.CompressedSize)
	assert.Empty(t, stagingDirs(t, req.OutputDir))

	req.ExistingDigests = buildtypes.NewDigestSet(first.Digest)
	for i := 0; i < 2; i++ {
		skipped, err := bp.Run(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, buildtypes.OutcomeSkipped, skipped.Outcome)
		assert.Equal(t, first.Digest, skipped.Digest)
		assert.Equal(t, req.OutputDir, skipped.OutputDir)
		assert.Empty(t, skipped.ArtifactPath)
	}

	assert.Equal(t, 1, fb.Calls(), "skipped runs never invoke the builder")
	assert.Equal(t, map[string]string{"fn": "skipped"}, sink.Outcomes())
}

func TestRun_SkipPerformsNoSizeCheck(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": []byte("binary")}}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, nil, nil)
	req := goRequest(t, buildtypes.KindFunction)

	first, err := bp.Run(context.Background(), req)
	require.NoError(t, err)

	req.ExistingDigests = buildtypes.NewDigestSet(first.Digest)
	req.Limits = buildtypes.Limits{Uncompressed: 1, Compressed: 1}

	skipped, err := bp.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, buildtypes.OutcomeSkipped, skipped.Outcome)
}

func TestRun_UncompressedLimitLeavesNoArtifact(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": make([]byte, 4096)}}
	metrics := observability.NewMetrics(prometheus.NewRegistry(), "test_bp_size")
	bp := newPack(t, buildtypes.KindFunction, fb, nil, nil, metrics)
	req := goRequest(t, buildtypes.KindFunction)
	req.Limits = buildtypes.Limits{Uncompressed: 1024}

	artifact, err := bp.Run(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, artifact)

	var buildErr *buildtypes.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, buildtypes.PhaseSizeCheck, buildErr.Phase)
	assert.Equal(t, buildtypes.CategorySizeLimit, buildErr.Category)

	var sizeErr *buildtypes.SizeLimitError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, buildtypes.MeasureUncompressed, sizeErr.Measure)
	assert.Equal(t, int64(4096), sizeErr.Size)

	assert.NoFileExists(t, filepath.Join(req.OutputDir, "fn.zip"))
	assert.NoDirExists(t, filepath.Join(req.OutputDir, BundleDir))
	assert.Empty(t, stagingDirs(t, req.OutputDir))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FailuresTotal.WithLabelValues("size-check", "size-limit")))
}

func TestRun_CompressedLimit(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": randomBytes(16 * 1024)}}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, nil, nil)
	req := goRequest(t, buildtypes.KindFunction)
	req.Limits = buildtypes.Limits{Uncompressed: buildtypes.MB, Compressed: 4 * 1024}

	_, err := bp.Run(context.Background(), req)

	var sizeErr *buildtypes.SizeLimitError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, buildtypes.MeasureCompressed, sizeErr.Measure)
	assert.NoFileExists(t, filepath.Join(req.OutputDir, "fn.zip"))
}

func TestRun_ReplacesPreviousArtifact(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": []byte("v1")}}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, nil, nil)
	req := goRequest(t, buildtypes.KindFunction)

	_, err := bp.Run(context.Background(), req)
	require.NoError(t, err)

	fb.files = map[string][]byte{"bootstrap2": []byte("v2")}
	_, err = bp.Run(context.Background(), req)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(req.OutputDir, BundleDir, "bootstrap"))
	assert.FileExists(t, filepath.Join(req.OutputDir, BundleDir, "bootstrap2"))
	assert.Empty(t, stagingDirs(t, req.OutputDir))
}

func TestRun_FailedBundleMoveKeepsPreviousArtifact(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": []byte("v1")}}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, nil, nil)
	req := goRequest(t, buildtypes.KindFunction)

	first, err := bp.Run(context.Background(), req)
	require.NoError(t, err)
	previousZip, err := os.ReadFile(first.ArtifactPath)
	require.NoError(t, err)

	bp.rename = func(from, to string) error {
		if filepath.Base(from) == "out" && filepath.Base(to) == BundleDir {
			return errors.New("device unavailable")
		}
		return os.Rename(from, to)
	}
	fb.files = map[string][]byte{"bootstrap": []byte("v2, a different build")}

	_, err = bp.Run(context.Background(), req)

	var buildErr *buildtypes.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, buildtypes.PhaseArchive, buildErr.Phase)

	bundled, err := os.ReadFile(filepath.Join(req.OutputDir, BundleDir, "bootstrap"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(bundled))
	zipped, err := os.ReadFile(first.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, previousZip, zipped, "the previous archive is restored")
	assert.Empty(t, stagingDirs(t, req.OutputDir))
}

func TestRun_PhaseEvents(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": []byte("binary")}}
	sink := &progress.Recorder{}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, sink, nil)
	req := goRequest(t, buildtypes.KindFunction)

	first, err := bp.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"start digest", "digest ok",
		"start build", "build ok",
		"start archive", "archive ok",
		"start size-check", "size-check ok",
		"start archive", "archive ok",
	}, sink.Phases("fn"))
	events := sink.Events()
	assert.Equal(t, progress.Event{Name: "fn", Started: true}, events[0])
	assert.Equal(t, progress.Event{Name: "fn", Outcome: "bundled"}, events[len(events)-1])

	skipSink := &progress.Recorder{}
	skipper := newPack(t, buildtypes.KindFunction, fb, nil, skipSink, nil)
	req.ExistingDigests = buildtypes.NewDigestSet(first.Digest)
	_, err = skipper.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"start digest", "digest ok"}, skipSink.Phases("fn"))
	assert.Equal(t, map[string]string{"fn": "skipped"}, skipSink.Outcomes())
}

func TestRun_PhaseEventsReportFailure(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": make([]byte, 4096)}}
	sink := &progress.Recorder{}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, sink, nil)
	req := goRequest(t, buildtypes.KindFunction)
	req.Limits = buildtypes.Limits{Uncompressed: 1024}

	_, err := bp.Run(context.Background(), req)
	require.Error(t, err)

	phases := sink.Phases("fn")
	require.NotEmpty(t, phases)
	assert.Equal(t, "size-check failed", phases[len(phases)-1])
	assert.Equal(t, progress.OutcomeFailed, sink.Outcomes()["fn"])
}

func TestRun_CancelledContextNeverSkips(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, files: map[string][]byte{"bootstrap": []byte("binary")}}
	sink := &progress.Recorder{}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, sink, nil)
	req := goRequest(t, buildtypes.KindFunction)

	fp, err := digest.NewGate(manifest.SourceOptions{}, zerolog.Nop()).Compute(req)
	require.NoError(t, err)
	req.ExistingDigests = buildtypes.NewDigestSet(fp.Digest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	artifact, err := bp.Run(ctx, req)
	require.Error(t, err)
	assert.Nil(t, artifact)

	var buildErr *buildtypes.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, buildtypes.CategoryCancelled, buildErr.Category)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fb.Calls())
	assert.Equal(t, progress.OutcomeCancelled, sink.Outcomes()["fn"])
}

func TestRun_BuilderFailureCarriesDiagnostic(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, err: &buildtypes.ToolchainError{
		Tool:     "docker buildx",
		ExitCode: 1,
		Output:   "./main.go:3:1: syntax error\n",
		Err:      errors.New("exit status 1"),
	}}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, nil, nil)
	req := goRequest(t, buildtypes.KindFunction)

	_, err := bp.Run(context.Background(), req)

	var buildErr *buildtypes.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, buildtypes.PhaseBuild, buildErr.Phase)
	assert.Equal(t, buildtypes.CategoryToolchain, buildErr.Category)
	assert.Contains(t, buildErr.Diagnostic, "syntax error")
	assert.Empty(t, stagingDirs(t, req.OutputDir))
}

func TestRun_MissingEntryIsInputError(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo}
	bp := newPack(t, buildtypes.KindFunction, fb, nil, nil, nil)
	req := goRequest(t, buildtypes.KindFunction)
	req.EntryFile = "cmd/missing.go"

	_, err := bp.Run(context.Background(), req)

	var buildErr *buildtypes.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, buildtypes.CategoryInput, buildErr.Category)
	assert.Contains(t, err.Error(), "missing.go")
	assert.Equal(t, 0, fb.Calls())
}

func TestRun_RejectsForeignRequest(t *testing.T) {
	bp := newPack(t, buildtypes.KindFunction, &fakeBuilder{lang: buildtypes.LanguageGo}, nil, nil, nil)
	req := goRequest(t, buildtypes.KindContainer)

	_, err := bp.Run(context.Background(), req)

	var inputErr *buildtypes.InputError
	assert.ErrorAs(t, err, &inputErr)
}

func TestRun_ContainerShape(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, image: "fn:0123456789ab"}
	engine := &fakeEngine{size: 20 * buildtypes.MB}
	bp := newPack(t, buildtypes.KindContainer, fb, engine, nil, nil)
	req := goRequest(t, buildtypes.KindContainer)

	artifact, err := bp.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "fn:0123456789ab", artifact.ImageRef)
	assert.Equal(t, 20*buildtypes.MB, artifact.Size)
	assert.Empty(t, artifact.ArtifactPath)
	assert.Empty(t, engine.removed)
}

func TestRun_ContainerShapeKeepsMeasuredBundle(t *testing.T) {
	fb := &fakeBuilder{
		lang:  buildtypes.LanguageGo,
		image: "fn:0123456789ab",
		files: map[string][]byte{"index.js": []byte("module.exports = {}\n"), "lib/util.js": make([]byte, 100)},
	}
	bp := newPack(t, buildtypes.KindContainer, fb, &fakeEngine{size: 20 * buildtypes.MB}, nil, nil)
	req := goRequest(t, buildtypes.KindContainer)

	artifact, err := bp.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(req.OutputDir, BundleDir), artifact.OutputDir)
	assert.FileExists(t, filepath.Join(req.OutputDir, BundleDir, "lib", "util.js"))
	metadata, ok := artifact.Metadata.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(len("module.exports = {}\n")+100), metadata["bundleSize"])
	assert.Equal(t, "sha256:feed", metadata["imageId"])
}

func TestRun_OversizedImageIsRemoved(t *testing.T) {
	fb := &fakeBuilder{lang: buildtypes.LanguageGo, image: "fn:0123456789ab"}
	engine := &fakeEngine{size: 300 * buildtypes.MB}
	bp := newPack(t, buildtypes.KindContainer, fb, engine, nil, nil)
	req := goRequest(t, buildtypes.KindContainer)

	_, err := bp.Run(context.Background(), req)

	var sizeErr *buildtypes.SizeLimitError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, []string{"fn:0123456789ab"}, engine.removed)
}

func TestRun_NodeEntryWithinDefaultLimits(t *testing.T) {
	src := t.TempDir()
	entry := strings.Join([]string{
		"const greet = (name) => `hello ${name}`",
		"",
		"const handler = async (event) => {",
		"  const name = (event && event.name) || 'world'",
		"  return {",
		"    statusCode: 200,",
		"    body: JSON.stringify({ message: greet(name) }),",
		"  }",
		"}",
		"module.exports = { handler }",
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.js"), []byte(entry), 0644))

	nb := builder.NewNodeBuilder(bundler.New(zerolog.Nop()), dockerfile.NewGenerator(nil), nil, nil, zerolog.Nop())
	bp := newPack(t, buildtypes.KindFunction, nb, nil, nil, nil)
	req := &buildtypes.Request{
		Workload:  "hello",
		Language:  buildtypes.LanguageNodeJS,
		Kind:      buildtypes.KindFunction,
		SourceDir: src,
		OutputDir: filepath.Join(t.TempDir(), "hello"),
		EntryFile: "index.js",
		Limits:    buildtypes.DefaultFunctionLimits(),
	}

	artifact, err := bp.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, buildtypes.OutcomeBundled, artifact.Outcome)
	assert.FileExists(t, filepath.Join(req.OutputDir, "hello.zip"))
	assert.FileExists(t, filepath.Join(req.OutputDir, BundleDir, "index.js"))
	assert.Less(t, artifact.Size, req.Limits.Uncompressed)
	assert.Less(t, artifact.CompressedSize, req.Limits.Compressed)
}

func TestNew_Validation(t *testing.T) {
	gate := digest.NewGate(manifest.SourceOptions{}, zerolog.Nop())
	service := builder.NewService(builder.NewTracker(zerolog.Nop()), time.Minute, zerolog.Nop())
	fb := &fakeBuilder{lang: buildtypes.LanguageGo}

	_, err := New(Config{Kind: "vm", Gate: gate, Service: service, Builder: fb}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Kind: buildtypes.KindFunction, Gate: gate, Service: service, Builder: fb}, zerolog.Nop())
	assert.Error(t, err, "function kind needs an archiver")

	_, err = New(Config{Kind: buildtypes.KindContainer, Gate: gate, Service: service, Builder: fb}, zerolog.Nop())
	assert.Error(t, err, "container kind needs an engine")
}

func TestRegistry(t *testing.T) {
	var builders []builder.Builder
	for _, lang := range buildtypes.Languages {
		builders = append(builders, &fakeBuilder{lang: lang})
	}

	registry, err := NewRegistry(Components{
		Gate:     digest.NewGate(manifest.SourceOptions{}, zerolog.Nop()),
		Service:  builder.NewService(builder.NewTracker(zerolog.Nop()), time.Minute, zerolog.Nop()),
		Builders: builders,
		Archiver: archive.NewArchiver(0, zerolog.Nop()),
		Engine:   &fakeEngine{},
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"go-container", "go-function",
		"java-container", "java-function",
		"nodejs-container", "nodejs-function",
		"python-container", "python-function",
	}, registry.Names())

	bp, err := registry.Get(buildtypes.KindContainer, buildtypes.LanguagePython)
	require.NoError(t, err)
	assert.Equal(t, "python-container", bp.Name())

	_, err = registry.Get(buildtypes.KindFunction, "rust")
	var noPack ErrNoBuildpack
	assert.ErrorAs(t, err, &noPack)

	assert.Error(t, registry.Register(bp), "duplicate registration")
}
