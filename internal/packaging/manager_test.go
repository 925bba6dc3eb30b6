package packaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/app-packager/internal/archive"
	"github.com/alvesdmateus/app-packager/internal/builder"
	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
	"github.com/alvesdmateus/app-packager/internal/builder/strategies"
	"github.com/alvesdmateus/app-packager/internal/buildpack"
	"github.com/alvesdmateus/app-packager/internal/digest"
	"github.com/alvesdmateus/app-packager/internal/manifest"
	"github.com/alvesdmateus/app-packager/pkg/models"
)

// stubBuilder writes one file per build and tracks peak concurrency
type stubBuilder struct {
	lang  buildtypes.Language
	delay time.Duration

	mu      sync.Mutex
	running int
	peak    int
	calls   int
}

func (s *stubBuilder) Language() buildtypes.Language { return s.lang }

func (s *stubBuilder) Build(ctx context.Context, job *builder.Job) (*builder.Output, error) {
	s.mu.Lock()
	s.calls++
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}

	out := filepath.Join(job.StagingDir, "out")
	if err := os.MkdirAll(out, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(out, "handler"), []byte(job.Request.Workload), 0644); err != nil {
		return nil, err
	}
	return &builder.Output{Dir: out}, nil
}

type stubEngine struct{}

func (stubEngine) Ping(ctx context.Context) error { return nil }

func (stubEngine) InspectImage(ctx context.Context, ref string) (*strategies.ImageInfo, error) {
	return &strategies.ImageInfo{Size: 1}, nil
}

func (stubEngine) RemoveImage(ctx context.Context, ref string) error { return nil }

func newManager(t *testing.T, b *stubBuilder, concurrency int) *Manager {
	t.Helper()
	gate := digest.NewGate(manifest.SourceOptions{}, zerolog.Nop())
	registry, err := buildpack.NewRegistry(buildpack.Components{
		Gate:     gate,
		Service:  builder.NewService(builder.NewTracker(zerolog.Nop()), time.Minute, zerolog.Nop()),
		Builders: []builder.Builder{b},
		Archiver: archive.NewArchiver(0, zerolog.Nop()),
		Engine:   stubEngine{},
	}, zerolog.Nop())
	require.NoError(t, err)
	return NewManager(registry, gate, concurrency, zerolog.Nop())
}

func pythonWorkload(t *testing.T, name, body string) models.Workload {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "handler.py"), []byte(body), 0644))
	return models.Workload{
		Name:     name,
		Kind:     buildtypes.KindFunction,
		Language: buildtypes.LanguagePython,
		Source:   src,
		Entry:    "handler.py",
	}
}

func TestPackageAll_CollectsEveryError(t *testing.T) {
	b := &stubBuilder{lang: buildtypes.LanguagePython}
	m := newManager(t, b, 2)

	broken := pythonWorkload(t, "second", "def handler(event, ctx): pass\n")
	broken.Entry = "missing.py"
	workloads := []models.Workload{
		pythonWorkload(t, "first", "def handler(event, ctx): return 1\n"),
		broken,
		pythonWorkload(t, "third", "def handler(event, ctx): return 3\n"),
	}

	out := t.TempDir()
	results, err := m.PackageAll(context.Background(), workloads, Options{
		OutputRoot:    out,
		DefaultLimits: buildtypes.DefaultFunctionLimits(),
	})
	require.Error(t, err)
	require.Len(t, results, 3)

	require.NotNil(t, results[0])
	assert.Nil(t, results[1])
	require.NotNil(t, results[2])
	assert.Equal(t, "first", results[0].Workload)
	assert.Equal(t, "third", results[2].Workload)
	assert.FileExists(t, filepath.Join(out, "first", "first.zip"))
	assert.FileExists(t, filepath.Join(out, "third", "third.zip"))

	var buildErr *buildtypes.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "second", buildErr.Workload)
	assert.Equal(t, buildtypes.CategoryInput, buildErr.Category)
	assert.Equal(t, 2, b.calls, "the broken workload never reaches its builder")
}

func TestPackageAll_ErrorsInInputOrder(t *testing.T) {
	m := newManager(t, &stubBuilder{lang: buildtypes.LanguagePython}, 4)

	var workloads []models.Workload
	for _, name := range []string{"a", "b", "c"} {
		w := pythonWorkload(t, name, "x = 1\n")
		w.Entry = "missing.py"
		workloads = append(workloads, w)
	}

	_, err := m.PackageAll(context.Background(), workloads, Options{OutputRoot: t.TempDir()})
	require.Error(t, err)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	var names []string
	for _, e := range joined.Unwrap() {
		var be *buildtypes.BuildError
		require.True(t, errors.As(e, &be))
		names = append(names, be.Workload)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestPackageAll_BoundedConcurrency(t *testing.T) {
	b := &stubBuilder{lang: buildtypes.LanguagePython, delay: 30 * time.Millisecond}
	m := newManager(t, b, 2)

	var workloads []models.Workload
	for _, name := range []string{"w1", "w2", "w3", "w4", "w5"} {
		workloads = append(workloads, pythonWorkload(t, name, "print('"+name+"')\n"))
	}

	results, err := m.PackageAll(context.Background(), workloads, Options{OutputRoot: t.TempDir()})
	require.NoError(t, err)

	for i, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, workloads[i].Name, r.Workload)
	}
	assert.Equal(t, 5, b.calls)
	assert.LessOrEqual(t, b.peak, 2)
}

func TestPackageAll_SkipsExistingDigests(t *testing.T) {
	b := &stubBuilder{lang: buildtypes.LanguagePython}
	m := newManager(t, b, 2)
	workloads := []models.Workload{
		pythonWorkload(t, "api", "def handler(e, c): return 'api'\n"),
		pythonWorkload(t, "jobs", "def handler(e, c): return 'jobs'\n"),
	}
	opts := Options{OutputRoot: t.TempDir()}

	digests, err := m.Digests(context.Background(), workloads, opts)
	require.NoError(t, err)
	require.Len(t, digests, 2)
	assert.Equal(t, buildtypes.OutcomeBundled, digests[0].Outcome)

	opts.ExistingDigests = buildtypes.NewDigestSet(digests[0].Digest)
	results, err := m.PackageAll(context.Background(), workloads, opts)
	require.NoError(t, err)

	assert.Equal(t, buildtypes.OutcomeSkipped, results[0].Outcome)
	assert.Equal(t, digests[0].Digest, results[0].Digest)
	assert.Equal(t, buildtypes.OutcomeBundled, results[1].Outcome)
	assert.Equal(t, digests[1].Digest, results[1].Digest)
	assert.Equal(t, 1, b.calls)
}

func TestPackageAll_RejectsDuplicateNames(t *testing.T) {
	b := &stubBuilder{lang: buildtypes.LanguagePython}
	m := newManager(t, b, 2)
	workloads := []models.Workload{
		pythonWorkload(t, "api", "a = 1\n"),
		pythonWorkload(t, "api", "a = 2\n"),
	}

	results, err := m.PackageAll(context.Background(), workloads, Options{OutputRoot: t.TempDir()})

	assert.Nil(t, results)
	var inputErr *buildtypes.InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Contains(t, inputErr.Error(), `"api"`)
	assert.Equal(t, 0, b.calls)
}

func TestPackageAll_UnregisteredLanguage(t *testing.T) {
	m := newManager(t, &stubBuilder{lang: buildtypes.LanguagePython}, 1)
	w := pythonWorkload(t, "svc", "a = 1\n")
	w.Language = buildtypes.LanguageJava

	_, err := m.PackageAll(context.Background(), []models.Workload{w}, Options{OutputRoot: t.TempDir()})

	var buildErr *buildtypes.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, buildtypes.CategoryInput, buildErr.Category)
	assert.Contains(t, err.Error(), "no buildpack for java function workloads")
}

func TestPackageAll_Cancelled(t *testing.T) {
	b := &stubBuilder{lang: buildtypes.LanguagePython}
	m := newManager(t, b, 2)
	workloads := []models.Workload{pythonWorkload(t, "a", "x = 1\n"), pythonWorkload(t, "b", "x = 2\n")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := m.PackageAll(ctx, workloads, Options{OutputRoot: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []*buildtypes.PackagedArtifact{nil, nil}, results)
	assert.Equal(t, 0, b.calls)
}

func TestNewManager_DefaultConcurrency(t *testing.T) {
	m := newManager(t, &stubBuilder{lang: buildtypes.LanguagePython}, 0)
	assert.Positive(t, m.Concurrency())
}
