// Package builder turns a workload's source tree into a raw build output:
// an in-process bundle for nodejs and a containerized build for the
// compiled and interpreter-runtime languages.
package builder

import (
	"context"
	"time"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// Job is one builder invocation
type Job struct {
	Request *buildtypes.Request
	// Digest is the cache gate's digest, used to tag images
	Digest string
	// StagingDir is private to the invocation and removed by the caller
	StagingDir string
}

// Output is the raw result of a build
type Output struct {
	// Dir holds the build output; empty for image-only builds
	Dir string
	// EntryOutput is the built entry file relative to Dir, if meaningful
	EntryOutput string
	ImageRef    string
	ImageID     string
	Log         string
	Metadata    any
}

// Builder builds one language
type Builder interface {
	Build(ctx context.Context, job *Job) (*Output, error)
	Language() buildtypes.Language
}

// DefaultBuildTimeout is the default maximum time allowed for a build
const DefaultBuildTimeout = 30 * time.Minute

// Image labels applied to containerized builds
const (
	LabelWorkload = "io.app-packager.workload"
	LabelDigest   = "io.app-packager.digest"
	LabelGoModule = "io.app-packager.go-module"
)

// ImageTag returns the local tag of a workload image
func ImageTag(workload, digest string) string {
	short := digest
	if len(short) > 12 {
		short = short[:12]
	}
	if short == "" {
		short = "latest"
	}
	return workload + ":" + short
}
