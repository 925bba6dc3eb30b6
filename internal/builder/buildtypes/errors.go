package buildtypes

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Phase names the pipeline step in which a workload failed
type Phase string

const (
	PhaseDigest    Phase = "digest"
	PhaseBuild     Phase = "build"
	PhaseArchive   Phase = "archive"
	PhaseSizeCheck Phase = "size-check"
)

// Category classifies a failure
type Category string

const (
	CategoryInput         Category = "input"
	CategoryToolchain     Category = "toolchain"
	CategorySizeLimit     Category = "size-limit"
	CategoryCacheDecision Category = "cache-decision"
	CategoryCancelled     Category = "cancelled"
	CategoryInternal      Category = "internal"
)

// ErrEngineUnavailable is returned when the container engine cannot be reached
var ErrEngineUnavailable = errors.New("container engine unavailable")

// BuildError is the workload-scoped error surfaced to callers
type BuildError struct {
	Workload string
	Phase    Phase
	Category Category
	// Diagnostic is raw output from an external tool, if one was involved
	Diagnostic string
	Err        error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("workload %q: %s failed (%s): %v", e.Workload, e.Phase, e.Category, e.Err)
	if e.Diagnostic != "" {
		msg += "\n" + strings.TrimRight(e.Diagnostic, "\n")
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// NewBuildError wraps err for workload and phase, deriving the category and
// diagnostic text from the error chain. An existing BuildError is returned
// unchanged.
func NewBuildError(workload string, phase Phase, err error) *BuildError {
	var be *BuildError
	if errors.As(err, &be) {
		return be
	}

	buildErr := &BuildError{
		Workload: workload,
		Phase:    phase,
		Category: Categorize(err),
		Err:      err,
	}

	var te *ToolchainError
	if errors.As(err, &te) {
		buildErr.Diagnostic = te.Output
	}

	return buildErr
}

// Categorize maps an error chain to a failure category
func Categorize(err error) Category {
	var (
		inputErr *InputError
		sizeErr  *SizeLimitError
		toolErr  *ToolchainError
		cacheErr *CacheDecisionError
	)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	case errors.As(err, &sizeErr):
		return CategorySizeLimit
	case errors.As(err, &inputErr):
		return CategoryInput
	case errors.As(err, &cacheErr):
		return CategoryCacheDecision
	case errors.As(err, &toolErr), errors.Is(err, ErrEngineUnavailable):
		return CategoryToolchain
	default:
		return CategoryInternal
	}
}

// InputError reports unreadable sources, missing entry files and invalid
// requests
type InputError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason)
	if e.Path != "" {
		b.WriteString(": ")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// CacheDecisionError reports a digest computation failure such as a file
// disappearing while it is being hashed
type CacheDecisionError struct {
	Err error
}

func (e *CacheDecisionError) Error() string {
	return "digest computation failed: " + e.Err.Error()
}

func (e *CacheDecisionError) Unwrap() error {
	return e.Err
}

// ToolchainError carries the exit status and verbatim output of an external
// build tool
type ToolchainError struct {
	Tool     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolchainError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s exited with status %d: %v", e.Tool, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolchainError) Unwrap() error {
	return e.Err
}

// Size measures
const (
	MeasureUncompressed = "uncompressed"
	MeasureCompressed   = "compressed"
)

// SizeLimitError is returned when an artifact exceeds a configured ceiling
type SizeLimitError struct {
	Measure string
	Size    int64
	Limit   int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("%s artifact size %s exceeds limit of %s (%d > %d bytes)",
		e.Measure, FormatSize(e.Size), FormatSize(e.Limit), e.Size, e.Limit)
}

// FormatSize renders bytes as mebibytes with one decimal
func FormatSize(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/float64(MB))
}
