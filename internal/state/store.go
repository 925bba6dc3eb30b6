// Package state remembers which digests have already been packaged so later
// runs can skip them.
package state

import (
	"context"

	"github.com/google/uuid"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// DigestStore is the deployment-state collaborator: it supplies the digests
// already deployed and records new ones
type DigestStore interface {
	ExistingDigests(ctx context.Context) (buildtypes.DigestSet, error)
	// Record stores the settled artifacts of a run. Nil entries (failed
	// workloads) are ignored; failed counts them.
	Record(ctx context.Context, runID uuid.UUID, artifacts []*buildtypes.PackagedArtifact) error
	LatestDigest(ctx context.Context, workload string) (string, error)
}

// ErrNotFound is returned when nothing is recorded for a workload
type ErrNotFound struct {
	Workload string
}

func (e ErrNotFound) Error() string {
	return "no digest recorded for workload " + e.Workload
}
