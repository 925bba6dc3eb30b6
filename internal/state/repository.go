package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// Repository stores packaging runs in a SQL database
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new state repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Record stores a run and one row per packaged artifact in a transaction
func (r *Repository) Record(ctx context.Context, runID uuid.UUID, artifacts []*buildtypes.PackagedArtifact) error {
	run := &PackagingRun{
		ID:        runID,
		Status:    RunSucceeded,
		Workloads: len(artifacts),
	}

	for _, a := range artifacts {
		if a == nil {
			run.Failed++
			continue
		}
		run.Artifacts = append(run.Artifacts, Artifact{
			Workload:       a.Workload,
			Language:       string(a.Language),
			Kind:           string(a.Kind),
			Digest:         a.Digest,
			Outcome:        string(a.Outcome),
			ArtifactPath:   a.ArtifactPath,
			ImageRef:       a.ImageRef,
			Size:           a.Size,
			CompressedSize: a.CompressedSize,
			DurationMs:     a.Duration.Milliseconds(),
		})
	}
	if run.Failed > 0 {
		run.Status = RunFailed
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(run).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record packaging run: %w", err)
	}

	return nil
}

// ExistingDigests returns every digest recorded by a previous run
func (r *Repository) ExistingDigests(ctx context.Context) (buildtypes.DigestSet, error) {
	var digests []string

	if err := r.db.WithContext(ctx).
		Model(&Artifact{}).
		Distinct("digest").
		Pluck("digest", &digests).Error; err != nil {
		return nil, fmt.Errorf("failed to load existing digests: %w", err)
	}

	return buildtypes.NewDigestSet(digests...), nil
}

// LatestDigest returns the digest most recently recorded for workload
func (r *Repository) LatestDigest(ctx context.Context, workload string) (string, error) {
	var artifact Artifact

	if err := r.db.WithContext(ctx).
		Where("workload = ?", workload).
		Order("created_at DESC").
		First(&artifact).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound{Workload: workload}
		}
		return "", fmt.Errorf("failed to get latest digest: %w", err)
	}

	return artifact.Digest, nil
}

// GetRun retrieves a run and its artifacts
func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (*PackagingRun, error) {
	var run PackagingRun

	if err := r.db.WithContext(ctx).
		Preload("Artifacts").
		First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("packaging run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get packaging run: %w", err)
	}

	return &run, nil
}

// ListRuns retrieves runs, newest first
func (r *Repository) ListRuns(ctx context.Context, limit, offset int) ([]PackagingRun, error) {
	var runs []PackagingRun

	query := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)

	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list packaging runs: %w", err)
	}

	return runs, nil
}
