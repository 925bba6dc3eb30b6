package state

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run statuses
const (
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
)

// PackagingRun is one recorded packaging invocation
type PackagingRun struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Status    string    `gorm:"not null"`
	Workloads int
	Failed    int
	CreatedAt time.Time

	// Relationships
	Artifacts []Artifact `gorm:"foreignKey:RunID"`
}

// BeforeCreate assigns an ID so the model works on databases without
// server-side UUID generation
func (r *PackagingRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Artifact is the recorded outcome of one workload in a run
type Artifact struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID          uuid.UUID `gorm:"type:uuid;not null;index"`
	Workload       string    `gorm:"not null;index"`
	Language       string
	Kind           string
	Digest         string `gorm:"not null;index"`
	Outcome        string `gorm:"not null"`
	ArtifactPath   string
	ImageRef       string
	Size           int64
	CompressedSize int64
	DurationMs     int64
	CreatedAt      time.Time
}

// BeforeCreate assigns an ID
func (a *Artifact) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Models lists every model for migrations
func Models() []interface{} {
	return []interface{}{
		&PackagingRun{},
		&Artifact{},
	}
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
