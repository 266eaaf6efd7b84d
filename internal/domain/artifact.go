package domain

import (
	"time"

	"github.com/google/uuid"
)

// Artifact kinds with built-in pipelines.
const (
	KindQuestion = "question"
	KindVariant  = "variant"
)

// Review states for generated content awaiting human sign-off.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// Artifact is a unit of content moving through a pipeline: a test, a
// question, or a question-variant. Rows are created lazily on first stage
// execution and never deleted automatically.
type Artifact struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Kind        string    `gorm:"not null;index" json:"kind"`
	ParentID    string    `gorm:"index" json:"parent_id,omitempty"`
	ReviewState string    `gorm:"not null;default:pending" json:"review_state"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Artifact) TableName() string { return "artifact" }

// Stage record statuses.
const (
	StageNotStarted = "not_started"
	StageInProgress = "in_progress"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// StageRecord is the per-(artifact, stage) manifest entry: the durable source
// of truth for what has already been done. status=completed implies OutputRef
// is set and readable. Version guards concurrent writers; a stale update
// surfaces as a write conflict instead of last-write-wins.
type StageRecord struct {
	ID           uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ArtifactID   string     `gorm:"not null;index:idx_stage_record_key,unique" json:"artifact_id"`
	Stage        string     `gorm:"not null;index:idx_stage_record_key,unique" json:"stage"`
	Status       string     `gorm:"not null;default:not_started" json:"status"`
	AttemptCount int        `gorm:"not null;default:0" json:"attempt_count"`
	LastError    string     `gorm:"column:last_error" json:"last_error,omitempty"`
	OutputRef    string     `gorm:"column:output_ref" json:"output_ref,omitempty"`
	CompletedAt  *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Version      int        `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (StageRecord) TableName() string { return "stage_record" }

// Fingerprint records the first-seen artifact per (parent, fingerprint).
// The unique index is what makes RegisterIfNew an atomic check-and-set.
type Fingerprint struct {
	ID               uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ParentArtifactID string    `gorm:"not null;index:idx_fingerprint_key,unique" json:"parent_artifact_id"`
	Value            string    `gorm:"column:value;not null;index:idx_fingerprint_key,unique" json:"value"`
	ArtifactID       string    `gorm:"not null;index" json:"artifact_id"`
	CreatedAt        time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (Fingerprint) TableName() string { return "fingerprint" }
