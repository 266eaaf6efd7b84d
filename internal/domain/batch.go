package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Batch job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// FailedItem is one artifact's recorded failure within a batch.
type FailedItem struct {
	ArtifactID string    `json:"artifact_id"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// BatchJob is one invocation of the run coordinator over a batch of
// artifacts. Mutated while running; immutable once status is terminal.
type BatchJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Kind        string         `gorm:"not null;index" json:"kind"`
	TargetStage string         `gorm:"not null" json:"target_stage"`
	ArtifactIDs datatypes.JSON `gorm:"type:jsonb" json:"artifact_ids"`
	Force       bool           `gorm:"not null;default:false" json:"force"`
	Concurrency int            `gorm:"not null;default:4" json:"concurrency"`
	Status      string         `gorm:"not null;index" json:"status"`
	Total       int            `gorm:"not null;default:0" json:"total"`
	Completed   int            `gorm:"not null;default:0" json:"completed"`
	Failed      int            `gorm:"not null;default:0" json:"failed"`
	Skipped     int            `gorm:"not null;default:0" json:"skipped"`
	CurrentItem string         `json:"current_item,omitempty"`
	FailedItems datatypes.JSON `gorm:"type:jsonb" json:"failed_items"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	LockedAt    *time.Time     `gorm:"index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"index" json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (BatchJob) TableName() string { return "batch_job" }
