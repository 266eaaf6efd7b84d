package domain

import (
	"time"

	"github.com/google/uuid"
)

// Sync results reported per item by the sync stage.
const (
	SyncCreated = "created"
	SyncUpdated = "updated"
	SyncSkipped = "skipped"
)

// Item is a finalized question item synchronized into the product database
// by the sync stage.
type Item struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ArtifactID  string     `gorm:"not null;uniqueIndex" json:"artifact_id"`
	ItemXML     string     `gorm:"column:item_xml;type:text;not null" json:"item_xml"`
	Fingerprint string     `gorm:"index" json:"fingerprint,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (Item) TableName() string { return "item" }
