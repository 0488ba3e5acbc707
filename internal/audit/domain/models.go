// Package domain contains the append-only audit trail models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAgent  ActorType = "agent"
	ActorTypeSystem ActorType = "system"
)

// AuditRecord captures one before/after change for compliance export.
// Rows are append-only and never read back by business logic.
type AuditRecord struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	OrgID         snowflake.ID      `gorm:"not null;index"`
	ActorType     string            `gorm:"type:text;not null"`
	ActorID       *string           `gorm:"type:text"`
	EntityKind    string            `gorm:"type:text;not null;index:idx_audit_entity"`
	EntityID      snowflake.ID      `gorm:"index:idx_audit_entity"`
	Action        string            `gorm:"type:text;not null;index"`
	Before        datatypes.JSONMap `gorm:"type:jsonb"`
	After         datatypes.JSONMap `gorm:"type:jsonb"`
	CorrelationID string            `gorm:"type:text;index"`
	CreatedAt     time.Time         `gorm:"not null;index"`
}

// TableName sets the database table name.
func (AuditRecord) TableName() string { return "audit_records" }

// AuditCursor positions a compliance-export page.
type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}
