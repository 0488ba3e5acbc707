package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	OrgID      snowflake.ID
	Action     string
	EntityKind string
	EntityID   snowflake.ID
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *AuditRecord) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditRecord, error)
}
