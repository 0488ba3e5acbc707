// Package domain contains persistence models for cost attribution and
// quota accounting.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageRecord stores one immutable fact of resource consumption and its
// cost. Corrections are new compensating records, never edits.
type UsageRecord struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	OrgID         snowflake.ID      `gorm:"not null;index:idx_usage_org_period"`
	ResourceKind  string            `gorm:"type:text;not null;index"`
	Quantity      int64             `gorm:"not null"`
	CostUSD       float64           `gorm:"not null"`
	BillingPeriod string            `gorm:"type:text;not null;index:idx_usage_org_period"` // "2025-09"
	EntityKind    string            `gorm:"type:text"`
	EntityID      snowflake.ID      ``
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// Quota is a tenant's consumption ceiling for a resource kind within a
// billing period. consumed <= limit holds after every successful debit.
type Quota struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	OrgID        snowflake.ID `gorm:"not null;uniqueIndex:uq_quota_scope"`
	ResourceKind string       `gorm:"type:text;not null;uniqueIndex:uq_quota_scope"`
	Period       string       `gorm:"type:text;not null;uniqueIndex:uq_quota_scope"`
	LimitValue   int64        `gorm:"column:limit_value;not null"`
	Consumed     int64        `gorm:"not null;default:0"`
	CreatedAt    time.Time    `gorm:"not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Quota) TableName() string { return "quotas" }
