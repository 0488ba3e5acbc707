// Package domain contains the inbound webhook event store. Every
// delivery is recorded once per (source, external_id) forever; processing
// outcome is tracked on the row itself.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EventStatus string

const (
	StatusReceived EventStatus = "received"
	// StatusProcessing marks a claimed row: the claim is a guarded
	// UPDATE, so across replicas exactly one delivery wins the right to
	// apply side effects.
	StatusProcessing EventStatus = "processing"
	StatusProcessed  EventStatus = "processed"
	StatusFailed     EventStatus = "failed"
	StatusIgnored    EventStatus = "ignored"
)

// IgnoreReasonNoMatch marks events whose payload resolved to no
// negotiation. They are terminal and only inspectable for manual triage.
const IgnoreReasonNoMatch = "no_matching_negotiation"

type WebhookEvent struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Source     string       `gorm:"type:text;not null;uniqueIndex:uq_webhook_source_event"`
	ExternalID string       `gorm:"type:text;not null;uniqueIndex:uq_webhook_source_event"`
	EventType  string       `gorm:"type:text"`

	Payload datatypes.JSONMap `gorm:"type:jsonb"`
	Status  EventStatus       `gorm:"type:text;not null;index"`

	IgnoreReason string `gorm:"type:text"`
	ProcessError string `gorm:"type:text"`
	Attempts     int    `gorm:"not null;default:0"`

	NegotiationID snowflake.ID `gorm:"index"`

	ReceivedAt  time.Time  `gorm:"not null;index"`
	ProcessedAt *time.Time ``
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }
