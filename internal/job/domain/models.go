// Package domain contains the agent-run lifecycle models: jobs and their
// strictly ordered action log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// transitions is the single source of truth for the job state graph.
// Status columns never rely on database constraints to prevent illegal
// writes; every move is checked here first and guarded again by a
// conditional UPDATE.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is on the state graph.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing edges.
func (s JobStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Job is one agent-driven procurement search run. Accrued cost is
// monotonically non-decreasing and the job belongs to one org for life.
type Job struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	OrgID        snowflake.ID      `gorm:"not null;index"`
	QueryText    string            `gorm:"type:text;not null"`
	RefinedQuery string            `gorm:"type:text"`
	Filters      datatypes.JSONMap `gorm:"type:jsonb"`
	Status       JobStatus         `gorm:"type:text;not null;index"`

	Progress        int64  `gorm:"not null;default:0"`
	ProgressPct     int    `gorm:"not null;default:0"`
	CurrentStep     string `gorm:"type:text"`
	ProductsFound   int64  `gorm:"not null;default:0"`
	VendorsSearched int64  `gorm:"not null;default:0"`

	EstimatedCostUSD float64 `gorm:"not null;default:0"`
	AccruedCostUSD   float64 `gorm:"not null;default:0"`

	// ActionSeq backs the gap-free action log sequence. It is only
	// advanced inside the per-job exclusive section.
	ActionSeq int64 `gorm:"not null;default:0"`

	ResultSummary string `gorm:"type:text"`
	ErrorMessage  string `gorm:"type:text"`

	CreatedAt time.Time  `gorm:"not null;index"`
	UpdatedAt time.Time  `gorm:"not null"`
	StartedAt *time.Time ``
	EndedAt   *time.Time `gorm:"index"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// ActionEntry is one ordered step recorded during a job's execution.
// Entries are immutable once written and totally ordered by Seq,
// independent of wall-clock arrival order under concurrent writers.
type ActionEntry struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	JobID      snowflake.ID      `gorm:"not null;uniqueIndex:uq_action_job_seq"`
	Seq        int64             `gorm:"not null;uniqueIndex:uq_action_job_seq"`
	Actor      string            `gorm:"type:text;not null"`
	Action     string            `gorm:"type:text;not null"`
	DurationMs int64             `gorm:"not null;default:0"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (ActionEntry) TableName() string { return "action_entries" }
