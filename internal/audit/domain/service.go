package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/vendora-hq/vendora/internal/entityref"
	"github.com/vendora-hq/vendora/pkg/db/pagination"
)

// Entry is one change to record. Before/After hold entity snapshots as
// plain maps; nil means the entity did not exist on that side.
type Entry struct {
	OrgID  snowflake.ID
	Entity entityref.Ref
	Action string
	Before map[string]any
	After  map[string]any
}

type ListRequest struct {
	pagination.Pagination
	Action     string
	EntityKind string
	EntityID   string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Records []AuditRecord `json:"audit_records"`
}

type Service interface {
	// Record appends an audit record. It is best-effort: a persistence
	// failure is logged and counted, never surfaced to the caller.
	Record(ctx context.Context, entry Entry)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
	ErrInvalidAction       = errors.New("invalid_action")
)
