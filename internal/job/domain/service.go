package domain

import (
	"context"
	"errors"
	"time"

	"github.com/vendora-hq/vendora/pkg/db/pagination"
)

type SubmitRequest struct {
	QueryText        string         `json:"query_text"`
	RefinedQuery     string         `json:"refined_query"`
	Filters          map[string]any `json:"filters"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
}

// ProgressRequest is one cooperative agent checkpoint. CostDeltaUSD is
// debited against the org's agent-cost quota before the job mutates.
type ProgressRequest struct {
	JobID           string         `json:"job_id"`
	Progress        int64          `json:"progress"`
	ProgressPct     int            `json:"progress_pct"`
	CurrentStep     string         `json:"current_step"`
	ProductsFound   int64          `json:"products_found"`
	VendorsSearched int64          `json:"vendors_searched"`
	CostDeltaUSD    float64        `json:"cost_delta_usd"`
	Metadata        map[string]any `json:"metadata"`
}

type AppendActionRequest struct {
	JobID      string         `json:"job_id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	DurationMs int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata"`
}

type ListJobsRequest struct {
	pagination.Pagination
	Status string `form:"status"`
}

type ListJobsResponse struct {
	pagination.PageInfo
	Jobs []Job `json:"jobs"`
}

type ListActionsRequest struct {
	JobID    string
	AfterSeq int64
	PageSize int
}

type ListActionsResponse struct {
	Entries []ActionEntry `json:"action_entries"`
	NextSeq int64         `json:"next_seq"`
	HasMore bool          `json:"has_more"`
}

type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*Job, error)
	Start(ctx context.Context, jobID string) (*Job, error)
	RecordProgress(ctx context.Context, req ProgressRequest) (*Job, error)
	Complete(ctx context.Context, jobID, resultSummary string) (*Job, error)
	Fail(ctx context.Context, jobID, reason string) (*Job, error)
	Cancel(ctx context.Context, jobID string) (*Job, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context, req ListJobsRequest) (ListJobsResponse, error)

	// ListStale returns running jobs with no checkpoint since cutoff,
	// across orgs, for the staleness sweep.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)

	// AppendAction allocates the next gap-free sequence number under the
	// job's exclusive section and writes the entry.
	AppendAction(ctx context.Context, req AppendActionRequest) (int64, error)
	ListActions(ctx context.Context, req ListActionsRequest) (ListActionsResponse, error)
}

// FailReasonTimeout marks jobs failed by the staleness sweep rather than
// by the agent itself.
const FailReasonTimeout = "timeout"

var (
	ErrNotFound            = errors.New("not_found")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrJobClosed           = errors.New("job_closed")
	ErrInvalidQuery        = errors.New("invalid_query")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidJobID        = errors.New("invalid_job_id")
	ErrInvalidOrganization = errors.New("invalid_organization")
)
