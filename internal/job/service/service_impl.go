package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/clock"
	"github.com/vendora-hq/vendora/internal/config"
	"github.com/vendora-hq/vendora/internal/entityref"
	jobdomain "github.com/vendora-hq/vendora/internal/job/domain"
	ledgerdomain "github.com/vendora-hq/vendora/internal/ledger/domain"
	obsmetrics "github.com/vendora-hq/vendora/internal/observability/metrics"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	"github.com/vendora-hq/vendora/pkg/db/pagination"
	"github.com/vendora-hq/vendora/pkg/locks"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Resource kinds debited against the org quota.
const (
	ResourceKindJobs      = "jobs"
	ResourceKindAgentCost = "agent_cost"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Locks     *locks.Keyed
	LedgerSvc ledgerdomain.Service
	AuditSvc  auditdomain.Service
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	locks     *locks.Keyed
	ledgerSvc ledgerdomain.Service
	auditSvc  auditdomain.Service
	metrics   *obsmetrics.Metrics
}

func NewService(p Params) jobdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("job.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		locks:     p.Locks,
		ledgerSvc: p.LedgerSvc,
		auditSvc:  p.AuditSvc,
		metrics:   p.Metrics,
	}
}

func (s *Service) Submit(ctx context.Context, req jobdomain.SubmitRequest) (*jobdomain.Job, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, jobdomain.ErrInvalidOrganization
	}

	query := strings.TrimSpace(req.QueryText)
	if query == "" {
		return nil, jobdomain.ErrInvalidQuery
	}

	now := s.clock.Now()
	job := &jobdomain.Job{
		ID:               s.genID.Generate(),
		OrgID:            orgID,
		QueryText:        query,
		RefinedQuery:     strings.TrimSpace(req.RefinedQuery),
		Status:           jobdomain.JobStatusPending,
		EstimatedCostUSD: req.EstimatedCostUSD,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Filters != nil {
		job.Filters = datatypes.JSONMap(req.Filters)
	}

	// Quota gate first: an org with zero job headroom must not create
	// anything.
	_, err := s.ledgerSvc.Debit(ctx, ledgerdomain.DebitRequest{
		ResourceKind: ResourceKindJobs,
		Quantity:     1,
		Period:       s.billingPeriod(),
		Entity:       entityref.Ref{Kind: entityref.KindJob, ID: job.ID},
	})
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		// Give the consumed unit back; otherwise a failed insert eats
		// headroom the org never got a job for.
		if _, rerr := s.ledgerSvc.Refund(ctx, ledgerdomain.DebitRequest{
			ResourceKind: ResourceKindJobs,
			Quantity:     1,
			Period:       s.billingPeriod(),
			Entity:       entityref.Ref{Kind: entityref.KindJob, ID: job.ID},
		}); rerr != nil {
			s.log.Error("refund after failed job insert",
				zap.String("job_id", job.ID.String()),
				zap.Error(rerr))
		}
		return nil, err
	}

	s.auditSvc.Record(ctx, auditdomain.Entry{
		OrgID:  orgID,
		Entity: entityref.Ref{Kind: entityref.KindJob, ID: job.ID},
		Action: "job.submitted",
		After:  snapshot(job),
	})
	s.countTransition("", jobdomain.JobStatusPending)
	return job, nil
}

// Start moves pending -> running. Calling it on a job that is already
// running is an idempotent no-op; any other state is rejected.
func (s *Service) Start(ctx context.Context, jobID string) (*jobdomain.Job, error) {
	return s.withJob(ctx, jobID, func(job *jobdomain.Job) error {
		if job.Status == jobdomain.JobStatusRunning {
			return nil
		}
		if !jobdomain.CanTransition(job.Status, jobdomain.JobStatusRunning) {
			return jobdomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		result := s.db.WithContext(ctx).Exec(
			`UPDATE jobs
			 SET status = ?, started_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			jobdomain.JobStatusRunning,
			now,
			now,
			job.ID,
			jobdomain.JobStatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return jobdomain.ErrInvalidTransition
		}
		s.countTransition(jobdomain.JobStatusPending, jobdomain.JobStatusRunning)
		return nil
	})
}

// RecordProgress is the agent's cooperative checkpoint. The cost delta is
// debited before the job row mutates, so a quota breach halts the job
// without touching its state; a cancelled job surfaces as
// invalid_transition, telling the agent to exit.
func (s *Service) RecordProgress(ctx context.Context, req jobdomain.ProgressRequest) (*jobdomain.Job, error) {
	return s.withJob(ctx, req.JobID, func(job *jobdomain.Job) error {
		if job.Status != jobdomain.JobStatusRunning {
			return jobdomain.ErrInvalidTransition
		}

		if req.CostDeltaUSD > 0 {
			_, err := s.ledgerSvc.Debit(ctx, ledgerdomain.DebitRequest{
				ResourceKind: ResourceKindAgentCost,
				Quantity:     usdCents(req.CostDeltaUSD),
				CostUSD:      req.CostDeltaUSD,
				Period:       s.billingPeriod(),
				Entity:       entityref.Ref{Kind: entityref.KindJob, ID: job.ID},
				Metadata:     req.Metadata,
			})
			if err != nil {
				return err
			}
		}

		result := s.db.WithContext(ctx).Exec(
			`UPDATE jobs
			 SET progress = ?,
			     progress_pct = ?,
			     current_step = ?,
			     products_found = ?,
			     vendors_searched = ?,
			     accrued_cost_usd = accrued_cost_usd + ?,
			     updated_at = ?
			 WHERE id = ? AND status = ?`,
			req.Progress,
			req.ProgressPct,
			strings.TrimSpace(req.CurrentStep),
			req.ProductsFound,
			req.VendorsSearched,
			req.CostDeltaUSD,
			s.clock.Now(),
			job.ID,
			jobdomain.JobStatusRunning,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return jobdomain.ErrInvalidTransition
		}
		return nil
	})
}

func (s *Service) Complete(ctx context.Context, jobID, resultSummary string) (*jobdomain.Job, error) {
	return s.terminate(ctx, jobID, jobdomain.JobStatusCompleted, "job.completed", func(job *jobdomain.Job, now time.Time) *gorm.DB {
		return s.db.WithContext(ctx).Exec(
			`UPDATE jobs
			 SET status = ?, result_summary = ?, ended_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			jobdomain.JobStatusCompleted,
			strings.TrimSpace(resultSummary),
			now,
			now,
			job.ID,
			jobdomain.JobStatusRunning,
		)
	})
}

func (s *Service) Fail(ctx context.Context, jobID, reason string) (*jobdomain.Job, error) {
	return s.terminate(ctx, jobID, jobdomain.JobStatusFailed, "job.failed", func(job *jobdomain.Job, now time.Time) *gorm.DB {
		return s.db.WithContext(ctx).Exec(
			`UPDATE jobs
			 SET status = ?, error_message = ?, ended_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			jobdomain.JobStatusFailed,
			strings.TrimSpace(reason),
			now,
			now,
			job.ID,
			jobdomain.JobStatusRunning,
		)
	})
}

// Cancel resolves races with a concurrent Complete/Fail by "first writer
// wins": the guarded UPDATE decides, the loser gets invalid_transition.
func (s *Service) Cancel(ctx context.Context, jobID string) (*jobdomain.Job, error) {
	return s.terminate(ctx, jobID, jobdomain.JobStatusCancelled, "job.cancelled", func(job *jobdomain.Job, now time.Time) *gorm.DB {
		return s.db.WithContext(ctx).Exec(
			`UPDATE jobs
			 SET status = ?, ended_at = ?, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)`,
			jobdomain.JobStatusCancelled,
			now,
			now,
			job.ID,
			jobdomain.JobStatusPending,
			jobdomain.JobStatusRunning,
		)
	})
}

func (s *Service) Get(ctx context.Context, jobID string) (*jobdomain.Job, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, jobdomain.ErrInvalidOrganization
	}
	id, err := parseID(jobID)
	if err != nil {
		return nil, jobdomain.ErrInvalidJobID
	}
	return s.load(ctx, orgID, id)
}

func (s *Service) List(ctx context.Context, req jobdomain.ListJobsRequest) (jobdomain.ListJobsResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return jobdomain.ListJobsResponse{}, jobdomain.ErrInvalidOrganization
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	stmt := s.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("org_id = ?", orgID)
	if status := strings.TrimSpace(req.Status); status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return jobdomain.ListJobsResponse{}, jobdomain.ErrInvalidJobID
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return jobdomain.ListJobsResponse{}, jobdomain.ErrInvalidJobID
		}
		id, err := snowflake.ParseString(decoded.ID)
		if err != nil {
			return jobdomain.ListJobsResponse{}, jobdomain.ErrInvalidJobID
		}
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}

	var items []*jobdomain.Job
	if err := stmt.Order("created_at desc, id desc").Limit(pageSize + 1).Find(&items).Error; err != nil {
		return jobdomain.ListJobsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *jobdomain.Job) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	jobs := make([]jobdomain.Job, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		jobs = append(jobs, *item)
	}

	resp := jobdomain.ListJobsResponse{Jobs: jobs}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]jobdomain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var stale []jobdomain.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", jobdomain.JobStatusRunning, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// AppendAction allocates the next sequence number under the job's
// exclusive section so concurrent agents never collide or gap. Late
// entries from in-flight agents are accepted for a grace window after the
// job turns terminal, then rejected with job_closed.
func (s *Service) AppendAction(ctx context.Context, req jobdomain.AppendActionRequest) (int64, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, jobdomain.ErrInvalidOrganization
	}
	id, err := parseID(req.JobID)
	if err != nil {
		return 0, jobdomain.ErrInvalidJobID
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return 0, jobdomain.ErrInvalidActor
	}

	release, err := s.locks.Acquire(ctx, lockKey(id))
	if err != nil {
		s.countLockBusy()
		return 0, err
	}
	defer release()

	var seq int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job jobdomain.Job
		if err := tx.Where("org_id = ? AND id = ?", orgID, id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return jobdomain.ErrNotFound
			}
			return err
		}

		now := s.clock.Now()
		if job.Status.Terminal() && job.EndedAt != nil &&
			now.Sub(*job.EndedAt) > s.cfg.ActionLogRetention {
			return jobdomain.ErrJobClosed
		}

		seq = job.ActionSeq + 1
		result := tx.Exec(
			`UPDATE jobs SET action_seq = ?, updated_at = ? WHERE id = ? AND action_seq = ?`,
			seq,
			now,
			job.ID,
			job.ActionSeq,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Another process advanced the counter between our read and
			// write. The caller retries.
			return locks.ErrBusy
		}

		entry := jobdomain.ActionEntry{
			ID:         s.genID.Generate(),
			JobID:      job.ID,
			Seq:        seq,
			Actor:      actor,
			Action:     req.Action,
			DurationMs: req.DurationMs,
			CreatedAt:  now,
		}
		if req.Metadata != nil {
			entry.Metadata = datatypes.JSONMap(req.Metadata)
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.ActionsAppended.Inc()
	}
	return seq, nil
}

// ListActions is a restartable, seq-ordered view over the action log. The
// AfterSeq cursor makes replay from any point cheap.
func (s *Service) ListActions(ctx context.Context, req jobdomain.ListActionsRequest) (jobdomain.ListActionsResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return jobdomain.ListActionsResponse{}, jobdomain.ErrInvalidOrganization
	}
	id, err := parseID(req.JobID)
	if err != nil {
		return jobdomain.ListActionsResponse{}, jobdomain.ErrInvalidJobID
	}
	if _, err := s.load(ctx, orgID, id); err != nil {
		return jobdomain.ListActionsResponse{}, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	if pageSize > 500 {
		pageSize = 500
	}

	var entries []jobdomain.ActionEntry
	err = s.db.WithContext(ctx).
		Where("job_id = ? AND seq > ?", id, req.AfterSeq).
		Order("seq asc").
		Limit(pageSize + 1).
		Find(&entries).Error
	if err != nil {
		return jobdomain.ListActionsResponse{}, err
	}

	resp := jobdomain.ListActionsResponse{}
	if len(entries) > pageSize {
		resp.HasMore = true
		entries = entries[:pageSize]
	}
	resp.Entries = entries
	if len(entries) > 0 {
		resp.NextSeq = entries[len(entries)-1].Seq
	} else {
		resp.NextSeq = req.AfterSeq
	}
	return resp, nil
}

// withJob runs fn under the job's exclusive section and returns the
// reloaded row on success.
func (s *Service) withJob(ctx context.Context, jobID string, fn func(job *jobdomain.Job) error) (*jobdomain.Job, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, jobdomain.ErrInvalidOrganization
	}
	id, err := parseID(jobID)
	if err != nil {
		return nil, jobdomain.ErrInvalidJobID
	}

	release, err := s.locks.Acquire(ctx, lockKey(id))
	if err != nil {
		s.countLockBusy()
		return nil, err
	}
	defer release()

	job, err := s.load(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	return s.load(ctx, orgID, id)
}

func (s *Service) terminate(
	ctx context.Context,
	jobID string,
	to jobdomain.JobStatus,
	action string,
	update func(job *jobdomain.Job, now time.Time) *gorm.DB,
) (*jobdomain.Job, error) {
	var before map[string]any
	var from jobdomain.JobStatus

	updated, err := s.withJob(ctx, jobID, func(job *jobdomain.Job) error {
		if !jobdomain.CanTransition(job.Status, to) {
			return jobdomain.ErrInvalidTransition
		}
		before = snapshot(job)
		from = job.Status

		result := update(job, s.clock.Now())
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return jobdomain.ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.auditSvc.Record(ctx, auditdomain.Entry{
		OrgID:  updated.OrgID,
		Entity: entityref.Ref{Kind: entityref.KindJob, ID: updated.ID},
		Action: action,
		Before: before,
		After:  snapshot(updated),
	})
	s.countTransition(from, to)
	return updated, nil
}

func (s *Service) load(ctx context.Context, orgID, id snowflake.ID) (*jobdomain.Job, error) {
	var job jobdomain.Job
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobdomain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Service) billingPeriod() string {
	return s.clock.Now().Format("2006-01")
}

func (s *Service) countTransition(from, to jobdomain.JobStatus) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (s *Service) countLockBusy() {
	if s.metrics != nil {
		s.metrics.LockContention.WithLabelValues("job").Inc()
	}
}

func lockKey(id snowflake.ID) string {
	return fmt.Sprintf("job:%s", id)
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, jobdomain.ErrInvalidJobID
	}
	return id, nil
}

func usdCents(v float64) int64 {
	cents := int64(v*100 + 0.5)
	if cents < 1 {
		cents = 1
	}
	return cents
}

func snapshot(job *jobdomain.Job) map[string]any {
	if job == nil {
		return nil
	}
	return map[string]any{
		"status":           string(job.Status),
		"progress":         job.Progress,
		"progress_pct":     job.ProgressPct,
		"current_step":     job.CurrentStep,
		"accrued_cost_usd": job.AccruedCostUSD,
		"result_summary":   job.ResultSummary,
		"error_message":    job.ErrorMessage,
	}
}
