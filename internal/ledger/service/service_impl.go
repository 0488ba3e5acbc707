package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/vendora-hq/vendora/internal/clock"
	ledgerdomain "github.com/vendora-hq/vendora/internal/ledger/domain"
	obsmetrics "github.com/vendora-hq/vendora/internal/observability/metrics"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// Debit is the single check-then-act unit in the system that must never
// observe a torn read: the headroom check and the consumed increment are
// one guarded UPDATE, and the usage record commits in the same
// transaction. Concurrent debits against the same quota are linearized by
// the row write lock.
func (s *Service) Debit(ctx context.Context, req ledgerdomain.DebitRequest) (*ledgerdomain.UsageRecord, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}

	kind := strings.TrimSpace(req.ResourceKind)
	if kind == "" {
		return nil, ledgerdomain.ErrInvalidResourceKind
	}
	if req.Quantity <= 0 {
		return nil, ledgerdomain.ErrInvalidQuantity
	}
	period := strings.TrimSpace(req.Period)
	if period == "" {
		return nil, ledgerdomain.ErrInvalidPeriod
	}

	now := s.clock.Now()
	record := &ledgerdomain.UsageRecord{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		ResourceKind:  kind,
		Quantity:      req.Quantity,
		CostUSD:       req.CostUSD,
		BillingPeriod: period,
		EntityKind:    string(req.Entity.Kind),
		EntityID:      req.Entity.ID,
		CreatedAt:     now,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE quotas
			 SET consumed = consumed + ?, updated_at = ?
			 WHERE org_id = ? AND resource_kind = ? AND period = ?
			   AND consumed + ? <= limit_value`,
			req.Quantity,
			now,
			orgID,
			kind,
			period,
			req.Quantity,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Either no headroom or no quota configured. A missing row
			// means the resource is uncapped for this org.
			var count int64
			if err := tx.Model(&ledgerdomain.Quota{}).
				Where("org_id = ? AND resource_kind = ? AND period = ?", orgID, kind, period).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ledgerdomain.ErrQuotaExceeded
			}
		}
		return tx.Create(record).Error
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrQuotaExceeded) && s.metrics != nil {
			s.metrics.QuotaDenied.WithLabelValues(kind).Inc()
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.LedgerDebits.WithLabelValues(kind).Inc()
	}
	return record, nil
}

// Refund is the compensating half of a debit whose follow-on write
// failed. The ledger stays append-only: the original record is kept and
// a negative one is added next to it.
func (s *Service) Refund(ctx context.Context, req ledgerdomain.DebitRequest) (*ledgerdomain.UsageRecord, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}

	kind := strings.TrimSpace(req.ResourceKind)
	if kind == "" {
		return nil, ledgerdomain.ErrInvalidResourceKind
	}
	if req.Quantity <= 0 {
		return nil, ledgerdomain.ErrInvalidQuantity
	}
	period := strings.TrimSpace(req.Period)
	if period == "" {
		return nil, ledgerdomain.ErrInvalidPeriod
	}

	now := s.clock.Now()
	record := &ledgerdomain.UsageRecord{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		ResourceKind:  kind,
		Quantity:      -req.Quantity,
		CostUSD:       -req.CostUSD,
		BillingPeriod: period,
		EntityKind:    string(req.Entity.Kind),
		EntityID:      req.Entity.ID,
		CreatedAt:     now,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A missing quota row means the resource is uncapped and there
		// is no consumed counter to give back to; the reversal record
		// still gets written. The consumed guard keeps a double refund
		// from driving the counter negative.
		result := tx.Exec(
			`UPDATE quotas
			 SET consumed = consumed - ?, updated_at = ?
			 WHERE org_id = ? AND resource_kind = ? AND period = ?
			   AND consumed >= ?`,
			req.Quantity,
			now,
			orgID,
			kind,
			period,
			req.Quantity,
		)
		if result.Error != nil {
			return result.Error
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) Aggregate(ctx context.Context, period string) (ledgerdomain.AggregateResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return ledgerdomain.AggregateResponse{}, ledgerdomain.ErrInvalidOrganization
	}
	period = strings.TrimSpace(period)
	if period == "" {
		return ledgerdomain.AggregateResponse{}, ledgerdomain.ErrInvalidPeriod
	}

	var totals []ledgerdomain.KindTotal
	err := s.db.WithContext(ctx).Raw(
		`SELECT resource_kind,
		        SUM(quantity) AS quantity,
		        SUM(cost_usd) AS cost_usd
		 FROM usage_records
		 WHERE org_id = ? AND billing_period = ?
		 GROUP BY resource_kind
		 ORDER BY resource_kind`,
		orgID,
		period,
	).Scan(&totals).Error
	if err != nil {
		return ledgerdomain.AggregateResponse{}, err
	}

	return ledgerdomain.AggregateResponse{Period: period, Totals: totals}, nil
}

func (s *Service) SetQuota(ctx context.Context, req ledgerdomain.SetQuotaRequest) (*ledgerdomain.Quota, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	kind := strings.TrimSpace(req.ResourceKind)
	if kind == "" {
		return nil, ledgerdomain.ErrInvalidResourceKind
	}
	period := strings.TrimSpace(req.Period)
	if period == "" {
		return nil, ledgerdomain.ErrInvalidPeriod
	}
	if req.Limit < 0 {
		return nil, ledgerdomain.ErrInvalidLimit
	}

	now := s.clock.Now()
	quota := &ledgerdomain.Quota{
		ID:           s.genID.Generate(),
		OrgID:        orgID,
		ResourceKind: kind,
		Period:       period,
		LimitValue:   req.Limit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "org_id"}, {Name: "resource_kind"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]any{
			"limit_value": req.Limit,
			"updated_at":  now,
		}),
	}).Create(quota).Error
	if err != nil {
		return nil, err
	}
	return s.GetQuota(ctx, kind, period)
}

func (s *Service) GetQuota(ctx context.Context, resourceKind, period string) (*ledgerdomain.Quota, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}

	var quota ledgerdomain.Quota
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND resource_kind = ? AND period = ?",
			orgID, strings.TrimSpace(resourceKind), strings.TrimSpace(period)).
		First(&quota).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &quota, nil
}
