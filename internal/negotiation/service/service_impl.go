package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/vendora-hq/vendora/internal/approval"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/clock"
	"github.com/vendora-hq/vendora/internal/config"
	"github.com/vendora-hq/vendora/internal/entityref"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
	obsmetrics "github.com/vendora-hq/vendora/internal/observability/metrics"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	"github.com/vendora-hq/vendora/pkg/db/pagination"
	"github.com/vendora-hq/vendora/pkg/locks"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Locks    *locks.Keyed
	Gate     *approval.Gate
	AuditSvc auditdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	locks    *locks.Keyed
	gate     *approval.Gate
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) negdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("negotiation.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config,
		locks:    p.Locks,
		gate:     p.Gate,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

// RegisterLookups wires the negotiation entity kinds into the polymorphic
// reference registry so the approval gate and audit trail can resolve
// snapshots without importing this package.
func RegisterLookups(registry *entityref.Registry, db *gorm.DB) {
	registry.Register(entityref.KindNegotiation, func(ctx context.Context, id snowflake.ID) (map[string]any, error) {
		var n negdomain.Negotiation
		if err := db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
			return nil, err
		}
		return negotiationSnapshot(&n), nil
	})
	registry.Register(entityref.KindPurchaseOrder, func(ctx context.Context, id snowflake.ID) (map[string]any, error) {
		var po negdomain.PurchaseOrder
		if err := db.WithContext(ctx).Where("id = ?", id).First(&po).Error; err != nil {
			return nil, err
		}
		return purchaseOrderSnapshot(&po), nil
	})
}

func (s *Service) Create(ctx context.Context, req negdomain.CreateRequest) (*negdomain.Negotiation, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, negdomain.ErrInvalidOrganization
	}
	product := strings.TrimSpace(req.ProductName)
	if product == "" {
		return nil, negdomain.ErrInvalidProduct
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 {
		return nil, negdomain.ErrInvalidQuantity
	}

	now := s.clock.Now()
	n := &negdomain.Negotiation{
		ID:               s.genID.Generate(),
		OrgID:            orgID,
		ProductName:      product,
		VendorName:       strings.TrimSpace(req.VendorName),
		VendorEmail:      strings.TrimSpace(req.VendorEmail),
		Status:           negdomain.StatusDraft,
		OriginalPrice:    req.OriginalPrice,
		TargetPrice:      req.TargetPrice,
		Quantity:         quantity,
		EmailThreadID:    strings.TrimSpace(req.EmailThreadID),
		EmailSubject:     strings.TrimSpace(req.EmailSubject),
		MaxFollowUps:     3,
		RequiresApproval: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.JobID != "" {
		jobID, err := snowflake.ParseString(req.JobID)
		if err != nil {
			return nil, negdomain.ErrInvalidID
		}
		n.JobID = jobID
	}
	if req.Metadata != nil {
		n.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, err
	}

	s.auditSvc.Record(ctx, auditdomain.Entry{
		OrgID:  orgID,
		Entity: entityref.Ref{Kind: entityref.KindNegotiation, ID: n.ID},
		Action: "negotiation.created",
		After:  negotiationSnapshot(n),
	})
	return n, nil
}

func (s *Service) SubmitForApproval(ctx context.Context, negotiationID string) (*negdomain.Negotiation, error) {
	return s.transition(ctx, negotiationID, negdomain.StatusPendingApproval, "negotiation.submitted_for_approval",
		func(n *negdomain.Negotiation, now time.Time) *gorm.DB {
			return s.db.WithContext(ctx).Exec(
				`UPDATE negotiations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				negdomain.StatusPendingApproval, now, n.ID, negdomain.StatusDraft,
			)
		})
}

func (s *Service) Send(ctx context.Context, negotiationID string) (*negdomain.Negotiation, error) {
	return s.transition(ctx, negotiationID, negdomain.StatusSent, "negotiation.sent",
		func(n *negdomain.Negotiation, now time.Time) *gorm.DB {
			followUpAt := now.Add(s.cfg.FollowUpDeadline)
			return s.db.WithContext(ctx).Exec(
				`UPDATE negotiations
				 SET status = ?, email_sent_count = email_sent_count + 1,
				     next_follow_up_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				negdomain.StatusSent, followUpAt, now, n.ID, n.Status,
			)
		},
		s.gate.CheckNegotiationSend,
	)
}

func (s *Service) ApplyVendorReply(ctx context.Context, req negdomain.ApplyReplyRequest) (*negdomain.Negotiation, error) {
	return s.transition(ctx, req.NegotiationID, negdomain.StatusVendorReplied, "negotiation.vendor_replied",
		func(n *negdomain.Negotiation, now time.Time) *gorm.DB {
			receivedAt := req.ReceivedAt
			if receivedAt.IsZero() {
				receivedAt = now
			}
			offer := req.OfferPrice
			if offer <= 0 {
				offer = n.CurrentOfferPrice
			}
			// The reply resets the expiry countdown and restarts
			// follow-up scheduling.
			followUpAt := now.Add(s.cfg.FollowUpDeadline)
			var payload datatypes.JSONMap
			if req.Payload != nil {
				payload = datatypes.JSONMap(req.Payload)
			}
			return s.db.WithContext(ctx).Exec(
				`UPDATE negotiations
				 SET status = ?, last_vendor_reply = ?, last_vendor_reply_at = ?,
				     current_offer_price = ?, next_follow_up_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				negdomain.StatusVendorReplied, payload, receivedAt,
				offer, followUpAt, now, n.ID, n.Status,
			)
		})
}

func (s *Service) Accept(ctx context.Context, negotiationID string) (*negdomain.Negotiation, error) {
	return s.transition(ctx, negotiationID, negdomain.StatusAccepted, "negotiation.accepted",
		func(n *negdomain.Negotiation, now time.Time) *gorm.DB {
			finalPrice := n.CurrentOfferPrice
			if finalPrice <= 0 {
				finalPrice = n.TargetPrice
			}
			return s.db.WithContext(ctx).Exec(
				`UPDATE negotiations
				 SET status = ?, final_price = ?, next_follow_up_at = NULL, updated_at = ?
				 WHERE id = ? AND status = ?`,
				negdomain.StatusAccepted, finalPrice, now, n.ID, n.Status,
			)
		})
}

func (s *Service) Reject(ctx context.Context, negotiationID string) (*negdomain.Negotiation, error) {
	return s.transition(ctx, negotiationID, negdomain.StatusRejected, "negotiation.rejected",
		func(n *negdomain.Negotiation, now time.Time) *gorm.DB {
			return s.db.WithContext(ctx).Exec(
				`UPDATE negotiations
				 SET status = ?, next_follow_up_at = NULL, updated_at = ?
				 WHERE id = ? AND status = ?`,
				negdomain.StatusRejected, now, n.ID, n.Status,
			)
		})
}

// Expire is called by the deadline sweep. The deadline is rechecked under
// the lock so a reply that landed first pushes the deadline out and wins.
func (s *Service) Expire(ctx context.Context, negotiationID string) (*negdomain.Negotiation, error) {
	id, err := parseID(negotiationID)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, lockKey(id))
	if err != nil {
		s.countLockBusy()
		return nil, err
	}
	defer release()

	n, err := s.loadAny(ctx, id)
	if err != nil {
		return nil, err
	}
	if !negdomain.CanTransition(n.Status, negdomain.StatusExpired) {
		return nil, negdomain.ErrInvalidTransition
	}
	now := s.clock.Now()
	if n.NextFollowUpAt != nil && n.NextFollowUpAt.After(now) {
		return nil, negdomain.ErrInvalidTransition
	}

	// A sent negotiation with follow-up budget left gets a reminder
	// instead of expiring; the deadline restarts.
	if n.Status == negdomain.StatusSent && n.FollowUpCount < n.MaxFollowUps {
		return s.recordFollowUp(ctx, n, now)
	}

	before := negotiationSnapshot(n)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE negotiations
		 SET status = ?, expired_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		negdomain.StatusExpired, now, now, n.ID, n.Status,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, negdomain.ErrInvalidTransition
	}

	updated, err := s.loadAny(ctx, id)
	if err != nil {
		return nil, err
	}
	s.auditSvc.Record(ctx, auditdomain.Entry{
		OrgID:  updated.OrgID,
		Entity: entityref.Ref{Kind: entityref.KindNegotiation, ID: updated.ID},
		Action: "negotiation.expired",
		Before: before,
		After:  negotiationSnapshot(updated),
	})
	s.countMove(n.Status, negdomain.StatusExpired)
	return updated, nil
}

// recordFollowUp consumes one unit of follow-up budget under the caller's
// lock and pushes the deadline out, keeping the negotiation in sent.
func (s *Service) recordFollowUp(ctx context.Context, n *negdomain.Negotiation, now time.Time) (*negdomain.Negotiation, error) {
	before := negotiationSnapshot(n)
	next := now.Add(s.cfg.FollowUpDeadline)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE negotiations
		 SET follow_up_count = follow_up_count + 1,
		     email_sent_count = email_sent_count + 1,
		     next_follow_up_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND follow_up_count = ?`,
		next, now, n.ID, negdomain.StatusSent, n.FollowUpCount,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, negdomain.ErrInvalidTransition
	}

	updated, err := s.loadAny(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	s.auditSvc.Record(ctx, auditdomain.Entry{
		OrgID:  updated.OrgID,
		Entity: entityref.Ref{Kind: entityref.KindNegotiation, ID: updated.ID},
		Action: "negotiation.follow_up_sent",
		Before: before,
		After:  negotiationSnapshot(updated),
	})
	return updated, nil
}

func (s *Service) Get(ctx context.Context, negotiationID string) (*negdomain.Negotiation, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, negdomain.ErrInvalidOrganization
	}
	id, err := parseID(negotiationID)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, orgID, id)
}

func (s *Service) List(ctx context.Context, req negdomain.ListRequest) (negdomain.ListResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return negdomain.ListResponse{}, negdomain.ErrInvalidOrganization
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	stmt := s.db.WithContext(ctx).Model(&negdomain.Negotiation{}).
		Where("org_id = ?", orgID)
	if status := strings.TrimSpace(req.Status); status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return negdomain.ListResponse{}, negdomain.ErrInvalidID
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return negdomain.ListResponse{}, negdomain.ErrInvalidID
		}
		id, err := snowflake.ParseString(decoded.ID)
		if err != nil {
			return negdomain.ListResponse{}, negdomain.ErrInvalidID
		}
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}

	var items []*negdomain.Negotiation
	if err := stmt.Order("created_at desc, id desc").Limit(pageSize + 1).Find(&items).Error; err != nil {
		return negdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *negdomain.Negotiation) string {
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

	negotiations := make([]negdomain.Negotiation, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		negotiations = append(negotiations, *item)
	}

	resp := negdomain.ListResponse{Negotiations: negotiations}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) FindByThread(ctx context.Context, threadID string) (*negdomain.Negotiation, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, negdomain.ErrThreadNotFound
	}
	var n negdomain.Negotiation
	err := s.db.WithContext(ctx).
		Where("email_thread_id = ?", threadID).
		Order("created_at desc").
		First(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, negdomain.ErrThreadNotFound
		}
		return nil, err
	}
	return &n, nil
}

func (s *Service) ListExpiryDue(ctx context.Context, now time.Time, limit int) ([]negdomain.Negotiation, error) {
	if limit <= 0 {
		limit = 100
	}
	var due []negdomain.Negotiation
	err := s.db.WithContext(ctx).
		Where("status NOT IN (?, ?, ?)", negdomain.StatusAccepted, negdomain.StatusRejected, negdomain.StatusExpired).
		Where("next_follow_up_at IS NOT NULL AND next_follow_up_at <= ?", now).
		Order("next_follow_up_at asc").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	return due, nil
}

func (s *Service) CreatePurchaseOrder(ctx context.Context, req negdomain.CreatePORequest) (*negdomain.PurchaseOrder, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, negdomain.ErrInvalidOrganization
	}
	negID, err := parseID(req.NegotiationID)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, lockKey(negID))
	if err != nil {
		s.countLockBusy()
		return nil, err
	}
	defer release()

	n, err := s.load(ctx, orgID, negID)
	if err != nil {
		return nil, err
	}
	if n.Status != negdomain.StatusAccepted {
		return nil, negdomain.ErrInvalidTransition
	}

	now := s.clock.Now()
	unitPrice := n.FinalPrice
	if unitPrice <= 0 {
		unitPrice = n.TargetPrice
	}
	subtotal := unitPrice * float64(n.Quantity)

	po := &negdomain.PurchaseOrder{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		NegotiationID: n.ID,
		Quantity:      n.Quantity,
		UnitPrice:     unitPrice,
		Subtotal:      subtotal,
		TaxAmount:     req.TaxAmount,
		ShippingCost:  req.ShippingCost,
		TotalAmount:   subtotal + req.TaxAmount + req.ShippingCost,
		PaymentTerms:  strings.TrimSpace(req.PaymentTerms),
		Notes:         strings.TrimSpace(req.Notes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Metadata != nil {
		po.Metadata = datatypes.JSONMap(req.Metadata)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := s.nextPONumber(tx, orgID, now)
		if err != nil {
			return err
		}
		po.PONumber = fmt.Sprintf("PO-%d-%03d", now.Year(), seq)
		return tx.Create(po).Error
	})
	if err != nil {
		return nil, err
	}

	s.auditSvc.Record(ctx, auditdomain.Entry{
		OrgID:  orgID,
		Entity: entityref.Ref{Kind: entityref.KindPurchaseOrder, ID: po.ID},
		Action: "purchase_order.created",
		After:  purchaseOrderSnapshot(po),
	})
	return po, nil
}

// FinalizePurchaseOrder commits the order. It never succeeds without a
// human approval on record; finalizing twice is a no-op returning the
// already-final order.
func (s *Service) FinalizePurchaseOrder(ctx context.Context, poID string) (*negdomain.PurchaseOrder, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, negdomain.ErrInvalidOrganization
	}
	id, err := parseID(poID)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, fmt.Sprintf("purchase_order:%s", id))
	if err != nil {
		s.countLockBusy()
		return nil, err
	}
	defer release()

	po, err := s.loadPO(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if po.FinalizedAt != nil {
		return po, nil
	}
	if err := s.gate.CheckPurchaseOrderFinalize(po); err != nil {
		s.countApprovalDenied()
		return nil, err
	}

	before := purchaseOrderSnapshot(po)
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE purchase_orders
		 SET finalized_at = ?, updated_at = ?
		 WHERE org_id = ? AND id = ? AND finalized_at IS NULL AND approved_by_user = ?`,
		now, now, orgID, id, true,
	)
	if result.Error != nil {
		return nil, result.Error
	}

	updated, err := s.loadPO(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected > 0 {
		s.auditSvc.Record(ctx, auditdomain.Entry{
			OrgID:  orgID,
			Entity: entityref.Ref{Kind: entityref.KindPurchaseOrder, ID: updated.ID},
			Action: "purchase_order.finalized",
			Before: before,
			After:  purchaseOrderSnapshot(updated),
		})
	}
	return updated, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, poID string) (*negdomain.PurchaseOrder, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, negdomain.ErrInvalidOrganization
	}
	id, err := parseID(poID)
	if err != nil {
		return nil, err
	}
	return s.loadPO(ctx, orgID, id)
}

// nextPONumber atomically advances the per-org counter for the current
// year and returns the new sequence value.
func (s *Service) nextPONumber(tx *gorm.DB, orgID snowflake.ID, now time.Time) (int64, error) {
	year := now.Year()

	counter := negdomain.PONumberCounter{OrgID: orgID, Year: year, Seq: 0, UpdatedAt: now}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "year"}},
		DoNothing: true,
	}).Create(&counter).Error
	if err != nil {
		return 0, err
	}

	result := tx.Exec(
		`UPDATE po_counters SET seq = seq + 1, updated_at = ? WHERE org_id = ? AND year = ?`,
		now, orgID, year,
	)
	if result.Error != nil {
		return 0, result.Error
	}

	var seq int64
	err = tx.Raw(`SELECT seq FROM po_counters WHERE org_id = ? AND year = ?`, orgID, year).Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	return seq, nil
}

type guardFn func(n *negdomain.Negotiation) error

// transition runs one state-machine move under the negotiation's
// exclusive section: load, graph check, optional approval gate, guarded
// UPDATE, audit.
func (s *Service) transition(
	ctx context.Context,
	negotiationID string,
	to negdomain.NegotiationStatus,
	action string,
	update func(n *negdomain.Negotiation, now time.Time) *gorm.DB,
	guards ...guardFn,
) (*negdomain.Negotiation, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, negdomain.ErrInvalidOrganization
	}
	id, err := parseID(negotiationID)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, lockKey(id))
	if err != nil {
		s.countLockBusy()
		return nil, err
	}
	defer release()

	n, err := s.load(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !negdomain.CanTransition(n.Status, to) {
		return nil, negdomain.ErrInvalidTransition
	}
	for _, guard := range guards {
		if err := guard(n); err != nil {
			if errors.Is(err, approval.ErrApprovalRequired) {
				s.countApprovalDenied()
			}
			return nil, err
		}
	}

	before := negotiationSnapshot(n)
	result := update(n, s.clock.Now())
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, negdomain.ErrInvalidTransition
	}

	updated, err := s.load(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	s.auditSvc.Record(ctx, auditdomain.Entry{
		OrgID:  orgID,
		Entity: entityref.Ref{Kind: entityref.KindNegotiation, ID: updated.ID},
		Action: action,
		Before: before,
		After:  negotiationSnapshot(updated),
	})
	s.countMove(n.Status, to)
	return updated, nil
}

func (s *Service) load(ctx context.Context, orgID, id snowflake.ID) (*negdomain.Negotiation, error) {
	var n negdomain.Negotiation
	err := s.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, negdomain.ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

func (s *Service) loadAny(ctx context.Context, id snowflake.ID) (*negdomain.Negotiation, error) {
	var n negdomain.Negotiation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, negdomain.ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

func (s *Service) loadPO(ctx context.Context, orgID, id snowflake.ID) (*negdomain.PurchaseOrder, error) {
	var po negdomain.PurchaseOrder
	err := s.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, negdomain.ErrNotFound
		}
		return nil, err
	}
	return &po, nil
}

func (s *Service) countMove(from, to negdomain.NegotiationStatus) {
	if s.metrics == nil {
		return
	}
	s.metrics.NegotiationMoves.WithLabelValues(string(from), string(to)).Inc()
}

func (s *Service) countApprovalDenied() {
	if s.metrics != nil {
		s.metrics.ApprovalDenied.Inc()
	}
}

func (s *Service) countLockBusy() {
	if s.metrics != nil {
		s.metrics.LockContention.WithLabelValues("negotiation").Inc()
	}
}

func lockKey(id snowflake.ID) string {
	return fmt.Sprintf("negotiation:%s", id)
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, negdomain.ErrInvalidID
	}
	return id, nil
}

func negotiationSnapshot(n *negdomain.Negotiation) map[string]any {
	if n == nil {
		return nil
	}
	snapshot := map[string]any{
		"status":              string(n.Status),
		"product_name":        n.ProductName,
		"current_offer_price": n.CurrentOfferPrice,
		"final_price":         n.FinalPrice,
		"email_sent_count":    n.EmailSentCount,
		"requires_approval":   n.RequiresApproval,
	}
	if n.ApprovedBy != nil {
		snapshot["approved_by"] = *n.ApprovedBy
	}
	return snapshot
}

func purchaseOrderSnapshot(po *negdomain.PurchaseOrder) map[string]any {
	if po == nil {
		return nil
	}
	snapshot := map[string]any{
		"po_number":        po.PONumber,
		"total_amount":     po.TotalAmount,
		"approved_by_user": po.ApprovedByUser,
	}
	if po.ApprovedBy != nil {
		snapshot["approved_by"] = *po.ApprovedBy
	}
	if po.FinalizedAt != nil {
		snapshot["finalized_at"] = po.FinalizedAt.Format(time.RFC3339)
	}
	return snapshot
}
