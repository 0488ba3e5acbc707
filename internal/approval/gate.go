// Package approval is the human-in-the-loop gate consulted by every
// transition that commits spend or sends an outbound communication.
package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/auditcontext"
	"github.com/vendora-hq/vendora/internal/clock"
	"github.com/vendora-hq/vendora/internal/entityref"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrApprovalRequired = errors.New("approval_required")
	ErrInvalidApprover  = errors.New("invalid_approver")
	ErrNotFound         = errors.New("not_found")
)

// Result reports who holds the approval after RecordApproval. Already is
// set when a previous call won; the original approver is returned
// unchanged so a second caller cannot silently reassign it.
type Result struct {
	Approver string    `json:"approver"`
	Already  bool      `json:"already_approved"`
	At       time.Time `json:"approved_at"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Registry *entityref.Registry
	AuditSvc auditdomain.Service
}

type Gate struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	registry *entityref.Registry
	auditSvc auditdomain.Service
}

func NewGate(p Params) *Gate {
	return &Gate{
		db:       p.DB,
		log:      p.Log.Named("approval.gate"),
		clock:    p.Clock,
		registry: p.Registry,
		auditSvc: p.AuditSvc,
	}
}

// CheckNegotiationSend allows the send when no approval is required or an
// approver is already on record.
func (g *Gate) CheckNegotiationSend(n *negdomain.Negotiation) error {
	if n == nil {
		return ErrNotFound
	}
	if !n.RequiresApproval {
		return nil
	}
	if n.ApprovedBy != nil && strings.TrimSpace(*n.ApprovedBy) != "" {
		return nil
	}
	return ErrApprovalRequired
}

// CheckPurchaseOrderFinalize allows finalize only once a human has
// explicitly approved the order. Accepting the negotiation alone never
// sets this.
func (g *Gate) CheckPurchaseOrderFinalize(po *negdomain.PurchaseOrder) error {
	if po == nil {
		return ErrNotFound
	}
	if po.ApprovedByUser {
		return nil
	}
	return ErrApprovalRequired
}

// RecordApproval sets the approval field exactly once via a guarded
// UPDATE. The second caller observes the original approver. Only requests
// carrying a verified human identity reach this; automated actors are
// rejected.
func (g *Gate) RecordApproval(ctx context.Context, ref entityref.Ref, approver string) (Result, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return Result{}, negdomain.ErrInvalidOrganization
	}
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return Result{}, ErrInvalidApprover
	}
	if actorType, _ := auditcontext.ActorFromContext(ctx); actorType != "" && actorType != string(auditdomain.ActorTypeUser) {
		return Result{}, ErrInvalidApprover
	}

	before, err := g.registry.Resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, err
	}

	now := g.clock.Now()
	var result Result
	switch ref.Kind {
	case entityref.KindNegotiation:
		result, err = g.approveNegotiation(ctx, orgID, ref.ID, approver, now)
	case entityref.KindPurchaseOrder:
		result, err = g.approvePurchaseOrder(ctx, orgID, ref.ID, approver, now)
	default:
		return Result{}, entityref.ErrUnknownKind
	}
	if err != nil {
		return Result{}, err
	}
	if result.Already {
		return result, nil
	}

	after, resolveErr := g.registry.Resolve(ctx, ref)
	if resolveErr != nil {
		g.log.Warn("resolve after approval", zap.String("ref", ref.String()), zap.Error(resolveErr))
	}
	g.auditSvc.Record(ctx, auditdomain.Entry{
		OrgID:  orgID,
		Entity: ref,
		Action: string(ref.Kind) + ".approved",
		Before: before,
		After:  after,
	})
	return result, nil
}

func (g *Gate) approveNegotiation(ctx context.Context, orgID, id snowflake.ID, approver string, now time.Time) (Result, error) {
	result := g.db.WithContext(ctx).Exec(
		`UPDATE negotiations
		 SET approved_by = ?, approved_at = ?, updated_at = ?
		 WHERE org_id = ? AND id = ? AND (approved_by IS NULL OR approved_by = '')`,
		approver, now, now, orgID, id,
	)
	if result.Error != nil {
		return Result{}, result.Error
	}
	if result.RowsAffected > 0 {
		return Result{Approver: approver, At: now}, nil
	}

	var n negdomain.Negotiation
	err := g.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, err
	}
	out := Result{Already: true}
	if n.ApprovedBy != nil {
		out.Approver = *n.ApprovedBy
	}
	if n.ApprovedAt != nil {
		out.At = *n.ApprovedAt
	}
	return out, nil
}

func (g *Gate) approvePurchaseOrder(ctx context.Context, orgID, id snowflake.ID, approver string, now time.Time) (Result, error) {
	result := g.db.WithContext(ctx).Exec(
		`UPDATE purchase_orders
		 SET approved_by_user = ?, approved_by = ?, approved_at = ?, updated_at = ?
		 WHERE org_id = ? AND id = ? AND approved_by_user = ?`,
		true, approver, now, now, orgID, id, false,
	)
	if result.Error != nil {
		return Result{}, result.Error
	}
	if result.RowsAffected > 0 {
		return Result{Approver: approver, At: now}, nil
	}

	var po negdomain.PurchaseOrder
	err := g.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, err
	}
	out := Result{Already: true}
	if po.ApprovedBy != nil {
		out.Approver = *po.ApprovedBy
	}
	if po.ApprovedAt != nil {
		out.At = *po.ApprovedAt
	}
	return out, nil
}
