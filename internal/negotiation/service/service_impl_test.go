package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/vendora-hq/vendora/internal/approval"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/auditcontext"
	"github.com/vendora-hq/vendora/internal/clock"
	"github.com/vendora-hq/vendora/internal/config"
	"github.com/vendora-hq/vendora/internal/entityref"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	"github.com/vendora-hq/vendora/pkg/locks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type auditStub struct {
	mu      sync.Mutex
	entries []auditdomain.Entry
}

func (a *auditStub) Record(ctx context.Context, entry auditdomain.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *auditStub) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	return auditdomain.ListResponse{}, nil
}

func (a *auditStub) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	actions := make([]string, 0, len(a.entries))
	for _, entry := range a.entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

type fixture struct {
	svc   negdomain.Service
	gate  *approval.Gate
	db    *gorm.DB
	fake  *clock.FakeClock
	audit *auditStub
	node  *snowflake.Node
}

func setupNegotiation(t *testing.T) *fixture {
	t.Helper()

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	err = db.AutoMigrate(
		&negdomain.Negotiation{},
		&negdomain.PurchaseOrder{},
		&negdomain.PONumberCounter{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	audits := &auditStub{}
	registry := entityref.NewRegistry()
	RegisterLookups(registry, db)

	gate := approval.NewGate(approval.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    fake,
		Registry: registry,
		AuditSvc: audits,
	})

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Config:   config.Config{FollowUpDeadline: 72 * time.Hour},
		Locks:    locks.NewKeyed(time.Second),
		Gate:     gate,
		AuditSvc: audits,
	})

	return &fixture{svc: svc, gate: gate, db: db, fake: fake, audit: audits, node: node}
}

func (f *fixture) orgCtx() context.Context {
	return orgcontext.WithOrgID(context.Background(), f.node.Generate())
}

func (f *fixture) createDraft(t *testing.T, ctx context.Context) *negdomain.Negotiation {
	t.Helper()
	n, err := f.svc.Create(ctx, negdomain.CreateRequest{
		ProductName:   "standing desk",
		VendorName:    "Acme Office",
		VendorEmail:   "sales@acme.test",
		OriginalPrice: 500,
		TargetPrice:   420,
		Quantity:      10,
		EmailThreadID: "thread-" + f.node.Generate().String(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return n
}

func TestSendFromDraftIsRejected(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.createDraft(t, ctx)

	_, err := f.svc.Send(ctx, n.ID.String())
	if !errors.Is(err, negdomain.ErrInvalidTransition) {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
}

func TestSendWithoutApprovalIsDenied(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.createDraft(t, ctx)

	if _, err := f.svc.SubmitForApproval(ctx, n.ID.String()); err != nil {
		t.Fatalf("submit for approval: %v", err)
	}

	_, err := f.svc.Send(ctx, n.ID.String())
	if !errors.Is(err, approval.ErrApprovalRequired) {
		t.Fatalf("expected approval_required, got %v", err)
	}

	got, err := f.svc.Get(ctx, n.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != negdomain.StatusPendingApproval {
		t.Fatalf("denied send must not mutate status, got %s", got.Status)
	}
	if got.EmailSentCount != 0 {
		t.Fatalf("denied send must not count an email, got %d", got.EmailSentCount)
	}
}

func TestApprovedSendSchedulesFollowUp(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.createDraft(t, ctx)

	if _, err := f.svc.SubmitForApproval(ctx, n.ID.String()); err != nil {
		t.Fatalf("submit for approval: %v", err)
	}
	ref := entityref.Ref{Kind: entityref.KindNegotiation, ID: n.ID}
	if _, err := f.gate.RecordApproval(ctx, ref, "ops@buyer.test"); err != nil {
		t.Fatalf("record approval: %v", err)
	}

	sent, err := f.svc.Send(ctx, n.ID.String())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Status != negdomain.StatusSent {
		t.Fatalf("expected sent, got %s", sent.Status)
	}
	if sent.EmailSentCount != 1 {
		t.Fatalf("expected 1 email, got %d", sent.EmailSentCount)
	}
	if sent.NextFollowUpAt == nil {
		t.Fatal("expected follow-up to be scheduled")
	}
	want := f.fake.Now().Add(72 * time.Hour)
	if !sent.NextFollowUpAt.Equal(want) {
		t.Fatalf("expected follow-up at %v, got %v", want, sent.NextFollowUpAt)
	}
}

func TestApprovalIsExactlyOnce(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.createDraft(t, ctx)
	ref := entityref.Ref{Kind: entityref.KindNegotiation, ID: n.ID}

	first, err := f.gate.RecordApproval(ctx, ref, "alex@buyer.test")
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if first.Already || first.Approver != "alex@buyer.test" {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := f.gate.RecordApproval(ctx, ref, "mallory@buyer.test")
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if !second.Already {
		t.Fatal("second approval must be a no-op")
	}
	if second.Approver != "alex@buyer.test" {
		t.Fatalf("approver silently reassigned to %q", second.Approver)
	}
}

func TestApprovalRejectsAutomatedActors(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.createDraft(t, ctx)
	ref := entityref.Ref{Kind: entityref.KindNegotiation, ID: n.ID}

	agentCtx := contextWithAgent(ctx)
	if _, err := f.gate.RecordApproval(agentCtx, ref, "search_agent"); !errors.Is(err, approval.ErrInvalidApprover) {
		t.Fatalf("expected invalid_approver for agent actor, got %v", err)
	}
}

func TestVendorReplyRestartsFollowUp(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.sendNegotiation(t, ctx)

	f.fake.Advance(24 * time.Hour)
	replied, err := f.svc.ApplyVendorReply(ctx, negdomain.ApplyReplyRequest{
		NegotiationID: n.ID.String(),
		Payload:       map[string]any{"message": "we can do 440 per unit"},
		OfferPrice:    440,
	})
	if err != nil {
		t.Fatalf("apply reply: %v", err)
	}
	if replied.Status != negdomain.StatusVendorReplied {
		t.Fatalf("expected vendor_replied, got %s", replied.Status)
	}
	if replied.CurrentOfferPrice != 440 {
		t.Fatalf("expected offer 440, got %f", replied.CurrentOfferPrice)
	}
	want := f.fake.Now().Add(72 * time.Hour)
	if replied.NextFollowUpAt == nil || !replied.NextFollowUpAt.Equal(want) {
		t.Fatalf("reply must restart follow-up scheduling, got %v", replied.NextFollowUpAt)
	}

	// A follow-up reply in the same thread lands too.
	if _, err := f.svc.ApplyVendorReply(ctx, negdomain.ApplyReplyRequest{
		NegotiationID: n.ID.String(),
		Payload:       map[string]any{"message": "final offer 430"},
		OfferPrice:    430,
	}); err != nil {
		t.Fatalf("second reply: %v", err)
	}
}

func TestExpiryAndLateReply(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.sendNegotiation(t, ctx)

	// Not yet due: the sweep finds nothing and a direct expire loses to
	// the future deadline.
	due, err := f.svc.ListExpiryDue(ctx, f.fake.Now(), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %d", len(due))
	}
	if _, err := f.svc.Expire(ctx, n.ID.String()); !errors.Is(err, negdomain.ErrInvalidTransition) {
		t.Fatalf("expected invalid_transition before deadline, got %v", err)
	}

	// Each missed deadline first consumes one follow-up; only an
	// exhausted budget expires the negotiation.
	for round := 1; round <= 3; round++ {
		f.fake.Advance(73 * time.Hour)
		due, err = f.svc.ListExpiryDue(ctx, f.fake.Now(), 10)
		if err != nil {
			t.Fatalf("list due: %v", err)
		}
		if len(due) != 1 || due[0].ID != n.ID {
			t.Fatalf("round %d: expected the sent negotiation to be due, got %+v", round, due)
		}
		followed, err := f.svc.Expire(ctx, n.ID.String())
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if followed.Status != negdomain.StatusSent || followed.FollowUpCount != round {
			t.Fatalf("round %d: expected follow-up %d, got %s/%d",
				round, round, followed.Status, followed.FollowUpCount)
		}
	}

	f.fake.Advance(73 * time.Hour)
	expired, err := f.svc.Expire(ctx, n.ID.String())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.Status != negdomain.StatusExpired {
		t.Fatalf("expected expired, got %s", expired.Status)
	}
	if expired.EmailSentCount != 4 {
		t.Fatalf("expected 4 emails sent, got %d", expired.EmailSentCount)
	}

	_, err = f.svc.ApplyVendorReply(ctx, negdomain.ApplyReplyRequest{
		NegotiationID: n.ID.String(),
		Payload:       map[string]any{"message": "sorry for the delay"},
	})
	if !errors.Is(err, negdomain.ErrInvalidTransition) {
		t.Fatalf("late reply must be rejected, got %v", err)
	}
}

func TestReplyWinsOverExpiry(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.sendNegotiation(t, ctx)

	f.fake.Advance(73 * time.Hour)

	// The reply lands first under the lock, pushing the deadline out.
	if _, err := f.svc.ApplyVendorReply(ctx, negdomain.ApplyReplyRequest{
		NegotiationID: n.ID.String(),
		Payload:       map[string]any{"message": "still interested"},
	}); err != nil {
		t.Fatalf("reply: %v", err)
	}

	if _, err := f.svc.Expire(ctx, n.ID.String()); !errors.Is(err, negdomain.ErrInvalidTransition) {
		t.Fatalf("expire must lose to the reply, got %v", err)
	}

	got, err := f.svc.Get(ctx, n.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != negdomain.StatusVendorReplied {
		t.Fatalf("expected vendor_replied, got %s", got.Status)
	}
}

func TestPurchaseOrderLifecycle(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.acceptNegotiation(t, ctx, 440)

	po, err := f.svc.CreatePurchaseOrder(ctx, negdomain.CreatePORequest{
		NegotiationID: n.ID.String(),
		TaxAmount:     100,
		ShippingCost:  50,
		PaymentTerms:  "Net 30",
	})
	if err != nil {
		t.Fatalf("create po: %v", err)
	}
	if po.PONumber != "PO-2025-001" {
		t.Fatalf("expected PO-2025-001, got %s", po.PONumber)
	}
	if po.TotalAmount != 440*10+100+50 {
		t.Fatalf("unexpected total: %f", po.TotalAmount)
	}
	if po.ApprovedByUser {
		t.Fatal("accept must never set approved_by_user")
	}

	// Finalize is blocked until a human approves the order itself.
	if _, err := f.svc.FinalizePurchaseOrder(ctx, po.ID.String()); !errors.Is(err, approval.ErrApprovalRequired) {
		t.Fatalf("expected approval_required, got %v", err)
	}

	ref := entityref.Ref{Kind: entityref.KindPurchaseOrder, ID: po.ID}
	if _, err := f.gate.RecordApproval(ctx, ref, "cfo@buyer.test"); err != nil {
		t.Fatalf("approve po: %v", err)
	}

	final, err := f.svc.FinalizePurchaseOrder(ctx, po.ID.String())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.FinalizedAt == nil {
		t.Fatal("expected finalized_at to be set")
	}

	// Finalizing again is a no-op on the already-final order.
	again, err := f.svc.FinalizePurchaseOrder(ctx, po.ID.String())
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if !again.FinalizedAt.Equal(*final.FinalizedAt) {
		t.Fatal("second finalize must not move the timestamp")
	}
}

func TestPONumbersAreMonotonePerOrg(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()

	for i, want := range []string{"PO-2025-001", "PO-2025-002", "PO-2025-003"} {
		n := f.acceptNegotiation(t, ctx, 400+float64(i))
		po, err := f.svc.CreatePurchaseOrder(ctx, negdomain.CreatePORequest{NegotiationID: n.ID.String()})
		if err != nil {
			t.Fatalf("create po %d: %v", i, err)
		}
		if po.PONumber != want {
			t.Fatalf("expected %s, got %s", want, po.PONumber)
		}
	}

	// A different org starts its own sequence.
	otherCtx := f.orgCtx()
	n := f.acceptNegotiation(t, otherCtx, 400)
	po, err := f.svc.CreatePurchaseOrder(otherCtx, negdomain.CreatePORequest{NegotiationID: n.ID.String()})
	if err != nil {
		t.Fatalf("create po other org: %v", err)
	}
	if po.PONumber != "PO-2025-001" {
		t.Fatalf("expected fresh sequence, got %s", po.PONumber)
	}
}

func TestDraftCanBeCancelled(t *testing.T) {
	f := setupNegotiation(t)
	ctx := f.orgCtx()
	n := f.createDraft(t, ctx)

	rejected, err := f.svc.Reject(ctx, n.ID.String())
	if err != nil {
		t.Fatalf("reject draft: %v", err)
	}
	if rejected.Status != negdomain.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}

	if _, err := f.svc.SubmitForApproval(ctx, n.ID.String()); !errors.Is(err, negdomain.ErrInvalidTransition) {
		t.Fatalf("terminal state must reject transitions, got %v", err)
	}
}

func (f *fixture) sendNegotiation(t *testing.T, ctx context.Context) *negdomain.Negotiation {
	t.Helper()
	n := f.createDraft(t, ctx)
	if _, err := f.svc.SubmitForApproval(ctx, n.ID.String()); err != nil {
		t.Fatalf("submit for approval: %v", err)
	}
	ref := entityref.Ref{Kind: entityref.KindNegotiation, ID: n.ID}
	if _, err := f.gate.RecordApproval(ctx, ref, "ops@buyer.test"); err != nil {
		t.Fatalf("record approval: %v", err)
	}
	sent, err := f.svc.Send(ctx, n.ID.String())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return sent
}

func (f *fixture) acceptNegotiation(t *testing.T, ctx context.Context, offer float64) *negdomain.Negotiation {
	t.Helper()
	n := f.sendNegotiation(t, ctx)
	if _, err := f.svc.ApplyVendorReply(ctx, negdomain.ApplyReplyRequest{
		NegotiationID: n.ID.String(),
		Payload:       map[string]any{"message": "offer"},
		OfferPrice:    offer,
	}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	accepted, err := f.svc.Accept(ctx, n.ID.String())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return accepted
}

func contextWithAgent(ctx context.Context) context.Context {
	return auditcontext.WithActor(ctx, string(auditdomain.ActorTypeAgent), "negotiator_agent")
}
