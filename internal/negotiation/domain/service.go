package domain

import (
	"context"
	"errors"
	"time"

	"github.com/vendora-hq/vendora/pkg/db/pagination"
)

type CreateRequest struct {
	JobID         string         `json:"job_id"`
	ProductName   string         `json:"product_name"`
	VendorName    string         `json:"vendor_name"`
	VendorEmail   string         `json:"vendor_email"`
	OriginalPrice float64        `json:"original_price"`
	TargetPrice   float64        `json:"target_price"`
	Quantity      int64          `json:"quantity"`
	EmailThreadID string         `json:"email_thread_id"`
	EmailSubject  string         `json:"email_subject"`
	Metadata      map[string]any `json:"metadata"`
}

// ApplyReplyRequest carries one vendor reply into the state machine.
// OfferPrice is extracted from the payload by the caller when present.
type ApplyReplyRequest struct {
	NegotiationID string
	Payload       map[string]any
	OfferPrice    float64
	ReceivedAt    time.Time
}

type ListRequest struct {
	pagination.Pagination
	Status string `form:"status"`
}

type ListResponse struct {
	pagination.PageInfo
	Negotiations []Negotiation `json:"negotiations"`
}

type CreatePORequest struct {
	NegotiationID string         `json:"negotiation_id"`
	TaxAmount     float64        `json:"tax_amount"`
	ShippingCost  float64        `json:"shipping_cost"`
	PaymentTerms  string         `json:"payment_terms"`
	Notes         string         `json:"notes"`
	Metadata      map[string]any `json:"metadata"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Negotiation, error)
	SubmitForApproval(ctx context.Context, negotiationID string) (*Negotiation, error)

	// Send consults the approval gate first; a denial surfaces as
	// approval_required without mutating state.
	Send(ctx context.Context, negotiationID string) (*Negotiation, error)

	ApplyVendorReply(ctx context.Context, req ApplyReplyRequest) (*Negotiation, error)
	Accept(ctx context.Context, negotiationID string) (*Negotiation, error)
	Reject(ctx context.Context, negotiationID string) (*Negotiation, error)

	// Expire is invoked by the follow-up deadline sweep, never by user
	// action. A reply that lands first under the lock wins.
	Expire(ctx context.Context, negotiationID string) (*Negotiation, error)

	Get(ctx context.Context, negotiationID string) (*Negotiation, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)

	// FindByThread resolves a negotiation from the opaque email thread
	// key carried by webhook payloads. Not org-scoped; the caller derives
	// tenancy from the returned row.
	FindByThread(ctx context.Context, threadID string) (*Negotiation, error)

	// ListExpiryDue returns non-terminal negotiations whose follow-up
	// deadline has passed, across orgs, for the sweep.
	ListExpiryDue(ctx context.Context, now time.Time, limit int) ([]Negotiation, error)

	CreatePurchaseOrder(ctx context.Context, req CreatePORequest) (*PurchaseOrder, error)
	FinalizePurchaseOrder(ctx context.Context, poID string) (*PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, poID string) (*PurchaseOrder, error)
}

var (
	ErrNotFound            = errors.New("not_found")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidProduct      = errors.New("invalid_product")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidID           = errors.New("invalid_negotiation_id")
	ErrThreadNotFound      = errors.New("thread_not_found")
)
