// Package domain contains the vendor negotiation aggregate: the email
// negotiation state machine and the purchase orders it produces.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type NegotiationStatus string

const (
	StatusDraft           NegotiationStatus = "draft"
	StatusPendingApproval NegotiationStatus = "pending_approval"
	StatusSent            NegotiationStatus = "sent"
	StatusVendorReplied   NegotiationStatus = "vendor_replied"
	StatusAccepted        NegotiationStatus = "accepted"
	StatusRejected        NegotiationStatus = "rejected"
	StatusExpired         NegotiationStatus = "expired"
)

// transitions is the negotiation state graph. vendor_replied loops on
// itself so follow-up replies in the same thread keep landing, and re-send
// after a reply reopens the conversation.
var transitions = map[NegotiationStatus][]NegotiationStatus{
	StatusDraft:           {StatusPendingApproval, StatusRejected, StatusExpired},
	StatusPendingApproval: {StatusSent, StatusExpired},
	StatusSent:            {StatusVendorReplied, StatusExpired},
	StatusVendorReplied:   {StatusVendorReplied, StatusSent, StatusAccepted, StatusRejected, StatusExpired},
}

func CanTransition(from, to NegotiationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s NegotiationStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Negotiation tracks one agent-driven email conversation with a vendor.
// EmailThreadID is the opaque external key webhook deliveries are matched
// on. No transition into sent is possible while RequiresApproval is set
// and ApprovedBy is empty.
type Negotiation struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"not null;index"`
	JobID snowflake.ID `gorm:"index"`

	ProductName string            `gorm:"type:text;not null"`
	VendorName  string            `gorm:"type:text"`
	VendorEmail string            `gorm:"type:text"`
	Status      NegotiationStatus `gorm:"type:text;not null;index"`

	OriginalPrice     float64 `gorm:"not null;default:0"`
	TargetPrice       float64 `gorm:"not null;default:0"`
	CurrentOfferPrice float64 `gorm:"not null;default:0"`
	FinalPrice        float64 `gorm:"not null;default:0"`
	Quantity          int64   `gorm:"not null;default:1"`

	EmailThreadID  string `gorm:"type:text;index"`
	EmailSubject   string `gorm:"type:text"`
	EmailSentCount int    `gorm:"not null;default:0"`

	LastVendorReply   datatypes.JSONMap `gorm:"type:jsonb"`
	LastVendorReplyAt *time.Time        ``

	FollowUpCount  int        `gorm:"not null;default:0"`
	MaxFollowUps   int        `gorm:"not null;default:3"`
	NextFollowUpAt *time.Time `gorm:"index"`

	RequiresApproval bool       `gorm:"not null;default:true"`
	ApprovedBy       *string    `gorm:"type:text"`
	ApprovedAt       *time.Time ``

	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time  `gorm:"not null;index"`
	UpdatedAt time.Time  `gorm:"not null"`
	ExpiredAt *time.Time ``
}

// TableName sets the database table name.
func (Negotiation) TableName() string { return "negotiations" }

// PurchaseOrder is the money-committing artifact produced from an
// accepted negotiation. Finalize is only legal once a human has set
// ApprovedByUser through the approval gate.
type PurchaseOrder struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	OrgID         snowflake.ID `gorm:"not null;index"`
	NegotiationID snowflake.ID `gorm:"not null;index"`

	PONumber string `gorm:"type:text;not null;uniqueIndex"`

	Quantity     int64   `gorm:"not null"`
	UnitPrice    float64 `gorm:"not null"`
	Subtotal     float64 `gorm:"not null"`
	TaxAmount    float64 `gorm:"not null;default:0"`
	ShippingCost float64 `gorm:"not null;default:0"`
	TotalAmount  float64 `gorm:"not null"`

	PaymentTerms string `gorm:"type:text"`

	ApprovedByUser bool       `gorm:"not null;default:false"`
	ApprovedBy     *string    `gorm:"type:text"`
	ApprovedAt     *time.Time ``

	FinalizedAt *time.Time ``

	Notes    string            `gorm:"type:text"`
	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (PurchaseOrder) TableName() string { return "purchase_orders" }

// PONumberCounter backs the monotone per-org purchase order numbering,
// formatted as PO-<year>-<seq>.
type PONumberCounter struct {
	OrgID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Year      int          `gorm:"primaryKey;autoIncrement:false"`
	Seq       int64        `gorm:"not null;default:0"`
	UpdatedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (PONumberCounter) TableName() string { return "po_counters" }
