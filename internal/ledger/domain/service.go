package domain

import (
	"context"
	"errors"

	"github.com/vendora-hq/vendora/internal/entityref"
)

type DebitRequest struct {
	ResourceKind string
	Quantity     int64
	CostUSD      float64
	Period       string
	Entity       entityref.Ref
	Metadata     map[string]any
}

type KindTotal struct {
	ResourceKind string  `json:"resource_kind"`
	Quantity     int64   `json:"quantity"`
	CostUSD      float64 `json:"cost_usd"`
}

type AggregateResponse struct {
	Period string      `json:"period"`
	Totals []KindTotal `json:"totals"`
}

type SetQuotaRequest struct {
	ResourceKind string
	Period       string
	Limit        int64
}

type Service interface {
	// Debit atomically checks quota headroom and, when sufficient,
	// persists a UsageRecord and increments consumed-to-date. A debit
	// that would breach the quota fails with ErrQuotaExceeded and writes
	// nothing. An org with no quota row for the scope is uncapped.
	Debit(ctx context.Context, req DebitRequest) (*UsageRecord, error)

	// Refund reverses a committed debit after the action it paid for
	// could not be persisted. The quantity goes back to the quota row
	// and a negative usage record is written against the same entity,
	// so Aggregate nets the pair out to zero.
	Refund(ctx context.Context, req DebitRequest) (*UsageRecord, error)

	// Aggregate totals committed debits per resource kind for billing.
	Aggregate(ctx context.Context, period string) (AggregateResponse, error)

	SetQuota(ctx context.Context, req SetQuotaRequest) (*Quota, error)
	GetQuota(ctx context.Context, resourceKind, period string) (*Quota, error)
}

var (
	ErrQuotaExceeded        = errors.New("quota_exceeded")
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidResourceKind  = errors.New("invalid_resource_kind")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvalidLimit         = errors.New("invalid_limit")
)
