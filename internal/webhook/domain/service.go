package domain

import (
	"context"
	"errors"
)

type IngestRequest struct {
	Source     string
	ExternalID string
	EventType  string
	Payload    map[string]any
}

// Outcome classifies what one delivery did. Duplicate means an earlier
// delivery already settled the event and this one was a no-op.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

type IngestResult struct {
	Event   *WebhookEvent `json:"event"`
	Outcome Outcome       `json:"outcome"`
}

type Service interface {
	// Ingest records and processes one delivery. Replaying the identical
	// (source, external_id) after successful processing yields the same
	// terminal effect exactly once.
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)

	// Retry reprocesses one failed event, used by the sweep.
	Retry(ctx context.Context, eventID string) (*IngestResult, error)

	// ListRetryDue returns failed events still under the attempt cap.
	ListRetryDue(ctx context.Context, maxAttempts, limit int) ([]WebhookEvent, error)

	ListFailed(ctx context.Context, limit int) ([]WebhookEvent, error)
	ListIgnored(ctx context.Context, limit int) ([]WebhookEvent, error)
}

var (
	ErrInvalidSource     = errors.New("invalid_source")
	ErrInvalidExternalID = errors.New("invalid_external_id")
	ErrNotFound          = errors.New("not_found")
	ErrInvalidEventID    = errors.New("invalid_event_id")
)
