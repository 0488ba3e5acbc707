package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/auditcontext"
	"github.com/vendora-hq/vendora/internal/clock"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
	obsmetrics "github.com/vendora-hq/vendora/internal/observability/metrics"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	webhookdomain "github.com/vendora-hq/vendora/internal/webhook/domain"
	"github.com/vendora-hq/vendora/pkg/locks"
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
	Locks   *locks.Keyed
	NegSvc  negdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	locks   *locks.Keyed
	negSvc  negdomain.Service
	metrics *obsmetrics.Metrics
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("webhook.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		locks:   p.Locks,
		negSvc:  p.NegSvc,
		metrics: p.Metrics,
	}
}

func (s *Service) Ingest(ctx context.Context, req webhookdomain.IngestRequest) (*webhookdomain.IngestResult, error) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return nil, webhookdomain.ErrInvalidSource
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return nil, webhookdomain.ErrInvalidExternalID
	}

	// Concurrent deliveries of the same external ID serialize here, so
	// exactly one does real work and the rest observe its outcome.
	release, err := s.locks.Acquire(ctx, eventLockKey(source, externalID))
	if err != nil {
		s.countLockBusy()
		return nil, err
	}
	defer release()

	event := &webhookdomain.WebhookEvent{
		ID:         s.genID.Generate(),
		Source:     source,
		ExternalID: externalID,
		EventType:  strings.TrimSpace(req.EventType),
		Status:     webhookdomain.StatusReceived,
		ReceivedAt: s.clock.Now(),
	}
	if req.Payload != nil {
		event.Payload = datatypes.JSONMap(req.Payload)
	}

	// Atomic insert-or-observe on the delivery key.
	insert := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(event)
	if insert.Error != nil {
		return nil, insert.Error
	}
	if insert.RowsAffected == 0 {
		existing, err := s.loadByKey(ctx, source, externalID)
		if err != nil {
			return nil, err
		}
		switch existing.Status {
		case webhookdomain.StatusProcessed, webhookdomain.StatusIgnored:
			// Idempotent replay: same terminal effect, no side effects.
			return s.outcome(existing, webhookdomain.OutcomeDuplicate), nil
		}
		event = existing
	}

	return s.process(ctx, event)
}

func (s *Service) Retry(ctx context.Context, eventID string) (*webhookdomain.IngestResult, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(eventID))
	if err != nil || id == 0 {
		return nil, webhookdomain.ErrInvalidEventID
	}

	var event webhookdomain.WebhookEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, webhookdomain.ErrNotFound
		}
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, eventLockKey(event.Source, event.ExternalID))
	if err != nil {
		s.countLockBusy()
		return nil, err
	}
	defer release()

	// Reload under the lock; a concurrent delivery may have settled it.
	fresh, err := s.loadByKey(ctx, event.Source, event.ExternalID)
	if err != nil {
		return nil, err
	}
	if fresh.Status != webhookdomain.StatusFailed {
		return s.outcome(fresh, webhookdomain.OutcomeDuplicate), nil
	}
	return s.process(ctx, fresh)
}

func (s *Service) ListRetryDue(ctx context.Context, maxAttempts, limit int) ([]webhookdomain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []webhookdomain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", webhookdomain.StatusFailed, maxAttempts).
		Order("received_at asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) ListFailed(ctx context.Context, limit int) ([]webhookdomain.WebhookEvent, error) {
	return s.listByStatus(ctx, webhookdomain.StatusFailed, limit)
}

func (s *Service) ListIgnored(ctx context.Context, limit int) ([]webhookdomain.WebhookEvent, error) {
	return s.listByStatus(ctx, webhookdomain.StatusIgnored, limit)
}

// process routes the event to its negotiation by email thread and settles
// the row: processed on success, ignored when nothing matches, failed
// (with attempt bookkeeping) on transient downstream errors. The claim
// runs before any side effect: the in-process lock serializes deliveries
// within one replica, the claim decides across replicas.
func (s *Service) process(ctx context.Context, event *webhookdomain.WebhookEvent) (*webhookdomain.IngestResult, error) {
	claim := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?
		 WHERE id = ? AND status IN (?, ?)`,
		webhookdomain.StatusProcessing,
		event.ID, webhookdomain.StatusReceived, webhookdomain.StatusFailed,
	)
	if claim.Error != nil {
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		// Another replica holds or already settled this delivery.
		fresh, err := s.loadByKey(ctx, event.Source, event.ExternalID)
		if err != nil {
			return nil, err
		}
		return s.outcome(fresh, webhookdomain.OutcomeDuplicate), nil
	}

	threadID := stringField(event.Payload, "thread_id", "email_thread_id")
	if threadID == "" {
		return s.markIgnored(ctx, event, webhookdomain.IgnoreReasonNoMatch)
	}

	n, err := s.negSvc.FindByThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, negdomain.ErrThreadNotFound) {
			return s.markIgnored(ctx, event, webhookdomain.IgnoreReasonNoMatch)
		}
		return nil, s.markFailed(ctx, event, err)
	}

	// Tenancy and actor derive from the matched negotiation, not the
	// unauthenticated delivery.
	routedCtx := orgcontext.WithOrgID(ctx, n.OrgID)
	routedCtx = auditcontext.WithActor(routedCtx, string(auditdomain.ActorTypeSystem), "webhook:"+event.Source)

	_, err = s.negSvc.ApplyVendorReply(routedCtx, negdomain.ApplyReplyRequest{
		NegotiationID: n.ID.String(),
		Payload:       event.Payload,
		OfferPrice:    floatField(event.Payload, "offer_price"),
		ReceivedAt:    event.ReceivedAt,
	})
	if err != nil {
		if errors.Is(err, negdomain.ErrInvalidTransition) {
			return s.markIgnored(ctx, event, "negotiation_not_awaiting_reply")
		}
		return nil, s.markFailed(ctx, event, err)
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, negotiation_id = ?, processed_at = ?, process_error = ''
		 WHERE id = ? AND status = ?`,
		webhookdomain.StatusProcessed, n.ID, now,
		event.ID, webhookdomain.StatusProcessing,
	)
	if result.Error != nil {
		return nil, result.Error
	}

	fresh, err := s.loadByKey(ctx, event.Source, event.ExternalID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return s.outcome(fresh, webhookdomain.OutcomeDuplicate), nil
	}
	return s.outcome(fresh, webhookdomain.OutcomeProcessed), nil
}

func (s *Service) markIgnored(ctx context.Context, event *webhookdomain.WebhookEvent, reason string) (*webhookdomain.IngestResult, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, ignore_reason = ?
		 WHERE id = ? AND status = ?`,
		webhookdomain.StatusIgnored, reason,
		event.ID, webhookdomain.StatusProcessing,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	fresh, err := s.loadByKey(ctx, event.Source, event.ExternalID)
	if err != nil {
		return nil, err
	}
	return s.outcome(fresh, webhookdomain.OutcomeIgnored), nil
}

// markFailed records the transient failure and returns the original error
// so the caller responds non-200 and the source redelivers.
func (s *Service) markFailed(ctx context.Context, event *webhookdomain.WebhookEvent, cause error) error {
	s.log.Warn("webhook processing failed",
		zap.String("source", event.Source),
		zap.String("external_id", event.ExternalID),
		zap.Error(cause),
	)
	s.count(event.Source, webhookdomain.OutcomeFailed)

	result := s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, attempts = attempts + 1, process_error = ?
		 WHERE id = ? AND status = ?`,
		webhookdomain.StatusFailed, cause.Error(),
		event.ID, webhookdomain.StatusProcessing,
	)
	if result.Error != nil {
		return result.Error
	}
	return cause
}

func (s *Service) listByStatus(ctx context.Context, status webhookdomain.EventStatus, limit int) ([]webhookdomain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []webhookdomain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("received_at desc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) loadByKey(ctx context.Context, source, externalID string) (*webhookdomain.WebhookEvent, error) {
	var event webhookdomain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("source = ? AND external_id = ?", source, externalID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, webhookdomain.ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (s *Service) outcome(event *webhookdomain.WebhookEvent, outcome webhookdomain.Outcome) *webhookdomain.IngestResult {
	s.count(event.Source, outcome)
	return &webhookdomain.IngestResult{Event: event, Outcome: outcome}
}

func (s *Service) count(source string, outcome webhookdomain.Outcome) {
	if s.metrics != nil {
		s.metrics.WebhookIngests.WithLabelValues(source, string(outcome)).Inc()
	}
}

func (s *Service) countLockBusy() {
	if s.metrics != nil {
		s.metrics.LockContention.WithLabelValues("webhook_event").Inc()
	}
}

func eventLockKey(source, externalID string) string {
	return fmt.Sprintf("webhook:%s:%s", source, externalID)
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func floatField(payload map[string]any, key string) float64 {
	switch value := payload[key].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	case int64:
		return float64(value)
	}
	return 0
}
