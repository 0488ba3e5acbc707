// Package sweep runs the time-based background work: negotiation expiry,
// job staleness detection, and webhook retry. It operates through the same
// per-entity serialization as user-triggered transitions.
package sweep

import (
	"context"
	"errors"
	"time"

	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/auditcontext"
	"github.com/vendora-hq/vendora/internal/clock"
	"github.com/vendora-hq/vendora/internal/config"
	jobdomain "github.com/vendora-hq/vendora/internal/job/domain"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
	obsmetrics "github.com/vendora-hq/vendora/internal/observability/metrics"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	webhookdomain "github.com/vendora-hq/vendora/internal/webhook/domain"
	"github.com/vendora-hq/vendora/pkg/locks"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	leaderLockKey = "vendora:sweep:leader"
	batchSize     = 100
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Config     config.Config
	JobSvc     jobdomain.Service
	NegSvc     negdomain.Service
	WebhookSvc webhookdomain.Service
	Locker     *Locker             `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Sweeper struct {
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.Config
	jobSvc     jobdomain.Service
	negSvc     negdomain.Service
	webhookSvc webhookdomain.Service
	locker     *Locker
	metrics    *obsmetrics.Metrics
}

func New(p Params) *Sweeper {
	return &Sweeper{
		log:        p.Log.Named("sweep"),
		clock:      p.Clock,
		cfg:        p.Config,
		jobSvc:     p.JobSvc,
		negSvc:     p.NegSvc,
		webhookSvc: p.WebhookSvc,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes all sweeps. With a locker configured, replicas that
// lose the leader race skip the cycle.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, leaderLockKey, s.cfg.SweepInterval)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, leaderLockKey, token); err != nil {
				s.log.Warn("release leader lock", zap.Error(err))
			}
		}()
	}

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "sweeper")

	s.run(ctx, "expire_negotiations", s.expireNegotiations)
	s.run(ctx, "fail_stale_jobs", s.failStaleJobs)
	s.run(ctx, "retry_webhooks", s.retryWebhooks)
	return nil
}

func (s *Sweeper) run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	start := s.clock.Now()
	if err := fn(ctx); err != nil {
		s.log.Warn("sweep failed", zap.String("sweep", name), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues(name).Inc()
		s.metrics.SweepDuration.WithLabelValues(name).Observe(s.clock.Now().Sub(start).Seconds())
	}
}

func (s *Sweeper) expireNegotiations(ctx context.Context) error {
	due, err := s.negSvc.ListExpiryDue(ctx, s.clock.Now(), batchSize)
	if err != nil {
		return err
	}
	for _, n := range due {
		_, err := s.negSvc.Expire(ctx, n.ID.String())
		switch {
		case err == nil:
			s.log.Info("negotiation expired", zap.String("negotiation_id", n.ID.String()))
		case errors.Is(err, negdomain.ErrInvalidTransition):
			// A reply or terminal transition won under the lock.
		case errors.Is(err, locks.ErrBusy):
			// Contended; the next cycle picks it up.
		default:
			s.log.Warn("expire negotiation",
				zap.String("negotiation_id", n.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) failStaleJobs(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.JobStaleAfter)
	stale, err := s.jobSvc.ListStale(ctx, cutoff, batchSize)
	if err != nil {
		return err
	}
	for _, job := range stale {
		jobCtx := orgcontext.WithOrgID(ctx, job.OrgID)
		_, err := s.jobSvc.Fail(jobCtx, job.ID.String(), jobdomain.FailReasonTimeout)
		switch {
		case err == nil:
			s.log.Info("stale job failed",
				zap.String("job_id", job.ID.String()),
				zap.Time("last_update", job.UpdatedAt))
		case errors.Is(err, jobdomain.ErrInvalidTransition):
			// The job finished between listing and locking.
		case errors.Is(err, locks.ErrBusy):
		default:
			s.log.Warn("fail stale job", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) retryWebhooks(ctx context.Context) error {
	due, err := s.webhookSvc.ListRetryDue(ctx, s.cfg.WebhookMaxAttempts, batchSize)
	if err != nil {
		return err
	}
	for _, event := range due {
		result, err := s.webhookSvc.Retry(ctx, event.ID.String())
		if err != nil {
			s.log.Warn("webhook retry failed",
				zap.String("event_id", event.ID.String()),
				zap.Int("attempts", event.Attempts+1),
				zap.Error(err))
			continue
		}
		s.log.Info("webhook retried",
			zap.String("event_id", event.ID.String()),
			zap.String("outcome", string(result.Outcome)))
	}
	return nil
}
