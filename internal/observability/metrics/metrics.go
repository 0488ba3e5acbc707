// Package metrics exposes application-level Prometheus instruments for the
// orchestration core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instruments shared by services and the sweeper.
type Metrics struct {
	registry *prometheus.Registry

	JobTransitions    *prometheus.CounterVec
	ActionsAppended   prometheus.Counter
	QuotaDenied       *prometheus.CounterVec
	LedgerDebits      *prometheus.CounterVec
	NegotiationMoves  *prometheus.CounterVec
	ApprovalDenied    prometheus.Counter
	WebhookIngests    *prometheus.CounterVec
	AuditWriteFailed  prometheus.Counter
	SweepRuns         *prometheus.CounterVec
	SweepDuration     *prometheus.HistogramVec
	LockContention    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendora_job_transitions_total",
			Help: "Job status transitions by outcome",
		}, []string{"from", "to"}),
		ActionsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vendora_action_entries_total",
			Help: "Action log entries appended",
		}),
		QuotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendora_quota_denied_total",
			Help: "Debits rejected for insufficient quota headroom",
		}, []string{"resource_kind"}),
		LedgerDebits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendora_ledger_debits_total",
			Help: "Committed usage ledger debits",
		}, []string{"resource_kind"}),
		NegotiationMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendora_negotiation_transitions_total",
			Help: "Negotiation status transitions",
		}, []string{"from", "to"}),
		ApprovalDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vendora_approval_denied_total",
			Help: "Money-committing transitions blocked pending approval",
		}),
		WebhookIngests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendora_webhook_ingests_total",
			Help: "Webhook deliveries by processing result",
		}, []string{"source", "result"}),
		AuditWriteFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vendora_audit_write_failures_total",
			Help: "Audit records that could not be persisted",
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendora_sweep_runs_total",
			Help: "Background sweep executions by job name",
		}, []string{"sweep"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vendora_sweep_duration_seconds",
			Help:    "Background sweep duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		LockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendora_lock_busy_total",
			Help: "Per-entity lock acquisitions that timed out",
		}, []string{"entity"}),
	}

	m.registry.MustRegister(
		m.JobTransitions,
		m.ActionsAppended,
		m.QuotaDenied,
		m.LedgerDebits,
		m.NegotiationMoves,
		m.ApprovalDenied,
		m.WebhookIngests,
		m.AuditWriteFailed,
		m.SweepRuns,
		m.SweepDuration,
		m.LockContention,
	)
	return m
}

// Handler serves the registry for the /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
