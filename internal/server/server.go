// Package server exposes the orchestration core over HTTP. Authenticity
// of callers and webhook signatures is established by external
// collaborators in front of this service; this layer resolves tenancy and
// actor identity from their verified headers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/vendora-hq/vendora/internal/approval"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/config"
	jobdomain "github.com/vendora-hq/vendora/internal/job/domain"
	ledgerdomain "github.com/vendora-hq/vendora/internal/ledger/domain"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
	obsmetrics "github.com/vendora-hq/vendora/internal/observability/metrics"
	webhookdomain "github.com/vendora-hq/vendora/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(metrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	genID      *snowflake.Node
	jobSvc     jobdomain.Service
	negSvc     negdomain.Service
	webhookSvc webhookdomain.Service
	ledgerSvc  ledgerdomain.Service
	auditSvc   auditdomain.Service
	gate       *approval.Gate
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	GenID      *snowflake.Node
	JobSvc     jobdomain.Service
	NegSvc     negdomain.Service
	WebhookSvc webhookdomain.Service
	LedgerSvc  ledgerdomain.Service
	AuditSvc   auditdomain.Service
	Gate       *approval.Gate
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		genID:      p.GenID,
		jobSvc:     p.JobSvc,
		negSvc:     p.NegSvc,
		webhookSvc: p.WebhookSvc,
		ledgerSvc:  p.LedgerSvc,
		auditSvc:   p.AuditSvc,
		gate:       p.Gate,
	}

	svc.registerRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1", s.ActorContext())

	// Webhook receivers are source-authenticated upstream and carry no
	// org header; tenancy derives from the matched negotiation.
	v1.POST("/webhooks/:source", s.IngestWebhook)

	api := v1.Group("/", s.OrgRequired())
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", s.SubmitJob)
			jobs.GET("", s.ListJobs)
			jobs.GET("/:id", s.GetJob)
			jobs.POST("/:id/start", s.StartJob)
			jobs.POST("/:id/progress", s.RecordJobProgress)
			jobs.POST("/:id/complete", s.CompleteJob)
			jobs.POST("/:id/fail", s.FailJob)
			jobs.POST("/:id/cancel", s.CancelJob)
			jobs.POST("/:id/actions", s.AppendJobAction)
			jobs.GET("/:id/actions", s.ListJobActions)
		}

		negotiations := api.Group("/negotiations")
		{
			negotiations.POST("", s.CreateNegotiation)
			negotiations.GET("", s.ListNegotiations)
			negotiations.GET("/:id", s.GetNegotiation)
			negotiations.POST("/:id/submit", s.SubmitNegotiationForApproval)
			negotiations.POST("/:id/send", s.SendNegotiation)
			negotiations.POST("/:id/accept", s.AcceptNegotiation)
			negotiations.POST("/:id/reject", s.RejectNegotiation)
			negotiations.POST("/:id/approve", s.HumanRequired(), s.ApproveNegotiation)
		}

		orders := api.Group("/purchase-orders")
		{
			orders.POST("", s.CreatePurchaseOrder)
			orders.GET("/:id", s.GetPurchaseOrder)
			orders.POST("/:id/approve", s.HumanRequired(), s.ApprovePurchaseOrder)
			orders.POST("/:id/finalize", s.FinalizePurchaseOrder)
		}

		webhooks := api.Group("/webhook-events")
		{
			webhooks.GET("/failed", s.ListFailedWebhookEvents)
			webhooks.GET("/ignored", s.ListIgnoredWebhookEvents)
		}

		usage := api.Group("/usage")
		{
			usage.GET("/aggregate", s.AggregateUsage)
			usage.GET("/quotas", s.GetQuota)
			usage.PUT("/quotas", s.SetQuota)
		}

		api.GET("/audit-records", s.ListAuditRecords)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
