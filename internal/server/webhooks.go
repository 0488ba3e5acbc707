package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/vendora-hq/vendora/internal/webhook/domain"
)

type ingestWebhookRequest struct {
	ExternalID string         `json:"external_id"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
}

// IngestWebhook accepts one delivery from an upstream email or vendor
// integration. A non-2xx response tells the sender to redeliver, so only
// transient processing failures surface as errors; ignored and duplicate
// deliveries acknowledge with 200.
func (s *Server) IngestWebhook(c *gin.Context) {
	var req ingestWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), webhookdomain.IngestRequest{
		Source:     c.Param("source"),
		ExternalID: req.ExternalID,
		EventType:  req.EventType,
		Payload:    req.Payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListFailedWebhookEvents(c *gin.Context) {
	events, err := s.webhookSvc.ListFailed(c.Request.Context(), parseLimit(c.Query("limit")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) ListIgnoredWebhookEvents(c *gin.Context) {
	events, err := s.webhookSvc.ListIgnored(c.Request.Context(), parseLimit(c.Query("limit")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 50
	}
	return n
}
