package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/pkg/db/pagination"
)

func (s *Server) ListAuditRecords(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	req := auditdomain.ListRequest{
		Pagination: page,
		Action:     c.Query("action"),
		EntityKind: c.Query("entity_kind"),
		EntityID:   c.Query("entity_id"),
	}

	var err error
	if req.StartAt, err = parseTimestamp(c.Query("start_at")); err != nil {
		AbortWithError(c, auditdomain.ErrInvalidTimeRange)
		return
	}
	if req.EndAt, err = parseTimestamp(c.Query("end_at")); err != nil {
		AbortWithError(c, auditdomain.ErrInvalidTimeRange)
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func parseTimestamp(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
