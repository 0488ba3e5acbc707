package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/vendora-hq/vendora/internal/ledger/domain"
)

func (s *Server) AggregateUsage(c *gin.Context) {
	resp, err := s.ledgerSvc.Aggregate(c.Request.Context(), c.Query("period"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetQuota(c *gin.Context) {
	quota, err := s.ledgerSvc.GetQuota(c.Request.Context(), c.Query("resource_kind"), c.Query("period"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// A missing quota row means the org is uncapped for that scope.
	c.JSON(http.StatusOK, gin.H{"quota": quota})
}

type setQuotaRequest struct {
	ResourceKind string `json:"resource_kind"`
	Period       string `json:"period"`
	Limit        int64  `json:"limit"`
}

func (s *Server) SetQuota(c *gin.Context) {
	var req setQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	quota, err := s.ledgerSvc.SetQuota(c.Request.Context(), ledgerdomain.SetQuotaRequest{
		ResourceKind: req.ResourceKind,
		Period:       req.Period,
		Limit:        req.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, quota)
}
