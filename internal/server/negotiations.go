package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/vendora-hq/vendora/internal/auditcontext"
	"github.com/vendora-hq/vendora/internal/entityref"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
)

func (s *Server) CreateNegotiation(c *gin.Context) {
	var req negdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	n, err := s.negSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, n)
}

func (s *Server) GetNegotiation(c *gin.Context) {
	n, err := s.negSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (s *Server) ListNegotiations(c *gin.Context) {
	var req negdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.negSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) SubmitNegotiationForApproval(c *gin.Context) {
	n, err := s.negSvc.SubmitForApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (s *Server) SendNegotiation(c *gin.Context) {
	n, err := s.negSvc.Send(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (s *Server) AcceptNegotiation(c *gin.Context) {
	n, err := s.negSvc.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (s *Server) RejectNegotiation(c *gin.Context) {
	n, err := s.negSvc.Reject(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (s *Server) ApproveNegotiation(c *gin.Context) {
	s.recordApproval(c, entityref.KindNegotiation)
}

func (s *Server) CreatePurchaseOrder(c *gin.Context) {
	var req negdomain.CreatePORequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	po, err := s.negSvc.CreatePurchaseOrder(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, po)
}

func (s *Server) GetPurchaseOrder(c *gin.Context) {
	po, err := s.negSvc.GetPurchaseOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, po)
}

func (s *Server) ApprovePurchaseOrder(c *gin.Context) {
	s.recordApproval(c, entityref.KindPurchaseOrder)
}

func (s *Server) FinalizePurchaseOrder(c *gin.Context) {
	po, err := s.negSvc.FinalizePurchaseOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, po)
}

// recordApproval resolves the approver from the verified actor headers and
// stamps the entity through the gate. Replays report the original approver.
func (s *Server) recordApproval(c *gin.Context, kind entityref.Kind) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, negdomain.ErrInvalidID)
		return
	}

	_, actorID := auditcontext.ActorFromContext(c.Request.Context())

	result, err := s.gate.RecordApproval(c.Request.Context(), entityref.Ref{Kind: kind, ID: id}, actorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
