package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/auditcontext"
	"github.com/vendora-hq/vendora/internal/orgcontext"
)

const (
	headerOrgID         = "X-Org-ID"
	headerActorType     = "X-Actor-Type"
	headerActorID       = "X-Actor-ID"
	headerCorrelationID = "X-Request-ID"
)

// OrgRequired resolves the tenant from the X-Org-ID header set by the
// external auth collaborator and installs it in the request context.
func (s *Server) OrgRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerOrgID))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), orgID))
		c.Next()
	}
}

// ActorContext attributes the request to an actor for the audit trail.
// Absent headers default to the agent actor; approval routes separately
// require a human identity.
func (s *Server) ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorType := strings.TrimSpace(c.GetHeader(headerActorType))
		actorID := strings.TrimSpace(c.GetHeader(headerActorID))
		if actorType == "" {
			actorType = string(auditdomain.ActorTypeAgent)
		}
		ctx := auditcontext.WithActor(c.Request.Context(), actorType, actorID)

		correlationID := strings.TrimSpace(c.GetHeader(headerCorrelationID))
		if correlationID == "" {
			correlationID = ulid.Make().String()
		}
		ctx = auditcontext.WithCorrelationID(ctx, correlationID)
		c.Header(headerCorrelationID, correlationID)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// HumanRequired guards the approval routes: a verified human identity
// must be present.
func (s *Server) HumanRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(headerActorID))
		actorType := strings.TrimSpace(c.GetHeader(headerActorType))
		if actorID == "" || actorType != string(auditdomain.ActorTypeUser) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
