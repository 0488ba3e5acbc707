package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vendora-hq/vendora/internal/approval"
	auditdomain "github.com/vendora-hq/vendora/internal/audit/domain"
	"github.com/vendora-hq/vendora/internal/entityref"
	jobdomain "github.com/vendora-hq/vendora/internal/job/domain"
	ledgerdomain "github.com/vendora-hq/vendora/internal/ledger/domain"
	negdomain "github.com/vendora-hq/vendora/internal/negotiation/domain"
	webhookdomain "github.com/vendora-hq/vendora/internal/webhook/domain"
	"github.com/vendora-hq/vendora/pkg/locks"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

// retryAfterSeconds advertises when a busy caller should try again.
const retryAfterSeconds = "1"

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusServiceUnavailable {
			c.Header("Retry-After", retryAfterSeconds)
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError translates the domain error taxonomy into HTTP statuses. The
// outcomes stay distinguishable so callers can block, retry, or escalate
// to a human.
func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, jobdomain.ErrInvalidTransition),
		errors.Is(err, negdomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "state transition not allowed",
		}
	case errors.Is(err, approval.ErrApprovalRequired):
		return http.StatusForbidden, errorPayload{
			Type:    "approval_required",
			Message: "a human approval is required first",
		}
	case errors.Is(err, ledgerdomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "quota exhausted for this resource",
		}
	case errors.Is(err, jobdomain.ErrJobClosed):
		return http.StatusGone, errorPayload{
			Type:    "job_closed",
			Message: "job closed beyond the late-write window",
		}
	case errors.Is(err, locks.ErrBusy):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "busy",
			Message: "resource busy, retry with backoff",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, jobdomain.ErrNotFound),
		errors.Is(err, negdomain.ErrNotFound),
		errors.Is(err, webhookdomain.ErrNotFound),
		errors.Is(err, approval.ErrNotFound):
		return true
	}
	return false
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, jobdomain.ErrInvalidQuery),
		errors.Is(err, jobdomain.ErrInvalidActor),
		errors.Is(err, jobdomain.ErrInvalidJobID),
		errors.Is(err, jobdomain.ErrInvalidOrganization),
		errors.Is(err, negdomain.ErrInvalidProduct),
		errors.Is(err, negdomain.ErrInvalidQuantity),
		errors.Is(err, negdomain.ErrInvalidID),
		errors.Is(err, negdomain.ErrInvalidOrganization),
		errors.Is(err, ledgerdomain.ErrInvalidOrganization),
		errors.Is(err, ledgerdomain.ErrInvalidResourceKind),
		errors.Is(err, ledgerdomain.ErrInvalidQuantity),
		errors.Is(err, ledgerdomain.ErrInvalidPeriod),
		errors.Is(err, ledgerdomain.ErrInvalidLimit),
		errors.Is(err, auditdomain.ErrInvalidOrganization),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, webhookdomain.ErrInvalidSource),
		errors.Is(err, webhookdomain.ErrInvalidExternalID),
		errors.Is(err, webhookdomain.ErrInvalidEventID),
		errors.Is(err, approval.ErrInvalidApprover),
		errors.Is(err, entityref.ErrUnknownKind):
		return true
	}
	return false
}
