package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/idempotency"
	"github.com/dunmininu/oms-trading/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeRiskRejected      = "RISK_REJECTED"
	ErrCodeComplianceBlocked = "COMPLIANCE_BLOCKED"
	ErrCodeStateConflict     = "STATE_CONFLICT"
	ErrCodeBrokerReject      = "BROKER_REJECT"
	ErrCodeBrokerUnavailable = "BROKER_UNAVAILABLE"
	ErrCodeInFlight          = "REQUEST_IN_FLIGHT"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
)

// Handle maps a service-layer error onto the wire taxonomy, or sends
// data on success.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var validationErr *types.ValidationError
	var riskErr *types.RiskRejectedError
	var complianceErr *types.ComplianceBlockedError
	var conflictErr *types.StateConflictError
	var illegalErr *types.IllegalTransitionError
	var brokerErr *types.BrokerRejectError
	var connErr *types.ConnectivityError
	var notFoundErr *types.NotFoundError

	switch {
	case errors.As(err, &validationErr):
		fail(c, http.StatusBadRequest, ErrCodeValidationFailed, validationErr.Error(), nil)
	case errors.As(err, &riskErr):
		fail(c, http.StatusUnprocessableEntity, ErrCodeRiskRejected, riskErr.Reason, gin.H{
			"gate": riskErr.Gate,
			"code": riskErr.Code,
		})
	case errors.As(err, &complianceErr):
		fail(c, http.StatusUnprocessableEntity, ErrCodeComplianceBlocked, complianceErr.Reason, gin.H{
			"gate": complianceErr.Gate,
			"code": complianceErr.Code,
		})
	case errors.As(err, &conflictErr):
		fail(c, http.StatusConflict, ErrCodeStateConflict, conflictErr.Error(), gin.H{
			"expected_version": conflictErr.ExpectedVersion,
			"actual_version":   conflictErr.ActualVersion,
		})
	case errors.As(err, &illegalErr):
		fail(c, http.StatusConflict, ErrCodeStateConflict, illegalErr.Error(), nil)
	case errors.As(err, &brokerErr):
		fail(c, http.StatusUnprocessableEntity, ErrCodeBrokerReject, brokerErr.Reason, nil)
	case errors.As(err, &connErr):
		fail(c, http.StatusServiceUnavailable, ErrCodeBrokerUnavailable, connErr.Error(), nil)
	case errors.As(err, &notFoundErr):
		NotFound(c, notFoundErr.Error())
	case errors.Is(err, idempotency.ErrInFlight):
		fail(c, http.StatusConflict, ErrCodeInFlight, err.Error(), nil)
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// Raw sends pre-encoded JSON as the data field of a successful
// envelope. Used for idempotent replays, which must be byte-identical
// to the first response.
func Raw(c *gin.Context, body []byte) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    jsonRaw(body),
	})
}

type jsonRaw []byte

func (r jsonRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message, nil)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message, nil)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message, nil)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message, nil)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message, nil)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message, nil)
}

func fail(c *gin.Context, status int, code, message string, detail any) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
			Detail:  detail,
		},
	})
}
