// Package handler holds the gin handlers of the sync engine's HTTP API.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// getRequestID extracts the request ID from the context
func getRequestID(c *gin.Context) string {
	if id := middleware.RequestIDFrom(c); id != "" {
		return id
	}
	return c.GetHeader(middleware.RequestIDHeader)
}

// tenantFrom reads the authenticated tenant. It answers 401 and returns false
// when the request carries none.
func (h *BaseHandler) tenantFrom(c *gin.Context) (uuid.UUID, bool) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		h.Error(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, "Tenant not found in token")
		return uuid.Nil, false
	}
	return tenantID, true
}

// uuidParam parses a path parameter. It answers 400 on failure.
func (h *BaseHandler) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// SuccessWithMeta sends a success response with pagination meta
func (h *BaseHandler) SuccessWithMeta(c *gin.Context, data any, total int64, page, pageSize int) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, total, page, pageSize))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// Accepted sends a 202 response for work that was queued
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// NoContent sends a 204 no content response
func (h *BaseHandler) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// NotFound sends a 404 not found response
func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, message)
}

// InternalError sends a 500 internal server error response
func (h *BaseHandler) InternalError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, message)
}

// bind decodes a JSON body. It answers 400 with field details on failure.
func (h *BaseHandler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.HandleValidationError(c, err)
		return false
	}
	return true
}

// bindQuery decodes query parameters. Values of the wrong type are reported
// without field details.
func (h *BaseHandler) bindQuery(c *gin.Context, req any) bool {
	if err := c.ShouldBindQuery(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			middleware.HandleValidationError(c, err)
			return false
		}
		h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, "Invalid query parameters")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

var notFoundErrors = []error{
	integration.ErrConnectionNotFound,
	integration.ErrMappingNotFound,
	integration.ErrRunNotFound,
	integration.ErrJobNotFound,
	integration.ErrCatalogProductNotFound,
	integration.ErrCredentialsNotFound,
}

var invalidInputErrors = []error{
	integration.ErrConnectionInvalidTenant,
	integration.ErrConnectionInvalidKind,
	integration.ErrConnectionInvalidScheme,
	integration.ErrConnectionInvalidURL,
	integration.ErrConnectionInvalidName,
	integration.ErrConnectionInvalidRate,
	integration.ErrCredentialsInvalid,
	integration.ErrMappingInvalidExternal,
	integration.ErrMappingInvalidProductID,
	integration.ErrMappingInvalidMatchType,
	integration.ErrInvalidOperation,
	integration.ErrInvalidTrigger,
	integration.ErrConnectorNotFound,
}

var invalidStateErrors = []error{
	integration.ErrJobFinished,
	integration.ErrJobNotClaimable,
	integration.ErrRunNotFinalized,
	integration.ErrRunHasNoFailures,
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// errorCode classifies err into an API error code and a client-safe message
func errorCode(err error) (string, string) {
	var (
		validation *integration.DataValidationError
		ambiguity  *integration.MappingAmbiguityError
		auth       *integration.AuthenticationError
		rejected   *integration.PermanentRequestError
		limited    *integration.RateLimitError
		transient  *integration.TransientNetworkError
	)
	switch {
	case matchesAny(err, notFoundErrors):
		return dto.ErrCodeNotFound, err.Error()
	case errors.Is(err, integration.ErrConnectionInactive):
		return dto.ErrCodeConnectionInactive, err.Error()
	case matchesAny(err, invalidStateErrors):
		return dto.ErrCodeInvalidState, err.Error()
	case matchesAny(err, invalidInputErrors), errors.As(err, &validation):
		return dto.ErrCodeInvalidInput, err.Error()
	case errors.As(err, &ambiguity):
		return dto.ErrCodeConflict, err.Error()
	case errors.As(err, &auth), errors.As(err, &rejected):
		return dto.ErrCodeUpstream, err.Error()
	case errors.As(err, &limited), errors.As(err, &transient):
		return dto.ErrCodeUnavailable, "External system is unavailable"
	default:
		return dto.ErrCodeInternal, "An unexpected error occurred"
	}
}

// HandleError converts application errors to HTTP responses
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	code, message := errorCode(err)
	if code == dto.ErrCodeInternal {
		_ = c.Error(err)
	}
	h.ErrorWithCode(c, code, message)
}
