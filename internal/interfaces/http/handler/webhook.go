package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp/marketsync/internal/interfaces/http/dto"
)

// WebhookIngestor verifies and queues one inbound notification
type WebhookIngestor interface {
	Handle(ctx context.Context, rawBody []byte, headers http.Header, connectionID uuid.UUID) (int, uuid.UUID, error)
}

// WebhookHandler receives change notifications from external systems.
// These endpoints are authenticated by signature, not by JWT.
type WebhookHandler struct {
	BaseHandler
	ingestor WebhookIngestor
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(ingestor WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

// WebhookResponse acknowledges a notification
type WebhookResponse struct {
	Received bool       `json:"received"`
	JobID    *uuid.UUID `json:"job_id,omitempty"`
}

// Receive handles POST /api/v1/webhooks/:connection_id.
// The raw body is handed over unparsed since the signature covers its exact bytes.
func (h *WebhookHandler) Receive(c *gin.Context) {
	connectionID, err := uuid.Parse(c.Param("connection_id"))
	if err != nil {
		// Unknown senders get the same answer as a bad signature.
		h.Error(c, http.StatusUnauthorized, dto.ErrCodeSignatureInvalid, "Webhook rejected")
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(c, http.StatusRequestEntityTooLarge, dto.ErrCodeRequestTooLarge, "Payload too large")
			return
		}
		h.BadRequest(c, "Failed to read request body")
		return
	}

	status, jobID, err := h.ingestor.Handle(c.Request.Context(), payload, c.Request.Header, connectionID)
	if err != nil {
		_ = c.Error(err)
	}
	switch status {
	case http.StatusOK:
		resp := WebhookResponse{Received: true}
		if jobID != uuid.Nil {
			resp.JobID = &jobID
		}
		h.Success(c, resp)
	case http.StatusUnauthorized:
		h.Error(c, status, dto.ErrCodeSignatureInvalid, "Webhook rejected")
	case http.StatusBadRequest:
		h.Error(c, status, dto.ErrCodeInvalidInput, "Webhook payload could not be processed")
	default:
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeUnavailable, "Webhook could not be accepted, retry later")
	}
}
