// Package handlers provides the host bridge HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/echograph/tavernbridge/internal/health"
	"github.com/echograph/tavernbridge/internal/model"
	"github.com/echograph/tavernbridge/internal/session"
	"github.com/echograph/tavernbridge/internal/ws"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendCallError maps transport, remote and storage failures to a status code.
func sendCallError(c *gin.Context, err error) {
	var remote *ws.RemoteError
	switch {
	case errors.As(err, &remote):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: ErrorDetail{
			Code:    "REMOTE_ERROR",
			Message: remote.Message,
			Details: map[string]any{"action": remote.Action},
		}})
	case errors.Is(err, ws.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		sendError(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	case errors.Is(err, ws.ErrNotConnected), errors.Is(err, ws.ErrConnectionClosed):
		sendError(c, http.StatusServiceUnavailable, "NOT_CONNECTED", err.Error())
	case errors.Is(err, model.ErrNoSession):
		sendError(c, http.StatusConflict, "NO_SESSION", err.Error())
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, session.ErrQuickResetRejected):
		sendError(c, http.StatusBadGateway, "RESET_REJECTED", err.Error())
	case errors.Is(err, health.ErrUnexpectedStatus):
		sendError(c, http.StatusBadGateway, "BACKEND_ERROR", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
