package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echograph/tavernbridge/internal/model"
)

// Lifecycle receives chat-host notifications.
type Lifecycle interface {
	OnChatChanged(ctx context.Context)
	OnMessageReceived(ctx context.Context, idx int)
	OnMessageEdited(ctx context.Context, idx int)
	OnMessageSwiped(ctx context.Context, idx int)
	OnMessageDeleted(ctx context.Context)
	OnPromptReady(ctx context.Context, p *model.PromptPayload)
}

// Caller issues ad-hoc RPCs over the session connection.
type Caller interface {
	Call(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// ActivityFeed lists recent activity.
type ActivityFeed interface {
	Recent(n int) []model.ActivityEntry
}

// Host lifecycle event names accepted by POST /api/events/:event.
const (
	EventChatChanged     = "chat_changed"
	EventMessageReceived = "message_received"
	EventMessageEdited   = "message_edited"
	EventMessageSwiped   = "message_swiped"
	EventMessageDeleted  = "message_deleted"
	EventPromptReady     = "prompt_ready"
)

// EventHandler forwards host events and raw RPCs, and serves the activity feed.
type EventHandler struct {
	lifecycle Lifecycle
	caller    Caller
	feed      ActivityFeed
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(lifecycle Lifecycle, caller Caller, feed ActivityFeed) *EventHandler {
	return &EventHandler{
		lifecycle: lifecycle,
		caller:    caller,
		feed:      feed,
	}
}

// MessageEventRequest carries the chat index of a message event.
type MessageEventRequest struct {
	Index *int `json:"index" binding:"required"`
}

// RPCResponse wraps the data of a successful RPC.
type RPCResponse struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Event handles POST /api/events/:event. Prompt events answer with the
// possibly rewritten prompt; every other event answers 202.
func (h *EventHandler) Event(c *gin.Context) {
	ctx := c.Request.Context()

	switch event := c.Param("event"); event {
	case EventChatChanged:
		h.lifecycle.OnChatChanged(ctx)
	case EventMessageDeleted:
		h.lifecycle.OnMessageDeleted(ctx)
	case EventMessageReceived, EventMessageEdited, EventMessageSwiped:
		var req MessageEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
			return
		}
		switch event {
		case EventMessageReceived:
			h.lifecycle.OnMessageReceived(ctx, *req.Index)
		case EventMessageEdited:
			h.lifecycle.OnMessageEdited(ctx, *req.Index)
		default:
			h.lifecycle.OnMessageSwiped(ctx, *req.Index)
		}
	case EventPromptReady:
		var p model.PromptPayload
		if err := c.ShouldBindJSON(&p); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid prompt payload: "+err.Error())
			return
		}
		h.lifecycle.OnPromptReady(ctx, &p)
		c.JSON(http.StatusOK, p)
		return
	default:
		sendError(c, http.StatusNotFound, "UNKNOWN_EVENT", "Unknown event "+event)
		return
	}
	c.Status(http.StatusAccepted)
}

// RPC handles POST /api/rpc/:action - sends the request body as the payload.
// An optional ?timeout= query sets the deadline, e.g. "15s".
func (h *EventHandler) RPC(c *gin.Context) {
	action := c.Param("action")

	raw, err := c.GetRawData()
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	var body any
	if len(bytes.TrimSpace(raw)) > 0 {
		if !json.Valid(raw) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request body is not valid JSON")
			return
		}
		body = json.RawMessage(raw)
	}

	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid timeout "+raw)
			return
		}
		timeout = d
	}

	data, err := h.caller.Call(c.Request.Context(), action, body, timeout)
	if err != nil {
		sendCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, RPCResponse{Action: action, Data: data})
}

// Activity handles GET /api/activity.
func (h *EventHandler) Activity(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	entries := h.feed.Recent(limit)
	if entries == nil {
		entries = []model.ActivityEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// RegisterRoutes registers the event handler routes on a Gin router group.
func (h *EventHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/events/:event", h.Event)
	rg.POST("/rpc/:action", h.RPC)
	rg.GET("/activity", h.Activity)
}
