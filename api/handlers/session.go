package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echograph/tavernbridge/internal/health"
	"github.com/echograph/tavernbridge/internal/model"
	"github.com/echograph/tavernbridge/internal/session"
	"github.com/echograph/tavernbridge/internal/ws"
)

// Sessions is the session orchestration surface the bridge exposes.
type Sessions interface {
	CurrentSession() model.Session
	State() session.State
	InitializeSession(ctx context.Context, caller string, force bool) bool
	Reset()
	QuickReset(ctx context.Context) (health.ResetResult, error)
	Stats(ctx context.Context) (session.Stats, error)
}

// Connection reports the active backend connection.
type Connection interface {
	Current() (string, ws.ConnState)
}

// HealthChecker reports the last backend probe.
type HealthChecker interface {
	Healthy() bool
	Last() (health.Status, time.Time, error)
	Probe(ctx context.Context) (health.Status, error)
}

// Ledger lists recorded session bindings.
type Ledger interface {
	ListRecent(ctx context.Context, limit int) ([]*model.SessionBinding, error)
	GetByID(ctx context.Context, sessionID string) (*model.SessionBinding, error)
}

// BackendAdmin exposes the backend's maintenance endpoints.
type BackendAdmin interface {
	ClearData(ctx context.Context) error
	Export(ctx context.Context, sessionID string, w io.Writer) (int64, error)
}

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessions Sessions
	conn     Connection
	health   HealthChecker
	ledger   Ledger
	admin    BackendAdmin
}

// NewSessionHandler creates a new SessionHandler. ledger and admin may be nil.
func NewSessionHandler(sessions Sessions, conn Connection, hc HealthChecker, ledger Ledger, admin BackendAdmin) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		conn:     conn,
		health:   hc,
		ledger:   ledger,
		admin:    admin,
	}
}

// StatusResponse describes the bridge's view of the backend.
type StatusResponse struct {
	Session       model.Session `json:"session"`
	State         string        `json:"state"`
	Connection    string        `json:"connection"`
	ConnectedTo   string        `json:"connectedTo,omitempty"`
	Healthy       bool          `json:"healthy"`
	Backend       health.Status `json:"backend"`
	LastCheckedAt string        `json:"lastCheckedAt,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
}

// InitializeRequest is the body of POST /api/session/initialize.
type InitializeRequest struct {
	Force bool `json:"force"`
}

// BindingResponse represents a session binding in API responses.
type BindingResponse struct {
	SessionID     string `json:"sessionId"`
	CharacterID   string `json:"characterId"`
	CharacterName string `json:"characterName"`
	Source        string `json:"source,omitempty"`
	GraphNodes    int    `json:"graphNodes"`
	GraphEdges    int    `json:"graphEdges"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

func toBindingResponse(b *model.SessionBinding) *BindingResponse {
	return &BindingResponse{
		SessionID:     b.SessionID,
		CharacterID:   b.CharacterID,
		CharacterName: b.CharacterName,
		Source:        string(b.Source),
		GraphNodes:    b.GraphNodes,
		GraphEdges:    b.GraphEdges,
		CreatedAt:     b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     b.UpdatedAt.Format(time.RFC3339),
	}
}

// Health handles GET /health - liveness of the bridge plus the last backend probe.
func (h *SessionHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"backendHealthy": h.health.Healthy(),
	})
}

// Status handles GET /api/status.
func (h *SessionHandler) Status(c *gin.Context) {
	target, state := h.conn.Current()
	st, checkedAt, err := h.health.Last()

	resp := StatusResponse{
		Session:     h.sessions.CurrentSession(),
		State:       h.sessions.State().String(),
		Connection:  state.String(),
		ConnectedTo: target,
		Healthy:     h.health.Healthy(),
		Backend:     st,
	}
	if !checkedAt.IsZero() {
		resp.LastCheckedAt = checkedAt.Format(time.RFC3339)
	}
	if err != nil {
		resp.LastError = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// TestConnection handles POST /api/backend/test - runs one health probe now.
func (h *SessionHandler) TestConnection(c *gin.Context) {
	st, err := h.health.Probe(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusServiceUnavailable, "BACKEND_UNREACHABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, st)
}

// Initialize handles POST /api/session/initialize.
func (h *SessionHandler) Initialize(c *gin.Context) {
	var req InitializeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
			return
		}
	}

	caller := "manual"
	if req.Force {
		caller = "manual_force"
	}
	if !h.sessions.InitializeSession(c.Request.Context(), caller, req.Force) {
		sendError(c, http.StatusConflict, "INITIALIZATION_FAILED", "Session could not be initialized (state "+h.sessions.State().String()+")")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": h.sessions.CurrentSession()})
}

// Reset handles POST /api/session/reset - forgets the session locally.
func (h *SessionHandler) Reset(c *gin.Context) {
	h.sessions.Reset()
	c.Status(http.StatusNoContent)
}

// QuickReset handles POST /api/session/quick_reset - clears all backend sessions.
func (h *SessionHandler) QuickReset(c *gin.Context) {
	res, err := h.sessions.QuickReset(c.Request.Context())
	if err != nil {
		sendCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stats handles GET /api/session/stats.
func (h *SessionHandler) Stats(c *gin.Context) {
	stats, err := h.sessions.Stats(c.Request.Context())
	if err != nil {
		sendCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ClearData handles POST /api/session/clear - wipes the backend's memory.
func (h *SessionHandler) ClearData(c *gin.Context) {
	if h.admin == nil {
		sendError(c, http.StatusNotImplemented, "NOT_AVAILABLE", "Backend administration is not configured")
		return
	}
	if err := h.admin.ClearData(c.Request.Context()); err != nil {
		sendCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// List handles GET /api/sessions - lists recorded session bindings.
func (h *SessionHandler) List(c *gin.Context) {
	if h.ledger == nil {
		c.JSON(http.StatusOK, []*BindingResponse{})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	bindings, err := h.ledger.ListRecent(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*BindingResponse, len(bindings))
	for i, b := range bindings {
		response[i] = toBindingResponse(b)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	if h.ledger == nil {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+c.Param("id")+" not found")
		return
	}
	b, err := h.ledger.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBindingResponse(b))
}

// Export handles GET /api/sessions/:id/export - streams the backend's export.
func (h *SessionHandler) Export(c *gin.Context) {
	sessionID := c.Param("id")
	if h.admin == nil {
		sendError(c, http.StatusNotImplemented, "NOT_AVAILABLE", "Backend administration is not configured")
		return
	}

	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".json")
	if _, err := h.admin.Export(c.Request.Context(), sessionID, c.Writer); err != nil {
		if c.Writer.Written() {
			c.Error(err)
			return
		}
		c.Header("Content-Disposition", "")
		sendCallError(c, err)
	}
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
	rg.POST("/backend/test", h.TestConnection)

	current := rg.Group("/session")
	{
		current.POST("/initialize", h.Initialize)
		current.POST("/reset", h.Reset)
		current.POST("/quick_reset", h.QuickReset)
		current.POST("/clear", h.ClearData)
		current.GET("/stats", h.Stats)
	}

	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.GET("/:id/export", h.Export)
	}
}
