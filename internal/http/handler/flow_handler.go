// Package handler exposes the login flow over HTTP: starting a flow, watching
// its outcome on a live stream, and receiving the node's callback.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/qrlink-auth/internal/domain"
	"github.com/smallbiznis/qrlink-auth/internal/http/middleware"
	"github.com/smallbiznis/qrlink-auth/internal/service"
	"github.com/smallbiznis/qrlink-auth/internal/session"
	"github.com/smallbiznis/qrlink-auth/internal/stream"
)

// FlowHandler serves the QR login endpoints.
type FlowHandler struct {
	Flow     *service.Flow
	Hub      *stream.Hub
	Sessions *session.Store
	Logger   *zap.Logger
}

// NewFlowHandler creates the handler set.
func NewFlowHandler(flow *service.Flow, hub *stream.Hub, sessions *session.Store, logger *zap.Logger) *FlowHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &FlowHandler{Flow: flow, Hub: hub, Sessions: sessions, Logger: logger}
}

// Start begins a login flow for the browser session and returns the connect
// token representation to render.
func (h *FlowHandler) Start(c *gin.Context) {
	sessionID, ok := middleware.SessionID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_session", "error_description": "No session established."})
		return
	}

	rep, err := h.Flow.Start(c.Request.Context(), sessionID)
	if err != nil {
		h.Logger.Error("flow start failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "node_unavailable", "error_description": "Could not obtain a connect token."})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Watch attaches the browser to the live stream for a login and blocks until
// the login settles or either side goes away. If the session finished logging
// in earlier the outcome is replayed immediately instead of opening a stream.
func (h *FlowHandler) Watch(c *gin.Context) {
	loginID := c.Param("loginId")

	if sessionID, ok := middleware.SessionID(c); ok {
		user, err := h.Sessions.LoggedIn(c.Request.Context(), sessionID)
		if err != nil {
			h.Logger.Warn("session lookup failed", zap.Error(err))
		}
		if user != nil {
			c.JSON(http.StatusOK, gin.H{"event": "loggedIn", "data": user})
			return
		}
	}

	flusher, _ := c.Writer.(http.Flusher)
	var transport stream.Transport
	if wantsSSE(c.Request) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		transport = stream.NewSSETransport(c.Writer, flusher)
	} else {
		c.Header("Content-Type", "application/json")
		c.Header("Cache-Control", "no-cache")
		transport = stream.NewChunkedTransport(c.Writer, flusher)
	}
	c.Status(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	s := h.Hub.Open(loginID, transport)
	select {
	case <-s.Done():
		// settled or swept
	case <-c.Request.Context().Done():
		s.MarkClosed()
	}
}

// Callback receives the node's report that a connection exists for the login.
func (h *FlowHandler) Callback(c *gin.Context) {
	loginID := c.Param("loginId")

	var in domain.CallbackInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Malformed callback body."})
		return
	}

	if err := h.Flow.Callback(c.Request.Context(), loginID, in); err != nil {
		if errors.Is(err, domain.ErrLoginNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_login", "error_description": "No pending login for this identifier."})
			return
		}
		h.Logger.Error("callback failed", zap.String("login_id", loginID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Callback processing failed."})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Logout drops the session's login state.
func (h *FlowHandler) Logout(c *gin.Context) {
	sessionID, ok := middleware.SessionID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_session", "error_description": "No session established."})
		return
	}
	if err := h.Sessions.Logout(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Logout failed."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Me returns the subject behind the presented bearer token.
func (h *FlowHandler) Me(c *gin.Context) {
	subject, ok := middleware.Subject(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "No subject resolved."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject})
}

// Health reports readiness: the flow self-test plus a redis round trip.
func (h *FlowHandler) Health(c *gin.Context) {
	if err := h.Flow.Healthy(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	if err := h.Sessions.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
