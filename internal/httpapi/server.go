package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/servionai/waconnect/internal/importer"
	"github.com/servionai/waconnect/internal/ratelimit"
	"github.com/servionai/waconnect/internal/session"
	"go.uber.org/zap"
)

// Server is the thin HTTP facade over the orchestrator. It only translates
// requests and sentinel errors; all behavior lives in the session registry
// and the import manager.
type Server struct {
	registry *session.Registry
	imports  *importer.Manager
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

func NewServer(registry *session.Registry, imports *importer.Manager, limiter *ratelimit.Limiter, logger *zap.Logger) *Server {
	return &Server{
		registry: registry,
		imports:  imports,
		limiter:  limiter,
		logger:   logger,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/whatsapp")
	api.GET("/ping", s.handlePing)
	api.POST("/init", s.handleInit)
	api.GET("/status/:tenantID", s.statusRateLimiter(), s.handleStatus)
	api.GET("/qr/:tenantID", s.handleQR)
	api.POST("/send", s.handleSend)
	api.POST("/disconnect", s.handleDisconnect)
	api.POST("/import", s.handleImportStart)
	api.GET("/import/status/:tenantID", s.handleImportStatus)
	api.POST("/import/cancel", s.handleImportCancel)
	return r
}

// statusRateLimiter throttles the status poll per tenant, since dashboards
// tend to hammer it.
func (s *Server) statusRateLimiter() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := s.limiter.CheckAndRecord(c.Param("tenantID") + ":status")
		if !res.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"message":    "Too many requests, please try again later",
				"retryAfter": res.RetryAfter,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"message":   "WhatsApp service is running",
		"timestamp": time.Now().UnixMilli(),
	})
}

type tenantRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

func (s *Server) handleInit(c *gin.Context) {
	var req tenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "tenant_id is required"})
		return
	}

	result, err := s.registry.Acquire(c.Request.Context(), req.TenantID)
	if err != nil {
		s.logger.Error("Failed to initialize connection",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func (s *Server) handleStatus(c *gin.Context) {
	snapshot := s.registry.Status(c.Param("tenantID"))
	c.JSON(http.StatusOK, gin.H{"success": true, "session": snapshot})
}

func (s *Server) handleQR(c *gin.Context) {
	result, err := s.registry.PairingPayload(c.Request.Context(), c.Param("tenantID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

type sendRequest struct {
	TenantID       string `json:"tenant_id" binding:"required"`
	ConversationID string `json:"conversation_id" binding:"required"`
	Body           string `json:"body" binding:"required"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	externalID, err := s.registry.SendMessage(c.Request.Context(), req.TenantID, req.ConversationID, req.Body)
	switch {
	case errors.Is(err, session.ErrNotConnected):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "whatsapp client not connected"})
	case errors.Is(err, session.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
	case err != nil:
		s.logger.Error("Failed to send message",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message_id": externalID})
	}
}

func (s *Server) handleDisconnect(c *gin.Context) {
	var req tenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "tenant_id is required"})
		return
	}

	if err := s.registry.Teardown(c.Request.Context(), req.TenantID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "WhatsApp disconnected successfully"})
}

func (s *Server) handleImportStart(c *gin.Context) {
	var req tenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "tenant_id is required"})
		return
	}

	job, err := s.imports.Start(c.Request.Context(), req.TenantID)
	switch {
	case errors.Is(err, importer.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "import already running", "job": job})
	case errors.Is(err, session.ErrNotConnected):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "whatsapp client not connected", "job": job})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "job": job})
	}
}

func (s *Server) handleImportStatus(c *gin.Context) {
	job, err := s.imports.Status(c.Param("tenantID"))
	if errors.Is(err, importer.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no import job found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": job})
}

func (s *Server) handleImportCancel(c *gin.Context) {
	var req tenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "tenant_id is required"})
		return
	}

	job, err := s.imports.Cancel(req.TenantID)
	if errors.Is(err, importer.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no active import to cancel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": job})
}
