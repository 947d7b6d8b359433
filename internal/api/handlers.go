package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentinelstack/sentinel-soar/internal/coordinator"
)

type handlers struct {
	orch   Orchestrator
	logger *slog.Logger
}

func newRouter(orch Orchestrator, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{orch: orch, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())

	router.GET("/healthz", h.healthz)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.status)
		v1.POST("/mode", h.setMode)
		v1.POST("/scan", h.scan)
		v1.POST("/monitoring/start", h.startMonitoring)
	}
	return router
}

func (h *handlers) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Status())
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (h *handlers) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request body"})
		return
	}

	if err := h.orch.SetMode(req.Mode); err != nil {
		var invalid *coordinator.InvalidModeError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": req.Mode})
}

func (h *handlers) scan(c *gin.Context) {
	if err := h.orch.TriggerScan(c.Request.Context()); err != nil {
		h.logger.Error("manual scan dispatch failed", slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": "scan dispatch failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *handlers) startMonitoring(c *gin.Context) {
	// The detection loop must outlive this request.
	if !h.orch.StartMonitoring(context.WithoutCancel(c.Request.Context())) {
		c.JSON(http.StatusConflict, gin.H{"status": "error", "error": "monitoring already running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}
