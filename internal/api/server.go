// Package api exposes cluster permutation tests over HTTP with gin.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"neurostat/internal"
)

// NewRouter wires the handler and the SSE hub into a gin engine
func NewRouter(handler *ClusterTestHandler, hub *SSEHub, logger *internal.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v := router.Group("/api")
	v.GET("/statistics", handler.Statistics)
	v.POST("/profile", handler.Profile)
	v.POST("/cluster-tests", handler.Submit)
	v.GET("/cluster-tests", handler.List)
	v.GET("/cluster-tests/:id", handler.Get)
	v.GET("/cluster-tests/:id/report", handler.Report)
	if hub != nil {
		v.GET("/events", hub.HandleSSE)
	}
	return router
}

// requestLogger logs one line per request at INFO, or WARN for 5xx
func requestLogger(logger *internal.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		latency := float64(time.Since(start).Microseconds()) / 1000
		if status >= http.StatusInternalServerError {
			logger.Warn("[api] %s %s -> %d (%.2fms)", c.Request.Method, c.Request.URL.Path, status, latency)
			return
		}
		logger.Info("[api] %s %s -> %d (%.2fms)", c.Request.Method, c.Request.URL.Path, status, latency)
	}
}
