package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter assembles the gin engine with the full route table.
func NewRouter(h *Handlers, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	{
		v1.POST("/documents", h.SubmitDocument)
		v1.DELETE("/documents/:id", h.PurgeDocument)
		v1.GET("/tasks/:id", h.GetTask)
		v1.GET("/reports/documents", h.ExportDocuments)
	}
	return r
}

// requestLogger is a minimal slog access log.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}
