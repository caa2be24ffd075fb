// Package server exposes the pipeline over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/export"
	"github.com/lucidnotes/doc-pipeline/internal/orchestrator"
	"github.com/lucidnotes/doc-pipeline/internal/repository"
	"github.com/lucidnotes/doc-pipeline/internal/upload"
)

// Handlers carries the dependencies of every endpoint.
type Handlers struct {
	coordinator     *upload.Coordinator
	status          *orchestrator.StatusAggregator
	docs            repository.DocumentRepository
	exporter        *export.Service
	health          func() error
	pipelineVersion string
	logger          *slog.Logger
}

func NewHandlers(
	coordinator *upload.Coordinator,
	status *orchestrator.StatusAggregator,
	docs repository.DocumentRepository,
	exporter *export.Service,
	health func() error,
	pipelineVersion string,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		coordinator:     coordinator,
		status:          status,
		docs:            docs,
		exporter:        exporter,
		health:          health,
		pipelineVersion: pipelineVersion,
		logger:          logger,
	}
}

type submitRequest struct {
	ContentHash     string `json:"content_hash" binding:"required"`
	PipelineVersion string `json:"pipeline_version"`
	FileRef         string `json:"file_ref" binding:"required"`
}

// SubmitDocument handles POST /v1/documents. A cache hit answers 200 with
// the artifact inline; everything else answers 201 with the task to poll.
func (h *Handlers) SubmitDocument(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PipelineVersion == "" {
		req.PipelineVersion = h.pipelineVersion
	}

	result, err := h.coordinator.Submit(c.Request.Context(), req.ContentHash, req.PipelineVersion, req.FileRef)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if result.Cached {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetTask handles GET /v1/tasks/:id.
func (h *Handlers) GetTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	summary, err := h.status.Summarize(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// PurgeDocument handles DELETE /v1/documents/:id. Purging is idempotent:
// deleting an absent document answers 204 as well.
func (h *Handlers) PurgeDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}
	if err := h.docs.Purge(c.Request.Context(), id); err != nil && !errors.Is(err, common.ErrNotFound) {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExportDocuments handles GET /v1/reports/documents.
func (h *Handlers) ExportDocuments(c *gin.Context) {
	data, err := h.exporter.ExportDocumentsXLSX(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	filename := "documents-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// Healthz handles GET /healthz.
func (h *Handlers) Healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorMessage(err)})
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, common.ErrDatabase):
		h.logger.Error("storage unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": common.ErrInternal.Error()})
	}
}

// errorMessage strips the cause chain off an AppError so clients see the
// human message without internal detail.
func errorMessage(err error) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
