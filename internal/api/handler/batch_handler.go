package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/index-queue/internal/api/dto"
	"github.com/cuongbtq/index-queue/internal/batch"
	"github.com/gin-gonic/gin"
)

// controller resolves :name or writes a 404
func (h *BatchHandler) controller(c *gin.Context) (*batch.Controller, bool) {
	ctrl, err := h.batches.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Unknown batch",
			"batches": h.batches.Names(),
		})
		return nil, false
	}
	return ctrl, true
}

func bindStartRequest(c *gin.Context) (dto.StartBatchRequest, bool) {
	var req dto.StartBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return req, false
	}
	return req, true
}

// GetBatch handles GET /api/v1/batches/:name
func (h *BatchHandler) GetBatch(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	progress, err := ctrl.Status(c.Request.Context())
	if err != nil {
		h.fail(c, "status", err)
		return
	}
	if progress == nil {
		c.JSON(http.StatusOK, gin.H{
			"name":    ctrl.Name(),
			"started": false,
		})
		return
	}

	c.JSON(http.StatusOK, progress)
}

// StartBatch handles POST /api/v1/batches/:name/start
func (h *BatchHandler) StartBatch(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	req, ok := bindStartRequest(c)
	if !ok {
		return
	}

	progress, err := ctrl.Start(c.Request.Context(), req.BatchSize, req.MaxTotal)
	if err != nil {
		h.fail(c, "start", err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// StopBatch handles POST /api/v1/batches/:name/stop
func (h *BatchHandler) StopBatch(c *gin.Context) {
	h.toggle(c, "stop", (*batch.Controller).Stop)
}

// ResumeBatch handles POST /api/v1/batches/:name/resume
func (h *BatchHandler) ResumeBatch(c *gin.Context) {
	h.toggle(c, "resume", (*batch.Controller).Resume)
}

func (h *BatchHandler) toggle(c *gin.Context, op string, fn func(*batch.Controller, context.Context) (*batch.Progress, error)) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	progress, err := fn(ctrl, c.Request.Context())
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// DryRunBatch handles POST /api/v1/batches/:name/dry-run
func (h *BatchHandler) DryRunBatch(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	req, ok := bindStartRequest(c)
	if !ok {
		return
	}

	report, err := ctrl.DryRun(c.Request.Context(), req.BatchSize, req.MaxTotal)
	if err != nil {
		h.fail(c, "dry-run", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *BatchHandler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, batch.ErrNotStarted) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Batch has not been started",
		})
		return
	}
	if errors.Is(err, batch.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Batch progress changed concurrently, retry",
		})
		return
	}

	h.logger.Error("Batch operation failed",
		slog.String("batch", c.Param("name")),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Batch operation failed",
	})
}
