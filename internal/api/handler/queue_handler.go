package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/index-queue/internal/api/dto"
	"github.com/cuongbtq/index-queue/internal/worker"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/gin-gonic/gin"
)

// RunQueue handles POST /api/v1/queue/run
// Runs one worker loop invocation unless the cooldown is active
func (h *QueueHandler) RunQueue(c *gin.Context) {
	var req dto.RunQueueRequest
	// An empty body means defaults
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	resp, err := h.queue.Run(c.Request.Context(), worker.TriggerRequest{
		Limit:          req.Limit,
		BypassCooldown: req.BypassCooldown,
	})
	if err != nil {
		h.logger.Error("Worker loop failed", slog.String("error", err.Error()))

		var integrityErr *domain.StoreIntegrityError
		if errors.As(err, &integrityErr) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Worker loop halted on a job store failure",
				"op":    integrityErr.Op,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to run worker loop",
		})
		return
	}

	c.JSON(http.StatusOK, dto.RunQueueResponse{
		Processed:            resp.Processed,
		Completed:            resp.Completed,
		Failed:               resp.Failed,
		DeadLettered:         resp.DeadLettered,
		Reaped:               resp.Reaped,
		CooldownActive:       resp.CooldownActive,
		RemainingWaitSeconds: resp.RemainingWait.Seconds(),
	})
}
