package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vidforge/renderqueue/internal/api/dto"
	"github.com/vidforge/renderqueue/internal/queue"
)

// EnqueueJob handles POST /api/v1/jobs
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid enqueue request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobID, err := h.scheduler.Enqueue(c.Request.Context(), req.Payload, req.MaxAttempts)
	if err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	c.JSON(http.StatusCreated, dto.EnqueueJobResponse{
		JobID: jobID,
		State: string(queue.StatePending),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.scheduler.Status(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobView(job))
}

// ListJobs handles GET /api/v1/jobs with an optional state filter
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	state := queue.State(req.State)
	if req.State != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown state filter",
		})
		return
	}

	jobs, err := h.scheduler.List(c.Request.Context(), state)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobView, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, dto.NewJobView(job))
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.scheduler.Cancel(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to cancel job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": "cancellation requested",
	})
}

// CancelAllJobs handles POST /api/v1/jobs/cancel
func (h *JobHandler) CancelAllJobs(c *gin.Context) {
	if err := h.scheduler.CancelAll(c.Request.Context()); err != nil {
		h.logger.Error("Failed to cancel all jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel all jobs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "all jobs cancelled",
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")

	err := h.scheduler.RetryFailed(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"job_id": jobID,
			"status": "re-admitted",
		})
	case errors.Is(err, queue.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, queue.ErrAttemptsExhausted), errors.Is(err, queue.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
	default:
		h.logger.Error("Failed to retry job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry job",
		})
	}
}

// GetStats handles GET /api/v1/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.scheduler.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to compute stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to compute stats",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queue":       stats,
		"accelerator": h.scheduler.Accelerator(),
	})
}

// ClearTerminalJobs handles DELETE /api/v1/jobs/terminal
func (h *JobHandler) ClearTerminalJobs(c *gin.Context) {
	removed, err := h.scheduler.ClearTerminal(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to clear terminal jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to clear terminal jobs",
		})
		return
	}

	c.JSON(http.StatusOK, dto.ClearTerminalResponse{Removed: removed})
}
