package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartScheduler starts periodic polling
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		abortWithError(c, "scheduler_error", "Failed to start scheduler", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops periodic polling
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		abortWithError(c, "scheduler_error", "Failed to stop scheduler", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

// RunOnce runs one poll cycle and returns its summary
func (h *Handlers) RunOnce(c *gin.Context) {
	summary, err := h.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		abortWithError(c, "scheduler_error", "Failed to run poll cycle", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Poll cycle completed successfully",
		"summary": summary,
	})
}

// GetSchedulerStatus returns the current scheduler status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	st := h.scheduler.Status()
	state := "stopped"
	if st.Running {
		state = "running"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       state,
		"next_run":     st.NextRun,
		"last_run":     st.LastRun,
		"next_report":  st.NextReport,
		"last_error":   st.LastError,
		"last_summary": st.LastSummary,
	})
}
