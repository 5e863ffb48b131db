package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"invoice-collector-go/internal/pipeline"
)

// Backfill replays a historical window through the pipeline
func (h *Handlers) Backfill(c *gin.Context) {
	var req BackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	since, err := ParseTime(req.Since)
	if err != nil {
		badRequest(c, "Invalid since: "+err.Error())
		return
	}
	var until time.Time
	if req.Until != "" {
		if until, err = ParseTime(req.Until); err != nil {
			badRequest(c, "Invalid until: "+err.Error())
			return
		}
	}

	summary, err := h.runner.Backfill(c.Request.Context(), pipeline.BackfillRequest{
		Since:  since,
		Until:  until,
		DryRun: req.DryRun,
	})
	if err != nil {
		abortWithError(c, "backfill_error", "Backfill failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Backfill completed successfully",
		"summary": summary,
	})
}

// ParseTime accepts RFC 3339 timestamps and YYYY-MM-DD dates, both in UTC.
func ParseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02", value, time.UTC)
}
