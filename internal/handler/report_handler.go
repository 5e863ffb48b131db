package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func reportPeriod(c *gin.Context) (int, int, bool) {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil {
		badRequest(c, "Invalid year")
		return 0, 0, false
	}
	month, err := strconv.Atoi(c.Param("month"))
	if err != nil {
		badRequest(c, "Invalid month")
		return 0, 0, false
	}
	return year, month, true
}

// GenerateReport builds and uploads the report of a month
func (h *Handlers) GenerateReport(c *gin.Context) {
	year, month, ok := reportPeriod(c)
	if !ok {
		return
	}

	rep, err := h.reports.Generate(c.Request.Context(), year, month)
	if err != nil {
		abortWithError(c, "report_error", "Failed to generate report", err)
		return
	}

	c.JSON(http.StatusOK, rep)
}

// GetReport returns the last report generated for a month
func (h *Handlers) GetReport(c *gin.Context) {
	year, month, ok := reportPeriod(c)
	if !ok {
		return
	}

	rep, err := h.reports.Get(year, month)
	if err != nil {
		abortWithError(c, "report_error", "Failed to fetch report", err)
		return
	}
	if rep == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No report generated for this month",
			Code:    http.StatusNotFound,
		})
		return
	}

	c.JSON(http.StatusOK, rep)
}
