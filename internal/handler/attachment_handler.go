package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"invoice-collector-go/internal/model"
	"invoice-collector-go/internal/repository"
)

var knownStatuses = map[model.Status]bool{
	model.StatusDiscovered: true,
	model.StatusClassified: true,
	model.StatusUploaded:   true,
	model.StatusFailed:     true,
	model.StatusSkipped:    true,
}

// ListAttachments returns attachment records with pagination. Optional
// filters: status, year, month.
func (h *Handlers) ListAttachments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	filter := repository.ListFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if status := c.Query("status"); status != "" {
		if !knownStatuses[model.Status(status)] {
			badRequest(c, "Unknown status "+strconv.Quote(status))
			return
		}
		filter.Status = model.Status(status)
	}
	if year := c.Query("year"); year != "" {
		y, err := strconv.Atoi(year)
		if err != nil {
			badRequest(c, "Invalid year")
			return
		}
		filter.Year = y
	}
	if month := c.Query("month"); month != "" {
		m, err := strconv.Atoi(month)
		if err != nil || m < 1 || m > 12 {
			badRequest(c, "Invalid month")
			return
		}
		filter.Month = m
	}

	records, total, err := h.records.List(filter)
	if err != nil {
		abortWithError(c, "database_error", "Failed to fetch attachments", err)
		return
	}
	if records == nil {
		records = []model.AttachmentRecord{}
	}

	c.JSON(http.StatusOK, AttachmentListResponse{
		Attachments: records,
		Pagination: Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
		},
	})
}
