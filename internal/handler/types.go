package handler

import (
	"time"

	"invoice-collector-go/internal/model"
)

// BackfillRequest represents the request structure for a backfill run.
// Times are RFC 3339 or YYYY-MM-DD (UTC midnight).
type BackfillRequest struct {
	Since  string `json:"since" binding:"required"`
	Until  string `json:"until"`
	DryRun bool   `json:"dry_run"`
}

// AttachmentListResponse represents a page of attachment records
type AttachmentListResponse struct {
	Attachments []model.AttachmentRecord `json:"attachments"`
	Pagination  Pagination               `json:"pagination"`
}

// Pagination describes the page returned by a list endpoint
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Scheduler string            `json:"scheduler"`
	Records   map[string]int64  `json:"records,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
