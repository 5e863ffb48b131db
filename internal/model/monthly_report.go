package model

import "time"

// MonthlyReport records the latest reconciliation report generated for a month
type MonthlyReport struct {
	ID               uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Year             int       `json:"year" gorm:"not null;uniqueIndex:idx_report_period"`
	Month            int       `json:"month" gorm:"not null;uniqueIndex:idx_report_period"`
	ReportRemotePath string    `json:"report_remote_path" gorm:"type:varchar(1024);not null"`
	ReportLink       string    `json:"report_link" gorm:"type:varchar(2048)"`
	InvoiceCount     int       `json:"invoice_count"`
	GeneratedAt      time.Time `json:"generated_at" gorm:"not null"`
}

// TableName specifies the table name for MonthlyReport
func (MonthlyReport) TableName() string {
	return "monthly_reports"
}
