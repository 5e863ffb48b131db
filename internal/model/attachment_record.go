package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the processing state of an attachment record
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusClassified Status = "classified"
	StatusUploaded   Status = "uploaded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Verdict is the classification outcome stored on a record
type Verdict string

const (
	VerdictPending    Verdict = "pending"
	VerdictInvoice    Verdict = "invoice"
	VerdictNotInvoice Verdict = "not-invoice"
)

// Skip reasons recorded on skipped records
const (
	SkipDuplicateContent = "duplicate content"
	SkipNotInvoice       = "not an invoice"
	SkipAmbiguous        = "ambiguous classification"
)

// AttachmentRecord is the audit trail entry for every eligible attachment ever observed
type AttachmentRecord struct {
	ID                 uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID          string    `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_message_attachment"`
	AttachmentID       string    `json:"attachment_id" gorm:"type:varchar(512);not null;uniqueIndex:idx_message_attachment"`
	ContentFingerprint string    `json:"content_fingerprint" gorm:"type:varchar(64);not null;index"`
	Sender             string    `json:"sender" gorm:"type:varchar(320);not null"`
	Subject            string    `json:"subject" gorm:"type:text"`
	Filename           string    `json:"filename" gorm:"type:varchar(512);not null"`
	ContentType        string    `json:"content_type" gorm:"type:varchar(255)"`
	Size               int       `json:"size"`
	ReceivedAt         time.Time `json:"received_at" gorm:"not null;index"`
	Year               int       `json:"year" gorm:"not null;index:idx_year_month"`
	Month              int       `json:"month" gorm:"not null;index:idx_year_month"`

	ClassificationVerdict Verdict `json:"classification_verdict" gorm:"type:varchar(20);not null;default:pending"`
	Confidence            float64 `json:"confidence"`
	Rationale             string  `json:"rationale" gorm:"type:text"`

	// Data read off the invoice. Nil and empty mean the model could not read it.
	InvoiceDate *time.Time `json:"invoice_date,omitempty" gorm:"type:date"`
	Supplier    string     `json:"supplier,omitempty" gorm:"type:varchar(255)"`
	NetAmount   *float64   `json:"net_amount,omitempty"`
	TaxAmount   *float64   `json:"tax_amount,omitempty"`
	TotalAmount *float64   `json:"total_amount,omitempty"`
	Currency    string     `json:"currency,omitempty" gorm:"type:varchar(8)"`

	Status        Status `json:"status" gorm:"type:varchar(20);not null;index"`
	RemotePath    string `json:"remote_path" gorm:"type:varchar(1024)"`
	RemoteLink    string `json:"remote_link" gorm:"type:varchar(2048)"`
	SkipReason    string `json:"skip_reason,omitempty" gorm:"type:varchar(255)"`
	FailureReason string `json:"failure_reason,omitempty" gorm:"type:text"`
	Attempts      int    `json:"attempts" gorm:"not null;default:0"`
	Terminal      bool   `json:"terminal" gorm:"not null;default:false"`

	ProcessedAt time.Time `json:"processed_at"`
	CreatedAt   time.Time `json:"created_at"`

	// Report linkage, the only fields that may change once a record is terminal.
	ReportPath string     `json:"report_path,omitempty" gorm:"type:varchar(1024)"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`
}

// TableName specifies the table name for AttachmentRecord
func (AttachmentRecord) TableName() string {
	return "attachment_records"
}

// IsFinal reports whether the record can no longer transition automatically.
func (r *AttachmentRecord) IsFinal() bool {
	switch r.Status {
	case StatusUploaded, StatusSkipped:
		return true
	case StatusFailed:
		return r.Terminal
	}
	return false
}

// Fingerprint returns the SHA-256 hex digest used for cross-message dedup.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
