package model

import "time"

// Watermark tracks how far incremental polling has progressed for a mailbox
type Watermark struct {
	Mailbox   string    `json:"mailbox" gorm:"type:varchar(320);primaryKey"`
	ScannedTo time.Time `json:"scanned_to" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Watermark
func (Watermark) TableName() string {
	return "watermarks"
}
