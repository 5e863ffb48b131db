package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"invoice-collector-go/internal/model"
)

// ErrImmutable is returned when an upsert tries to change a final record.
var ErrImmutable = errors.New("attachment record is final and cannot be modified")

// Repository is the state store backed by gorm.
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ListFilter narrows the admin listing of attachment records.
type ListFilter struct {
	Status model.Status
	Year   int
	Month  int
	Limit  int
	Offset int
}

// Upsert creates the record for its (message_id, attachment_id) pair or
// transitions the existing one. Final records are rejected with ErrImmutable.
func (r *Repository) Upsert(rec *model.AttachmentRecord) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var existing model.AttachmentRecord
		err := tx.Where("message_id = ? AND attachment_id = ?", rec.MessageID, rec.AttachmentID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec.ID = 0
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("failed to create attachment record: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("database error: %w", err)
		}

		if existing.IsFinal() {
			return fmt.Errorf("%w: %s/%s is %s", ErrImmutable, existing.MessageID, existing.AttachmentID, existing.Status)
		}

		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		// Save writes zero values too, so a retry can clear a previous failure reason.
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("failed to update attachment record: %w", err)
		}
		return nil
	})
}

// FindByPair returns the record for a message attachment, or nil when none exists.
func (r *Repository) FindByPair(messageID, attachmentID string) (*model.AttachmentRecord, error) {
	var rec model.AttachmentRecord
	result := r.db.Where("message_id = ? AND attachment_id = ?", messageID, attachmentID).First(&rec)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &rec, nil
}

// FindByFingerprint returns the uploaded record holding the given content, if any.
func (r *Repository) FindByFingerprint(fingerprint string) (*model.AttachmentRecord, error) {
	var rec model.AttachmentRecord
	result := r.db.Where("content_fingerprint = ? AND status = ?", fingerprint, model.StatusUploaded).
		Order("id ASC").
		First(&rec)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &rec, nil
}

// ListByMonth returns the records received in the given month ordered by
// received time. An empty status returns every status.
func (r *Repository) ListByMonth(year, month int, status model.Status) ([]model.AttachmentRecord, error) {
	var records []model.AttachmentRecord
	query := r.db.Where("year = ? AND month = ?", year, month)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("received_at ASC, id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list records for %04d-%02d: %w", year, month, err)
	}
	return records, nil
}

// List returns a page of records and the total matching count, newest first.
func (r *Repository) List(filter ListFilter) ([]model.AttachmentRecord, int64, error) {
	query := r.db.Model(&model.AttachmentRecord{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Year > 0 {
		query = query.Where("year = ?", filter.Year)
	}
	if filter.Month > 0 {
		query = query.Where("month = ?", filter.Month)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var records []model.AttachmentRecord
	if err := query.Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	return records, total, nil
}

// CountByStatus returns the number of records per status.
func (r *Repository) CountByStatus() (map[model.Status]int64, error) {
	var rows []struct {
		Status model.Status
		Count  int64
	}
	if err := r.db.Model(&model.AttachmentRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count records by status: %w", err)
	}

	counts := make(map[model.Status]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// MarkReported sets report linkage on the given records. These are the only
// columns that may change on a final record.
func (r *Repository) MarkReported(ids []uint, reportPath string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	result := r.db.Model(&model.AttachmentRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"report_path": reportPath, "reported_at": at.UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to link records to report: %w", result.Error)
	}
	return nil
}

// GetWatermark returns the stored watermark for a mailbox, or nil before the first cycle.
func (r *Repository) GetWatermark(mailbox string) (*model.Watermark, error) {
	var wm model.Watermark
	result := r.db.Where("mailbox = ?", mailbox).First(&wm)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &wm, nil
}

// SetWatermark advances the watermark to scannedTo. An older value never
// replaces a newer one; the stored watermark is returned.
func (r *Repository) SetWatermark(mailbox string, scannedTo time.Time) (*model.Watermark, error) {
	var stored model.Watermark
	err := r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("mailbox = ?", mailbox).First(&stored).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			stored = model.Watermark{Mailbox: mailbox, ScannedTo: scannedTo.UTC()}
			return tx.Create(&stored).Error
		case err != nil:
			return err
		}

		if !scannedTo.After(stored.ScannedTo) {
			return nil
		}
		stored.ScannedTo = scannedTo.UTC()
		return tx.Save(&stored).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set watermark: %w", err)
	}
	return &stored, nil
}

// SaveMonthlyReport creates or overwrites the report record of its month.
func (r *Repository) SaveMonthlyReport(rep *model.MonthlyReport) error {
	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "year"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{"report_remote_path", "report_link", "invoice_count", "generated_at"}),
	}).Create(rep)
	if result.Error != nil {
		return fmt.Errorf("failed to save monthly report: %w", result.Error)
	}
	return nil
}

// GetMonthlyReport returns the report record of a month, or nil when none was generated.
func (r *Repository) GetMonthlyReport(year, month int) (*model.MonthlyReport, error) {
	var rep model.MonthlyReport
	result := r.db.Where("year = ? AND month = ?", year, month).First(&rep)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &rep, nil
}
