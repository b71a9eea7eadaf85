package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ImportLogEntry is append-only. The existence of a row for (config, path) is
// the scanner's sole idempotency signal: a SUCCESS row means the file is done
// forever, a FAILED row leaves the file eligible for the next cycle.
type ImportLogEntry struct {
	ID           int          `gorm:"primary_key" json:"id"`
	ConfigId     int          `gorm:"uniqueIndex:idx_import_log_config_path" json:"config_id"`
	FilePath     string       `gorm:"uniqueIndex:idx_import_log_config_path;size:512" json:"file_path"`
	Status       ImportStatus `gorm:"size:16" json:"status"`
	DocumentId   *int         `json:"document_id"`
	BatchId      *int         `json:"batch_id"`
	ErrorMessage *string      `json:"error_message"`
	CreatedAt    time.Time    `json:"created_at"`
}

// HasSuccessImportLog reports whether the file was already imported under this
// config. Failed attempts do not count; they are retried by omission.
func HasSuccessImportLog(ctx context.Context, db *gorm.DB, configId int, filePath string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&ImportLogEntry{}).
		Where("config_id = ? AND file_path = ? AND status = ?", configId, filePath, ImportStatusSuccess).
		Count(&count).Error
	return count > 0, err
}

// upsertImportLog writes the outcome for (config, path). A file that failed on
// an earlier cycle has an existing FAILED row; the retry updates it in place so
// the (config, path) key stays unique.
func upsertImportLog(ctx context.Context, db *gorm.DB, entry *ImportLogEntry) error {
	var existing ImportLogEntry
	err := db.WithContext(ctx).
		Where("config_id = ? AND file_path = ?", entry.ConfigId, entry.FilePath).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.WithContext(ctx).Create(entry).Error
	}
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Model(&ImportLogEntry{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"status":        entry.Status,
			"document_id":   entry.DocumentId,
			"batch_id":      entry.BatchId,
			"error_message": entry.ErrorMessage,
		}).Error
}

func WriteImportSuccess(ctx context.Context, db *gorm.DB, configId int, filePath string, documentId, batchId int) error {
	return upsertImportLog(ctx, db, &ImportLogEntry{
		ConfigId:   configId,
		FilePath:   filePath,
		Status:     ImportStatusSuccess,
		DocumentId: &documentId,
		BatchId:    &batchId,
	})
}

func WriteImportFailure(ctx context.Context, db *gorm.DB, configId int, filePath string, cause error) error {
	if cause == nil {
		cause = errors.New("unknown import failure")
	}
	msg := cause.Error()
	return upsertImportLog(ctx, db, &ImportLogEntry{
		ConfigId:     configId,
		FilePath:     filePath,
		Status:       ImportStatusFailed,
		ErrorMessage: &msg,
	})
}

func CountImportLogEntries(ctx context.Context, db *gorm.DB, configId int, status ImportStatus) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&ImportLogEntry{}).
		Where("config_id = ? AND status = ?", configId, status).
		Count(&count).Error
	return count, err
}
