package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"gorm.io/gorm"
)

// Batch is a named collection of documents moving through a shared lifecycle.
// Counters are derived from document rows, never incremented in place.
type Batch struct {
	ID                 int         `gorm:"primary_key" json:"id"`
	BusinessId         string      `gorm:"index" json:"business_id"`
	Name               string      `json:"name"`
	Status             BatchStatus `gorm:"index;size:16" json:"status"`
	TotalDocuments     int         `json:"total_documents"`
	ProcessedDocuments int         `json:"processed_documents"`
	ValidatedDocuments int         `json:"validated_documents"`
	ErrorCount         int         `json:"error_count"`
	StartedAt          *time.Time  `json:"started_at"`
	CompletedAt        *time.Time  `json:"completed_at"`
	ExportedAt         *time.Time  `json:"exported_at"`
	ExportFormats      []byte      `gorm:"type:json" json:"export_formats"`
	ImportConfigId     *int        `json:"import_config_id"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func CreateBatch(ctx context.Context, db *gorm.DB, businessId, name string, importConfigId *int) (*Batch, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}
	batch := &Batch{
		BusinessId:     businessId,
		Name:           name,
		Status:         BatchStatusNew,
		ImportConfigId: importConfigId,
	}
	if err := db.WithContext(ctx).Create(batch).Error; err != nil {
		return nil, err
	}
	return batch, nil
}

func GetBatch(ctx context.Context, db *gorm.DB, id int) (*Batch, error) {
	var batch Batch
	if err := db.WithContext(ctx).First(&batch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// FindOrCreateCycleBatch returns the batch with this name under the config,
// creating it once. Root-level loose files in one scan cycle share a batch.
func FindOrCreateCycleBatch(ctx context.Context, db *gorm.DB, businessId, name string, importConfigId int) (*Batch, error) {
	var batch Batch
	err := db.WithContext(ctx).
		Where("business_id = ? AND name = ? AND import_config_id = ?", businessId, name, importConfigId).
		First(&batch).Error
	if err == nil {
		return &batch, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return CreateBatch(ctx, db, businessId, name, &importConfigId)
}

// RecomputeBatchCounts rederives the aggregate counters from document rows.
// Concurrent document updates therefore can never leave counters skewed; the
// last recompute always reflects the table.
func RecomputeBatchCounts(ctx context.Context, db *gorm.DB, batchId int) error {
	type agg struct {
		Total     int
		Processed int
		Validated int
		Errored   int
	}
	var a agg
	err := db.WithContext(ctx).Model(&Document{}).
		Select(
			"COUNT(*) AS total, "+
				"SUM(CASE WHEN validation_status <> ? THEN 1 ELSE 0 END) AS processed, "+
				"SUM(CASE WHEN validation_status = ? THEN 1 ELSE 0 END) AS validated, "+
				"SUM(CASE WHEN validation_status = ? THEN 1 ELSE 0 END) AS errored",
			ValidationStatusPending, ValidationStatusValidated, ValidationStatusRejected).
		Where("batch_id = ?", batchId).
		Scan(&a).Error
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", batchId).
		Updates(map[string]interface{}{
			"total_documents":     a.Total,
			"processed_documents": a.Processed,
			"validated_documents": a.Validated,
			"error_count":         a.Errored,
		}).Error
}

// DeleteBatchCascade removes the batch, its documents (with child field and
// line-item rows) and its duplicate detections in one transaction. Callers
// never sequence the deletes themselves; a failure rolls everything back.
func DeleteBatchCascade(ctx context.Context, db *gorm.DB, batchId int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var docIDs []int
		if err := tx.Model(&Document{}).Where("batch_id = ?", batchId).Pluck("id", &docIDs).Error; err != nil {
			return err
		}
		if len(docIDs) > 0 {
			if err := tx.Where("document_id IN ?", docIDs).Delete(&DocumentField{}).Error; err != nil {
				return err
			}
			if err := tx.Where("document_id IN ?", docIDs).Delete(&DocumentLineItem{}).Error; err != nil {
				return err
			}
			if err := tx.Where("document_id IN ? OR candidate_document_id IN ?", docIDs, docIDs).
				Delete(&DuplicateDetection{}).Error; err != nil {
				return err
			}
			if err := tx.Where("batch_id = ?", batchId).Delete(&Document{}).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&Batch{}, batchId)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrorRecordNotFound
		}
		return nil
	})
}
