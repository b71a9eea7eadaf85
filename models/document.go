package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Document is one captured page set: the stored object plus whatever the
// extraction service produced for it.
type Document struct {
	ID                 int                `gorm:"primary_key" json:"id"`
	BusinessId         string             `gorm:"index" json:"business_id"`
	BatchId            *int               `gorm:"index" json:"batch_id"`
	FileName           string             `json:"file_name"`
	ObjectKey          string             `gorm:"size:512" json:"object_key"`
	ThumbnailObjectKey string             `gorm:"size:512" json:"thumbnail_object_key"`
	ContentType        string             `gorm:"size:128" json:"content_type"`
	FileSize           int64              `json:"file_size"`
	ValidationStatus   ValidationStatus   `gorm:"index;size:16" json:"validation_status"`
	ConfidenceScore    float64            `json:"confidence_score"`
	Fields             []DocumentField    `json:"fields"`
	LineItems          []DocumentLineItem `json:"line_items"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// DocumentField is one extracted field in the fixed tagged schema every
// provider response is normalized into.
type DocumentField struct {
	ID            int       `gorm:"primary_key" json:"id"`
	DocumentId    int       `gorm:"index" json:"document_id"`
	Name          string    `gorm:"size:64" json:"name"`
	Value         string    `json:"value"`
	Confidence    float64   `json:"confidence"`
	NeedsReview   bool      `json:"needs_review"`
	IsHandwritten bool      `json:"is_handwritten"`
	CreatedAt     time.Time `json:"created_at"`
}

type DocumentLineItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	DocumentId  int             `gorm:"index" json:"document_id"`
	LineNumber  int             `json:"line_number"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4)" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_price"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

func CreateDocument(ctx context.Context, db *gorm.DB, doc *Document) error {
	if doc.BusinessId == "" {
		return errors.New("business id is required")
	}
	if doc.ValidationStatus == "" {
		doc.ValidationStatus = ValidationStatusPending
	}
	return db.WithContext(ctx).Create(doc).Error
}

func GetDocument(ctx context.Context, db *gorm.DB, id int) (*Document, error) {
	var doc Document
	err := db.WithContext(ctx).
		Preload("Fields").
		Preload("LineItems").
		First(&doc, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// ReplaceExtractedData swaps the document's fields and line items for the
// extraction result and updates the document-level outcome, all in one
// transaction. Re-running extraction never duplicates child rows.
func ReplaceExtractedData(ctx context.Context, db *gorm.DB, docID int, status ValidationStatus, confidence float64, fields []DocumentField, lineItems []DocumentLineItem) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", docID).Delete(&DocumentField{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", docID).Delete(&DocumentLineItem{}).Error; err != nil {
			return err
		}
		for i := range fields {
			fields[i].ID = 0
			fields[i].DocumentId = docID
		}
		for i := range lineItems {
			lineItems[i].ID = 0
			lineItems[i].DocumentId = docID
		}
		if len(fields) > 0 {
			if err := tx.Create(&fields).Error; err != nil {
				return err
			}
		}
		if len(lineItems) > 0 {
			if err := tx.Create(&lineItems).Error; err != nil {
				return err
			}
		}
		return tx.Model(&Document{}).
			Where("id = ?", docID).
			Updates(map[string]interface{}{
				"validation_status": status,
				"confidence_score":  confidence,
			}).Error
	})
}

func UpdateValidationStatus(ctx context.Context, db *gorm.DB, docID int, status ValidationStatus) error {
	res := db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", docID).
		Update("validation_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

type DocumentQuery struct {
	BusinessId string
	DocumentId *int
	BatchId    *int
	Status     *ValidationStatus
	Limit      int
}

// QueryDocuments backs the Read API. With no explicit status filter only
// validated documents are returned.
func QueryDocuments(ctx context.Context, db *gorm.DB, q DocumentQuery) ([]Document, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	tx := db.WithContext(ctx).
		Preload("Fields").
		Preload("LineItems").
		Where("business_id = ?", q.BusinessId).
		Order("id ASC").
		Limit(q.Limit)
	if q.DocumentId != nil {
		tx = tx.Where("id = ?", *q.DocumentId)
	}
	if q.BatchId != nil {
		tx = tx.Where("batch_id = ?", *q.BatchId)
	}
	if q.Status != nil {
		tx = tx.Where("validation_status = ?", *q.Status)
	} else {
		tx = tx.Where("validation_status = ?", ValidationStatusValidated)
	}
	var docs []Document
	err := tx.Find(&docs).Error
	return docs, err
}

// ListBatchDocuments returns documents for duplicate scanning and export.
func ListBatchDocuments(ctx context.Context, db *gorm.DB, batchId int) ([]Document, error) {
	var docs []Document
	err := db.WithContext(ctx).
		Preload("Fields").
		Preload("LineItems").
		Where("batch_id = ?", batchId).
		Order("id ASC").
		Find(&docs).Error
	return docs, err
}

// ListBatchAssignedDocuments returns every document with an assigned batch,
// optionally scoped to one tenant. Feeds the batch-wide duplicate scan.
func ListBatchAssignedDocuments(ctx context.Context, db *gorm.DB, businessId string) ([]Document, error) {
	tx := db.WithContext(ctx).Preload("Fields").Where("batch_id IS NOT NULL").Order("id ASC")
	if businessId != "" {
		tx = tx.Where("business_id = ?", businessId)
	}
	var docs []Document
	err := tx.Find(&docs).Error
	return docs, err
}
