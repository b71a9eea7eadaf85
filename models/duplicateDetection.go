package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"gorm.io/gorm"
)

// FieldComparison records one compared field inside a detection: both values
// and the similarity between them.
type FieldComparison struct {
	Field          string  `json:"field"`
	Value          string  `json:"value"`
	CandidateValue string  `json:"candidate_value"`
	Similarity     float64 `json:"similarity"`
}

// DuplicateDetection is a flagged, reviewable pair of documents suspected of
// being the same real-world record.
type DuplicateDetection struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	BusinessId          string          `gorm:"index" json:"business_id"`
	DocumentId          int             `gorm:"index:idx_dup_pair" json:"document_id"`
	CandidateDocumentId int             `gorm:"index:idx_dup_pair" json:"candidate_document_id"`
	SimilarityScore     float64         `json:"similarity_score"`
	FieldScores         []byte          `gorm:"type:json" json:"field_scores"`
	Status              DuplicateStatus `gorm:"index;size:16" json:"status"`
	ReviewedBy          *string         `json:"reviewed_by"`
	ReviewedAt          *time.Time      `json:"reviewed_at"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (d *DuplicateDetection) Comparisons() ([]FieldComparison, error) {
	var out []FieldComparison
	if len(d.FieldScores) == 0 {
		return out, nil
	}
	err := json.Unmarshal(d.FieldScores, &out)
	return out, err
}

// HasDetectionForPair is direction-agnostic: (A,B) and (B,A) are the same pair.
func HasDetectionForPair(ctx context.Context, db *gorm.DB, docID, candidateID int) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&DuplicateDetection{}).
		Where("(document_id = ? AND candidate_document_id = ?) OR (document_id = ? AND candidate_document_id = ?)",
			docID, candidateID, candidateID, docID).
		Count(&count).Error
	return count > 0, err
}

func CreateDuplicateDetection(ctx context.Context, db *gorm.DB, det *DuplicateDetection, comparisons []FieldComparison) error {
	raw, err := json.Marshal(comparisons)
	if err != nil {
		return err
	}
	det.FieldScores = raw
	det.Status = DuplicateStatusPending
	return db.WithContext(ctx).Create(det).Error
}

// ReviewDuplicateDetection moves a pending detection to CONFIRMED or DISMISSED,
// recording who decided and when. Already-reviewed rows are left untouched.
func ReviewDuplicateDetection(ctx context.Context, db *gorm.DB, id int, status DuplicateStatus, reviewer string) (*DuplicateDetection, error) {
	if status != DuplicateStatusConfirmed && status != DuplicateStatusDismissed {
		return nil, errors.New("review status must be CONFIRMED or DISMISSED")
	}
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&DuplicateDetection{}).
		Where("id = ? AND status = ?", id, DuplicateStatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"reviewed_by": &reviewer,
			"reviewed_at": &now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	var det DuplicateDetection
	if err := db.WithContext(ctx).First(&det, id).Error; err != nil {
		return nil, err
	}
	return &det, nil
}

func ListDuplicateDetections(ctx context.Context, db *gorm.DB, businessId string, status *DuplicateStatus, limit int) ([]DuplicateDetection, error) {
	if limit <= 0 {
		limit = 100
	}
	tx := db.WithContext(ctx).Where("business_id = ?", businessId).Order("id DESC").Limit(limit)
	if status != nil {
		tx = tx.Where("status = ?", *status)
	}
	var dets []DuplicateDetection
	err := tx.Find(&dets).Error
	return dets, err
}
