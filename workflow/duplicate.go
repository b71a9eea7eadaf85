package workflow

import (
	"context"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/agnivade/levenshtein"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FieldSimilarity returns a normalized [0,1] similarity between two field
// values: 1 minus the edit distance over the longer length. Both values are
// case-folded and whitespace-collapsed first so formatting noise does not
// mask a match. Two empty values are not similar, they are absent.
func FieldSimilarity(a, b string) float64 {
	a = utils.NormalizeFieldValue(a)
	b = utils.NormalizeFieldValue(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	dist := levenshtein.ComputeDistance(a, b)
	if dist >= longest {
		return 0
	}
	return 1 - float64(dist)/float64(longest)
}

// DefaultDuplicateThresholds reads per-field thresholds from
// DUPLICATE_THRESHOLDS ("vendor_name:0.85,invoice_number:0.9").
func DefaultDuplicateThresholds() map[string]float64 {
	thresholds := map[string]float64{
		"vendor_name":    0.85,
		"invoice_number": 0.90,
		"total_amount":   0.95,
	}
	raw := os.Getenv("DUPLICATE_THRESHOLDS")
	if raw == "" {
		return thresholds
	}
	parsed := map[string]float64{}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil && v > 0 && v <= 1 {
			parsed[strings.TrimSpace(parts[0])] = v
		}
	}
	if len(parsed) > 0 {
		return parsed
	}
	return thresholds
}

// DuplicateDetector flags suspected duplicate document pairs for review.
type DuplicateDetector struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Bus    *EventBus
}

func NewDuplicateDetector(db *gorm.DB, logger *logrus.Logger, bus *EventBus) *DuplicateDetector {
	return &DuplicateDetector{DB: db, Logger: logger, Bus: bus}
}

// Detect compares one document against its candidates and creates at most one
// pending detection, for the best-scoring candidate whose similarity meets a
// threshold. Every compared field's values and score go into the record, not
// just the ones that crossed. An existing detection for the pair, in either
// direction, short-circuits.
func (d *DuplicateDetector) Detect(ctx context.Context, documentID, batchID int, crossBatch bool, thresholds map[string]float64) (*models.DuplicateDetection, error) {
	doc, err := models.GetDocument(ctx, d.DB, documentID)
	if err != nil {
		return nil, err
	}
	if len(doc.Fields) == 0 {
		return nil, nil
	}

	candidates, err := d.listCandidates(ctx, doc, batchID, crossBatch)
	if err != nil {
		return nil, err
	}

	var best *models.Document
	var bestScore float64
	var bestComparisons []models.FieldComparison
	for i := range candidates {
		cand := &candidates[i]
		if cand.ID == doc.ID {
			continue
		}
		comparisons, maxScore, crossed := compareFields(doc, cand, thresholds)
		if !crossed {
			continue
		}
		if best == nil || maxScore > bestScore {
			exists, err := models.HasDetectionForPair(ctx, d.DB, doc.ID, cand.ID)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			best = cand
			bestScore = maxScore
			bestComparisons = comparisons
		}
	}
	if best == nil {
		return nil, nil
	}

	det := &models.DuplicateDetection{
		BusinessId:          doc.BusinessId,
		DocumentId:          doc.ID,
		CandidateDocumentId: best.ID,
		SimilarityScore:     bestScore,
	}
	if err := models.CreateDuplicateDetection(ctx, d.DB, det, bestComparisons); err != nil {
		return nil, err
	}

	d.Logger.WithFields(logrus.Fields{
		"module":       "DuplicateDetector",
		"document_id":  doc.ID,
		"candidate_id": best.ID,
		"score":        bestScore,
	}).Info("duplicate flagged for review")

	d.Bus.Publish(ctx, Event{
		Type:       models.EventDocumentDuplicateFlagged,
		BusinessId: doc.BusinessId,
		Payload: map[string]any{
			"detection_id":          det.ID,
			"document_id":           doc.ID,
			"candidate_document_id": best.ID,
			"similarity_score":      bestScore,
		},
	})
	return det, nil
}

func (d *DuplicateDetector) listCandidates(ctx context.Context, doc *models.Document, batchID int, crossBatch bool) ([]models.Document, error) {
	if crossBatch {
		return models.ListBatchAssignedDocuments(ctx, d.DB, doc.BusinessId)
	}
	return models.ListBatchDocuments(ctx, d.DB, batchID)
}

// compareFields scores every field present on both documents against the
// threshold map. Fields without a configured threshold are skipped.
func compareFields(doc, cand *models.Document, thresholds map[string]float64) ([]models.FieldComparison, float64, bool) {
	var comparisons []models.FieldComparison
	var maxScore float64
	crossed := false
	for _, f := range doc.Fields {
		threshold, ok := thresholds[f.Name]
		if !ok {
			continue
		}
		candValue := ""
		for _, cf := range cand.Fields {
			if cf.Name == f.Name {
				candValue = cf.Value
				break
			}
		}
		score := FieldSimilarity(f.Value, candValue)
		comparisons = append(comparisons, models.FieldComparison{
			Field:          f.Name,
			Value:          f.Value,
			CandidateValue: candValue,
			Similarity:     score,
		})
		if score > maxScore {
			maxScore = score
		}
		if score >= threshold {
			crossed = true
		}
	}
	return comparisons, maxScore, crossed
}

type ScanAllResult struct {
	Scanned int `json:"scanned"`
	Flagged int `json:"flagged"`
	Failed  int `json:"failed"`
}

// ScanAll runs Detect over every batch-assigned document. One document's
// failure never halts the sweep; it is counted and the sweep moves on.
func (d *DuplicateDetector) ScanAll(ctx context.Context, businessId string, crossBatch bool, thresholds map[string]float64) ScanAllResult {
	var result ScanAllResult
	docs, err := models.ListBatchAssignedDocuments(ctx, d.DB, businessId)
	if err != nil {
		d.Logger.WithFields(logrus.Fields{"module": "DuplicateDetector"}).Error("failed to list documents for scan: " + err.Error())
		return result
	}
	for i := range docs {
		doc := &docs[i]
		if doc.BatchId == nil {
			continue
		}
		result.Scanned++
		det, err := d.Detect(ctx, doc.ID, *doc.BatchId, crossBatch, thresholds)
		if err != nil {
			result.Failed++
			d.Logger.WithFields(logrus.Fields{
				"module":      "DuplicateDetector",
				"document_id": doc.ID,
			}).Error("duplicate detection failed: " + err.Error())
			continue
		}
		if det != nil {
			result.Flagged++
		}
	}
	d.Logger.WithFields(logrus.Fields{
		"module":  "DuplicateDetector",
		"scanned": result.Scanned,
		"flagged": result.Flagged,
		"failed":  result.Failed,
	}).Info("duplicate scan complete")
	return result
}

// Review resolves a pending detection. Confirming publishes the confirmed
// event so subscribers can react to a true duplicate.
func (d *DuplicateDetector) Review(ctx context.Context, detectionID int, confirm bool, reviewer string) (*models.DuplicateDetection, error) {
	status := models.DuplicateStatusDismissed
	if confirm {
		status = models.DuplicateStatusConfirmed
	}
	det, err := models.ReviewDuplicateDetection(ctx, d.DB, detectionID, status, reviewer)
	if err != nil {
		return nil, err
	}
	if confirm {
		d.Bus.Publish(ctx, Event{
			Type:       models.EventDocumentDuplicateConfirmed,
			BusinessId: det.BusinessId,
			Payload: map[string]any{
				"detection_id":          det.ID,
				"document_id":           det.DocumentId,
				"candidate_document_id": det.CandidateDocumentId,
				"reviewed_by":           reviewer,
			},
		})
	}
	return det, nil
}
