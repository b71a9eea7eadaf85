package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.BatchStatus
		want     bool
	}{
		{models.BatchStatusNew, models.BatchStatusScanning, true},
		{models.BatchStatusScanning, models.BatchStatusIndexing, true},
		{models.BatchStatusIndexing, models.BatchStatusValidation, true},
		{models.BatchStatusValidation, models.BatchStatusValidated, true},
		{models.BatchStatusValidated, models.BatchStatusComplete, true},
		{models.BatchStatusComplete, models.BatchStatusExported, true},

		// Forward jumps skip intermediate stages.
		{models.BatchStatusNew, models.BatchStatusValidation, true},
		{models.BatchStatusValidation, models.BatchStatusExported, true},
		{models.BatchStatusScanning, models.BatchStatusComplete, true},

		// Backward moves are never legal along the chain.
		{models.BatchStatusExported, models.BatchStatusComplete, false},
		{models.BatchStatusValidated, models.BatchStatusScanning, false},
		{models.BatchStatusScanning, models.BatchStatusNew, false},

		// Suspension is a validation-only pause.
		{models.BatchStatusValidation, models.BatchStatusSuspended, true},
		{models.BatchStatusSuspended, models.BatchStatusValidation, true},
		{models.BatchStatusScanning, models.BatchStatusSuspended, false},
		{models.BatchStatusSuspended, models.BatchStatusExported, false},

		// Anything can fail over to error, and error is terminal.
		{models.BatchStatusNew, models.BatchStatusError, true},
		{models.BatchStatusExported, models.BatchStatusError, true},
		{models.BatchStatusSuspended, models.BatchStatusError, true},
		{models.BatchStatusError, models.BatchStatusValidation, false},
		{models.BatchStatusError, models.BatchStatusError, false},

		{models.BatchStatusValidation, models.BatchStatusValidation, false},
		{models.BatchStatusValidation, models.BatchStatus("BOGUS"), false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func newTestStateMachine(t *testing.T, db *gorm.DB) *BatchStateMachine {
	t.Helper()
	logger := newTestLogger()
	return NewBatchStateMachine(db, logger, NewEventBus(logger), NewJobScheduler(db, logger))
}

func setBatchStatus(t *testing.T, db *gorm.DB, batchID int, status models.BatchStatus) {
	t.Helper()
	require.NoError(t, db.Model(&models.Batch{}).Where("id = ?", batchID).Update("status", status).Error)
}

func TestTransitionSetsTimestamps(t *testing.T) {
	db := openTestDB(t)
	m := newTestStateMachine(t, db)
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	require.Nil(t, batch.StartedAt)

	batch, err = m.Transition(ctx, batch.ID, models.BatchStatusScanning)
	require.NoError(t, err)
	require.NotNil(t, batch.StartedAt)

	batch, err = m.Transition(ctx, batch.ID, models.BatchStatusComplete)
	require.NoError(t, err)
	require.NotNil(t, batch.CompletedAt)
	require.Nil(t, batch.ExportedAt)

	batch, err = m.Transition(ctx, batch.ID, models.BatchStatusExported)
	require.NoError(t, err)
	require.NotNil(t, batch.ExportedAt)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	db := openTestDB(t)
	m := newTestStateMachine(t, db)
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	setBatchStatus(t, db, batch.ID, models.BatchStatusExported)

	_, err = m.Transition(ctx, batch.ID, models.BatchStatusValidation)
	require.Error(t, err)

	got, err := models.GetBatch(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusExported, got.Status)
}

func TestTransitionToExportedEnqueuesExportJob(t *testing.T) {
	db := openTestDB(t)
	m := newTestStateMachine(t, db)
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	setBatchStatus(t, db, batch.ID, models.BatchStatusComplete)

	_, err = m.Transition(ctx, batch.ID, models.BatchStatusExported)
	require.NoError(t, err)

	job := mustClaim(t, db, "w1")
	require.Equal(t, models.JobTypeBatchExport, job.Type)
	var payload ExportJobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, batch.ID, payload.BatchId)
}

func seedExportDocument(t *testing.T, db *gorm.DB, batchID int, status models.ValidationStatus, vendor string) *models.Document {
	t.Helper()
	doc := &models.Document{
		BusinessId:       "biz-1",
		BatchId:          &batchID,
		FileName:         vendor + ".pdf",
		ValidationStatus: status,
		ConfidenceScore:  0.93,
		Fields: []models.DocumentField{
			{Name: "vendor_name", Value: vendor, Confidence: 0.95},
			{Name: "invoice_number", Value: "INV-100", Confidence: 0.97},
			{Name: "total_amount", Value: "125.00", Confidence: 0.99},
		},
	}
	require.NoError(t, models.CreateDocument(context.Background(), db, doc))
	return doc
}

func TestExportRecordsOnlySucceededDestinations(t *testing.T) {
	db := openTestDB(t)
	logger := newTestLogger()
	storage := newMemStorage()
	storage.failKeySuffix = ".xml"
	exporter := NewBatchExporter(db, logger, storage, NewEventBus(logger))
	exporter.Formats = []string{"csv", "xlsx", "xml"}
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	setBatchStatus(t, db, batch.ID, models.BatchStatusExported)
	seedExportDocument(t, db, batch.ID, models.ValidationStatusValidated, "Acme Supplies")
	seedExportDocument(t, db, batch.ID, models.ValidationStatusRejected, "Broken Vendor")

	records, err := exporter.Export(ctx, batch.ID)
	require.NoError(t, err, "one destination failing does not fail the export")
	require.Len(t, records, 2)
	require.Equal(t, "csv", records[0].Format)
	require.Equal(t, "xlsx", records[1].Format)

	// The batch keeps its status; the metadata lists only what succeeded.
	got, err := models.GetBatch(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusExported, got.Status)

	var persisted []ExportRecord
	require.NoError(t, json.Unmarshal(got.ExportFormats, &persisted))
	require.Len(t, persisted, 2)
	for _, rec := range persisted {
		require.NotEqual(t, "xml", rec.Format)
		require.Contains(t, storage.keys(), rec.ObjectKey)
	}
}

func TestExportIncludesOnlyValidatedDocuments(t *testing.T) {
	db := openTestDB(t)
	logger := newTestLogger()
	storage := newMemStorage()
	exporter := NewBatchExporter(db, logger, storage, NewEventBus(logger))
	exporter.Formats = []string{"csv"}
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	seedExportDocument(t, db, batch.ID, models.ValidationStatusValidated, "Acme Supplies")
	seedExportDocument(t, db, batch.ID, models.ValidationStatusPending, "Pending Vendor")
	seedExportDocument(t, db, batch.ID, models.ValidationStatusNeedsReview, "Shaky Vendor")

	records, err := exporter.Export(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	data, err := storage.Download(ctx, records[0].ObjectKey)
	require.NoError(t, err)
	require.Contains(t, string(data), "Acme Supplies")
	require.NotContains(t, string(data), "Pending Vendor")
	require.NotContains(t, string(data), "Shaky Vendor")
}

func TestRecomputeBatchCountsDerivesFromDocuments(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	seedExportDocument(t, db, batch.ID, models.ValidationStatusValidated, "A")
	seedExportDocument(t, db, batch.ID, models.ValidationStatusValidated, "B")
	seedExportDocument(t, db, batch.ID, models.ValidationStatusPending, "C")
	seedExportDocument(t, db, batch.ID, models.ValidationStatusRejected, "D")

	require.NoError(t, models.RecomputeBatchCounts(ctx, db, batch.ID))
	got, err := models.GetBatch(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, 4, got.TotalDocuments)
	require.Equal(t, 3, got.ProcessedDocuments)
	require.Equal(t, 2, got.ValidatedDocuments)
	require.Equal(t, 1, got.ErrorCount)
	require.LessOrEqual(t, got.ValidatedDocuments+got.ErrorCount, got.TotalDocuments)

	// Recompute after a change rederives instead of accumulating.
	require.NoError(t, models.RecomputeBatchCounts(ctx, db, batch.ID))
	got, err = models.GetBatch(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, 4, got.TotalDocuments)
	require.Equal(t, 2, got.ValidatedDocuments)
}

func TestAdvanceIfExtracted(t *testing.T) {
	db := openTestDB(t)
	m := newTestStateMachine(t, db)
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	setBatchStatus(t, db, batch.ID, models.BatchStatusScanning)
	pending := seedExportDocument(t, db, batch.ID, models.ValidationStatusPending, "A")
	seedExportDocument(t, db, batch.ID, models.ValidationStatusValidated, "B")

	// One document still pending: no move.
	m.AdvanceIfExtracted(ctx, batch.ID)
	got, err := models.GetBatch(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusScanning, got.Status)

	require.NoError(t, models.UpdateValidationStatus(ctx, db, pending.ID, models.ValidationStatusNeedsReview))
	m.AdvanceIfExtracted(ctx, batch.ID)
	got, err = models.GetBatch(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusValidation, got.Status)

	// Past the scanning phase the hook is a no-op.
	m.AdvanceIfExtracted(ctx, batch.ID)
	got, err = models.GetBatch(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusValidation, got.Status)
}

func TestDeleteBatchCascade(t *testing.T) {
	db := openTestDB(t)
	m := newTestStateMachine(t, db)
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	docA := seedExportDocument(t, db, batch.ID, models.ValidationStatusValidated, "Acme Supplies")
	docB := seedExportDocument(t, db, batch.ID, models.ValidationStatusValidated, "Acme Supplies Inc")
	require.NoError(t, models.CreateDuplicateDetection(ctx, db, &models.DuplicateDetection{
		BusinessId:          "biz-1",
		DocumentId:          docA.ID,
		CandidateDocumentId: docB.ID,
		SimilarityScore:     0.91,
	}, []models.FieldComparison{
		{Field: "vendor_name", Value: "Acme Supplies", CandidateValue: "Acme Supplies Inc", Similarity: 0.91},
	}))

	// An unrelated batch survives the cascade untouched.
	other, err := models.CreateBatch(ctx, db, "biz-1", "July invoices", nil)
	require.NoError(t, err)
	keep := seedExportDocument(t, db, other.ID, models.ValidationStatusValidated, "Keeper Vendor")

	require.NoError(t, m.DeleteBatch(ctx, batch.ID))

	for _, model := range []interface{}{
		&models.Document{}, &models.DocumentField{}, &models.DuplicateDetection{},
	} {
		var count int64
		require.NoError(t, db.Model(model).Count(&count).Error)
		switch model.(type) {
		case *models.Document:
			require.EqualValues(t, 1, count)
		case *models.DocumentField:
			require.EqualValues(t, 3, count)
		default:
			require.EqualValues(t, 0, count)
		}
	}
	_, err = models.GetBatch(ctx, db, batch.ID)
	require.Equal(t, utils.ErrorRecordNotFound, err)
	_, err = models.GetDocument(ctx, db, keep.ID)
	require.NoError(t, err)

	// Deleting again reports not found rather than silently succeeding.
	require.Equal(t, utils.ErrorRecordNotFound, m.DeleteBatch(ctx, batch.ID))
}
