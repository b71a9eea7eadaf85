package workflow

import (
	"context"
	"testing"

	"bitbucket.org/inklinehq/capture_backend/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeExtractionClient struct {
	response *ExtractionResponse
	err      error
	requests []ExtractionRequest
}

func (f *fakeExtractionClient) Extract(ctx context.Context, req ExtractionRequest) (*ExtractionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func TestCanonicalFieldName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"vendor", "vendor_name"},
		{"Supplier", "vendor_name"},
		{"MERCHANT", "vendor_name"},
		{"invoice_no", "invoice_number"},
		{"doc_number", "invoice_number"},
		{"grand_total", "total_amount"},
		{"VAT", "tax_amount"},
		{"issue_date", "invoice_date"},
		{"purchase_order", "po_number"},
		{" currency_code ", "currency"},
		{"some_custom_field", "some_custom_field"},
		{"Reference", "reference"},
	}
	for _, tc := range cases {
		if got := CanonicalFieldName(tc.in); got != tc.want {
			t.Errorf("CanonicalFieldName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func newTestProcessor(t *testing.T, db *gorm.DB, storage *memStorage, client ExtractionClient) *ExtractionProcessor {
	t.Helper()
	logger := newTestLogger()
	p := NewExtractionProcessor(db, logger, storage, client, NewEventBus(logger))
	p.Threshold = 0.8
	return p
}

func seedPendingDocument(t *testing.T, db *gorm.DB, storage *memStorage, batchID int) *models.Document {
	t.Helper()
	ctx := context.Background()
	key := "biz-1/batches/1/invoice_001.pdf"
	require.NoError(t, storage.Upload(ctx, key, "application/pdf", []byte("%PDF-1.4 scanned page")))
	doc := &models.Document{
		BusinessId:  "biz-1",
		BatchId:     &batchID,
		FileName:    "invoice_001.pdf",
		ObjectKey:   key,
		ContentType: "application/pdf",
	}
	require.NoError(t, models.CreateDocument(ctx, db, doc))
	return doc
}

func extractJob(t *testing.T, db *gorm.DB, scheduler *JobScheduler, docID int) *models.Job {
	t.Helper()
	_, err := scheduler.EnqueuePayload(context.Background(), "biz-1", models.JobTypeDocumentExtract, ExtractJobPayload{DocumentId: docID})
	require.NoError(t, err)
	return mustClaim(t, db, "w1")
}

func TestExtractionNormalizesAliasesAndValidates(t *testing.T) {
	db := openTestDB(t)
	storage := newMemStorage()
	scheduler := NewJobScheduler(db, newTestLogger())
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	doc := seedPendingDocument(t, db, storage, batch.ID)

	client := &fakeExtractionClient{response: &ExtractionResponse{
		Provider:   "acme-ocr",
		Confidence: 0.94,
		Fields: []RawField{
			{Name: "Supplier", Value: " Acme Supplies ", Confidence: 0.96},
			{Name: "invoice_no", Value: "INV-2041", Confidence: 0.92},
			{Name: "grand_total", Value: "1,250.00", Confidence: 0.9},
		},
		LineItems: []RawLineItem{
			{Description: "Widgets", Quantity: "10", UnitPrice: "100.00", Amount: "1,000.00"},
			{Description: "Shipping", Quantity: "1", UnitPrice: "250.00", Amount: "250.00"},
		},
	}}
	p := newTestProcessor(t, db, storage, client)

	require.NoError(t, p.HandleJob(ctx, extractJob(t, db, scheduler, doc.ID)))

	got, err := models.GetDocument(ctx, db, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.ValidationStatusValidated, got.ValidationStatus)
	require.InDelta(t, 0.94, got.ConfidenceScore, 1e-9)
	require.Len(t, got.Fields, 3)

	byName := map[string]models.DocumentField{}
	for _, f := range got.Fields {
		byName[f.Name] = f
	}
	require.Equal(t, "Acme Supplies", byName["vendor_name"].Value)
	require.Equal(t, "INV-2041", byName["invoice_number"].Value)
	require.Equal(t, "1,250.00", byName["total_amount"].Value)

	require.Len(t, got.LineItems, 2)
	require.Equal(t, 1, got.LineItems[0].LineNumber)
	require.Equal(t, "1000", got.LineItems[0].Amount.String())

	// Batch counters reflect the outcome.
	b, err := models.GetBatch(ctx, db, batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, b.ValidatedDocuments)
}

func TestLowConfidenceOrHandwrittenFlagsReview(t *testing.T) {
	db := openTestDB(t)
	storage := newMemStorage()
	scheduler := NewJobScheduler(db, newTestLogger())
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	doc := seedPendingDocument(t, db, storage, batch.ID)

	client := &fakeExtractionClient{response: &ExtractionResponse{
		Confidence: 0.88,
		Fields: []RawField{
			{Name: "vendor", Value: "Acme", Confidence: 0.95},
			{Name: "total", Value: "99.00", Confidence: 0.61},
			{Name: "invoice_no", Value: "INV-7", Confidence: 0.9, IsHandwritten: true},
		},
	}}
	p := newTestProcessor(t, db, storage, client)

	require.NoError(t, p.HandleJob(ctx, extractJob(t, db, scheduler, doc.ID)))

	got, err := models.GetDocument(ctx, db, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.ValidationStatusNeedsReview, got.ValidationStatus)

	byName := map[string]models.DocumentField{}
	for _, f := range got.Fields {
		byName[f.Name] = f
	}
	require.False(t, byName["vendor_name"].NeedsReview)
	require.True(t, byName["total_amount"].NeedsReview, "below-threshold confidence is flagged")
	require.True(t, byName["invoice_number"].NeedsReview, "handwritten is flagged regardless of confidence")
	require.True(t, byName["invoice_number"].IsHandwritten)
}

func TestRerunReplacesInsteadOfDuplicating(t *testing.T) {
	db := openTestDB(t)
	storage := newMemStorage()
	scheduler := NewJobScheduler(db, newTestLogger())
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	doc := seedPendingDocument(t, db, storage, batch.ID)

	client := &fakeExtractionClient{response: &ExtractionResponse{
		Confidence: 0.9,
		Fields:     []RawField{{Name: "vendor", Value: "First Pass", Confidence: 0.9}},
		LineItems:  []RawLineItem{{Description: "A", Quantity: "1", UnitPrice: "5", Amount: "5"}},
	}}
	p := newTestProcessor(t, db, storage, client)
	require.NoError(t, p.HandleJob(ctx, extractJob(t, db, scheduler, doc.ID)))

	client.response.Fields[0].Value = "Second Pass"
	require.NoError(t, p.HandleJob(ctx, extractJob(t, db, scheduler, doc.ID)))

	got, err := models.GetDocument(ctx, db, doc.ID)
	require.NoError(t, err)
	require.Len(t, got.Fields, 1)
	require.Equal(t, "Second Pass", got.Fields[0].Value)
	require.Len(t, got.LineItems, 1)
}

func TestMissingDocumentIsNotRetryable(t *testing.T) {
	db := openTestDB(t)
	storage := newMemStorage()
	scheduler := NewJobScheduler(db, newTestLogger())
	p := newTestProcessor(t, db, storage, &fakeExtractionClient{})

	err := p.HandleJob(context.Background(), extractJob(t, db, scheduler, 99999))
	require.Error(t, err)
	require.True(t, nonRetryable(err))
}

func TestServiceFailureIsRetryable(t *testing.T) {
	db := openTestDB(t)
	storage := newMemStorage()
	scheduler := NewJobScheduler(db, newTestLogger())
	ctx := context.Background()

	batch, err := models.CreateBatch(ctx, db, "biz-1", "June invoices", nil)
	require.NoError(t, err)
	doc := seedPendingDocument(t, db, storage, batch.ID)

	client := &fakeExtractionClient{err: context.DeadlineExceeded}
	p := newTestProcessor(t, db, storage, client)

	err = p.HandleJob(ctx, extractJob(t, db, scheduler, doc.ID))
	require.Error(t, err)
	require.False(t, nonRetryable(err))

	// The document is untouched and will be retried.
	got, err := models.GetDocument(ctx, db, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.ValidationStatusPending, got.ValidationStatus)
	require.Empty(t, got.Fields)
}
