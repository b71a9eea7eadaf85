package workflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ExtractJobPayload struct {
	DocumentId int `json:"document_id"`
}

type ExtractionRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Mode        string `json:"mode"`
}

// RawField is one field exactly as the provider returned it, alias names and
// all. Normalization into the fixed schema happens in one place here.
type RawField struct {
	Name          string  `json:"name"`
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	IsHandwritten bool    `json:"is_handwritten"`
}

type RawLineItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
}

type ExtractionResponse struct {
	Provider   string        `json:"provider"`
	Confidence float64       `json:"confidence"`
	Fields     []RawField    `json:"fields"`
	LineItems  []RawLineItem `json:"line_items"`
}

type ExtractionClient interface {
	Extract(ctx context.Context, req ExtractionRequest) (*ExtractionResponse, error)
}

// httpExtractionClient talks to the external extraction service with an API
// key header and a hard request timeout.
type httpExtractionClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewExtractionClientFromEnv() ExtractionClient {
	timeout := utils.DurationFromEnvSeconds("EXTRACTION_TIMEOUT_SECONDS", 60*time.Second)
	return &httpExtractionClient{
		baseURL: strings.TrimRight(os.Getenv("EXTRACTION_API_URL"), "/"),
		apiKey:  os.Getenv("EXTRACTION_API_KEY"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpExtractionClient) Extract(ctx context.Context, req ExtractionRequest) (*ExtractionResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("extraction service is not configured: %w", utils.ErrorNotRetryable)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
		// The service rejected this document; retrying the same bytes will not
		// change the answer.
		return nil, fmt.Errorf("extraction rejected document with status %d: %w", resp.StatusCode, utils.ErrorNotRetryable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service returned status %d", resp.StatusCode)
	}

	var out ExtractionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode extraction response: %w", err)
	}
	return &out, nil
}

// fieldAliases maps provider-specific field names onto the canonical schema.
// Every provider quirk lives in this table so the rest of the pipeline only
// ever sees canonical names.
var fieldAliases = map[string]string{
	"vendor":          "vendor_name",
	"vendor_name":     "vendor_name",
	"supplier":        "vendor_name",
	"supplier_name":   "vendor_name",
	"merchant":        "vendor_name",
	"invoice_no":      "invoice_number",
	"invoice_number":  "invoice_number",
	"doc_number":      "invoice_number",
	"document_number": "invoice_number",
	"number":          "invoice_number",
	"date":            "invoice_date",
	"invoice_date":    "invoice_date",
	"doc_date":        "invoice_date",
	"issue_date":      "invoice_date",
	"total":           "total_amount",
	"total_amount":    "total_amount",
	"amount_total":    "total_amount",
	"grand_total":     "total_amount",
	"tax":             "tax_amount",
	"tax_amount":      "tax_amount",
	"vat":             "tax_amount",
	"vat_amount":      "tax_amount",
	"currency":        "currency",
	"currency_code":   "currency",
	"po_number":       "po_number",
	"purchase_order":  "po_number",
}

// CanonicalFieldName resolves a provider alias; unknown names pass through
// lowercased so nothing the provider found is dropped.
func CanonicalFieldName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := fieldAliases[key]; ok {
		return canonical
	}
	return key
}

// ExtractionProcessor owns the document.extract job handler.
type ExtractionProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Storage   utils.ObjectStorage
	Client    ExtractionClient
	Bus       *EventBus
	Threshold float64
}

func NewExtractionProcessor(db *gorm.DB, logger *logrus.Logger, storage utils.ObjectStorage, client ExtractionClient, bus *EventBus) *ExtractionProcessor {
	threshold := 0.8
	if v := os.Getenv("EXTRACTION_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			threshold = f
		}
	}
	return &ExtractionProcessor{
		DB:        db,
		Logger:    logger,
		Storage:   storage,
		Client:    client,
		Bus:       bus,
		Threshold: threshold,
	}
}

// HandleJob runs extraction for one document. Service and network failures are
// retryable; a missing document or a rejected file is not.
func (p *ExtractionProcessor) HandleJob(ctx context.Context, job *models.Job) error {
	var payload ExtractJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("malformed extract payload: %v: %w", err, utils.ErrorNotRetryable)
	}

	doc, err := models.GetDocument(ctx, p.DB, payload.DocumentId)
	if err != nil {
		if err == utils.ErrorRecordNotFound {
			return fmt.Errorf("document %d no longer exists: %w", payload.DocumentId, utils.ErrorNotRetryable)
		}
		return err
	}

	data, err := p.Storage.Download(ctx, doc.ObjectKey)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", doc.ObjectKey, err)
	}

	resp, err := p.Client.Extract(ctx, ExtractionRequest{
		FileName:    doc.FileName,
		ContentType: doc.ContentType,
		Content:     base64.StdEncoding.EncodeToString(data),
		Mode:        "invoice",
	})
	if err != nil {
		return err
	}

	fields, lineItems, flagged := p.normalize(resp)
	status := models.ValidationStatusValidated
	if flagged {
		status = models.ValidationStatusNeedsReview
	}
	if err := models.ReplaceExtractedData(ctx, p.DB, doc.ID, status, resp.Confidence, fields, lineItems); err != nil {
		return err
	}

	if doc.BatchId != nil {
		if err := models.RecomputeBatchCounts(ctx, p.DB, *doc.BatchId); err != nil {
			p.Logger.WithFields(logrus.Fields{
				"module":   "ExtractionProcessor",
				"batch_id": *doc.BatchId,
			}).Error("failed to recompute batch counts: " + err.Error())
		}
	}

	eventType := models.EventDocumentValidated
	if flagged {
		eventType = models.EventDocumentNeedsReview
	}
	p.Bus.Publish(ctx, Event{
		Type:       eventType,
		BusinessId: doc.BusinessId,
		Payload: map[string]any{
			"document_id": doc.ID,
			"batch_id":    doc.BatchId,
			"confidence":  resp.Confidence,
		},
	})

	p.Logger.WithFields(logrus.Fields{
		"module":      "ExtractionProcessor",
		"document_id": doc.ID,
		"status":      status,
		"provider":    resp.Provider,
	}).Info("extraction complete")
	return nil
}

// normalize maps the provider response onto the canonical field schema and
// decides per-field review flags. Any flagged field flags the document.
func (p *ExtractionProcessor) normalize(resp *ExtractionResponse) ([]models.DocumentField, []models.DocumentLineItem, bool) {
	flagged := false
	fields := make([]models.DocumentField, 0, len(resp.Fields))
	for _, raw := range resp.Fields {
		needsReview := raw.IsHandwritten || raw.Confidence < p.Threshold
		if needsReview {
			flagged = true
		}
		fields = append(fields, models.DocumentField{
			Name:          CanonicalFieldName(raw.Name),
			Value:         strings.TrimSpace(raw.Value),
			Confidence:    raw.Confidence,
			NeedsReview:   needsReview,
			IsHandwritten: raw.IsHandwritten,
		})
	}
	lineItems := make([]models.DocumentLineItem, 0, len(resp.LineItems))
	for i, raw := range resp.LineItems {
		lineItems = append(lineItems, models.DocumentLineItem{
			LineNumber:  i + 1,
			Description: strings.TrimSpace(raw.Description),
			Quantity:    parseDecimal(raw.Quantity),
			UnitPrice:   parseDecimal(raw.UnitPrice),
			Amount:      parseDecimal(raw.Amount),
		})
	}
	return fields, lineItems, flagged
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		return decimal.Zero
	}
	return d
}
