package workflow

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

type ExportJobPayload struct {
	BatchId int `json:"batch_id"`
}

// ExportRecord is one succeeded destination, persisted in Batch.ExportFormats.
// Failed destinations are never recorded, only warned about.
type ExportRecord struct {
	Format     string    `json:"format"`
	ObjectKey  string    `json:"object_key"`
	ExportedAt time.Time `json:"exported_at"`
}

// exportColumns is the fixed column order for tabular exports.
var exportColumns = []string{"vendor_name", "invoice_number", "invoice_date", "total_amount", "tax_amount", "currency"}

// EnabledExportFormats reads the destination set from EXPORT_FORMATS.
func EnabledExportFormats() []string {
	raw := os.Getenv("EXPORT_FORMATS")
	if raw == "" {
		raw = "csv,xlsx,xml"
	}
	var formats []string
	for _, f := range strings.Split(raw, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "csv" || f == "xlsx" || f == "xml" {
			formats = append(formats, f)
		}
	}
	return formats
}

// BatchExporter renders a batch's validated documents into every enabled
// destination format. One destination failing never blocks the others.
type BatchExporter struct {
	DB      *gorm.DB
	Logger  *logrus.Logger
	Storage utils.ObjectStorage
	Bus     *EventBus
	Formats []string
}

func NewBatchExporter(db *gorm.DB, logger *logrus.Logger, storage utils.ObjectStorage, bus *EventBus) *BatchExporter {
	return &BatchExporter{
		DB:      db,
		Logger:  logger,
		Storage: storage,
		Bus:     bus,
		Formats: EnabledExportFormats(),
	}
}

// HandleJob is the batch.export job handler. It records only the destinations
// that actually succeeded; when at least one destination fails the job itself
// still completes, with the failures logged as warnings.
func (e *BatchExporter) HandleJob(ctx context.Context, job *models.Job) error {
	var payload ExportJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("malformed export payload: %v: %w", err, utils.ErrorNotRetryable)
	}
	_, err := e.Export(ctx, payload.BatchId)
	return err
}

// Export runs every enabled format for one batch and returns the records of
// the destinations that succeeded.
func (e *BatchExporter) Export(ctx context.Context, batchID int) ([]ExportRecord, error) {
	batch, err := models.GetBatch(ctx, e.DB, batchID)
	if err != nil {
		if err == utils.ErrorRecordNotFound {
			return nil, fmt.Errorf("batch %d no longer exists: %w", batchID, utils.ErrorNotRetryable)
		}
		return nil, err
	}

	docs, err := models.ListBatchDocuments(ctx, e.DB, batchID)
	if err != nil {
		return nil, err
	}
	var validated []models.Document
	for _, d := range docs {
		if d.ValidationStatus == models.ValidationStatusValidated {
			validated = append(validated, d)
		}
	}

	var succeeded []ExportRecord
	for _, format := range e.Formats {
		data, err := e.render(format, batch, validated)
		if err == nil {
			key := fmt.Sprintf("exports/%d/batch_%d.%s", batchID, batchID, format)
			err = e.Storage.Upload(ctx, key, exportContentType(format), data)
			if err == nil {
				succeeded = append(succeeded, ExportRecord{Format: format, ObjectKey: key, ExportedAt: time.Now().UTC()})
				continue
			}
		}
		e.Logger.WithFields(logrus.Fields{
			"module":   "BatchExporter",
			"batch_id": batchID,
			"format":   format,
		}).Warn("export destination failed: " + err.Error())
	}

	meta, err := json.Marshal(succeeded)
	if err != nil {
		return succeeded, err
	}
	if err := e.DB.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ?", batchID).
		Update("export_formats", meta).Error; err != nil {
		return succeeded, err
	}

	formats := make([]string, 0, len(succeeded))
	for _, rec := range succeeded {
		formats = append(formats, rec.Format)
	}
	e.Bus.Publish(ctx, Event{
		Type:       models.EventBatchExported,
		BusinessId: batch.BusinessId,
		Payload: map[string]any{
			"batch_id":  batchID,
			"formats":   formats,
			"documents": len(validated),
		},
	})

	e.Logger.WithFields(logrus.Fields{
		"module":    "BatchExporter",
		"batch_id":  batchID,
		"succeeded": formats,
		"documents": len(validated),
	}).Info("batch export complete")
	return succeeded, nil
}

func (e *BatchExporter) render(format string, batch *models.Batch, docs []models.Document) ([]byte, error) {
	switch format {
	case "csv":
		return renderCSV(docs)
	case "xlsx":
		return renderXLSX(docs)
	case "xml":
		return renderXML(batch, docs)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func exportContentType(format string) string {
	switch format {
	case "csv":
		return "text/csv"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "xml":
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}

func fieldValue(doc *models.Document, name string) string {
	for _, f := range doc.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func renderCSV(docs []models.Document) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := append([]string{"document_id", "file_name"}, exportColumns...)
	header = append(header, "confidence_score")
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for i := range docs {
		doc := &docs[i]
		row := []string{strconv.Itoa(doc.ID), doc.FileName}
		for _, col := range exportColumns {
			row = append(row, fieldValue(doc, col))
		}
		row = append(row, strconv.FormatFloat(doc.ConfidenceScore, 'f', 4, 64))
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func renderXLSX(docs []models.Document) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Documents"
	f.SetSheetName(f.GetSheetName(0), sheet)
	header := append([]string{"Document ID", "File Name"}, exportColumns...)
	header = append(header, "Confidence")
	for i, h := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}
	for r := range docs {
		doc := &docs[r]
		values := []interface{}{doc.ID, doc.FileName}
		for _, col := range exportColumns {
			values = append(values, fieldValue(doc, col))
		}
		values = append(values, doc.ConfidenceScore)
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	lines := "Line Items"
	if _, err := f.NewSheet(lines); err != nil {
		return nil, err
	}
	lineHeader := []string{"Document ID", "Line", "Description", "Quantity", "Unit Price", "Amount"}
	for i, h := range lineHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(lines, cell, h)
	}
	row := 2
	for i := range docs {
		doc := &docs[i]
		for _, item := range doc.LineItems {
			values := []interface{}{doc.ID, item.LineNumber, item.Description,
				item.Quantity.String(), item.UnitPrice.String(), item.Amount.String()}
			for c, v := range values {
				cell, _ := excelize.CoordinatesToCellName(c+1, row)
				f.SetCellValue(lines, cell, v)
			}
			row++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type xmlLineItem struct {
	LineNumber  int    `xml:"line_number"`
	Description string `xml:"description"`
	Quantity    string `xml:"quantity"`
	UnitPrice   string `xml:"unit_price"`
	Amount      string `xml:"amount"`
}

type xmlField struct {
	Name       string  `xml:"name,attr"`
	Value      string  `xml:",chardata"`
	Confidence float64 `xml:"confidence,attr"`
}

type xmlDocument struct {
	ID         int           `xml:"id,attr"`
	FileName   string        `xml:"file_name"`
	Confidence float64       `xml:"confidence_score"`
	Fields     []xmlField    `xml:"fields>field"`
	LineItems  []xmlLineItem `xml:"line_items>line_item"`
}

type xmlBatch struct {
	XMLName   xml.Name      `xml:"batch"`
	ID        int           `xml:"id,attr"`
	Name      string        `xml:"name"`
	Documents []xmlDocument `xml:"documents>document"`
}

func renderXML(batch *models.Batch, docs []models.Document) ([]byte, error) {
	out := xmlBatch{ID: batch.ID, Name: batch.Name}
	for i := range docs {
		doc := &docs[i]
		x := xmlDocument{ID: doc.ID, FileName: doc.FileName, Confidence: doc.ConfidenceScore}
		for _, f := range doc.Fields {
			x.Fields = append(x.Fields, xmlField{Name: f.Name, Value: f.Value, Confidence: f.Confidence})
		}
		for _, item := range doc.LineItems {
			x.LineItems = append(x.LineItems, xmlLineItem{
				LineNumber:  item.LineNumber,
				Description: item.Description,
				Quantity:    item.Quantity.String(),
				UnitPrice:   item.UnitPrice.String(),
				Amount:      item.Amount.String(),
			})
		}
		out.Documents = append(out.Documents, x)
	}
	data, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}
