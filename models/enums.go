package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

type JobType string

const (
	JobTypeDocumentExtract JobType = "document.extract"
	JobTypeBatchExport     JobType = "batch.export"
	JobTypeWebhookDeliver  JobType = "webhook.deliver"
)

type ImportStatus string

const (
	ImportStatusSuccess ImportStatus = "SUCCESS"
	ImportStatusFailed  ImportStatus = "FAILED"
)

type BatchStatus string

const (
	BatchStatusNew        BatchStatus = "NEW"
	BatchStatusScanning   BatchStatus = "SCANNING"
	BatchStatusIndexing   BatchStatus = "INDEXING"
	BatchStatusValidation BatchStatus = "VALIDATION"
	BatchStatusValidated  BatchStatus = "VALIDATED"
	BatchStatusComplete   BatchStatus = "COMPLETE"
	BatchStatusExported   BatchStatus = "EXPORTED"
	BatchStatusSuspended  BatchStatus = "SUSPENDED"
	BatchStatusError      BatchStatus = "ERROR"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusNew, BatchStatusScanning, BatchStatusIndexing, BatchStatusValidation,
		BatchStatusValidated, BatchStatusComplete, BatchStatusExported, BatchStatusSuspended,
		BatchStatusError:
		return true
	}
	return false
}

func (s *BatchStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = BatchStatus(v)
	case []byte:
		*s = BatchStatus(v)
	default:
		return fmt.Errorf("unsupported batch status value %v", value)
	}
	if !s.Valid() {
		return errors.New("invalid batch status")
	}
	return nil
}

func (s BatchStatus) Value() (driver.Value, error) {
	return string(s), nil
}

type ValidationStatus string

const (
	ValidationStatusPending     ValidationStatus = "PENDING"
	ValidationStatusValidated   ValidationStatus = "VALIDATED"
	ValidationStatusRejected    ValidationStatus = "REJECTED"
	ValidationStatusNeedsReview ValidationStatus = "NEEDS_REVIEW"
)

type DuplicateStatus string

const (
	DuplicateStatusPending   DuplicateStatus = "PENDING"
	DuplicateStatusConfirmed DuplicateStatus = "CONFIRMED"
	DuplicateStatusDismissed DuplicateStatus = "DISMISSED"
)

// EventType names the domain events the pipeline publishes. Webhook
// subscriptions are keyed by these values.
type EventType string

const (
	EventDocumentImported           EventType = "document.imported"
	EventDocumentValidated          EventType = "document.validated"
	EventDocumentNeedsReview        EventType = "document.needs_review"
	EventDocumentDuplicateFlagged   EventType = "document.duplicate_flagged"
	EventDocumentDuplicateConfirmed EventType = "document.duplicate_confirmed"
	EventBatchStatusChanged         EventType = "batch.status_changed"
	EventBatchExported              EventType = "batch.exported"
	EventJobFailed                  EventType = "job.failed"
)

func KnownEventType(t EventType) bool {
	switch t {
	case EventDocumentImported, EventDocumentValidated, EventDocumentNeedsReview,
		EventDocumentDuplicateFlagged, EventDocumentDuplicateConfirmed,
		EventBatchStatusChanged, EventBatchExported, EventJobFailed:
		return true
	}
	return false
}
