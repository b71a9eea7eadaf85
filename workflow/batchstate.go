package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// batchChainRank orders the forward lifecycle. Suspended and error sit outside
// the chain and follow their own rules.
var batchChainRank = map[models.BatchStatus]int{
	models.BatchStatusNew:        0,
	models.BatchStatusScanning:   1,
	models.BatchStatusIndexing:   2,
	models.BatchStatusValidation: 3,
	models.BatchStatusValidated:  4,
	models.BatchStatusComplete:   5,
	models.BatchStatusExported:   6,
}

// CanTransition reports whether from→to is a legal batch move: any forward
// move along the chain, validation↔suspended pause/resume, or any state to
// error.
func CanTransition(from, to models.BatchStatus) bool {
	if !to.Valid() || from == to {
		return false
	}
	if to == models.BatchStatusError {
		return from != models.BatchStatusError
	}
	if from == models.BatchStatusValidation && to == models.BatchStatusSuspended {
		return true
	}
	if from == models.BatchStatusSuspended && to == models.BatchStatusValidation {
		return true
	}
	fromRank, fromOk := batchChainRank[from]
	toRank, toOk := batchChainRank[to]
	return fromOk && toOk && toRank > fromRank
}

// BatchStateMachine applies lifecycle transitions and their side effects.
type BatchStateMachine struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Bus       *EventBus
	Scheduler *JobScheduler
}

func NewBatchStateMachine(db *gorm.DB, logger *logrus.Logger, bus *EventBus, scheduler *JobScheduler) *BatchStateMachine {
	return &BatchStateMachine{DB: db, Logger: logger, Bus: bus, Scheduler: scheduler}
}

// Transition moves one batch to a new status. The update is conditional on the
// observed status so two concurrent operators cannot both win. Reaching
// exported enqueues the export job; its failures never revert the status.
func (m *BatchStateMachine) Transition(ctx context.Context, batchID int, to models.BatchStatus) (*models.Batch, error) {
	batch, err := models.GetBatch(ctx, m.DB, batchID)
	if err != nil {
		return nil, err
	}
	from := batch.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("batch %d cannot move from %s to %s", batchID, from, to)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"status": to}
	switch to {
	case models.BatchStatusScanning:
		if batch.StartedAt == nil {
			updates["started_at"] = utils.Ptr(now)
		}
	case models.BatchStatusComplete:
		updates["completed_at"] = utils.Ptr(now)
	case models.BatchStatusExported:
		updates["exported_at"] = utils.Ptr(now)
	}

	res := m.DB.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ? AND status = ?", batchID, from).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("batch %d changed status concurrently, transition to %s aborted", batchID, to)
	}

	m.Logger.WithFields(logrus.Fields{
		"module":   "BatchStateMachine",
		"batch_id": batchID,
		"from":     from,
		"to":       to,
	}).Info("batch transitioned")

	m.Bus.Publish(ctx, Event{
		Type:       models.EventBatchStatusChanged,
		BusinessId: batch.BusinessId,
		Payload: map[string]any{
			"batch_id": batchID,
			"from":     string(from),
			"to":       string(to),
		},
	})

	if to == models.BatchStatusExported && m.Scheduler != nil {
		if _, err := m.Scheduler.EnqueuePayload(ctx, batch.BusinessId, models.JobTypeBatchExport, ExportJobPayload{BatchId: batchID}); err != nil {
			m.Logger.WithFields(logrus.Fields{
				"module":   "BatchStateMachine",
				"batch_id": batchID,
			}).Error("failed to enqueue export job: " + err.Error())
		}
	}

	return models.GetBatch(ctx, m.DB, batchID)
}

// AdvanceIfExtracted moves a batch out of the scanning phase once no document
// in it is still pending extraction. Used by the event bus subscriber on
// document events.
func (m *BatchStateMachine) AdvanceIfExtracted(ctx context.Context, batchID int) {
	batch, err := models.GetBatch(ctx, m.DB, batchID)
	if err != nil {
		return
	}
	if batch.Status != models.BatchStatusScanning && batch.Status != models.BatchStatusIndexing {
		return
	}
	var pending int64
	err = m.DB.WithContext(ctx).Model(&models.Document{}).
		Where("batch_id = ? AND validation_status = ?", batchID, models.ValidationStatusPending).
		Count(&pending).Error
	if err != nil || pending > 0 {
		return
	}
	if _, err := m.Transition(ctx, batchID, models.BatchStatusValidation); err != nil {
		m.Logger.WithFields(logrus.Fields{
			"module":   "BatchStateMachine",
			"batch_id": batchID,
		}).Warn("auto advance skipped: " + err.Error())
	}
}

// DeleteBatch removes a batch and everything under it in one transaction.
func (m *BatchStateMachine) DeleteBatch(ctx context.Context, batchID int) error {
	return models.DeleteBatchCascade(ctx, m.DB, batchID)
}
