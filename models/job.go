package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"gorm.io/gorm"
)

const DefaultMaxAttempts = 3

// Job is a durable unit of asynchronous work. The payload is opaque to the
// queue; handlers registered with the scheduler decode it by job type.
type Job struct {
	ID          int        `gorm:"primary_key" json:"id"`
	BusinessId  string     `gorm:"index" json:"business_id"`
	Type        JobType    `gorm:"index;size:64" json:"type"`
	Payload     []byte     `gorm:"type:json" json:"payload"`
	Status      JobStatus  `gorm:"index;size:16" json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `gorm:"index" json:"next_retry_at"`
	LastError   *string    `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	LockedBy    *string    `json:"locked_by"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func EnqueueJob(ctx context.Context, db *gorm.DB, job *Job) error {
	if job.Type == "" {
		return errors.New("job type is required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.Status = JobStatusPending
	job.Attempts = 0
	return db.WithContext(ctx).Create(job).Error
}

// ClaimNextJob atomically moves one eligible job to IN_PROGRESS and returns it.
// Eligible: PENDING with no retry scheduled or retry due, or IN_PROGRESS with a
// stale lock (worker crashed mid-run). The conditional update is the claim:
// when two workers race, RowsAffected tells the loser to move on.
func ClaimNextJob(ctx context.Context, db *gorm.DB, workerID string, lockTimeout time.Duration) (*Job, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTimeout)

	var candidates []Job
	err := db.WithContext(ctx).
		Where("(status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)",
			JobStatusPending, now, JobStatusInProgress, staleBefore).
		Order("id ASC").
		Limit(10).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		cond := db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND status = ?", candidates[i].ID, candidates[i].Status)
		if candidates[i].Status == JobStatusInProgress {
			// Reclaiming a stale lock: condition on the lock we observed so two
			// reclaimers cannot both win.
			cond = cond.Where("locked_at = ?", candidates[i].LockedAt)
		}
		res := cond.
			Updates(map[string]interface{}{
				"status":    JobStatusInProgress,
				"locked_at": &now,
				"locked_by": &workerID,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			claimed := candidates[i]
			claimed.Status = JobStatusInProgress
			claimed.LockedAt = &now
			claimed.LockedBy = &workerID
			return &claimed, nil
		}
	}
	return nil, nil
}

func CompleteJob(ctx context.Context, db *gorm.DB, jobID int) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobStatusInProgress).
		Updates(map[string]interface{}{
			"status":        JobStatusCompleted,
			"completed_at":  &now,
			"next_retry_at": nil,
			"last_error":    nil,
			"locked_at":     nil,
			"locked_by":     nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// RescheduleJob returns a failed attempt to PENDING with a retry deadline.
// Attempts is the new cumulative count the caller computed.
func RescheduleJob(ctx context.Context, db *gorm.DB, jobID int, attempts int, nextRetryAt time.Time, lastError string) error {
	return db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":        JobStatusPending,
			"attempts":      attempts,
			"next_retry_at": &nextRetryAt,
			"last_error":    &lastError,
			"locked_at":     nil,
			"locked_by":     nil,
		}).Error
}

// MarkJobFailed makes the failure terminal. Requires manual requeue to run again.
func MarkJobFailed(ctx context.Context, db *gorm.DB, jobID int, attempts int, lastError string) error {
	return db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":        JobStatusFailed,
			"attempts":      attempts,
			"next_retry_at": nil,
			"last_error":    &lastError,
			"locked_at":     nil,
			"locked_by":     nil,
		}).Error
}

// CancelJob parks a pending job (and any scheduled retry) in a terminal
// CANCELLED state. The row stays so operators keep the attempt history.
// In-flight jobs cannot be cancelled.
func CancelJob(ctx context.Context, db *gorm.DB, jobID int) error {
	res := db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobStatusPending).
		Updates(map[string]interface{}{
			"status":        JobStatusCancelled,
			"next_retry_at": nil,
			"locked_at":     nil,
			"locked_by":     nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func GetJob(ctx context.Context, db *gorm.DB, jobID int) (*Job, error) {
	var job Job
	if err := db.WithContext(ctx).First(&job, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListPendingRetryJobs returns jobs waiting on a retry deadline, soonest first,
// so operators can see what is queued and when it will run.
func ListPendingRetryJobs(ctx context.Context, db *gorm.DB, businessId string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []Job
	q := db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL", JobStatusPending).
		Order("next_retry_at ASC").
		Limit(limit)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// ListFailedJobs returns terminally failed jobs for manual intervention.
func ListFailedJobs(ctx context.Context, db *gorm.DB, businessId string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []Job
	q := db.WithContext(ctx).
		Where("status = ?", JobStatusFailed).
		Order("updated_at DESC").
		Limit(limit)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}
