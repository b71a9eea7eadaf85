package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// JobHandler executes one claimed job. A nil error completes the job; an error
// wrapping utils.ErrorNotRetryable fails it permanently; any other error goes
// through the backoff policy.
type JobHandler func(ctx context.Context, job *models.Job) error

// JobScheduler owns the durable job queue: it claims due jobs, runs their
// handlers on a bounded worker pool, and keeps the retry timers. Timers are
// held in an explicit per-scheduler map with a start/shutdown lifecycle, not
// package-level state; the poll loop is the safety net if a timer is lost.
type JobScheduler struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Retry  RetryConfig

	WorkerID     string
	Workers      int
	PollInterval time.Duration
	LockTimeout  time.Duration

	handlers map[models.JobType]JobHandler

	mu     sync.Mutex
	timers map[int]*time.Timer
	closed bool

	wake chan struct{}
	wg   sync.WaitGroup
	stop context.CancelFunc
}

func NewJobScheduler(db *gorm.DB, logger *logrus.Logger) *JobScheduler {
	return &JobScheduler{
		DB:           db,
		Logger:       logger,
		Retry:        DefaultRetryConfig(),
		WorkerID:     uuid.NewString(),
		Workers:      4,
		PollInterval: 2 * time.Second,
		LockTimeout:  5 * time.Minute,
		handlers:     map[models.JobType]JobHandler{},
		timers:       map[int]*time.Timer{},
		wake:         make(chan struct{}, 1),
	}
}

func (s *JobScheduler) Register(jobType models.JobType, handler JobHandler) {
	s.handlers[jobType] = handler
}

// Enqueue persists the job and nudges the workers.
func (s *JobScheduler) Enqueue(ctx context.Context, job *models.Job) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.Retry.MaxAttempts
	}
	if err := models.EnqueueJob(ctx, s.DB, job); err != nil {
		return err
	}
	s.nudge()
	return nil
}

// EnqueuePayload is the common path: marshal the payload and enqueue.
func (s *JobScheduler) EnqueuePayload(ctx context.Context, businessId string, jobType models.JobType, payload any) (*models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		BusinessId: businessId,
		Type:       jobType,
		Payload:    raw,
	}
	if err := s.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Start launches the worker pool. Call Shutdown to drain.
func (s *JobScheduler) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	for i := 0; i < s.Workers; i++ {
		s.wg.Add(1)
		go func(workerNum int) {
			defer s.wg.Done()
			s.runWorker(ctx, workerNum)
		}(i + 1)
	}
}

// Shutdown stops claiming, cancels outstanding retry timers and waits for
// in-flight handlers. An in-flight handler invocation is never aborted mid-call.
func (s *JobScheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	s.Logger.WithFields(logrus.Fields{"module": "JobScheduler"}).Info("scheduler drained, shutdown complete")
}

func (s *JobScheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *JobScheduler) runWorker(ctx context.Context, workerNum int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := models.ClaimNextJob(ctx, s.DB, s.WorkerID, s.LockTimeout)
		if err != nil {
			config.LogError(s.Logger, "Scheduler.go", "runWorker", "ClaimNextJob", workerNum, err)
		}
		if job != nil {
			s.runJob(ctx, job, workerNum)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(s.PollInterval):
		}
	}
}

func (s *JobScheduler) runJob(ctx context.Context, job *models.Job, workerNum int) {
	handler, ok := s.handlers[job.Type]
	if !ok {
		s.failJob(ctx, job, errUnknownJobType(job.Type))
		return
	}

	err := handler(ctx, job)
	if err == nil {
		if cerr := models.CompleteJob(ctx, s.DB, job.ID); cerr != nil {
			config.LogError(s.Logger, "Scheduler.go", "runJob", "CompleteJob", job.ID, cerr)
		}
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"module":   "JobScheduler",
		"worker":   workerNum,
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempts": job.Attempts,
	}).Error("job handler failed: " + err.Error())
	s.Fail(ctx, job, err)
}

// Fail applies the retry policy to a failed attempt. Below the budget the job
// returns to PENDING with an exponential, jittered deadline and a timer wakes a
// worker when it comes due; at the budget it goes terminally FAILED.
func (s *JobScheduler) Fail(ctx context.Context, job *models.Job, cause error) {
	if nonRetryable(cause) || job.Attempts >= job.MaxAttempts {
		s.failJob(ctx, job, cause)
		return
	}

	attempts := job.Attempts + 1
	delay := JitteredBackoffDelay(attempts, RetryConfig{
		MaxAttempts: job.MaxAttempts,
		BaseDelay:   s.Retry.BaseDelay,
		MaxDelay:    s.Retry.MaxDelay,
	})
	nextRetryAt := time.Now().UTC().Add(delay)

	if err := models.RescheduleJob(ctx, s.DB, job.ID, attempts, nextRetryAt, cause.Error()); err != nil {
		config.LogError(s.Logger, "Scheduler.go", "Fail", "RescheduleJob", job.ID, err)
		return
	}
	s.scheduleWake(job.ID, delay)
}

func (s *JobScheduler) failJob(ctx context.Context, job *models.Job, cause error) {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	if err := models.MarkJobFailed(ctx, s.DB, job.ID, job.Attempts, msg); err != nil {
		config.LogError(s.Logger, "Scheduler.go", "failJob", "MarkJobFailed", job.ID, err)
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"module":   "JobScheduler",
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempts": job.Attempts,
	}).Error("job moved to FAILED after exhausting retries: " + msg)
}

func (s *JobScheduler) scheduleWake(jobID int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
	}
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()
		s.nudge()
	})
}

// Cancel stops a pending job's retry timer and parks the row as CANCELLED.
// The row and its attempt history stay visible to operators.
func (s *JobScheduler) Cancel(ctx context.Context, jobID int) error {
	s.mu.Lock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
	s.mu.Unlock()
	return models.CancelJob(ctx, s.DB, jobID)
}

// RetryAll resubmits every terminally failed job. Each resubmission is
// independent; one failure never blocks the rest.
func (s *JobScheduler) RetryAll(ctx context.Context, businessId string) (requeued int, failed int) {
	jobs, err := models.ListFailedJobs(ctx, s.DB, businessId, 1000)
	if err != nil {
		config.LogError(s.Logger, "Scheduler.go", "RetryAll", "ListFailedJobs", businessId, err)
		return 0, 0
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		err := s.DB.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusFailed).
			Updates(map[string]interface{}{
				"status":        models.JobStatusPending,
				"attempts":      0,
				"next_retry_at": &now,
				"last_error":    nil,
			}).Error
		if err != nil {
			failed++
			config.LogError(s.Logger, "Scheduler.go", "RetryAll", "requeue job", job.ID, err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.nudge()
	}
	return requeued, failed
}
