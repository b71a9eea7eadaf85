package main

import (
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"bitbucket.org/inklinehq/capture_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var validate = validator.New()

// registerAdminRoutes wires the internal operational surface: webhook
// management, job queue visibility, batch transitions and manual triggers.
// These routes sit behind the deployment's network boundary, not API keys.
func registerAdminRoutes(
	r *gin.Engine,
	db *gorm.DB,
	logger *logrus.Logger,
	scanner *workflow.ImportScanner,
	scheduler *workflow.JobScheduler,
	dispatcher *workflow.WebhookDispatcher,
	stateMachine *workflow.BatchStateMachine,
	detector *workflow.DuplicateDetector,
) {
	internal := r.Group("/internal")

	internal.POST("/import-configs", createImportConfigHandler(db))
	internal.POST("/scan", manualScanHandler(db, scanner))

	internal.POST("/webhooks", createWebhookHandler(db))
	internal.POST("/webhooks/:id/test", webhookTestHandler(dispatcher))
	internal.GET("/webhooks/:id/deliveries", webhookDeliveriesHandler(db))
	internal.GET("/webhooks/:id/diagnose", webhookDiagnoseHandler(dispatcher))

	internal.GET("/jobs/pending", pendingJobsHandler(db))
	internal.POST("/jobs/retry-all", retryAllJobsHandler(scheduler))
	internal.POST("/jobs/:id/cancel", cancelJobHandler(scheduler))

	internal.POST("/batches/:id/transition", batchTransitionHandler(stateMachine))
	internal.DELETE("/batches/:id", deleteBatchHandler(stateMachine))

	internal.POST("/duplicates/scan", duplicateScanHandler(detector))
	internal.POST("/duplicates/:id/review", duplicateReviewHandler(detector))

	internal.POST("/api-keys", mintApiKeyHandler(db, logger))
	internal.POST("/api-keys/:id/deactivate", deactivateApiKeyHandler(db, logger))
}

func pathID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

type createImportConfigRequest struct {
	BusinessId string `json:"business_id"`
	models.NewImportConfig
}

func createImportConfigHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createImportConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id is required"})
			return
		}
		if err := validate.Struct(&req.NewImportConfig); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg, err := models.CreateImportConfig(c.Request.Context(), db, req.BusinessId, &req.NewImportConfig)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

type manualScanRequest struct {
	ConfigId int `json:"config_id"`
}

// manualScanHandler runs a cycle immediately instead of waiting for the tick.
func manualScanHandler(db *gorm.DB, scanner *workflow.ImportScanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req manualScanRequest
		_ = c.ShouldBindJSON(&req)

		if req.ConfigId > 0 {
			cfg, err := models.GetImportConfig(c.Request.Context(), db, req.ConfigId)
			if err != nil {
				if err == utils.ErrorRecordNotFound {
					c.JSON(http.StatusNotFound, gin.H{"error": "import config not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			result, err := scanner.Scan(c.Request.Context(), cfg)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"config_id": cfg.ID, "result": result})
			return
		}

		results := scanner.ScanAllActive(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"results": results})
	}
}

type createWebhookRequest struct {
	BusinessId string `json:"business_id"`
	models.NewWebhookConfig
}

func createWebhookHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWebhookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id is required"})
			return
		}
		if err := validate.Struct(&req.NewWebhookConfig); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg, err := models.CreateWebhookConfig(c.Request.Context(), db, req.BusinessId, &req.NewWebhookConfig)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// webhookTestHandler performs one attempt and returns the raw result. Never
// schedules retries.
func webhookTestHandler(dispatcher *workflow.WebhookDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		result, err := dispatcher.SendTest(c.Request.Context(), id)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "webhook config not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func webhookDeliveriesHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		logs, err := models.ListWebhookDeliveryLogs(c.Request.Context(), db, id, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deliveries": logs, "count": len(logs)})
	}
}

func webhookDiagnoseHandler(dispatcher *workflow.WebhookDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		diag, err := dispatcher.Diagnose(c.Request.Context(), id)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "no delivery attempts recorded for this config"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, diag)
	}
}

type pendingJobView struct {
	models.Job
	RetryEtaSeconds *int64 `json:"retry_eta_seconds"`
}

// pendingJobsHandler lists jobs waiting on a retry deadline, with a countdown
// operators can read directly.
func pendingJobsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		jobs, err := models.ListPendingRetryJobs(c.Request.Context(), db, c.Query("business_id"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		now := time.Now().UTC()
		views := make([]pendingJobView, 0, len(jobs))
		for _, job := range jobs {
			view := pendingJobView{Job: job}
			if job.NextRetryAt != nil {
				eta := int64(job.NextRetryAt.Sub(now).Seconds())
				if eta < 0 {
					eta = 0
				}
				view.RetryEtaSeconds = &eta
			}
			views = append(views, view)
		}
		c.JSON(http.StatusOK, gin.H{"jobs": views, "count": len(views)})
	}
}

type retryAllRequest struct {
	BusinessId string `json:"business_id"`
}

func retryAllJobsHandler(scheduler *workflow.JobScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retryAllRequest
		_ = c.ShouldBindJSON(&req)
		requeued, failed := scheduler.RetryAll(c.Request.Context(), req.BusinessId)
		c.JSON(http.StatusOK, gin.H{"requeued": requeued, "failed": failed})
	}
}

func cancelJobHandler(scheduler *workflow.JobScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := scheduler.Cancel(c.Request.Context(), id); err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "no pending job with that id"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": id, "cancelled": true})
	}
}

type batchTransitionRequest struct {
	Status string `json:"status"`
}

func batchTransitionHandler(stateMachine *workflow.BatchStateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req batchTransitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		target := models.BatchStatus(req.Status)
		if !target.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown batch status " + req.Status})
			return
		}
		batch, err := stateMachine.Transition(c.Request.Context(), id, target)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func deleteBatchHandler(stateMachine *workflow.BatchStateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := stateMachine.DeleteBatch(c.Request.Context(), id); err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"batch_id": id, "deleted": true})
	}
}

type duplicateScanRequest struct {
	BusinessId string `json:"business_id"`
	CrossBatch bool   `json:"cross_batch"`
}

func duplicateScanHandler(detector *workflow.DuplicateDetector) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req duplicateScanRequest
		_ = c.ShouldBindJSON(&req)
		result := detector.ScanAll(c.Request.Context(), req.BusinessId, req.CrossBatch, workflow.DefaultDuplicateThresholds())
		c.JSON(http.StatusOK, result)
	}
}

type duplicateReviewRequest struct {
	Confirm  bool   `json:"confirm"`
	Reviewer string `json:"reviewer"`
}

func duplicateReviewHandler(detector *workflow.DuplicateDetector) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req duplicateReviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.Reviewer == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reviewer is required"})
			return
		}
		det, err := detector.Review(c.Request.Context(), id, req.Confirm, req.Reviewer)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "no pending detection with that id"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, det)
	}
}

type mintApiKeyRequest struct {
	BusinessId string `json:"business_id"`
	Name       string `json:"name"`
}

// mintApiKeyHandler returns the raw key exactly once; only the hash persists.
func mintApiKeyHandler(db *gorm.DB, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mintApiKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and name are required"})
			return
		}
		key, raw, err := models.MintApiKey(c.Request.Context(), db, req.BusinessId, req.Name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		logger.WithFields(logrus.Fields{
			"field":       "mintApiKeyHandler",
			"business_id": req.BusinessId,
			"key_prefix":  key.KeyPrefix,
		}).Info("api key minted")
		c.JSON(http.StatusOK, gin.H{"api_key": key, "raw_key": raw})
	}
}

// deactivateApiKeyHandler revokes a key and evicts its Redis cache entry so
// revocation takes effect immediately, not after the cache TTL.
func deactivateApiKeyHandler(db *gorm.DB, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		key, err := models.DeactivateApiKey(c.Request.Context(), db, id)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "no active api key with that id"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if key.LookupDigest != "" {
			if rerr := config.RemoveRedisKey(apiKeyCacheKey(key.LookupDigest)); rerr != nil {
				config.LogError(logger, "api_admin.go", "deactivateApiKeyHandler", "RemoveRedisKey", key.ID, rerr)
			}
		}
		logger.WithFields(logrus.Fields{
			"field":      "deactivateApiKeyHandler",
			"api_key_id": key.ID,
			"key_prefix": key.KeyPrefix,
		}).Info("api key deactivated")
		c.JSON(http.StatusOK, gin.H{"api_key_id": key.ID, "is_active": false})
	}
}
