package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const ginKeyApiKey = "apiKey"

const apiKeyCacheTTL = 5 * time.Minute

func apiKeyCacheKey(digest string) string {
	return "apikey:" + digest
}

// authenticateApiKey resolves a raw key, caching verified keys in Redis so the
// bcrypt comparison only runs on a cache miss. The cache key is a digest of the
// raw value; the raw key itself is never stored. Deactivation evicts the entry
// via its stored digest, so apiKeyCacheTTL only bounds staleness when the
// eviction itself fails.
func authenticateApiKey(ctx context.Context, db *gorm.DB, raw string) (*models.ApiKey, error) {
	if len(raw) < 12 {
		return nil, nil
	}
	cacheKey := apiKeyCacheKey(models.ApiKeyDigest(raw))

	var cached models.ApiKey
	if hit, err := config.GetRedisObject(cacheKey, &cached); err == nil && hit && cached.IsActive {
		return &cached, nil
	}

	key, err := models.AuthenticateApiKey(ctx, db, raw)
	if err != nil || key == nil {
		return key, err
	}
	if err := config.SetRedisObject(cacheKey, key, apiKeyCacheTTL); err != nil {
		return key, nil
	}
	return key, nil
}

// apiKeyAuth authenticates X-API-Key and logs usage for every call, including
// rejected ones. The latency row is written after the handler chain finishes.
func apiKeyAuth(db *gorm.DB, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		var keyID *int

		raw := c.GetHeader("X-API-Key")
		key, err := authenticateApiKey(c.Request.Context(), db, raw)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "apiKeyAuth"}).Error("key lookup failed: " + err.Error())
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		} else if key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
		} else {
			keyID = &key.ID
			c.Set(ginKeyApiKey, key)
			ctx := utils.SetBusinessIdInContext(c.Request.Context(), key.BusinessId)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		}

		entry := &models.ApiUsageLog{
			ApiKeyId:   keyID,
			Method:     c.Request.Method,
			Path:       c.FullPath(),
			StatusCode: c.Writer.Status(),
			LatencyMs:  time.Since(start).Milliseconds(),
		}
		if entry.Path == "" {
			entry.Path = c.Request.URL.Path
		}
		if err := models.WriteApiUsageLog(c.Request.Context(), db, entry); err != nil {
			logger.WithFields(logrus.Fields{"field": "apiKeyAuth"}).Error("failed to write usage log: " + err.Error())
		}
	}
}

func registerReadRoutes(r *gin.Engine, db *gorm.DB, logger *logrus.Logger) {
	v1 := r.Group("/api/v1")
	v1.Use(apiKeyAuth(db, logger))

	v1.GET("/documents", listDocumentsHandler(db))
	v1.GET("/documents/:id", getDocumentHandler(db))
	v1.GET("/batches/:id", getBatchHandler(db))
}

// listDocumentsHandler queries by document_id or batch_id with an optional
// status filter. Without a filter only validated documents come back.
func listDocumentsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.MustGet(ginKeyApiKey).(*models.ApiKey)

		q := models.DocumentQuery{BusinessId: key.BusinessId}
		if v := c.Query("document_id"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "document_id must be an integer"})
				return
			}
			q.DocumentId = &id
		}
		if v := c.Query("batch_id"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id must be an integer"})
				return
			}
			q.BatchId = &id
		}
		if v := c.Query("status"); v != "" {
			status := models.ValidationStatus(v)
			switch status {
			case models.ValidationStatusPending, models.ValidationStatusValidated,
				models.ValidationStatusRejected, models.ValidationStatusNeedsReview:
				q.Status = &status
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + v})
				return
			}
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				q.Limit = n
			}
		}

		docs, err := models.QueryDocuments(c.Request.Context(), db, q)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query documents"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
	}
}

func getDocumentHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.MustGet(ginKeyApiKey).(*models.ApiKey)
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
			return
		}
		doc, err := models.GetDocument(c.Request.Context(), db, id)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
			return
		}
		// Keys never read across tenants.
		if doc.BusinessId != key.BusinessId {
			c.JSON(http.StatusForbidden, gin.H{"error": "document belongs to another tenant"})
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func getBatchHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.MustGet(ginKeyApiKey).(*models.ApiKey)
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
			return
		}
		batch, err := models.GetBatch(c.Request.Context(), db, id)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load batch"})
			return
		}
		if batch.BusinessId != key.BusinessId {
			c.JSON(http.StatusForbidden, gin.H{"error": "batch belongs to another tenant"})
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}
