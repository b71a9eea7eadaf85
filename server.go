package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"bitbucket.org/inklinehq/capture_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// RateLimiter throttles per client IP through Redis counters.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the DB is ready, app endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("X-API-Key", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if utils.BoolFromEnv("RATE_LIMIT_ENABLED", false) {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(utils.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
		window := utils.DurationFromEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", time.Minute)
		rateLimiter := NewRateLimiter(client, limit, window)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables. Allow disabling migrations on
	// startup and running them as a separate job instead.
	if !utils.BoolFromEnv("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	storage, err := utils.NewObjectStorageFromEnv()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "storage"}).Panic("failed to init object storage: " + err.Error())
	}

	// Pipeline wiring: event bus → webhook dispatcher and batch aggregation;
	// scheduler runs extraction, export and delivery jobs; the scanner feeds
	// the scheduler.
	bus := workflow.NewEventBus(logger)
	scheduler := workflow.NewJobScheduler(db, logger)
	dispatcher := workflow.NewWebhookDispatcher(db, logger, scheduler)
	stateMachine := workflow.NewBatchStateMachine(db, logger, bus, scheduler)
	extractor := workflow.NewExtractionProcessor(db, logger, storage, workflow.NewExtractionClientFromEnv(), bus)
	exporter := workflow.NewBatchExporter(db, logger, storage, bus)
	detector := workflow.NewDuplicateDetector(db, logger, bus)
	scanner := workflow.NewImportScanner(db, logger, storage, scheduler, bus)

	scheduler.Register(models.JobTypeDocumentExtract, extractor.HandleJob)
	scheduler.Register(models.JobTypeBatchExport, exporter.HandleJob)
	scheduler.Register(models.JobTypeWebhookDeliver, dispatcher.HandleJob)

	bus.Subscribe(func(ctx context.Context, e workflow.Event) {
		if err := dispatcher.Dispatch(ctx, e.BusinessId, e.Type, e.Payload); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "webhookSubscriber",
				"event_type": e.Type,
			}).Error("webhook dispatch failed: " + err.Error())
		}
	})
	bus.Subscribe(func(ctx context.Context, e workflow.Event) {
		if e.Type != models.EventDocumentValidated && e.Type != models.EventDocumentNeedsReview {
			return
		}
		if batchID, ok := eventBatchID(e); ok {
			stateMachine.AdvanceIfExtracted(ctx, batchID)
		}
	})

	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()
	scheduler.Start(pipelineCtx)
	go runScanLoop(pipelineCtx, logger, scanner)

	registerReadRoutes(r, db, logger)
	registerAdminRoutes(r, db, logger, scanner, scheduler, dispatcher, stateMachine, detector)
	r.NoRoute(customNotFoundHandler)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("capture backend listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while draining.
	cancelPipeline()
	scheduler.Shutdown()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// eventBatchID pulls the batch id out of an event payload; json round-trips
// can leave it as float64.
func eventBatchID(e workflow.Event) (int, bool) {
	switch v := e.Payload["batch_id"].(type) {
	case int:
		return v, true
	case *int:
		if v != nil {
			return *v, true
		}
	case float64:
		return int(v), true
	}
	return 0, false
}

// customErrorLogger logs only requests that recorded gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware checks the per-IP request counter.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
