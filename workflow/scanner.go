package workflow

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net/http"
	"path"
	"strings"
	"time"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/bsm/redislock"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const thumbnailSize = 240

// ImportScanner walks watch locations on a periodic tick, turning source files
// into stored Documents plus pending extraction jobs. The import log is the
// only idempotency guard: no SUCCESS row means the file will be picked up
// again on the next cycle.
type ImportScanner struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Storage   utils.ObjectStorage
	Scheduler *JobScheduler
	Bus       *EventBus

	// NewSource is swappable for tests.
	NewSource func(cfg *models.ImportConfig) (SourceLocation, error)
}

type ScanResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func NewImportScanner(db *gorm.DB, logger *logrus.Logger, storage utils.ObjectStorage, scheduler *JobScheduler, bus *EventBus) *ImportScanner {
	return &ImportScanner{
		DB:        db,
		Logger:    logger,
		Storage:   storage,
		Scheduler: scheduler,
		Bus:       bus,
		NewSource: NewSourceLocation,
	}
}

// Scan runs one cycle for one config. Per-file failures are recorded and
// skipped over; LastCheckAt is updated no matter what happened to the files.
func (s *ImportScanner) Scan(ctx context.Context, cfg *models.ImportConfig) (ScanResult, error) {
	var result ScanResult

	// Overlapping ticks must not double-scan one watch location. The lock is a
	// best-effort optimization; the import log stays the correctness guard.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, fmt.Sprintf("scan:config:%d", cfg.ID), 10*time.Minute, nil)
		if err == redislock.ErrNotObtained {
			s.Logger.WithFields(logrus.Fields{
				"module":    "ImportScanner",
				"config_id": cfg.ID,
			}).Info("scan already in progress, skipping cycle")
			return result, nil
		}
		if err == nil {
			defer lock.Release(context.WithoutCancel(ctx))
		}
	}

	source, err := s.NewSource(cfg)
	if err != nil {
		return result, err
	}

	entries, err := source.List(ctx, "")
	if err != nil {
		return result, fmt.Errorf("failed to list watch location: %w", err)
	}

	var rootFiles []SourceEntry
	var cycleBatch *models.Batch
	touchedBatches := map[int]struct{}{}

	for _, entry := range entries {
		if !entry.IsDir {
			rootFiles = append(rootFiles, entry)
			continue
		}
		if !cfg.AutoCreateBatch {
			// Without auto batch creation, subdirectory files fall into the
			// shared cycle batch along with the loose files.
			subEntries, lerr := source.List(ctx, entry.Path)
			if lerr != nil {
				s.logScanError(cfg, entry.Path, lerr)
				result.Failed++
				continue
			}
			for _, sub := range subEntries {
				if !sub.IsDir {
					rootFiles = append(rootFiles, sub)
				}
			}
			continue
		}

		// One batch per subdirectory per scan.
		batch, berr := models.FindOrCreateCycleBatch(ctx, s.DB, cfg.BusinessId, s.renderBatchName(cfg, entry.Name), cfg.ID)
		if berr != nil {
			s.logScanError(cfg, entry.Path, berr)
			result.Failed++
			continue
		}
		subEntries, lerr := source.List(ctx, entry.Path)
		if lerr != nil {
			s.logScanError(cfg, entry.Path, lerr)
			result.Failed++
			continue
		}
		for _, sub := range subEntries {
			if sub.IsDir {
				continue
			}
			s.importFile(ctx, cfg, source, batch, sub, &result)
		}
		touchedBatches[batch.ID] = struct{}{}
	}

	for _, entry := range rootFiles {
		if cycleBatch == nil {
			cycleBatch, err = models.FindOrCreateCycleBatch(ctx, s.DB, cfg.BusinessId, s.renderBatchName(cfg, ""), cfg.ID)
			if err != nil {
				s.logScanError(cfg, entry.Path, err)
				result.Failed++
				continue
			}
		}
		s.importFile(ctx, cfg, source, cycleBatch, entry, &result)
	}
	if cycleBatch != nil {
		touchedBatches[cycleBatch.ID] = struct{}{}
	}

	for batchID := range touchedBatches {
		if err := models.RecomputeBatchCounts(ctx, s.DB, batchID); err != nil {
			config.LogError(s.Logger, "Scanner.go", "Scan", "RecomputeBatchCounts", batchID, err)
		}
		s.markBatchScanning(ctx, batchID)
	}

	if err := cfg.TouchLastCheck(ctx, s.DB); err != nil {
		config.LogError(s.Logger, "Scanner.go", "Scan", "TouchLastCheck", cfg.ID, err)
	}

	s.Logger.WithFields(logrus.Fields{
		"module":    "ImportScanner",
		"config_id": cfg.ID,
		"processed": result.Processed,
		"failed":    result.Failed,
	}).Info("scan cycle complete")
	return result, nil
}

// importFile runs the per-file import sequence. The SUCCESS log row commits
// only after storage upload, document row and extraction job all exist; the
// source file is moved only after that commit.
func (s *ImportScanner) importFile(ctx context.Context, cfg *models.ImportConfig, source SourceLocation, batch *models.Batch, entry SourceEntry, result *ScanResult) {
	done, err := models.HasSuccessImportLog(ctx, s.DB, cfg.ID, entry.Path)
	if err != nil {
		s.recordFileFailure(ctx, cfg, entry.Path, err, result)
		return
	}
	if done {
		return
	}

	data, err := source.Download(ctx, entry.Path)
	if err != nil {
		s.recordFileFailure(ctx, cfg, entry.Path, fmt.Errorf("download failed: %w", err), result)
		return
	}

	contentType := http.DetectContentType(data)
	objectKey := fmt.Sprintf("%s/batches/%d/%s", cfg.BusinessId, batch.ID, entry.Name)
	if err := s.Storage.Upload(ctx, objectKey, contentType, data); err != nil {
		s.recordFileFailure(ctx, cfg, entry.Path, fmt.Errorf("storage upload failed: %w", err), result)
		return
	}

	doc := &models.Document{
		BusinessId:       cfg.BusinessId,
		BatchId:          &batch.ID,
		FileName:         entry.Name,
		ObjectKey:        objectKey,
		ContentType:      contentType,
		FileSize:         int64(len(data)),
		ValidationStatus: models.ValidationStatusPending,
	}
	if key, terr := s.writeThumbnail(ctx, objectKey, contentType, data); terr == nil && key != "" {
		doc.ThumbnailObjectKey = key
	}
	if err := models.CreateDocument(ctx, s.DB, doc); err != nil {
		s.recordFileFailure(ctx, cfg, entry.Path, fmt.Errorf("failed to create document: %w", err), result)
		return
	}

	if _, err := s.Scheduler.EnqueuePayload(ctx, cfg.BusinessId, models.JobTypeDocumentExtract, ExtractJobPayload{DocumentId: doc.ID}); err != nil {
		s.recordFileFailure(ctx, cfg, entry.Path, fmt.Errorf("failed to enqueue extraction job: %w", err), result)
		return
	}

	if err := models.WriteImportSuccess(ctx, s.DB, cfg.ID, entry.Path, doc.ID, batch.ID); err != nil {
		s.recordFileFailure(ctx, cfg, entry.Path, fmt.Errorf("failed to write import log: %w", err), result)
		return
	}

	// The log row is committed; archive failures are warnings, the SUCCESS
	// entry already prevents re-import.
	if err := source.Archive(ctx, entry.Path); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"module":    "ImportScanner",
			"config_id": cfg.ID,
			"file_path": entry.Path,
		}).Warn("failed to archive source file: " + err.Error())
	}

	result.Processed++
	s.Bus.Publish(ctx, Event{
		Type:       models.EventDocumentImported,
		BusinessId: cfg.BusinessId,
		Payload: map[string]any{
			"document_id": doc.ID,
			"batch_id":    batch.ID,
			"file_name":   doc.FileName,
		},
	})
}

func (s *ImportScanner) writeThumbnail(ctx context.Context, objectKey, contentType string, data []byte) (string, error) {
	if contentType != "image/jpeg" && contentType != "image/png" {
		return "", nil
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	thumb := imaging.Fit(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return "", err
	}
	ext := path.Ext(objectKey)
	key := strings.TrimSuffix(objectKey, ext) + "_thumb.jpg"
	if err := s.Storage.Upload(ctx, key, "image/jpeg", buf.Bytes()); err != nil {
		return "", err
	}
	return key, nil
}

func (s *ImportScanner) renderBatchName(cfg *models.ImportConfig, folder string) string {
	template := cfg.BatchNameTemplate
	if template == "" {
		template = "Scanned_{date}"
	}
	if folder != "" && !strings.Contains(template, "{folder}") {
		return folder
	}
	name := strings.ReplaceAll(template, "{date}", time.Now().UTC().Format("2006-01-02"))
	name = strings.ReplaceAll(name, "{folder}", folder)
	return name
}

func (s *ImportScanner) markBatchScanning(ctx context.Context, batchID int) {
	// NEW batches that received files move forward automatically; anything past
	// SCANNING is left where it is.
	_ = s.DB.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ? AND status = ?", batchID, models.BatchStatusNew).
		Updates(map[string]interface{}{
			"status":     models.BatchStatusScanning,
			"started_at": utils.Ptr(time.Now().UTC()),
		}).Error
}

func (s *ImportScanner) recordFileFailure(ctx context.Context, cfg *models.ImportConfig, filePath string, cause error, result *ScanResult) {
	result.Failed++
	s.logScanError(cfg, filePath, cause)
	if err := models.WriteImportFailure(ctx, s.DB, cfg.ID, filePath, cause); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"module":    "ImportScanner",
			"config_id": cfg.ID,
			"file_path": filePath,
		}).Error("failed to write import failure log: " + err.Error())
	}
}

func (s *ImportScanner) logScanError(cfg *models.ImportConfig, filePath string, cause error) {
	s.Logger.WithFields(logrus.Fields{
		"module":    "ImportScanner",
		"config_id": cfg.ID,
		"file_path": filePath,
	}).Error("import failed: " + cause.Error())
}

// ScanAllActive runs one cycle over every active config. Called by the
// periodic runner and the manual trigger endpoint.
func (s *ImportScanner) ScanAllActive(ctx context.Context) map[int]ScanResult {
	results := map[int]ScanResult{}
	configs, err := models.ListActiveImportConfigs(ctx, s.DB)
	if err != nil {
		config.LogError(s.Logger, "Scanner.go", "ScanAllActive", "ListActiveImportConfigs", nil, err)
		return results
	}
	for i := range configs {
		res, err := s.Scan(ctx, &configs[i])
		if err != nil {
			s.Logger.WithFields(logrus.Fields{
				"module":    "ImportScanner",
				"config_id": configs[i].ID,
			}).Error("scan cycle failed: " + err.Error())
		}
		results[configs[i].ID] = res
	}
	return results
}
