package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/inklinehq/capture_backend/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestScanner(db *gorm.DB, source SourceLocation) (*ImportScanner, *memStorage, *JobScheduler) {
	storage := newMemStorage()
	scheduler := NewJobScheduler(db, newTestLogger())
	scanner := NewImportScanner(db, newTestLogger(), storage, scheduler, NewEventBus(newTestLogger()))
	scanner.NewSource = func(cfg *models.ImportConfig) (SourceLocation, error) { return source, nil }
	return scanner, storage, scheduler
}

func newTestImportConfig(t *testing.T, db *gorm.DB, autoCreateBatch bool) *models.ImportConfig {
	t.Helper()
	cfg, err := models.CreateImportConfig(context.Background(), db, "biz-1", &models.NewImportConfig{
		Name:              "office scanner inbox",
		SourceProvider:    models.SourceProviderLocal,
		WatchPath:         "/watch",
		BatchNameTemplate: "Scanned_{date}",
		AutoCreateBatch:   autoCreateBatch,
	})
	require.NoError(t, err)
	return cfg
}

func TestScanGroupsRootFilesIntoOneCycleBatch(t *testing.T) {
	db := openTestDB(t)
	source := newMemSource()
	source.addFile("a.pdf", []byte("%PDF-1.4 first"))
	source.addFile("b.pdf", []byte("%PDF-1.4 second"))
	source.addFile("c.pdf", []byte("%PDF-1.4 third"))
	scanner, storage, _ := newTestScanner(db, source)
	cfg := newTestImportConfig(t, db, true)
	ctx := context.Background()

	result, err := scanner.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 3, result.Processed)
	require.Equal(t, 0, result.Failed)

	var batches []models.Batch
	require.NoError(t, db.Find(&batches).Error)
	require.Len(t, batches, 1, "root files share one cycle batch")
	wantName := "Scanned_" + time.Now().UTC().Format("2006-01-02")
	require.Equal(t, wantName, batches[0].Name)

	docs, err := models.ListBatchDocuments(ctx, db, batches[0].ID)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for _, doc := range docs {
		require.Equal(t, models.ValidationStatusPending, doc.ValidationStatus)
		require.NotEmpty(t, doc.ObjectKey)
	}
	require.Len(t, storage.keys(), 3)

	var jobs []models.Job
	require.NoError(t, db.Where("type = ?", models.JobTypeDocumentExtract).Find(&jobs).Error)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		require.Equal(t, models.JobStatusPending, job.Status)
	}

	// Source files archived; counts recomputed; cycle recorded.
	require.Empty(t, source.files)
	require.Len(t, source.archived, 3)
	batch, err := models.GetBatch(ctx, db, batches[0].ID)
	require.NoError(t, err)
	require.Equal(t, 3, batch.TotalDocuments)
	require.Equal(t, models.BatchStatusScanning, batch.Status)

	got, err := models.GetImportConfig(ctx, db, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckAt)
}

func TestSecondScanImportsNothingNew(t *testing.T) {
	db := openTestDB(t)
	source := newMemSource()
	source.addFile("a.pdf", []byte("%PDF-1.4 first"))
	source.addFile("b.pdf", []byte("%PDF-1.4 second"))
	scanner, _, _ := newTestScanner(db, source)
	cfg := newTestImportConfig(t, db, true)
	ctx := context.Background()

	_, err := scanner.Scan(ctx, cfg)
	require.NoError(t, err)

	// Put the already-imported files back, as if archiving had failed and the
	// next cycle saw them again. The import log alone must block re-import.
	for path, data := range source.archived {
		source.addFile(path, data)
	}

	result, err := scanner.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 0, result.Processed)
	require.Equal(t, 0, result.Failed)

	var docCount, jobCount int64
	require.NoError(t, db.Model(&models.Document{}).Count(&docCount).Error)
	require.NoError(t, db.Model(&models.Job{}).Count(&jobCount).Error)
	require.EqualValues(t, 2, docCount)
	require.EqualValues(t, 2, jobCount)
}

func TestSubdirectoriesBecomeTheirOwnBatches(t *testing.T) {
	db := openTestDB(t)
	source := newMemSource()
	source.addDir("invoices-june")
	source.addFile("invoices-june/inv1.pdf", []byte("%PDF-1.4 one"))
	source.addFile("invoices-june/inv2.pdf", []byte("%PDF-1.4 two"))
	source.addFile("loose.pdf", []byte("%PDF-1.4 loose"))
	scanner, _, _ := newTestScanner(db, source)
	cfg := newTestImportConfig(t, db, true)
	ctx := context.Background()

	result, err := scanner.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 3, result.Processed)

	var batches []models.Batch
	require.NoError(t, db.Order("name ASC").Find(&batches).Error)
	require.Len(t, batches, 2)

	var folderBatch, cycleBatch *models.Batch
	for i := range batches {
		if batches[i].Name == "invoices-june" {
			folderBatch = &batches[i]
		} else {
			cycleBatch = &batches[i]
		}
	}
	require.NotNil(t, folderBatch)
	require.NotNil(t, cycleBatch)
	require.Equal(t, 2, folderBatch.TotalDocuments)
	require.Equal(t, 1, cycleBatch.TotalDocuments)
}

func TestOneFailingFileDoesNotAbortTheCycle(t *testing.T) {
	db := openTestDB(t)
	source := newMemSource()
	source.addFile("good.pdf", []byte("%PDF-1.4 fine"))
	source.addFile("bad.pdf", []byte("%PDF-1.4 cursed"))
	source.failDl["bad.pdf"] = true
	scanner, _, _ := newTestScanner(db, source)
	cfg := newTestImportConfig(t, db, true)
	ctx := context.Background()

	result, err := scanner.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.Failed)

	// The failed file stays in place with a FAILED log row, eligible next cycle.
	require.Contains(t, source.files, "bad.pdf")
	var entry models.ImportLogEntry
	require.NoError(t, db.Where("config_id = ? AND file_path = ?", cfg.ID, "bad.pdf").First(&entry).Error)
	require.Equal(t, models.ImportStatusFailed, entry.Status)
	require.NotNil(t, entry.ErrorMessage)

	// LastCheckAt updates even on a partially failed cycle.
	got, err := models.GetImportConfig(ctx, db, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckAt)

	// The failed file succeeds next cycle and reuses its log row.
	delete(source.failDl, "bad.pdf")
	result, err = scanner.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)

	var count int64
	require.NoError(t, db.Model(&models.ImportLogEntry{}).
		Where("config_id = ? AND file_path = ?", cfg.ID, "bad.pdf").Count(&count).Error)
	require.EqualValues(t, 1, count)
	require.NoError(t, db.Where("config_id = ? AND file_path = ?", cfg.ID, "bad.pdf").First(&entry).Error)
	require.Equal(t, models.ImportStatusSuccess, entry.Status)
}

func TestRenderBatchName(t *testing.T) {
	db := openTestDB(t)
	scanner, _, _ := newTestScanner(db, newMemSource())
	today := time.Now().UTC().Format("2006-01-02")

	cases := []struct {
		template string
		folder   string
		want     string
	}{
		{"Scanned_{date}", "", "Scanned_" + today},
		{"Scanned_{date}", "june", "june"},
		{"{folder}_{date}", "june", "june_" + today},
		{"", "", "Scanned_" + today},
	}
	for _, tc := range cases {
		cfg := &models.ImportConfig{BatchNameTemplate: tc.template}
		if got := scanner.renderBatchName(cfg, tc.folder); got != tc.want {
			t.Errorf("renderBatchName(%q, %q) = %q, want %q", tc.template, tc.folder, got, tc.want)
		}
	}
}
