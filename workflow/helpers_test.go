package workflow

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"bitbucket.org/inklinehq/capture_backend/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:workflow_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Job{},
		&models.ImportConfig{}, &models.ImportLogEntry{},
		&models.Batch{},
		&models.Document{}, &models.DocumentField{}, &models.DocumentLineItem{},
		&models.DuplicateDetection{},
		&models.WebhookConfig{}, &models.WebhookDeliveryLog{},
		&models.ApiKey{}, &models.ApiUsageLog{},
	))
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memStorage is an in-memory ObjectStorage. failKeySuffix makes uploads for
// matching keys fail, for partial-export tests.
type memStorage struct {
	mu            sync.Mutex
	objects       map[string][]byte
	failKeySuffix string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}}
}

func (m *memStorage) Upload(ctx context.Context, key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeySuffix != "" && len(key) >= len(m.failKeySuffix) && key[len(key)-len(m.failKeySuffix):] == m.failKeySuffix {
		return fmt.Errorf("upload of %s refused", key)
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// memSource is an in-memory SourceLocation: a flat map of path→content plus a
// directory set. Archive moves entries into archived.
type memSource struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	archived map[string][]byte
	failDl   map[string]bool
}

func newMemSource() *memSource {
	return &memSource{
		files:    map[string][]byte{},
		dirs:     map[string]bool{},
		archived: map[string][]byte{},
		failDl:   map[string]bool{},
	}
}

func (m *memSource) addFile(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
}

func (m *memSource) addDir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path] = true
}

func (m *memSource) List(ctx context.Context, dir string) ([]SourceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []SourceEntry
	for path := range m.files {
		if parentDir(path) != dir {
			continue
		}
		entries = append(entries, SourceEntry{Path: path, Name: baseName(path), Size: int64(len(m.files[path]))})
	}
	for d := range m.dirs {
		if parentDir(d) != dir {
			continue
		}
		entries = append(entries, SourceEntry{Path: d, Name: baseName(d), IsDir: true})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m *memSource) Download(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDl[path] {
		return nil, fmt.Errorf("download of %s refused", path)
	}
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file %s not found", path)
	}
	return data, nil
}

func (m *memSource) Archive(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return fmt.Errorf("file %s not found", path)
	}
	m.archived[path] = data
	delete(m.files, path)
	return nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
