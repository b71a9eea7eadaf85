package utils

import (
	"testing"
)

func TestNewObjectStorageFromEnvLocal(t *testing.T) {
	t.Setenv("STORAGE_PROVIDER", "local")
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())

	storage, err := NewObjectStorageFromEnv()
	if err != nil {
		t.Fatalf("NewObjectStorageFromEnv() error = %v", err)
	}
	if _, ok := storage.(*localStorage); !ok {
		t.Fatalf("expected *localStorage, got %T", storage)
	}
}

func TestNewObjectStorageFromEnvGCSRequiresBucket(t *testing.T) {
	t.Setenv("STORAGE_PROVIDER", "gcs")
	t.Setenv("GCS_BUCKET", "")

	if _, err := NewObjectStorageFromEnv(); err == nil {
		t.Fatal("expected error when GCS_BUCKET is empty")
	}

	t.Setenv("GCS_BUCKET", "capture-documents")
	storage, err := NewObjectStorageFromEnv()
	if err != nil {
		t.Fatalf("NewObjectStorageFromEnv() error = %v", err)
	}
	if storage == nil {
		t.Fatal("expected non-nil storage")
	}
}

func TestNewObjectStorageFromEnvRejectsUnknownProvider(t *testing.T) {
	t.Setenv("STORAGE_PROVIDER", "s3")

	if _, err := NewObjectStorageFromEnv(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
