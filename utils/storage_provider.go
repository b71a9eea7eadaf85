package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	StorageProviderGCS   = "gcs"
	StorageProviderLocal = "local"
)

// ObjectStorage is the durable document store contract. Imported files,
// thumbnails and export artifacts all land here.
type ObjectStorage interface {
	Upload(ctx context.Context, objectKey string, contentType string, data []byte) error
	Download(ctx context.Context, objectKey string) ([]byte, error)
	Exists(ctx context.Context, objectKey string) (bool, error)
	Delete(ctx context.Context, objectKey string) error
}

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

// NewObjectStorageFromEnv picks the storage backend from STORAGE_PROVIDER.
func NewObjectStorageFromEnv() (ObjectStorage, error) {
	switch provider := GetStorageProvider(); provider {
	case StorageProviderLocal:
		return NewLocalStorage(os.Getenv("LOCAL_STORAGE_DIR")), nil
	case StorageProviderGCS:
		bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
		if bucket == "" {
			return nil, errors.New("GCS_BUCKET is required when STORAGE_PROVIDER=gcs")
		}
		return NewGCSStorage(bucket), nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_PROVIDER %q", provider)
	}
}
