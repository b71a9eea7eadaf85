package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client.
// Prefer ADC (service account / GOOGLE_APPLICATION_CREDENTIALS). If explicit
// JSON is needed (e.g. locally), set GCS_CREDENTIALS_JSON.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return storage.NewClient(ctx)
}

// GetGCSClient exposes the Google Cloud Storage client for callers that need
// raw bucket access (the GCS watch-folder source).
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	return getGoogleClient(ctx)
}

type gcsStorage struct {
	bucket string
}

func NewGCSStorage(bucket string) ObjectStorage {
	return &gcsStorage{bucket: bucket}
}

func (g *gcsStorage) Upload(ctx context.Context, objectKey string, contentType string, data []byte) error {
	if g.bucket == "" {
		return errors.New("GCS_BUCKET is required")
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	wc := client.Bucket(g.bucket).Object(objectKey).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		return err
	}
	return wc.Close()
}

func (g *gcsStorage) Download(ctx context.Context, objectKey string) ([]byte, error) {
	if g.bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	rc, err := client.Bucket(g.bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gcs object %q: %w", objectKey, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *gcsStorage) Exists(ctx context.Context, objectKey string) (bool, error) {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	_, err = client.Bucket(g.bucket).Object(objectKey).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *gcsStorage) Delete(ctx context.Context, objectKey string) error {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Bucket(g.bucket).Object(objectKey).Delete(ctx)
}
