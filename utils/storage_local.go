package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// localStorage keeps objects under a root directory. Used for development and
// tests; the object key maps directly onto a relative path.
type localStorage struct {
	root string
}

func NewLocalStorage(root string) ObjectStorage {
	if strings.TrimSpace(root) == "" {
		root = "./storage"
	}
	return &localStorage{root: root}
}

func (l *localStorage) path(objectKey string) (string, error) {
	cleaned := filepath.Clean(objectKey)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", errors.New("invalid object key")
	}
	return filepath.Join(l.root, cleaned), nil
}

func (l *localStorage) Upload(_ context.Context, objectKey string, _ string, data []byte) error {
	p, err := l.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (l *localStorage) Download(_ context.Context, objectKey string) ([]byte, error) {
	p, err := l.path(objectKey)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (l *localStorage) Exists(_ context.Context, objectKey string) (bool, error) {
	p, err := l.path(objectKey)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *localStorage) Delete(_ context.Context, objectKey string) error {
	p, err := l.path(objectKey)
	if err != nil {
		return err
	}
	return os.Remove(p)
}
