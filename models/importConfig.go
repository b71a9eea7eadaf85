package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"gorm.io/gorm"
)

const (
	SourceProviderLocal = "local"
	SourceProviderGCS   = "gcs"
)

// ImportConfig binds a watch location to a batch policy. The scanner reads
// every active config each cycle.
type ImportConfig struct {
	ID                int        `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"index" json:"business_id"`
	Name              string     `json:"name"`
	SourceProvider    string     `gorm:"size:16" json:"source_provider"`
	WatchPath         string     `json:"watch_path"`
	ArchivePath       string     `json:"archive_path"`
	BatchNameTemplate string     `json:"batch_name_template"`
	AutoCreateBatch   bool       `json:"auto_create_batch"`
	IsActive          bool       `gorm:"index" json:"is_active"`
	LastCheckAt       *time.Time `json:"last_check_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type NewImportConfig struct {
	Name              string `json:"name" validate:"required"`
	SourceProvider    string `json:"sourceProvider" validate:"required,oneof=local gcs"`
	WatchPath         string `json:"watchPath" validate:"required"`
	ArchivePath       string `json:"archivePath"`
	BatchNameTemplate string `json:"batchNameTemplate"`
	AutoCreateBatch   bool   `json:"autoCreateBatch"`
}

func CreateImportConfig(ctx context.Context, db *gorm.DB, businessId string, input *NewImportConfig) (*ImportConfig, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}
	template := strings.TrimSpace(input.BatchNameTemplate)
	if template == "" {
		template = "Scanned_{date}"
	}
	archive := strings.TrimSpace(input.ArchivePath)
	if archive == "" {
		archive = strings.TrimRight(input.WatchPath, "/") + "/archive"
	}
	cfg := &ImportConfig{
		BusinessId:        businessId,
		Name:              input.Name,
		SourceProvider:    input.SourceProvider,
		WatchPath:         input.WatchPath,
		ArchivePath:       archive,
		BatchNameTemplate: template,
		AutoCreateBatch:   input.AutoCreateBatch,
		IsActive:          true,
	}
	if err := db.WithContext(ctx).Create(cfg).Error; err != nil {
		return nil, err
	}
	return cfg, nil
}

func GetImportConfig(ctx context.Context, db *gorm.DB, id int) (*ImportConfig, error) {
	var cfg ImportConfig
	if err := db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

func ListActiveImportConfigs(ctx context.Context, db *gorm.DB) ([]ImportConfig, error) {
	var configs []ImportConfig
	err := db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&configs).Error
	return configs, err
}

// TouchLastCheck records the end of a scan cycle regardless of per-file outcomes.
func (c *ImportConfig) TouchLastCheck(ctx context.Context, db *gorm.DB) error {
	now := time.Now().UTC()
	c.LastCheckAt = &now
	return db.WithContext(ctx).Model(&ImportConfig{}).
		Where("id = ?", c.ID).
		Update("last_check_at", &now).Error
}
