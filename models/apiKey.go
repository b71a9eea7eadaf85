package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"gorm.io/gorm"
)

// ApiKey authenticates external Read API callers. Only the bcrypt hash is
// stored; the prefix narrows the candidate set before comparing. LookupDigest
// is the sha256 of the raw key, kept so deactivation can evict the Redis
// cache entry without knowing the raw value.
type ApiKey struct {
	ID           int        `gorm:"primary_key" json:"id"`
	BusinessId   string     `gorm:"index" json:"business_id"`
	Name         string     `json:"name"`
	KeyHash      string     `gorm:"size:128" json:"-"`
	KeyPrefix    string     `gorm:"index;size:16" json:"key_prefix"`
	LookupDigest string     `gorm:"size:64" json:"-"`
	IsActive     bool       `gorm:"index" json:"is_active"`
	LastUsedAt   *time.Time `json:"last_used_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ApiKeyDigest is the cache digest for a raw key value.
func ApiKeyDigest(raw string) string {
	digest := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(digest[:])
}

// MintApiKey creates a key for the tenant and returns the raw value once.
func MintApiKey(ctx context.Context, db *gorm.DB, businessId, name string) (*ApiKey, string, error) {
	if businessId == "" {
		return nil, "", errors.New("business id is required")
	}
	raw, prefix, err := utils.GenerateApiKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := utils.HashSecret(raw)
	if err != nil {
		return nil, "", err
	}
	key := &ApiKey{
		BusinessId:   businessId,
		Name:         name,
		KeyHash:      string(hash),
		KeyPrefix:    prefix,
		LookupDigest: ApiKeyDigest(raw),
		IsActive:     true,
	}
	if err := db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// AuthenticateApiKey resolves a raw key to its active record, or nil when the
// key is unknown, inactive, or fails the hash comparison.
func AuthenticateApiKey(ctx context.Context, db *gorm.DB, raw string) (*ApiKey, error) {
	if len(raw) < 12 {
		return nil, nil
	}
	var candidates []ApiKey
	err := db.WithContext(ctx).
		Where("key_prefix = ? AND is_active = ?", raw[:11], true).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if utils.CompareSecret(candidates[i].KeyHash, raw) == nil {
			now := time.Now().UTC()
			_ = db.WithContext(ctx).Model(&ApiKey{}).
				Where("id = ?", candidates[i].ID).
				Update("last_used_at", &now).Error
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// DeactivateApiKey revokes a key and returns the updated row so callers can
// evict any cache entry keyed on its LookupDigest. Already-inactive keys
// return ErrorRecordNotFound.
func DeactivateApiKey(ctx context.Context, db *gorm.DB, keyID int) (*ApiKey, error) {
	var key ApiKey
	if err := db.WithContext(ctx).First(&key, keyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	res := db.WithContext(ctx).Model(&ApiKey{}).
		Where("id = ? AND is_active = ?", keyID, true).
		Update("is_active", false)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	key.IsActive = false
	return &key, nil
}

// ApiUsageLog records every Read API call, successful or not.
type ApiUsageLog struct {
	ID         int       `gorm:"primary_key" json:"id"`
	ApiKeyId   *int      `gorm:"index" json:"api_key_id"`
	Method     string    `gorm:"size:8" json:"method"`
	Path       string    `gorm:"size:256" json:"path"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func WriteApiUsageLog(ctx context.Context, db *gorm.DB, entry *ApiUsageLog) error {
	return db.WithContext(ctx).Create(entry).Error
}
