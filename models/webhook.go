package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"gorm.io/gorm"
)

// WebhookConfig is a subscriber-configured endpoint. EventTypes holds the JSON
// set of event names the endpoint wants; an empty set means everything.
type WebhookConfig struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index" json:"business_id"`
	Url        string    `json:"url"`
	Secret     string    `json:"-"`
	EventTypes []byte    `gorm:"type:json" json:"event_types"`
	IsActive   bool      `gorm:"index" json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type NewWebhookConfig struct {
	Url        string   `json:"url" validate:"required,url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"eventTypes" validate:"required,min=1"`
}

func (w *WebhookConfig) SubscribedTo(eventType EventType) bool {
	var types []string
	if len(w.EventTypes) == 0 {
		return true
	}
	if err := json.Unmarshal(w.EventTypes, &types); err != nil {
		return false
	}
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == string(eventType) {
			return true
		}
	}
	return false
}

func CreateWebhookConfig(ctx context.Context, db *gorm.DB, businessId string, input *NewWebhookConfig) (*WebhookConfig, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}
	for _, t := range input.EventTypes {
		if !KnownEventType(EventType(t)) {
			return nil, errors.New("unknown event type: " + t)
		}
	}
	raw, err := json.Marshal(input.EventTypes)
	if err != nil {
		return nil, err
	}
	cfg := &WebhookConfig{
		BusinessId: businessId,
		Url:        input.Url,
		Secret:     input.Secret,
		EventTypes: raw,
		IsActive:   true,
	}
	if err := db.WithContext(ctx).Create(cfg).Error; err != nil {
		return nil, err
	}
	return cfg, nil
}

func GetWebhookConfig(ctx context.Context, db *gorm.DB, id int) (*WebhookConfig, error) {
	var cfg WebhookConfig
	if err := db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// ListSubscribedWebhookConfigs returns the active configs for the tenant that
// want this event type.
func ListSubscribedWebhookConfigs(ctx context.Context, db *gorm.DB, businessId string, eventType EventType) ([]WebhookConfig, error) {
	var configs []WebhookConfig
	err := db.WithContext(ctx).
		Where("business_id = ? AND is_active = ?", businessId, true).
		Find(&configs).Error
	if err != nil {
		return nil, err
	}
	matched := configs[:0]
	for _, c := range configs {
		if c.SubscribedTo(eventType) {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

// WebhookDeliveryLog is append-only: exactly one row per delivery attempt,
// written whether the POST succeeded, returned non-2xx, or never connected.
type WebhookDeliveryLog struct {
	ID              int       `gorm:"primary_key" json:"id"`
	WebhookConfigId int       `gorm:"index" json:"webhook_config_id"`
	EventType       EventType `gorm:"size:64" json:"event_type"`
	AttemptNumber   int       `json:"attempt_number"`
	RequestBody     []byte    `gorm:"type:json" json:"request_body"`
	ResponseStatus  *int      `json:"response_status"`
	ResponseBody    *string   `gorm:"size:4096" json:"response_body"`
	ErrorMessage    *string   `json:"error_message"`
	CreatedAt       time.Time `json:"created_at"`
}

func WriteWebhookDeliveryLog(ctx context.Context, db *gorm.DB, entry *WebhookDeliveryLog) error {
	return db.WithContext(ctx).Create(entry).Error
}

// LatestWebhookDeliveryLog returns the most recent attempt for a config.
// Diagnostics reads only this row.
func LatestWebhookDeliveryLog(ctx context.Context, db *gorm.DB, configId int) (*WebhookDeliveryLog, error) {
	var entry WebhookDeliveryLog
	err := db.WithContext(ctx).
		Where("webhook_config_id = ?", configId).
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func ListWebhookDeliveryLogs(ctx context.Context, db *gorm.DB, configId int, limit int) ([]WebhookDeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []WebhookDeliveryLog
	err := db.WithContext(ctx).
		Where("webhook_config_id = ?", configId).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
