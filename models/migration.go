package models

import (
	"log"

	"bitbucket.org/inklinehq/capture_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Job{},
		&ImportConfig{}, &ImportLogEntry{},
		&Batch{},
		&Document{}, &DocumentField{}, &DocumentLineItem{},
		&DuplicateDetection{},
		&WebhookConfig{}, &WebhookDeliveryLog{},
		&ApiKey{}, &ApiUsageLog{},
	)
	if err != nil {
		log.Fatalf("failed to migrate tables: %v", err)
	}
}
