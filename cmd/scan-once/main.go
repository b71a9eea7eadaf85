// scan-once runs a single import scan cycle and exits. Useful for cron-style
// deployments and for verifying a new ImportConfig before enabling the
// periodic runner.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_NAME=... go run ./cmd/scan-once --config-id 3
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"bitbucket.org/inklinehq/capture_backend/workflow"
)

func main() {
	configID := flag.Int("config-id", 0, "Optional: scan one import config instead of all active ones")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	logger := config.GetLogger()

	storage, err := utils.NewObjectStorageFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init object storage: %v\n", err)
		os.Exit(1)
	}

	bus := workflow.NewEventBus(logger)
	scheduler := workflow.NewJobScheduler(db, logger)
	scanner := workflow.NewImportScanner(db, logger, storage, scheduler, bus)

	if *configID > 0 {
		cfg, err := models.GetImportConfig(ctx, db, *configID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load import config %d: %v\n", *configID, err)
			os.Exit(1)
		}
		result, err := scanner.Scan(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("config %d: processed=%d failed=%d\n", cfg.ID, result.Processed, result.Failed)
		return
	}

	results := scanner.ScanAllActive(ctx)
	for id, result := range results {
		fmt.Printf("config %d: processed=%d failed=%d\n", id, result.Processed, result.Failed)
	}
}
