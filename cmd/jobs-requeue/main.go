// jobs-requeue resubmits terminally failed jobs so the workers pick them up
// again with a fresh retry budget.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_NAME=... go run ./cmd/jobs-requeue --business-id <uuid>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/workflow"
)

func main() {
	businessID := flag.String("business-id", "", "Optional: limit to one tenant")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	scheduler := workflow.NewJobScheduler(db, config.GetLogger())
	requeued, failed := scheduler.RetryAll(ctx, *businessID)
	fmt.Printf("requeued=%d failed=%d\n", requeued, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
