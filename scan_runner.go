package main

import (
	"context"
	"time"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"bitbucket.org/inklinehq/capture_backend/workflow"
	"github.com/sirupsen/logrus"
)

// runScanLoop ticks over every active import config until the context is
// cancelled. The interval comes from SCAN_INTERVAL_SECONDS.
func runScanLoop(ctx context.Context, logger *logrus.Logger, scanner *workflow.ImportScanner) {
	interval := utils.DurationFromEnvSeconds("SCAN_INTERVAL_SECONDS", 5*time.Minute)
	logger.WithFields(logrus.Fields{
		"field":    "runScanLoop",
		"interval": interval.String(),
	}).Info("scan runner started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.WithFields(logrus.Fields{"field": "runScanLoop"}).Info("scan runner stopped")
			return
		case <-ticker.C:
			scanner.ScanAllActive(ctx)
		}
	}
}
