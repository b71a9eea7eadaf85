// seed-apikey mints a Read API key for a tenant and prints the raw key once.
// Only the bcrypt hash is stored; a lost key must be reissued.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_NAME=... go run ./cmd/seed-apikey --business-id <uuid> --name "partner-crm"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/inklinehq/capture_backend/config"
	"bitbucket.org/inklinehq/capture_backend/models"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	name := flag.String("name", "", "Required: a label identifying the key's consumer")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "--business-id and --name are required")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	key, raw, err := models.MintApiKey(ctx, db, *businessID, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to mint api key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("api key id:  %d\n", key.ID)
	fmt.Printf("key prefix:  %s\n", key.KeyPrefix)
	fmt.Printf("raw key:     %s\n", raw)
	fmt.Println("store the raw key now; it is not recoverable later.")
}
