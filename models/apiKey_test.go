package models

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var apiKeyTestSeq int64

func openApiKeyTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:apikey_test_%d?mode=memory&cache=shared", atomic.AddInt64(&apiKeyTestSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&ApiKey{}, &ApiUsageLog{}))
	return db
}

func TestMintApiKeyStoresLookupDigest(t *testing.T) {
	db := openApiKeyTestDB(t)
	ctx := context.Background()

	key, raw, err := MintApiKey(ctx, db, "biz-1", "reporting")
	require.NoError(t, err)
	require.Equal(t, ApiKeyDigest(raw), key.LookupDigest)

	got, err := AuthenticateApiKey(ctx, db, raw)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, key.ID, got.ID)
}

func TestDeactivateApiKeyRevokesImmediately(t *testing.T) {
	db := openApiKeyTestDB(t)
	ctx := context.Background()

	key, raw, err := MintApiKey(ctx, db, "biz-1", "reporting")
	require.NoError(t, err)

	revoked, err := DeactivateApiKey(ctx, db, key.ID)
	require.NoError(t, err)
	require.False(t, revoked.IsActive)
	require.Equal(t, key.LookupDigest, revoked.LookupDigest, "callers evict the cache entry by this digest")

	got, err := AuthenticateApiKey(ctx, db, raw)
	require.NoError(t, err)
	require.Nil(t, got, "a revoked key must not authenticate")

	_, err = DeactivateApiKey(ctx, db, key.ID)
	require.ErrorIs(t, err, utils.ErrorRecordNotFound, "second deactivation is a no-op")
}

func TestDeactivateApiKeyUnknownID(t *testing.T) {
	db := openApiKeyTestDB(t)

	_, err := DeactivateApiKey(context.Background(), db, 999)
	require.ErrorIs(t, err, utils.ErrorRecordNotFound)
}
