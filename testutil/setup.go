package testutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kasuganosora/relationd/server/cache"
	"github.com/kasuganosora/relationd/server/config"
	dbadapter "github.com/kasuganosora/relationd/server/db"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB creates an in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeSQLiteMemory,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// SeedAccount inserts an account row with a fresh UUID and returns its ID.
func SeedAccount(t *testing.T, db *gorm.DB, username, displayName string) string {
	t.Helper()
	acc := &model.Account{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
		Status:      1,
	}
	require.NoError(t, db.Create(acc).Error, "SeedAccount")
	return acc.ID
}
