package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-vault/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMasterKey = strings.Repeat("ab", 32)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SVAULT_MASTER_KEY", testMasterKey)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Minute, cfg.SetupTokenTTL)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.TokenSweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.VaultTokenLifetime)
	assert.Equal(t, 5*time.Minute, cfg.RotationInterval)
	assert.Equal(t, 2*time.Hour, cfg.RotationThreshold)
	assert.Equal(t, 30*time.Minute, cfg.PoolSweepInterval)
	assert.Equal(t, 60*time.Minute, cfg.PoolIdleEviction)
	assert.Equal(t, 30*time.Minute, cfg.PoolRevalidateAfter)
	assert.Equal(t, 45*time.Minute, cfg.PoolSessionTTL)
	assert.Equal(t, "byok", cfg.VaultSecretPrefix)
	assert.Equal(t, config.StorageTypeMemory, cfg.StorageBackend)
	assert.Equal(t, config.TokenStoreMemory, cfg.TokenStore)
	assert.Equal(t, "svault", cfg.RedisPrefix)
	assert.Empty(t, cfg.TokenSigningSecret)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SVAULT_MASTER_KEY", testMasterKey)
	t.Setenv("SVAULT_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("SVAULT_ACCESS_TOKEN_TTL", "15m")
	t.Setenv("SVAULT_ROTATION_THRESHOLD", "1h")
	t.Setenv("SVAULT_STORAGE_BACKEND", "MongoDB")
	t.Setenv("SVAULT_MONGO_URI", "mongodb://db:27017")
	t.Setenv("SVAULT_TOKEN_STORE", "redis")
	t.Setenv("SVAULT_REDIS_DB", "3")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, time.Hour, cfg.RotationThreshold)
	assert.Equal(t, config.StorageTypeMongoDB, cfg.StorageBackend)
	assert.Equal(t, "mongodb://db:27017", cfg.MongoURI)
	assert.Equal(t, config.TokenStoreRedis, cfg.TokenStore)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoadConfig_MissingMasterKey(t *testing.T) {
	t.Setenv("SVAULT_MASTER_KEY", "")

	_, err := config.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_key")
}

func TestLoadConfig_ShortMasterKey(t *testing.T) {
	t.Setenv("SVAULT_MASTER_KEY", "abcd")

	_, err := config.LoadConfig()
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveDuration(t *testing.T) {
	t.Setenv("SVAULT_MASTER_KEY", testMasterKey)
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	cfg.PoolSessionTTL = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_session_ttl")
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("SVAULT_MASTER_KEY", testMasterKey)
	t.Setenv("SVAULT_TOKEN_STORE", "memcached")

	_, err := config.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_store")
}
