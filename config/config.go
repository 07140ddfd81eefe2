package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pilab-dev/shadow-vault/internal/crypto"
	"github.com/spf13/viper"
)

// StorageType selects where identities and vault account mappings live.
type StorageType string

const (
	StorageTypeMemory  StorageType = "memory"
	StorageTypeMongoDB StorageType = "mongodb"
)

// TokenStoreType selects where setup and access token records live.
type TokenStoreType string

const (
	TokenStoreMemory TokenStoreType = "memory"
	TokenStoreRedis  TokenStoreType = "redis"
)

// Config holds all configuration for the broker process.
type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogPretty       bool          `mapstructure:"log_pretty"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	OtelServiceName string        `mapstructure:"otel_service_name"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`

	// MasterKey is the 32-byte encryption key, hex or base64 encoded.
	MasterKey string `mapstructure:"master_key"`
	// TokenSigningSecret keys the token HMAC. Derived from MasterKey when empty.
	TokenSigningSecret string `mapstructure:"token_signing_secret"`

	SetupTokenTTL      time.Duration `mapstructure:"setup_token_ttl"`
	AccessTokenTTL     time.Duration `mapstructure:"access_token_ttl"`
	TokenSweepInterval time.Duration `mapstructure:"token_sweep_interval"`

	VaultTokenLifetime time.Duration `mapstructure:"vault_token_lifetime"`
	RotationInterval   time.Duration `mapstructure:"rotation_interval"`
	RotationThreshold  time.Duration `mapstructure:"rotation_threshold"`

	PoolSweepInterval   time.Duration `mapstructure:"pool_sweep_interval"`
	PoolIdleEviction    time.Duration `mapstructure:"pool_idle_eviction"`
	PoolRevalidateAfter time.Duration `mapstructure:"pool_revalidate_after"`
	PoolSessionTTL      time.Duration `mapstructure:"pool_session_ttl"`

	VaultAddr          string        `mapstructure:"vault_addr"`
	VaultServiceToken  string        `mapstructure:"vault_service_token"`
	VaultUserpassMount string        `mapstructure:"vault_userpass_mount"`
	VaultKVMount       string        `mapstructure:"vault_kv_mount"`
	VaultSecretPrefix  string        `mapstructure:"vault_secret_prefix"`
	VaultTimeout       time.Duration `mapstructure:"vault_timeout"`

	StorageBackend StorageType `mapstructure:"storage_backend"`
	MongoURI       string      `mapstructure:"mongo_uri"`
	MongoDBName    string      `mapstructure:"mongo_db_name"`

	TokenStore    TokenStoreType `mapstructure:"token_store"`
	RedisAddr     string         `mapstructure:"redis_addr"`
	RedisPassword string         `mapstructure:"redis_password"`
	RedisDB       int            `mapstructure:"redis_db"`
	RedisPrefix   string         `mapstructure:"redis_prefix"`

	// JWTSecret and JWTPublicKeyPath configure claims verification on the
	// HTTP surface; both empty means claims are taken as already verified.
	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTPublicKeyPath string `mapstructure:"jwt_public_key_path"`
	JWTIssuer        string `mapstructure:"jwt_issuer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", "0.0.0.0:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("otel_service_name", "shadow-vault")
	v.SetDefault("tracing_enabled", false)

	// No usable default, registered so env vars are seen by Unmarshal.
	v.SetDefault("master_key", "")
	v.SetDefault("token_signing_secret", "")

	v.SetDefault("setup_token_ttl", "10m")
	v.SetDefault("access_token_ttl", "30m")
	v.SetDefault("token_sweep_interval", "5m")

	v.SetDefault("vault_token_lifetime", "24h")
	v.SetDefault("rotation_interval", "5m")
	v.SetDefault("rotation_threshold", "2h")

	v.SetDefault("pool_sweep_interval", "30m")
	v.SetDefault("pool_idle_eviction", "60m")
	v.SetDefault("pool_revalidate_after", "30m")
	v.SetDefault("pool_session_ttl", "45m")

	v.SetDefault("vault_addr", "http://127.0.0.1:8200")
	v.SetDefault("vault_service_token", "")
	v.SetDefault("vault_userpass_mount", "userpass")
	v.SetDefault("vault_kv_mount", "secret")
	v.SetDefault("vault_secret_prefix", "byok")
	v.SetDefault("vault_timeout", "10s")

	v.SetDefault("storage_backend", string(StorageTypeMemory))
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_db_name", "shadow_vault")

	v.SetDefault("token_store", string(TokenStoreMemory))
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "svault")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_public_key_path", "")
	v.SetDefault("jwt_issuer", "")
}

// LoadConfig loads configuration from an optional svault.yaml and SVAULT_*
// environment variables, then validates it.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("svault")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/shadow-vault/")
	v.AddConfigPath("$HOME/.shadow-vault")

	v.SetEnvPrefix("SVAULT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	cfg.StorageBackend = StorageType(strings.ToLower(string(cfg.StorageBackend)))
	cfg.TokenStore = TokenStoreType(strings.ToLower(string(cfg.TokenStore)))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the master key and every duration and backend choice.
func (c Config) Validate() error {
	if c.MasterKey == "" {
		return errors.New("config: master_key is required")
	}
	if _, err := crypto.DecodeMasterKey(c.MasterKey); err != nil {
		return fmt.Errorf("config: master_key: %w", err)
	}

	durations := map[string]time.Duration{
		"shutdown_timeout":      c.ShutdownTimeout,
		"setup_token_ttl":       c.SetupTokenTTL,
		"access_token_ttl":      c.AccessTokenTTL,
		"token_sweep_interval":  c.TokenSweepInterval,
		"vault_token_lifetime":  c.VaultTokenLifetime,
		"rotation_interval":     c.RotationInterval,
		"rotation_threshold":    c.RotationThreshold,
		"pool_sweep_interval":   c.PoolSweepInterval,
		"pool_idle_eviction":    c.PoolIdleEviction,
		"pool_revalidate_after": c.PoolRevalidateAfter,
		"pool_session_ttl":      c.PoolSessionTTL,
		"vault_timeout":         c.VaultTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}

	if c.RotationThreshold >= c.VaultTokenLifetime {
		return fmt.Errorf("config: rotation_threshold (%s) must be shorter than vault_token_lifetime (%s)",
			c.RotationThreshold, c.VaultTokenLifetime)
	}

	switch c.StorageBackend {
	case StorageTypeMemory:
	case StorageTypeMongoDB:
		if c.MongoURI == "" {
			return errors.New("config: mongo_uri is required for the mongodb storage backend")
		}
	default:
		return fmt.Errorf("config: unknown storage_backend %q", c.StorageBackend)
	}

	switch c.TokenStore {
	case TokenStoreMemory, TokenStoreRedis:
	default:
		return fmt.Errorf("config: unknown token_store %q", c.TokenStore)
	}

	return nil
}
