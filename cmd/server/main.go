package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilab-dev/shadow-vault/accesstoken"
	"github.com/pilab-dev/shadow-vault/broker"
	"github.com/pilab-dev/shadow-vault/cache"
	cacheredis "github.com/pilab-dev/shadow-vault/cache/redis"
	"github.com/pilab-dev/shadow-vault/claims"
	"github.com/pilab-dev/shadow-vault/config"
	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/internal/auth"
	"github.com/pilab-dev/shadow-vault/internal/crypto"
	"github.com/pilab-dev/shadow-vault/internal/metrics"
	"github.com/pilab-dev/shadow-vault/internal/server"
	"github.com/pilab-dev/shadow-vault/log"
	"github.com/pilab-dev/shadow-vault/mongodb"
	"github.com/pilab-dev/shadow-vault/pool"
	"github.com/pilab-dev/shadow-vault/repository/memory"
	"github.com/pilab-dev/shadow-vault/token"
	"github.com/pilab-dev/shadow-vault/tracing"
	"github.com/pilab-dev/shadow-vault/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		stdLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level := log.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.DefaultContextLogger = &zlog.Logger

	appLogger := log.NewZerologAdapter(level, cfg.LogPretty)
	ctx := context.Background()
	appLogger.Info(ctx, "Starting shadow-vault broker", map[string]interface{}{
		"http_addr":       cfg.HTTPAddr,
		"storage_backend": string(cfg.StorageBackend),
		"token_store":     string(cfg.TokenStore),
		"vault_addr":      cfg.VaultAddr,
		"log_level":       level.String(),
	})

	if cfg.TracingEnabled {
		tp, tpErr := tracing.InitTracerProvider(cfg.OtelServiceName, nil)
		if tpErr != nil {
			appLogger.Fatal(ctx, "Failed to initialize TracerProvider", tpErr)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				appLogger.Error(context.Background(), "TracerProvider shutdown error", err)
			}
		}()
	}

	masterKey, err := crypto.DecodeMasterKey(cfg.MasterKey)
	if err != nil {
		appLogger.Fatal(ctx, "Invalid master key", err)
	}

	repos, err := newRepositories(ctx, cfg)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize storage", err, map[string]interface{}{"storage_backend": string(cfg.StorageBackend)})
	}

	tokenStore, closeTokenStore, err := newTokenStore(ctx, cfg)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize token store", err, map[string]interface{}{"token_store": string(cfg.TokenStore)})
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize identity token verifier", err)
	}

	var signingKey []byte
	if cfg.TokenSigningSecret != "" {
		signingKey = []byte(cfg.TokenSigningSecret)
	}

	b, err := broker.New(ctx, broker.Options{
		Repositories: repos,
		TokenStore:   tokenStore,
		Dialer: vault.NewHashiCorpDialer(vault.HashiCorpConfig{
			Address:       cfg.VaultAddr,
			Timeout:       cfg.VaultTimeout,
			UserpassMount: cfg.VaultUserpassMount,
			KVMount:       cfg.VaultKVMount,
			SecretPrefix:  cfg.VaultSecretPrefix,
			TokenTTL:      cfg.VaultTokenLifetime,
		}),
		MasterKey:       masterKey,
		TokenSigningKey: signingKey,
		Tokens: token.Config{
			SetupTTL:      cfg.SetupTokenTTL,
			AccessTTL:     cfg.AccessTokenTTL,
			SweepInterval: cfg.TokenSweepInterval,
		},
		Pool: pool.Config{
			ServiceToken:    cfg.VaultServiceToken,
			SweepInterval:   cfg.PoolSweepInterval,
			IdleEviction:    cfg.PoolIdleEviction,
			RevalidateAfter: cfg.PoolRevalidateAfter,
			SessionTTL:      cfg.PoolSessionTTL,
		},
		AccessTokens: accesstoken.Config{
			Lifetime:  cfg.VaultTokenLifetime,
			Interval:  cfg.RotationInterval,
			Threshold: cfg.RotationThreshold,
		},
		ProofHasher: auth.NewProofHasher(bcrypt.DefaultCost),
		Verifier:    verifier,
		Logger:      appLogger,
	})
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize broker", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b.Start(runCtx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, appLogger, b, registry)
	go func() {
		appLogger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(ctx, "Failed to start HTTP server", err)
		}
	}()

	<-runCtx.Done()
	appLogger.Info(ctx, "Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", err)
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "Broker shutdown error", err)
	}
	if err := closeTokenStore(); err != nil {
		appLogger.Error(shutdownCtx, "Token store close error", err)
	}
	if err := repos.Close(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "Storage close error", err)
	}

	appLogger.Info(shutdownCtx, "Broker stopped")
}

func newRepositories(ctx context.Context, cfg config.Config) (domain.RepositoryProvider, error) {
	switch cfg.StorageBackend {
	case config.StorageTypeMongoDB:
		provider, err := mongodb.NewRepositoryProvider(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return memory.NewProvider(), nil
	}
}

func newTokenStore(ctx context.Context, cfg config.Config) (cache.TokenStore, func() error, error) {
	switch cfg.TokenStore {
	case config.TokenStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := cacheredis.NewTokenStore(client, cfg.RedisPrefix)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	default:
		store := cache.NewMemoryTokenStore()
		return store, store.Close, nil
	}
}

func newVerifier(cfg config.Config) (claims.Verifier, error) {
	if cfg.JWTSecret == "" && cfg.JWTPublicKeyPath == "" {
		return nil, nil
	}

	opts := claims.Options{Issuer: cfg.JWTIssuer}
	if cfg.JWTSecret != "" {
		opts.Secret = []byte(cfg.JWTSecret)
	}
	if cfg.JWTPublicKeyPath != "" {
		key, err := claims.LoadPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, err
		}
		opts.PublicKey = key
	}
	verifier, err := claims.NewJWTVerifier(opts)
	if err != nil {
		return nil, err
	}
	return verifier, nil
}
