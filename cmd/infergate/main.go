package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/infergate/infergate/internal/api"
	"github.com/infergate/infergate/internal/auth"
	"github.com/infergate/infergate/internal/cache"
	"github.com/infergate/infergate/internal/catalog"
	"github.com/infergate/infergate/internal/config"
	"github.com/infergate/infergate/internal/crypto"
	"github.com/infergate/infergate/internal/ledger"
	"github.com/infergate/infergate/internal/notifications"
	"github.com/infergate/infergate/internal/provider"
	"github.com/infergate/infergate/internal/provider/bedrock"
	"github.com/infergate/infergate/internal/provider/groq"
	"github.com/infergate/infergate/internal/provider/ollama"
	"github.com/infergate/infergate/internal/provider/together"
	"github.com/infergate/infergate/internal/queue"
	"github.com/infergate/infergate/internal/ratelimit"
	"github.com/infergate/infergate/internal/repository"
	"github.com/infergate/infergate/internal/router"
	"github.com/infergate/infergate/internal/secrets"
	"github.com/infergate/infergate/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting infergate", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "infergate", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	keyStore, userStore, walletStore := buildStores(cfg)

	cat := buildCatalog(cfg)

	providerKeys := resolveProviderKeys(ctx, cfg)

	adapters := buildAdapters(ctx, cfg, providerKeys)
	if len(adapters) == 0 {
		slog.Error("no backends configured")
		os.Exit(1)
	}

	ledgerOpts := buildLedgerOptions(ctx, cfg)
	creditLedger := ledger.New(walletStore, ledgerOpts...)

	signer := auth.NewTokenSigner(cfg.TokenSigningKey)
	resolver := auth.NewResolver(keyStore, userStore, signer)

	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rateLimiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var responseCache cache.Cache
	if cfg.RedisURL != "" {
		responseCache, err = cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis for cache, using in-memory", "error", err)
			responseCache = cache.NewInMemoryCache()
		} else {
			slog.Info("using redis cache")
		}
	} else {
		responseCache = cache.NewInMemoryCache()
	}

	modelRouter := router.New(cat, adapters, cfg.FallbackChain)

	handler := api.NewHandler(api.HandlerConfig{
		Auth:         resolver,
		RateLimiter:  rateLimiter,
		RateLimitRPM: cfg.RateLimitRPM,
		Router:       modelRouter,
		Catalog:      cat,
		Ledger:       creditLedger,
		Cache:        responseCache,
		CacheTTL:     cfg.CacheTTL,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if cfg.AdminUser != "" && cfg.AdminPasswordHash != "" {
		guard := auth.NewAdminGuard(cfg.AdminUser, cfg.AdminPasswordHash)
		mux.Handle("/admin/", api.NewAdminHandler(userStore, keyStore, creditLedger, resolver, guard))
		slog.Info("admin endpoints enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func buildStores(cfg *config.Config) (repository.KeyStore, repository.UserStore, repository.WalletStore) {
	if cfg.DatabaseURL == "" {
		slog.Info("no database configured, using in-memory stores")
		return repository.NewInMemoryKeyStore(), repository.NewInMemoryUserStore(), repository.NewInMemoryWalletStore()
	}

	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	slog.Info("using postgres stores")
	return repository.NewPostgresKeyStore(db), repository.NewPostgresUserStore(db), repository.NewPostgresWalletStore(db)
}

func buildCatalog(cfg *config.Config) *catalog.Catalog {
	if cfg.CatalogPath != "" {
		cat, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			slog.Error("failed to load model catalog", "error", err, "path", cfg.CatalogPath)
			os.Exit(1)
		}
		slog.Info("model catalog loaded", "path", cfg.CatalogPath, "models", len(cat.List()))
		return cat
	}

	cat, err := catalog.New(catalog.Defaults())
	if err != nil {
		slog.Error("failed to build default catalog", "error", err)
		os.Exit(1)
	}
	return cat
}

// resolveProviderKeys prefers Secrets Manager when configured, falling
// back to the environment. Values may additionally be AES-GCM encrypted
// with the enc: prefix.
func resolveProviderKeys(ctx context.Context, cfg *config.Config) secrets.ProviderKeys {
	keys := secrets.ProviderKeys{
		Groq:     cfg.GroqAPIKey,
		Together: cfg.TogetherAPIKey,
	}

	if cfg.ProviderKeysSecret != "" && cfg.AWSRegion != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init secrets manager", "error", err)
			os.Exit(1)
		}
		fetched, err := secrets.LoadProviderKeys(ctx, store, cfg.ProviderKeysSecret)
		if err != nil {
			slog.Error("failed to load provider keys", "error", err)
			os.Exit(1)
		}
		keys = fetched
		slog.Info("provider keys loaded from secrets manager")
	}

	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
		keys.Groq = decryptIfNeeded(enc, keys.Groq)
		keys.Together = decryptIfNeeded(enc, keys.Together)
	}

	return keys
}

func decryptIfNeeded(enc *crypto.Encryptor, value string) string {
	if !crypto.IsEncrypted(value) {
		return value
	}
	plain, err := enc.Decrypt(value)
	if err != nil {
		slog.Error("failed to decrypt provider key", "error", err)
		os.Exit(1)
	}
	return plain
}

func buildAdapters(ctx context.Context, cfg *config.Config, keys secrets.ProviderKeys) map[string]provider.Adapter {
	adapters := make(map[string]provider.Adapter)

	if keys.Groq != "" {
		adapters["groq"] = groq.New(keys.Groq)
		slog.Info("registered backend", "provider", "groq")
	}

	if keys.Together != "" {
		adapters["together"] = together.New(keys.Together)
		slog.Info("registered backend", "provider", "together")
	}

	if cfg.AWSRegion != "" {
		adapter, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init bedrock", "error", err)
			os.Exit(1)
		}
		adapters["bedrock"] = adapter
		slog.Info("registered backend", "provider", "bedrock", "region", cfg.AWSRegion)
	}

	if cfg.OllamaBaseURL != "" {
		adapters["ollama"] = ollama.New(cfg.OllamaBaseURL)
		slog.Info("registered backend", "provider", "ollama", "url", cfg.OllamaBaseURL)
	}

	return adapters
}

func buildLedgerOptions(ctx context.Context, cfg *config.Config) []ledger.Option {
	var opts []ledger.Option

	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to init SNS notifier", "error", err)
			os.Exit(1)
		}
		opts = append(opts, ledger.WithLowBalanceAlerts(notifier, cfg.LowBalanceAlertAt))
		slog.Info("low balance alerts enabled", "topic", cfg.SNSTopicARN)
	}

	if cfg.UsageExportEnabled && cfg.SQSQueueURL != "" && cfg.AWSRegion != "" {
		publisher, err := queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
		if err != nil {
			slog.Error("failed to init SQS publisher", "error", err)
			os.Exit(1)
		}
		opts = append(opts, ledger.WithUsageExport(publisher))
		slog.Info("usage export enabled", "queue", cfg.SQSQueueURL)
	}

	return opts
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
