package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/quorumlabs/quorum/internal/auth"
	"github.com/quorumlabs/quorum/internal/billing"
	"github.com/quorumlabs/quorum/internal/config"
	"github.com/quorumlabs/quorum/internal/debate"
	"github.com/quorumlabs/quorum/internal/ledger"
	"github.com/quorumlabs/quorum/internal/modelclient"
	"github.com/quorumlabs/quorum/internal/ratelimit"
	"github.com/quorumlabs/quorum/internal/server"
	"github.com/quorumlabs/quorum/internal/storage"
	"github.com/quorumlabs/quorum/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("QUORUM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("quorum starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run migrations (dev mode only; production uses a migration tool).
	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, os.DirFS("migrations")); err != nil {
		slog.Warn("migrations failed", "error", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Hash the admin bootstrap key once at startup so per-request checks are
	// constant-time hash comparisons.
	var adminKeyHash string
	if cfg.AdminAPIKey != "" {
		adminKeyHash, err = auth.HashSecret(cfg.AdminAPIKey)
		if err != nil {
			return fmt.Errorf("auth: hash admin key: %w", err)
		}
	} else {
		logger.Warn("no QUORUM_ADMIN_API_KEY configured, token minting disabled")
	}

	// Model gateway client.
	if cfg.ModelAPIKey == "" {
		return fmt.Errorf("QUORUM_MODEL_API_KEY is required")
	}
	client, err := modelclient.NewOpenAIClient(modelclient.OpenAIConfig{
		APIKey:  cfg.ModelAPIKey,
		BaseURL: cfg.ModelBaseURL,
		Timeout: cfg.ModelTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("modelclient: %w", err)
	}

	// Billing service (disabled when no Stripe key is configured).
	billingSvc, err := billing.New(db, billing.Config{
		SecretKey:       cfg.StripeSecretKey,
		WebhookSecret:   cfg.StripeWebhookSecret,
		PriceIDPro:      cfg.StripePriceIDPro,
		PriceIDMax:      cfg.StripePriceIDMax,
		FreeWeeklyCents: cfg.FreeWeeklyCents,
		ProWeeklyCents:  cfg.ProWeeklyCents,
		MaxWeeklyCents:  cfg.MaxWeeklyCents,
	}, logger)
	if err != nil {
		return fmt.Errorf("billing: %w", err)
	}
	if billingSvc.Enabled() {
		logger.Info("billing: stripe enabled")
	} else {
		logger.Info("billing: disabled, everyone on the free tier")
	}

	// Usage ledger.
	ledg := ledger.New(db, billingSvc, ledger.Config{ReserveCents: cfg.ReserveCents}, logger)

	// Global model-call limiter: shared (Redis) when available, per-process
	// otherwise. Per-user pacing is always in-process.
	var globalLimiter ratelimit.Limiter
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
		globalLimiter = ratelimit.NewRedisLimiter(redisClient, "quorum", int(cfg.GlobalRateLimit), cfg.GlobalRateWin)
		logger.Info("rate limiting: redis fixed window",
			"limit", cfg.GlobalRateLimit, "window", cfg.GlobalRateWin)
	} else {
		globalLimiter = ratelimit.NewMemoryLimiter(
			float64(cfg.GlobalRateLimit)/cfg.GlobalRateWin.Seconds(),
			int(cfg.GlobalRateLimit), 10*time.Minute)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"limit", cfg.GlobalRateLimit, "window", cfg.GlobalRateWin)
	}
	defer func() { _ = globalLimiter.Close() }()

	userLimiter := ratelimit.NewMemoryLimiter(cfg.UserRatePerSec, cfg.UserRateBurst, 10*time.Minute)
	defer func() { _ = userLimiter.Close() }()

	// Debate orchestrator.
	orch := debate.New(db, db, ledg, client, globalLimiter, logger)

	// Resume debate workflows interrupted by the previous shutdown.
	if err := orch.ResumePending(ctx); err != nil {
		logger.Warn("resume pending workflows failed", "error", err)
	}

	// Create and start HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Orchestrator:        orch,
		Ledger:              ledg,
		BillingSvc:          billingSvc,
		UserLimiter:         userLimiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AdminKeyHash:        adminKeyHash,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight ones. Running debates survive restarts via the workflow
	// step log and resume on next boot.
	slog.Info("quorum shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("quorum stopped")
	return nil
}
