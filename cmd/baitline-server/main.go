package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/baitline-ai/baitline/internal/api"
	"github.com/baitline-ai/baitline/internal/auth"
	"github.com/baitline-ai/baitline/internal/breaker"
	"github.com/baitline-ai/baitline/internal/config"
	"github.com/baitline-ai/baitline/internal/detect"
	"github.com/baitline-ai/baitline/internal/engage"
	"github.com/baitline-ai/baitline/internal/generate"
	"github.com/baitline-ai/baitline/internal/match"
	"github.com/baitline-ai/baitline/internal/report"
	"github.com/baitline-ai/baitline/internal/storage"
	"github.com/baitline-ai/baitline/internal/store"
)

func main() {
	_ = godotenv.Load() // .env is optional; real env wins

	logger := mustBuildLogger(envOrDefault("BAITLINE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	httpPort := envOrDefault("BAITLINE_HTTP_PORT", "8080")
	policyPath := os.Getenv("BAITLINE_POLICY_FILE")
	webhookURL := os.Getenv("BAITLINE_REPORT_WEBHOOK")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	sqlitePath := envOrDefault("BAITLINE_SQLITE_PATH", "baitline.db")
	cacheTTL := envOrDefaultInt("BAITLINE_AUTH_CACHE_TTL_S", 30)
	sweepIntervalS := envOrDefaultInt("BAITLINE_IDLE_SWEEP_INTERVAL_S", 30)

	// Engagement policy: defaults, optionally overlaid from file, always
	// schema-validated.
	pol := config.DefaultPolicy()
	if policyPath != "" {
		loaded, err := config.Load(policyPath)
		if err != nil {
			logger.Fatal("failed to load policy file", zap.String("path", policyPath), zap.Error(err))
		}
		pol = loaded
	}
	if err := config.Validate(pol); err != nil {
		logger.Fatal("invalid engagement policy", zap.Error(err))
	}

	logger.Info("starting baitline server",
		zap.String("http_port", httpPort),
		zap.Float64("suspicion_threshold", pol.Session.SuspicionThreshold),
		zap.Int("hard_turn_ceiling", pol.Session.HardTurnCeiling),
	)

	// Event sink: ClickHouse or LogWriter fallback.
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Report/key store: Postgres when configured, embedded SQLite otherwise.
	var st store.Store
	if postgresDSN != "" {
		pg, err := store.NewPostgres(context.Background(), postgresDSN)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		st = pg
		logger.Info("postgres connected")
	} else {
		lite, err := store.NewSQLite(context.Background(), sqlitePath)
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.String("path", sqlitePath), zap.Error(err))
		}
		st = lite
		logger.Info("no POSTGRES_DSN set, using embedded sqlite store",
			zap.String("path", sqlitePath))
	}
	defer func() { _ = st.Close() }()

	// Report delivery: webhook when configured, structured log otherwise.
	var deliverer report.Deliverer
	if webhookURL != "" {
		deliverer = report.NewWebhookDeliverer(webhookURL, 15*time.Second)
		logger.Info("report webhook configured", zap.String("url", webhookURL))
	} else {
		deliverer = report.NewLogDeliverer(logger)
		logger.Info("no BAITLINE_REPORT_WEBHOOK set, reports go to the log")
	}
	courier := report.NewCourier(deliverer, report.DefaultCourierConfig(), logger)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: pol.Breaker.FailureThreshold,
		FailureWindow:    time.Duration(pol.Breaker.FailureWindowSec) * time.Second,
		Cooldown:         time.Duration(pol.Breaker.CooldownSec) * time.Second,
	})

	engine := engage.New(engage.Config{
		Policy:    pol,
		Detector:  detect.NewPatternDetector(),
		Matcher:   match.NewRegexMatcher(),
		Generator: generate.NewTemplateGenerator(rand.New(rand.NewSource(time.Now().UnixNano()))),
		Breakers:  breakers,
		Courier:   courier,
		Store:     st,
		Events:    writer,
		Logger:    logger,
	})

	// Idle sweeper runs for the life of the process.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go engine.RunIdleSweeper(sweepCtx, time.Duration(sweepIntervalS)*time.Second)

	deps := &api.Dependencies{
		Engine: engine,
		Auth: auth.NewStoreAuthenticator(auth.StoreAuthConfig{
			Store:    st,
			CacheTTL: time.Duration(cacheTTL) * time.Second,
			Logger:   logger,
		}),
		Store:  st,
		Logger: logger,
	}

	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	stopSweep()

	logger.Info("baitline server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
