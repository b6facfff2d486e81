// llmproxy is a streaming reverse proxy that sits in front of a
// third-party LLM HTTP API: it authenticates clients, resolves per-domain
// credentials, forwards and persists every request/response, and runs a
// background worker that produces structured conversation analyses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/llmproxy/pkg/analysis"
	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
	"github.com/codeready-toolchain/llmproxy/pkg/database"
	"github.com/codeready-toolchain/llmproxy/pkg/proxy"
	"github.com/codeready-toolchain/llmproxy/pkg/slack"
	"github.com/codeready-toolchain/llmproxy/pkg/storage"
	"github.com/codeready-toolchain/llmproxy/pkg/tracing"
	"github.com/codeready-toolchain/llmproxy/pkg/usage"
	"github.com/codeready-toolchain/llmproxy/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	if err := godotenv.Load(filepath.Join(*configDir, ".env")); err != nil {
		slog.Warn("no .env file loaded, continuing with existing environment", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("llmproxy exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, version.AppName, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("shutting down tracer provider", "error", err)
		}
	}()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("loading database config: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("closing database client", "error", err)
		}
	}()
	slog.Info("connected to database")

	proxyCfg, err := proxy.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("loading proxy config: %w", err)
	}

	credStore, err := credentials.NewStore(
		getEnv("CREDENTIALS_DIR", "./credentials"),
		credentials.NewHTTPRefresher(func(domain string) string { return "https://" + domain + "/oauth/token" }),
	)
	if err != nil {
		return fmt.Errorf("loading credential store: %w", err)
	}

	retention, err := envDuration("STORAGE_ADAPTER_RETENTION_MS", time.Hour)
	if err != nil {
		return err
	}
	cleanupInterval, err := envDuration("STORAGE_ADAPTER_CLEANUP_MS", 5*time.Minute)
	if err != nil {
		return err
	}
	writer := storage.NewWriter(dbClient.Client)
	adapter := storage.NewAdapter(writer, dbClient, retention, cleanupInterval)
	defer func() {
		if err := adapter.Close(); err != nil {
			slog.Error("closing storage adapter", "error", err)
		}
	}()

	tracker := usage.NewTracker(dbClient.Client)

	server := proxy.NewServer(proxyCfg, dbClient, credStore, adapter, tracker)
	if notifier := slack.NewService(slack.ServiceConfig{
		Token:   os.Getenv("SLACK_BOT_TOKEN"),
		Channel: os.Getenv("SLACK_ALERT_CHANNEL"),
	}); notifier != nil {
		server.SetErrorNotifier(notifier)
		slog.Info("Slack error notifications enabled")
	}

	analysisCfg, err := analysis.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("loading analysis config: %w", err)
	}

	api := analysis.NewAPI(dbClient.Client, analysisCfg)
	api.RegisterRoutes(server.Engine())
	if analysisCfg.Enabled {
		server.SetAnalysisEnqueuer(api)
	}

	podID := getEnv("POD_ID", fmt.Sprintf("llmproxy-%d", os.Getpid()))
	model := analysis.NewModelClient(analysisCfg.AnalysisModelURL, analysisCfg.AnalysisAPIKey, analysisCfg.RequestTimeout, analysisCfg.MaxRetries)
	pool := analysis.NewWorkerPool(podID, dbClient.Client, analysisCfg, model, analysisCfg.MaxConcurrentJobs)
	pool.Start(ctx)
	defer pool.Stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting proxy server", "addr", proxyCfg.Addr())
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("proxy server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down proxy server: %w", err)
	}
	return nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	ms, err := time.ParseDuration(raw + "ms")
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return ms, nil
}
