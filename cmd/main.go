package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"iats/internal/api"
	"iats/internal/auth"
	"iats/internal/config"
	"iats/internal/evidence"
	"iats/internal/ingest"
	"iats/internal/llm"
	"iats/internal/notify"
	"iats/internal/registry"
	"iats/internal/store"
	"iats/internal/triage"
	"iats/internal/worker"
)

var envFile = flag.String("env", ".env", "Path to environment file")

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: could not load env file %s: %v\n", *envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Infof("Starting %s", cfg.AppName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	st, err := store.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	serviceRegistry, err := registry.LoadServiceRegistry(cfg.ServiceRegistryPath)
	if err != nil {
		logger.Fatalf("Failed to load service registry: %v", err)
	}
	queryLibrary, err := registry.LoadQueryLibrary(cfg.QueryLibraryPath)
	if err != nil {
		logger.Fatalf("Failed to load query library: %v", err)
	}

	queue, err := worker.NewQueue(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	defer func() { _ = queue.Close() }()
	queue.MaxRetries = cfg.TaskMaxRetries
	queue.Backoff = cfg.TaskRetryBackoff
	queue.Jitter = cfg.TaskRetryJitter

	var logsFetcher evidence.LogsFetcher
	if cfg.FixtureMode {
		logsFetcher = &evidence.FixtureLogsFetcher{Path: cfg.FixturePath}
		logger.Info("Fixture mode enabled, log queries replay canned results")
	} else {
		logsFetcher, err = evidence.NewCloudWatchLogsFetcher(ctx, cfg.AWSRegion)
		if err != nil {
			logger.Fatalf("Failed to create CloudWatch logs client: %v", err)
		}
	}

	builder := &evidence.Builder{
		Logs:               logsFetcher,
		Snippets:           &evidence.GitSnippetFetcher{},
		Library:            queryLibrary,
		Logger:             logger,
		MaxQueries:         cfg.MaxLogsQueriesPerIncident,
		MaxSnippets:        cfg.MaxRepoSnippets,
		RecentCommitsLimit: cfg.RepoRecentCommitsLimit,
		FixtureMode:        cfg.FixtureMode,
	}

	notifier := notify.New(cfg, logger)

	runner := &triage.Runner{
		Store:    st,
		Registry: serviceRegistry,
		Builder:  builder,
		Gateway: func() (llm.Gateway, error) {
			return llm.NewGateway(cfg, logger)
		},
		Notifier: notifier,
		Settings: cfg,
		Logger:   logger,
	}
	go queue.Run(ctx, cfg.WorkerConcurrency, runner.Run)

	orchestrator := &ingest.Orchestrator{
		Store:    st,
		Registry: serviceRegistry,
		Queue:    queue,
		Settings: cfg,
		Logger:   logger,
	}
	authenticator := &auth.Authenticator{Enabled: cfg.AuthEnabled, SharedToken: cfg.AuthSharedToken}
	server := api.NewServer(st, orchestrator, authenticator, serviceRegistry, cfg, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}
	go func() {
		logger.Infof("Starting HTTP server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal, gracefully stopping...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	logger.Info("Stopped")
}

// setupLogger configures the application logger
func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()

	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	return logger
}
