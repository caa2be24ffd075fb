package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucidnotes/doc-pipeline/internal/async"
	"github.com/lucidnotes/doc-pipeline/internal/blob"
	"github.com/lucidnotes/doc-pipeline/internal/cache"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/export"
	"github.com/lucidnotes/doc-pipeline/internal/orchestrator"
	"github.com/lucidnotes/doc-pipeline/internal/pipeline"
	repo "github.com/lucidnotes/doc-pipeline/internal/repository"
	"github.com/lucidnotes/doc-pipeline/internal/server"
	"github.com/lucidnotes/doc-pipeline/internal/upload"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, pool, err := repo.Open(ctx, repo.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repo.HealthCheck(ctx, pool, 5*time.Second); err != nil {
		logger.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	if err := repo.Migrate(db); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	docsRepo := repo.NewDocumentRepository(db, logger)
	jobsRepo := repo.NewJobRepository(db, logger)
	entriesRepo := repo.NewCacheEntryRepository(db, logger)

	store, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	registry := pipeline.DefaultRegistry(store)
	policy := orchestrator.RetryPolicy{Base: cfg.Pipeline.RetryBase, MaxDelay: cfg.Pipeline.RetryMaxDelay}
	orch := orchestrator.New(docsRepo, jobsRepo, registry, policy, cfg.Pipeline.CacheTTL, logger)

	queue, err := newQueue(ctx, cfg, orch.HandleTask, logger)
	if err != nil {
		logger.Error("failed to start queue", "error", err)
		os.Exit(1)
	}
	orch.AttachQueue(queue)

	if err := orch.Recover(ctx); err != nil {
		logger.Error("recovery scan failed", "error", err)
		os.Exit(1)
	}

	index := cache.NewIndex(entriesRepo, docsRepo, logger)
	coordinator := upload.NewCoordinator(index, docsRepo, orch, cfg.Pipeline.MaxAttempts, logger)
	status := orchestrator.NewStatusAggregator(docsRepo, jobsRepo)
	exporter := export.NewService(docsRepo, jobsRepo, logger)

	health := func() error {
		hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return repo.HealthCheck(hctx, pool, 2*time.Second)
	}
	handlers := server.NewHandlers(coordinator, status, docsRepo, exporter, health, cfg.Pipeline.Version, logger)
	router := server.NewRouter(handlers, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("doc-pipeline listening", "addr", cfg.Server.Addr, "pipeline_version", cfg.Pipeline.Version)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	queue.Shutdown(shutdownCtx)
}

func newBlobStore(ctx context.Context, cfg *common.Config) (blob.Store, error) {
	if cfg.Blob.Driver == "minio" {
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Blob.MinioEndpoint,
			AccessKey: cfg.Blob.MinioAccessKey,
			SecretKey: cfg.Blob.MinioSecretKey,
			Bucket:    cfg.Blob.MinioBucket,
			UseSSL:    cfg.Blob.MinioUseSSL,
		})
	}
	return blob.NewFSStore(cfg.Blob.Dir)
}

func newQueue(ctx context.Context, cfg *common.Config, handler async.Handler, logger *slog.Logger) (async.Queue, error) {
	if cfg.Queue.Driver == "redis" {
		return async.NewRedisQueue(ctx, async.RedisQueueConfig{
			Addr:        cfg.Queue.RedisAddr,
			Key:         cfg.Queue.RedisKey,
			Workers:     cfg.Pipeline.Workers,
			TaskTimeout: cfg.Pipeline.JobTimeout,
		}, handler, logger)
	}
	return async.NewWorkerPool(handler, logger,
		async.WithWorkers(cfg.Pipeline.Workers),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithTaskTimeout(cfg.Pipeline.JobTimeout),
	), nil
}
