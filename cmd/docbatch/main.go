// docbatch processes a directory of text documents through the pipeline in
// one process: fingerprint, submit, wait, export.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/lucidnotes/doc-pipeline/internal/async"
	"github.com/lucidnotes/doc-pipeline/internal/blob"
	"github.com/lucidnotes/doc-pipeline/internal/cache"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/export"
	"github.com/lucidnotes/doc-pipeline/internal/fingerprint"
	"github.com/lucidnotes/doc-pipeline/internal/orchestrator"
	"github.com/lucidnotes/doc-pipeline/internal/pipeline"
	repo "github.com/lucidnotes/doc-pipeline/internal/repository"
	"github.com/lucidnotes/doc-pipeline/internal/upload"
)

func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		inmem   = flag.Bool("inmem", false, "use in-memory SQLite database")
		dir     = flag.String("dir", "", "directory of documents to process (required)")
		out     = flag.String("out", "", "output XLSX file path (defaults to parent directory)")
		workers = flag.Int("workers", 4, "concurrent fingerprint/submit workers")
		wait    = flag.Duration("wait", 5*time.Minute, "maximum time to wait for the pipeline to drain")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(filepath.Dir(*dir), "documents.xlsx")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	cfg := common.LoadConfig()

	db, cleanup, err := openDatabase(ctx, cfg, *inmem, logger)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := repo.Migrate(db); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	docsRepo := repo.NewDocumentRepository(db, logger)
	jobsRepo := repo.NewJobRepository(db, logger)
	entriesRepo := repo.NewCacheEntryRepository(db, logger)

	store, err := blob.NewFSStore(*dir)
	if err != nil {
		logger.Error("failed to open document directory", "dir", *dir, "error", err)
		os.Exit(1)
	}

	registry := pipeline.DefaultRegistry(store)
	policy := orchestrator.RetryPolicy{Base: cfg.Pipeline.RetryBase, MaxDelay: cfg.Pipeline.RetryMaxDelay}
	orch := orchestrator.New(docsRepo, jobsRepo, registry, policy, cfg.Pipeline.CacheTTL, logger)
	queue := async.NewWorkerPool(orch.HandleTask, logger,
		async.WithWorkers(*workers),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithTaskTimeout(cfg.Pipeline.JobTimeout),
	)
	orch.AttachQueue(queue)

	index := cache.NewIndex(entriesRepo, docsRepo, logger)
	coordinator := upload.NewCoordinator(index, docsRepo, orch, cfg.Pipeline.MaxAttempts, logger)

	files, err := listFiles(*dir)
	if err != nil {
		logger.Error("failed to scan directory", "dir", *dir, "error", err)
		os.Exit(1)
	}
	logger.Info("starting batch", "dir", *dir, "files", len(files))

	// Fingerprint and submit concurrently; the unique cache-key index makes
	// duplicate content collapse onto one document.
	fp := fingerprint.New()
	var (
		mu      sync.Mutex
		taskIDs []uuid.UUID
		cached  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*workers)
	for _, rel := range files {
		g.Go(func() error {
			hash, err := hashFile(filepath.Join(*dir, rel), fp)
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", rel, err)
			}
			result, err := coordinator.Submit(gctx, hash, cfg.Pipeline.Version, rel)
			if err != nil {
				return fmt.Errorf("submit %s: %w", rel, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if result.Cached {
				cached++
			} else {
				taskIDs = append(taskIDs, result.TaskID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("batch submission failed", "error", err)
		os.Exit(1)
	}
	logger.Info("submission complete", "submitted", len(taskIDs), "cache_hits", cached)

	status := orchestrator.NewStatusAggregator(docsRepo, jobsRepo)
	completed, failed := waitForTasks(ctx, status, taskIDs, *wait, logger)

	queue.Shutdown(ctx)

	logger.Info("exporting to XLSX", "output", *out)
	exporter := export.NewService(docsRepo, jobsRepo, logger)
	xlsxBytes, err := exporter.ExportDocumentsXLSX(ctx)
	if err != nil {
		logger.Error("failed to export report", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsxBytes, 0644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Files submitted: %d\n", len(taskIDs))
	fmt.Printf("- Cache hits: %d\n", cached)
	fmt.Printf("- Completed: %d\n", completed)
	fmt.Printf("- Failed: %d\n", failed)
	fmt.Printf("- Output: %s\n", *out)
}

func openDatabase(ctx context.Context, cfg *common.Config, inmem bool, logger *slog.Logger) (*gorm.DB, func(), error) {
	if inmem {
		db, err := repo.OpenSQLite("file::memory:?cache=shared")
		return db, func() {}, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	db, pool, err := repo.Open(ctx, repo.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return db, pool.Close, nil
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

func hashFile(path string, fp *fingerprint.Fingerprinter) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return fp.Sum(f, info.Size(), nil)
}

// waitForTasks polls until every task reaches a terminal state or the
// deadline passes.
func waitForTasks(ctx context.Context, status *orchestrator.StatusAggregator, ids []uuid.UUID, wait time.Duration, logger *slog.Logger) (completed, failed int) {
	deadline := time.Now().Add(wait)
	pending := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	for len(pending) > 0 && time.Now().Before(deadline) {
		for id := range pending {
			s, err := status.Summarize(ctx, id)
			if err != nil {
				logger.Error("status poll failed", "task_id", id, "error", err)
				delete(pending, id)
				failed++
				continue
			}
			if !s.Status.Terminal() {
				continue
			}
			delete(pending, id)
			if s.ErrorMessage != nil {
				logger.Warn("document failed", "task_id", id, "error", *s.ErrorMessage)
				failed++
			} else {
				completed++
			}
		}
		if len(pending) > 0 {
			time.Sleep(200 * time.Millisecond)
		}
	}
	if n := len(pending); n > 0 {
		logger.Warn("gave up waiting for tasks", "remaining", n)
		failed += n
	}
	return completed, failed
}
