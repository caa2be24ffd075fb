// Package cache implements the artifact lookup index over the durable
// store. The index is an explicit component handed to the upload
// coordinator; there is no ambient global state.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
	"github.com/lucidnotes/doc-pipeline/internal/repository"
)

// Index answers hit/miss for (contentHash, pipelineVersion) pairs and
// serves cached results. A hit is the dominant fast path: no job is ever
// created for it.
type Index struct {
	entries repository.CacheEntryRepository
	docs    repository.DocumentRepository
	logger  *slog.Logger
}

// NewIndex wires an Index over the repositories.
func NewIndex(entries repository.CacheEntryRepository, docs repository.DocumentRepository, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{entries: entries, docs: docs, logger: logger}
}

// Lookup returns the completed document for key, or nil on miss. A hit
// increments the entry's hit count. An expired entry is purged together
// with its document and reported as a miss, so resubmitted content re-runs
// the pipeline.
func (ix *Index) Lookup(ctx context.Context, key entity.CacheKey) (*entity.Document, error) {
	entry, err := ix.entries.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if entry.Expired(time.Now().UTC()) {
		ix.logger.Info("cache entry expired, purging document",
			"cache_key", entry.CacheKey, "document_id", entry.DocumentID)
		if err := ix.docs.Purge(ctx, entry.DocumentID); err != nil && !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		return nil, nil
	}

	if _, err := ix.entries.Touch(ctx, key); err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	doc, err := ix.docs.GetByID(ctx, entry.DocumentID)
	if errors.Is(err, common.ErrNotFound) {
		// Entry without a document violates the index invariant; treat as a
		// miss rather than failing the submission.
		ix.logger.Error("cache entry points at missing document",
			"cache_key", entry.CacheKey, "document_id", entry.DocumentID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ix.logger.Debug("cache hit", "cache_key", entry.CacheKey, "document_id", doc.ID, "hits", entry.HitCount+1)
	return doc, nil
}

// SweepExpired purges documents behind expired entries. The trigger is left
// to the deployer: call it from a cron, a ticker, or not at all.
func (ix *Index) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := ix.entries.ListExpired(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	purged := 0
	for i := range expired {
		if err := ix.docs.Purge(ctx, expired[i].DocumentID); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		ix.logger.Info("expired cache entries swept", "purged", purged)
	}
	return purged, nil
}
