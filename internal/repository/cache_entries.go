package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

// CacheEntryRepository reads and maintains the artifact lookup index.
// Entries are only ever created by DocumentRepository.MarkCompleted; this
// repository covers lookup, hit accounting and expiry.
type CacheEntryRepository interface {
	Get(ctx context.Context, key entity.CacheKey) (*entity.CacheEntry, error)
	// Touch increments hit_count and bumps last_accessed_at, returning the
	// updated entry.
	Touch(ctx context.Context, key entity.CacheKey) (*entity.CacheEntry, error)
	// ListExpired returns entries whose expires_at lies before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]entity.CacheEntry, error)
}

type cacheEntryRepo struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewCacheEntryRepository wires a CacheEntryRepository over GORM.
func NewCacheEntryRepository(db *gorm.DB, logger *slog.Logger) CacheEntryRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &cacheEntryRepo{db: db, logger: logger}
}

func (r *cacheEntryRepo) Get(ctx context.Context, key entity.CacheKey) (*entity.CacheEntry, error) {
	var row cacheEntryRow
	err := r.db.WithContext(ctx).First(&row, "cache_key = ?", key.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

func (r *cacheEntryRepo) Touch(ctx context.Context, key entity.CacheKey) (*entity.CacheEntry, error) {
	now := time.Now().UTC()
	var row cacheEntryRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&cacheEntryRow{}).Where("cache_key = ?", key.String()).Updates(map[string]any{
			"hit_count":        gorm.Expr("hit_count + 1"),
			"last_accessed_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return common.ErrNotFound
		}
		return tx.First(&row, "cache_key = ?", key.String()).Error
	})
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			r.logger.Error("failed to touch cache entry", "cache_key", key.String(), "error", err)
		}
		return nil, err
	}
	return row.toEntity(), nil
}

func (r *cacheEntryRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]entity.CacheEntry, error) {
	q := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []cacheEntryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]entity.CacheEntry, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toEntity())
	}
	return out, nil
}
