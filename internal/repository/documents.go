package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

// DocumentRepository persists documents and owns the compound transitions
// that must stay atomic with their job rows.
type DocumentRepository interface {
	// CreateWithJobs atomically inserts a Pending document and its full job
	// DAG. When another submission wins the race on the cache-key unique
	// index, the winner's row is returned instead with created=false.
	CreateWithJobs(ctx context.Context, key entity.CacheKey, fileRef string, maxAttempts int) (*entity.Document, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	GetByCacheKey(ctx context.Context, key entity.CacheKey) (*entity.Document, error)
	// MarkCompleted stores the artifact, flips the document to Completed and
	// creates its cache entry in one transaction. This is the only code path
	// that creates cache entries, so the cache never holds a partial result.
	MarkCompleted(ctx context.Context, id uuid.UUID, artifact json.RawMessage, expiresAt *time.Time) error
	// ForceFailed marks the document Failed with a diagnostic message,
	// bypassing status derivation. Reserved for orchestration invariant
	// violations.
	ForceFailed(ctx context.Context, id uuid.UUID, message string) error
	// ResetForReprocessing wipes a Failed document's jobs and recreates the
	// DAG from the template so resubmitted content re-enters from scratch.
	ResetForReprocessing(ctx context.Context, id uuid.UUID, maxAttempts int) ([]entity.Job, error)
	// Purge deletes the document, its jobs and its cache entry.
	Purge(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]entity.Document, error)
	// ListInFlight returns the ids of every non-terminal document; used by
	// the crash-recovery scan at startup.
	ListInFlight(ctx context.Context) ([]uuid.UUID, error)
}

type documentRepo struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewDocumentRepository wires a DocumentRepository over GORM.
func NewDocumentRepository(db *gorm.DB, logger *slog.Logger) DocumentRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &documentRepo{db: db, logger: logger}
}

// buildJobRows instantiates the fixed stage DAG for one document. Dependency
// sets are resolved to concrete job ids here, once, and never touched again.
func buildJobRows(docID uuid.UUID, maxAttempts int, now time.Time) ([]jobRow, error) {
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultMaxAttempts
	}

	idByStage := make(map[constants.StageKind]uuid.UUID, len(constants.StageKinds))
	for _, kind := range constants.StageKinds {
		idByStage[kind] = uuid.New()
	}

	rows := make([]jobRow, 0, len(constants.StageKinds))
	for _, kind := range constants.StageKinds {
		depIDs := make([]uuid.UUID, 0, len(constants.StageDependencies[kind]))
		for _, dep := range constants.StageDependencies[kind] {
			depIDs = append(depIDs, idByStage[dep])
		}
		var depsJSON []byte
		if len(depIDs) > 0 {
			b, err := json.Marshal(depIDs)
			if err != nil {
				return nil, fmt.Errorf("encode depends_on for %s: %w", kind, err)
			}
			depsJSON = b
		}
		rows = append(rows, jobRow{
			ID:          idByStage[kind],
			DocumentID:  docID,
			StageKind:   string(kind),
			Status:      string(constants.JobQueued),
			MaxAttempts: maxAttempts,
			DependsOn:   depsJSON,
			QueuedAt:    now,
		})
	}
	return rows, nil
}

func (r *documentRepo) CreateWithJobs(ctx context.Context, key entity.CacheKey, fileRef string, maxAttempts int) (*entity.Document, bool, error) {
	now := time.Now().UTC()
	row := documentRow{
		ID:              uuid.New(),
		ContentHash:     key.ContentHash,
		PipelineVersion: key.PipelineVersion,
		FileRef:         fileRef,
		Status:          string(constants.DocumentPending),
		CreatedAt:       now,
	}

	jobs, err := buildJobRows(row.ID, maxAttempts, now)
	if err != nil {
		return nil, false, err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&jobs).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the race: redirect to the winning document. Never surfaced
		// as an error to callers.
		existing, ferr := r.GetByCacheKey(ctx, key)
		if ferr != nil {
			return nil, false, fmt.Errorf("%w: fetch winning document: %w", common.ErrConcurrencyConflict, ferr)
		}
		r.logger.Info("submission lost cache-key race, redirecting",
			"content_hash", key.ContentHash, "pipeline_version", key.PipelineVersion, "document_id", existing.ID)
		return existing, false, nil
	}
	if err != nil {
		r.logger.Error("failed to create document with jobs", "content_hash", key.ContentHash, "error", err)
		return nil, false, err
	}

	r.logger.Info("document created",
		"document_id", row.ID, "content_hash", key.ContentHash, "pipeline_version", key.PipelineVersion, "jobs", len(jobs))
	return row.toEntity(), true, nil
}

func (r *documentRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	var row documentRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

func (r *documentRepo) GetByCacheKey(ctx context.Context, key entity.CacheKey) (*entity.Document, error) {
	var row documentRow
	err := r.db.WithContext(ctx).
		First(&row, "content_hash = ? AND pipeline_version = ?", key.ContentHash, key.PipelineVersion).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

func (r *documentRepo) MarkCompleted(ctx context.Context, id uuid.UUID, artifact json.RawMessage, expiresAt *time.Time) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []jobRow
		if err := tx.Find(&jobs, "document_id = ?", id).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return fmt.Errorf("%w: document %s has no jobs", common.ErrInvariantViolation, id)
		}
		for i := range jobs {
			if jobs[i].Status != string(constants.JobSucceeded) {
				return fmt.Errorf("%w: completing document %s but stage %s is %s",
					common.ErrInvariantViolation, id, jobs[i].StageKind, jobs[i].Status)
			}
		}

		var doc documentRow
		if err := tx.First(&doc, "id = ?", id).Error; err != nil {
			return err
		}

		res := tx.Model(&documentRow{}).Where("id = ?", id).Updates(map[string]any{
			"status":                  string(constants.DocumentCompleted),
			"artifact":                []byte(artifact),
			"error_message":           nil,
			"processing_completed_at": now,
		})
		if res.Error != nil {
			return res.Error
		}

		entry := cacheEntryRow{
			CacheKey:       entity.CacheKey{ContentHash: doc.ContentHash, PipelineVersion: doc.PipelineVersion}.String(),
			DocumentID:     id,
			LastAccessedAt: now,
			ExpiresAt:      expiresAt,
		}
		return tx.Save(&entry).Error
	})
	if err != nil {
		r.logger.Error("failed to mark document completed", "document_id", id, "error", err)
		return err
	}
	r.logger.Info("document completed and cached", "document_id", id)
	return nil
}

func (r *documentRepo) ForceFailed(ctx context.Context, id uuid.UUID, message string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&documentRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":                  string(constants.DocumentFailed),
		"error_message":           message,
		"processing_completed_at": now,
	}).Error
	if err != nil {
		r.logger.Error("failed to force document failed", "document_id", id, "error", err)
	}
	return err
}

func (r *documentRepo) ResetForReprocessing(ctx context.Context, id uuid.UUID, maxAttempts int) ([]entity.Job, error) {
	now := time.Now().UTC()
	jobs, err := buildJobRows(id, maxAttempts, now)
	if err != nil {
		return nil, err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc documentRow
		if err := tx.First(&doc, "id = ?", id).Error; err != nil {
			return err
		}
		if doc.Status != string(constants.DocumentFailed) {
			return fmt.Errorf("document %s is %s, only failed documents are reset", id, doc.Status)
		}
		if err := tx.Delete(&jobRow{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Model(&documentRow{}).Where("id = ?", id).Updates(map[string]any{
			"status":                  string(constants.DocumentPending),
			"artifact":                nil,
			"error_message":           nil,
			"processing_started_at":   nil,
			"processing_completed_at": nil,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&jobs).Error
	})
	if err != nil {
		r.logger.Error("failed to reset document for reprocessing", "document_id", id, "error", err)
		return nil, err
	}

	r.logger.Info("document reset for reprocessing", "document_id", id)
	return jobsToEntities(jobs)
}

func (r *documentRepo) Purge(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc documentRow
		if err := tx.First(&doc, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return common.ErrNotFound
			}
			return err
		}
		key := entity.CacheKey{ContentHash: doc.ContentHash, PipelineVersion: doc.PipelineVersion}.String()
		if err := tx.Delete(&cacheEntryRow{}, "cache_key = ?", key).Error; err != nil {
			return err
		}
		if err := tx.Delete(&jobRow{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&documentRow{}, "id = ?", id).Error
	})
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		r.logger.Error("failed to purge document", "document_id", id, "error", err)
	}
	return err
}

func (r *documentRepo) List(ctx context.Context) ([]entity.Document, error) {
	var rows []documentRow
	if err := r.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]entity.Document, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toEntity())
	}
	return out, nil
}

func (r *documentRepo) ListInFlight(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&documentRow{}).
		Where("status IN ?", []string{
			string(constants.DocumentPending),
			string(constants.DocumentProcessing),
		}).
		Order("created_at").
		Pluck("id", &ids).Error
	return ids, err
}
