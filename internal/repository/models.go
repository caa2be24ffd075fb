package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

// documentRow is the persisted shape of entity.Document. The status column
// is a snapshot of the derived status, refreshed in the same transaction as
// every job transition so it can never desync.
type documentRow struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContentHash           string    `gorm:"size:64;not null;uniqueIndex:ux_documents_cache_key,priority:1"`
	PipelineVersion       string    `gorm:"size:64;not null;uniqueIndex:ux_documents_cache_key,priority:2"`
	FileRef               string    `gorm:"not null"`
	Status                string    `gorm:"size:16;not null;index"`
	Artifact              []byte    `gorm:"type:jsonb"`
	ErrorMessage          *string
	CreatedAt             time.Time `gorm:"not null"`
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
}

func (documentRow) TableName() string { return "documents" }

type jobRow struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DocumentID   uuid.UUID `gorm:"type:uuid;not null;index:ix_jobs_document"`
	StageKind    string    `gorm:"size:32;not null"`
	Status       string    `gorm:"size:16;not null;index:ix_jobs_status"`
	AttemptCount int       `gorm:"not null;default:0"`
	MaxAttempts  int       `gorm:"not null"`
	DependsOn    []byte    `gorm:"type:jsonb"` // JSON array of job ids, immutable after creation
	Output       []byte    `gorm:"type:jsonb"`
	QueuedAt     time.Time `gorm:"not null"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	ErrorDetail  *string
}

func (jobRow) TableName() string { return "jobs" }

type cacheEntryRow struct {
	CacheKey       string    `gorm:"size:160;primaryKey"`
	DocumentID     uuid.UUID `gorm:"type:uuid;not null;index"`
	HitCount       int64     `gorm:"not null;default:0"`
	LastAccessedAt time.Time `gorm:"not null"`
	ExpiresAt      *time.Time
}

func (cacheEntryRow) TableName() string { return "cache_entries" }

func (r *documentRow) toEntity() *entity.Document {
	return &entity.Document{
		ID:                    r.ID,
		ContentHash:           r.ContentHash,
		PipelineVersion:       r.PipelineVersion,
		FileRef:               r.FileRef,
		Status:                constants.DocumentStatus(r.Status),
		Artifact:              json.RawMessage(r.Artifact),
		ErrorMessage:          r.ErrorMessage,
		CreatedAt:             r.CreatedAt,
		ProcessingStartedAt:   r.ProcessingStartedAt,
		ProcessingCompletedAt: r.ProcessingCompletedAt,
	}
}

func (r *jobRow) toEntity() (*entity.Job, error) {
	var deps []uuid.UUID
	if len(r.DependsOn) > 0 {
		if err := json.Unmarshal(r.DependsOn, &deps); err != nil {
			return nil, err
		}
	}
	return &entity.Job{
		ID:           r.ID,
		DocumentID:   r.DocumentID,
		StageKind:    constants.StageKind(r.StageKind),
		Status:       constants.JobStatus(r.Status),
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		DependsOn:    deps,
		Output:       json.RawMessage(r.Output),
		QueuedAt:     r.QueuedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		ErrorMessage: r.ErrorMessage,
		ErrorDetail:  r.ErrorDetail,
	}, nil
}

func (r *cacheEntryRow) toEntity() *entity.CacheEntry {
	return &entity.CacheEntry{
		CacheKey:       r.CacheKey,
		DocumentID:     r.DocumentID,
		HitCount:       r.HitCount,
		LastAccessedAt: r.LastAccessedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func jobsToEntities(rows []jobRow) ([]entity.Job, error) {
	out := make([]entity.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}
