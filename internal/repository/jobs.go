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

// ClaimOutcome says what happened when a worker tried to take a job.
type ClaimOutcome int

const (
	// ClaimOK means the job moved Queued→Running and belongs to the caller.
	ClaimOK ClaimOutcome = iota
	// ClaimNotQueued means another delivery already claimed or finished the
	// job. At-least-once queues make this a normal no-op.
	ClaimNotQueued
	// ClaimDepsUnmet means at least one dependency has not succeeded yet;
	// the job stays queued.
	ClaimDepsUnmet
	// ClaimDepsFailed means an upstream stage was abandoned; the caller
	// abandons this job too.
	ClaimDepsFailed
)

// JobRepository persists per-stage execution state. Every transition
// refreshes the owning document's derived-status snapshot in the same
// transaction.
type JobRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]entity.Job, error)
	// Claim conditionally moves the job Queued→Running, bumping
	// attempt_count. A job is never claimed while a dependency is not
	// succeeded.
	Claim(ctx context.Context, id uuid.UUID) (*entity.Job, ClaimOutcome, error)
	// MarkSucceeded stores the stage output and completes the job.
	MarkSucceeded(ctx context.Context, id uuid.UUID, output json.RawMessage) error
	// MarkFailedTransient records a retryable failure; the job stays out of
	// the queue until Requeue.
	MarkFailedTransient(ctx context.Context, id uuid.UUID, message, detail string) error
	// Requeue moves a transiently-failed job back to Queued once its backoff
	// delay has elapsed.
	Requeue(ctx context.Context, id uuid.UUID) (bool, error)
	// Abandon terminally fails the job and cascades abandonment through
	// every job downstream of it; the document flips to Failed with a
	// sanitized error message.
	Abandon(ctx context.Context, id uuid.UUID, message, detail string) error
	// ResetOrphaned moves a Running job whose worker died with a previous
	// process back to Queued. Only safe before any worker accepts tasks.
	ResetOrphaned(ctx context.Context, id uuid.UUID) error
}

type jobRepo struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewJobRepository wires a JobRepository over GORM.
func NewJobRepository(db *gorm.DB, logger *slog.Logger) JobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &jobRepo{db: db, logger: logger}
}

func (r *jobRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	var row jobRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toEntity()
}

func (r *jobRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]entity.Job, error) {
	var rows []jobRow
	if err := r.db.WithContext(ctx).Order("queued_at").Find(&rows, "document_id = ?", documentID).Error; err != nil {
		return nil, err
	}
	return jobsToEntities(rows)
}

func (r *jobRepo) Claim(ctx context.Context, id uuid.UUID) (*entity.Job, ClaimOutcome, error) {
	var claimed *entity.Job
	outcome := ClaimNotQueued

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return common.ErrNotFound
			}
			return err
		}
		if row.Status != string(constants.JobQueued) {
			outcome = ClaimNotQueued
			return nil
		}

		job, err := row.toEntity()
		if err != nil {
			return err
		}
		if len(job.DependsOn) > 0 {
			var deps []jobRow
			if err := tx.Find(&deps, "id IN ?", job.DependsOn).Error; err != nil {
				return err
			}
			succeeded := make(map[uuid.UUID]bool, len(deps))
			for i := range deps {
				if deps[i].Status == string(constants.JobAbandoned) {
					outcome = ClaimDepsFailed
					return nil
				}
				succeeded[deps[i].ID] = deps[i].Status == string(constants.JobSucceeded)
			}
			if !job.DependsOnAll(succeeded) {
				outcome = ClaimDepsUnmet
				return nil
			}
		}

		now := time.Now().UTC()
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status = ?", id, string(constants.JobQueued)).
			Updates(map[string]any{
				"status":        string(constants.JobRunning),
				"attempt_count": gorm.Expr("attempt_count + 1"),
				"started_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome = ClaimNotQueued
			return nil
		}

		if err := refreshDocumentStatus(tx, row.DocumentID); err != nil {
			return err
		}

		job.Status = constants.JobRunning
		job.AttemptCount++
		job.StartedAt = &now
		claimed = job
		outcome = ClaimOK
		return nil
	})
	if err != nil {
		return nil, ClaimNotQueued, err
	}
	return claimed, outcome, nil
}

func (r *jobRepo) MarkSucceeded(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status = ?", id, string(constants.JobRunning)).
			Updates(map[string]any{
				"status":        string(constants.JobSucceeded),
				"output":        []byte(output),
				"completed_at":  now,
				"error_message": nil,
				"error_detail":  nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s reported success while not running", common.ErrInvariantViolation, id)
		}
		return refreshOwnerStatus(tx, id)
	})
	if err != nil {
		r.logger.Error("failed to mark job succeeded", "job_id", id, "error", err)
		return err
	}
	r.logger.Info("job succeeded", "job_id", id)
	return nil
}

func (r *jobRepo) MarkFailedTransient(ctx context.Context, id uuid.UUID, message, detail string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status = ?", id, string(constants.JobRunning)).
			Updates(map[string]any{
				"status":        string(constants.JobFailed),
				"error_message": message,
				"error_detail":  detail,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s reported failure while not running", common.ErrInvariantViolation, id)
		}
		return refreshOwnerStatus(tx, id)
	})
	if err != nil {
		r.logger.Error("failed to record transient job failure", "job_id", id, "error", err)
		return err
	}
	r.logger.Warn("job failed transiently", "job_id", id, "error", message)
	return nil
}

func (r *jobRepo) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	requeued := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status = ?", id, string(constants.JobFailed)).
			Updates(map[string]any{
				"status":    string(constants.JobQueued),
				"queued_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		requeued = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		r.logger.Error("failed to requeue job", "job_id", id, "error", err)
		return false, err
	}
	return requeued, nil
}

func (r *jobRepo) Abandon(ctx context.Context, id uuid.UUID, message, detail string) error {
	now := time.Now().UTC()
	var docID uuid.UUID
	var stage string

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return common.ErrNotFound
			}
			return err
		}
		docID = row.DocumentID
		stage = row.StageKind

		if err := tx.Model(&jobRow{}).Where("id = ?", id).Updates(map[string]any{
			"status":        string(constants.JobAbandoned),
			"error_message": message,
			"error_detail":  detail,
			"completed_at":  now,
		}).Error; err != nil {
			return err
		}

		// Failure propagates forward: every job downstream of the abandoned
		// one is abandoned without ever running.
		var siblings []jobRow
		if err := tx.Find(&siblings, "document_id = ?", docID).Error; err != nil {
			return err
		}
		downstream, err := transitiveDependents(siblings, id)
		if err != nil {
			return err
		}
		for _, depID := range downstream {
			if err := tx.Model(&jobRow{}).
				Where("id = ? AND status NOT IN ?", depID,
					[]string{string(constants.JobSucceeded), string(constants.JobAbandoned)}).
				Updates(map[string]any{
					"status":        string(constants.JobAbandoned),
					"error_message": fmt.Sprintf("upstream stage %s failed", stage),
					"completed_at":  now,
				}).Error; err != nil {
				return err
			}
		}

		// Sanitized, stage-agnostic summary for the document; the raw
		// detail stays on the job row for operational inspection.
		if err := tx.Model(&documentRow{}).Where("id = ?", docID).Updates(map[string]any{
			"error_message": fmt.Sprintf("processing failed at stage %s", constants.StageKind(stage).Title()),
		}).Error; err != nil {
			return err
		}
		return refreshDocumentStatus(tx, docID)
	})
	if err != nil {
		r.logger.Error("failed to abandon job", "job_id", id, "error", err)
		return err
	}
	r.logger.Warn("job abandoned", "job_id", id, "document_id", docID, "stage", stage, "error", message)
	return nil
}

func (r *jobRepo) ResetOrphaned(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status = ?", id, string(constants.JobRunning)).
			Updates(map[string]any{
				"status":     string(constants.JobQueued),
				"queued_at":  time.Now().UTC(),
				"started_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return refreshOwnerStatus(tx, id)
	})
	if err != nil {
		r.logger.Error("failed to reset orphaned job", "job_id", id, "error", err)
		return err
	}
	r.logger.Warn("orphaned running job requeued", "job_id", id)
	return nil
}

// transitiveDependents walks the dependency edges forward from root and
// returns every job that directly or indirectly depends on it.
func transitiveDependents(rows []jobRow, root uuid.UUID) ([]uuid.UUID, error) {
	dependents := make(map[uuid.UUID][]uuid.UUID, len(rows))
	for i := range rows {
		var deps []uuid.UUID
		if len(rows[i].DependsOn) > 0 {
			if err := json.Unmarshal(rows[i].DependsOn, &deps); err != nil {
				return nil, err
			}
		}
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], rows[i].ID)
		}
	}

	seen := map[uuid.UUID]bool{root: true}
	frontier := []uuid.UUID{root}
	var out []uuid.UUID
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, child := range dependents[next] {
			if !seen[child] {
				seen[child] = true
				out = append(out, child)
				frontier = append(frontier, child)
			}
		}
	}
	return out, nil
}

// refreshOwnerStatus refreshes the document snapshot for the job's owner.
func refreshOwnerStatus(tx *gorm.DB, jobID uuid.UUID) error {
	var row jobRow
	if err := tx.Select("document_id").First(&row, "id = ?", jobID).Error; err != nil {
		return err
	}
	return refreshDocumentStatus(tx, row.DocumentID)
}

// refreshDocumentStatus recomputes the document's derived status from its
// jobs and stores the snapshot, inside the caller's transaction.
func refreshDocumentStatus(tx *gorm.DB, docID uuid.UUID) error {
	var rows []jobRow
	if err := tx.Find(&rows, "document_id = ?", docID).Error; err != nil {
		return err
	}
	jobs, err := jobsToEntities(rows)
	if err != nil {
		return err
	}
	status := entity.DeriveStatus(jobs)
	if status == constants.DocumentCompleted {
		// The terminal flip happens in MarkCompleted together with the
		// artifact write, so a poller never sees Completed with a nil
		// artifact.
		status = constants.DocumentProcessing
	}

	updates := map[string]any{"status": string(status)}
	var earliest *time.Time
	for i := range jobs {
		if jobs[i].StartedAt != nil && (earliest == nil || jobs[i].StartedAt.Before(*earliest)) {
			earliest = jobs[i].StartedAt
		}
	}
	if earliest != nil {
		updates["processing_started_at"] = *earliest
	}
	if status == constants.DocumentFailed {
		updates["processing_completed_at"] = time.Now().UTC()
	}
	return tx.Model(&documentRow{}).Where("id = ?", docID).Updates(updates).Error
}
