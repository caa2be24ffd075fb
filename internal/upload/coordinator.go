// Package upload implements the submission path: cache lookup first,
// then atomic document creation with the unique cache key index acting as
// the only serialization point between racing submitters.
package upload

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/cache"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
	"github.com/lucidnotes/doc-pipeline/internal/orchestrator"
	"github.com/lucidnotes/doc-pipeline/internal/repository"
)

var hexHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// SubmitResult is the outcome of a submission. Exactly one of Artifact or
// TaskID carries the caller's next step: a cached artifact is returned
// immediately, otherwise TaskID identifies the document to poll.
type SubmitResult struct {
	Cached   bool            `json:"cached"`
	TaskID   uuid.UUID       `json:"taskId"`
	Status   constants.DocumentStatus `json:"status"`
	Artifact json.RawMessage `json:"artifact,omitempty"`
}

// Coordinator accepts fingerprinted uploads and either serves them from
// the cache or admits them into the pipeline.
type Coordinator struct {
	index       *cache.Index
	docs        repository.DocumentRepository
	orch        *orchestrator.Orchestrator
	maxAttempts int
	logger      *slog.Logger
}

func NewCoordinator(
	index *cache.Index,
	docs repository.DocumentRepository,
	orch *orchestrator.Orchestrator,
	maxAttempts int,
	logger *slog.Logger,
) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		index:       index,
		docs:        docs,
		orch:        orch,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Submit runs the submission protocol for an already-fingerprinted file.
// It never blocks on pipeline execution: a cache hit returns the artifact,
// everything else returns the task id to poll.
func (c *Coordinator) Submit(ctx context.Context, contentHash, pipelineVersion, fileRef string) (*SubmitResult, error) {
	contentHash = strings.ToLower(strings.TrimSpace(contentHash))
	if !hexHashPattern.MatchString(contentHash) {
		return nil, common.NewAppError("VALIDATION", "contentHash must be a 64-character hex sha-256 digest", common.ErrInvalidInput)
	}
	if pipelineVersion = strings.TrimSpace(pipelineVersion); pipelineVersion == "" {
		return nil, common.NewAppError("VALIDATION", "pipelineVersion is required", common.ErrInvalidInput)
	}
	if fileRef = strings.TrimSpace(fileRef); fileRef == "" {
		return nil, common.NewAppError("VALIDATION", "fileRef is required", common.ErrInvalidInput)
	}

	key := entity.CacheKey{ContentHash: contentHash, PipelineVersion: pipelineVersion}

	if doc, err := c.index.Lookup(ctx, key); err != nil {
		return nil, err
	} else if doc != nil {
		c.logger.Info("cache hit", "content_hash", contentHash, "pipeline_version", pipelineVersion)
		return cachedResult(doc), nil
	}

	doc, created, err := c.docs.CreateWithJobs(ctx, key, fileRef, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	if created {
		c.logger.Info("document admitted", "document_id", doc.ID, "content_hash", contentHash)
		if err := c.orch.StartDocument(ctx, doc.ID); err != nil {
			return nil, err
		}
		return pendingResult(doc), nil
	}

	// Lost the insert race, or the document predates this submission.
	return c.resolveExisting(ctx, doc)
}

// resolveExisting maps an already-present document onto a submission
// outcome: completed serves the artifact, failed re-enters the pipeline,
// anything in flight shares the winner's task id.
func (c *Coordinator) resolveExisting(ctx context.Context, doc *entity.Document) (*SubmitResult, error) {
	switch doc.Status {
	case constants.DocumentCompleted:
		if doc.Artifact != nil {
			if _, err := c.index.Lookup(ctx, doc.CacheKey()); err != nil {
				c.logger.Warn("cache touch on completed document failed", "document_id", doc.ID, "error", err)
			}
			return cachedResult(doc), nil
		}
		// Completed without an artifact never happens under the completion
		// protocol; report it rather than serve a broken result.
		return nil, common.NewAppError("INVARIANT_VIOLATION",
			"completed document has no artifact", common.ErrInvariantViolation)

	case constants.DocumentFailed:
		if _, err := c.docs.ResetForReprocessing(ctx, doc.ID, c.maxAttempts); err != nil {
			// A concurrent submitter may have reset it first; if the document
			// is back in flight, share its task id instead of failing.
			if fresh, gerr := c.docs.GetByID(ctx, doc.ID); gerr == nil && !fresh.Status.Terminal() {
				return pendingResult(fresh), nil
			}
			return nil, err
		}
		c.logger.Info("failed document resubmitted", "document_id", doc.ID)
		// The snapshot in hand still says Failed; report the post-reset state.
		fresh, err := c.docs.GetByID(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		if err := c.orch.StartDocument(ctx, doc.ID); err != nil {
			return nil, err
		}
		return pendingResult(fresh), nil

	default: // Pending or Processing: join the in-flight run.
		return pendingResult(doc), nil
	}
}

func cachedResult(doc *entity.Document) *SubmitResult {
	return &SubmitResult{
		Cached:   true,
		TaskID:   doc.ID,
		Status:   constants.DocumentCompleted,
		Artifact: doc.Artifact,
	}
}

func pendingResult(doc *entity.Document) *SubmitResult {
	return &SubmitResult{TaskID: doc.ID, Status: doc.Status}
}
