// Package orchestrator drives the stage DAG: it schedules eligible jobs
// onto the queue, reacts to successes by re-evaluating dependents, applies
// the retry policy to failures, and performs the completion transition
// that populates the cache.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/async"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
	"github.com/lucidnotes/doc-pipeline/internal/pipeline"
	"github.com/lucidnotes/doc-pipeline/internal/repository"
)

// jobErrorMessageLimit caps the short diagnostic stored in error_message;
// the full text goes to error_detail.
const jobErrorMessageLimit = 200

// Orchestrator coordinates pipeline execution for all documents.
type Orchestrator struct {
	docs     repository.DocumentRepository
	jobs     repository.JobRepository
	registry *pipeline.Registry
	policy   RetryPolicy
	cacheTTL time.Duration // 0 means cache entries never expire
	logger   *slog.Logger

	queue async.Queue
}

// New wires an Orchestrator. AttachQueue must be called before any
// document is started; the queue's workers call back into HandleTask.
func New(
	docs repository.DocumentRepository,
	jobs repository.JobRepository,
	registry *pipeline.Registry,
	policy RetryPolicy,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		docs:     docs,
		jobs:     jobs,
		registry: registry,
		policy:   policy,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// AttachQueue connects the scheduling side to a queue whose workers run
// HandleTask.
func (o *Orchestrator) AttachQueue(q async.Queue) {
	o.queue = q
}

// StartDocument enqueues every job of the document whose dependency set is
// already satisfied; for a fresh DAG that is exactly the Parse stage.
func (o *Orchestrator) StartDocument(ctx context.Context, documentID uuid.UUID) error {
	return o.enqueueEligible(ctx, documentID)
}

// HandleTask is the worker entry point. Claims are conditional, so
// duplicate deliveries and premature deliveries resolve to no-ops here.
func (o *Orchestrator) HandleTask(ctx context.Context, task async.Task) error {
	job, outcome, err := o.jobs.Claim(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// Document was purged while the task sat in the queue.
			o.logger.Debug("dropping task for missing job", "job_id", task.JobID)
			return nil
		}
		return err
	}

	switch outcome {
	case repository.ClaimOK:
		return o.runJob(ctx, job)
	case repository.ClaimDepsFailed:
		return o.jobs.Abandon(ctx, task.JobID, "upstream stage failed", "")
	case repository.ClaimDepsUnmet:
		// Delivered ahead of its dependencies; it is re-enqueued when the
		// last of them succeeds.
		o.logger.Debug("job not yet eligible", "job_id", task.JobID)
		return nil
	default: // ClaimNotQueued
		return nil
	}
}

func (o *Orchestrator) runJob(ctx context.Context, job *entity.Job) error {
	log := o.logger.With("job_id", job.ID, "document_id", job.DocumentID, "stage", job.StageKind, "attempt", job.AttemptCount)

	executor, ok := o.registry.Get(job.StageKind)
	if !ok {
		return o.jobs.Abandon(ctx, job.ID,
			fmt.Sprintf("no executor registered for stage %s", job.StageKind), "")
	}

	doc, err := o.docs.GetByID(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	inputs, err := o.dependencyOutputs(ctx, job)
	if err != nil {
		return err
	}

	log.Info("stage started")
	output, execErr := executor.Execute(ctx, pipeline.Request{Document: doc, Inputs: inputs})
	if execErr != nil {
		return o.handleFailure(ctx, job, execErr)
	}

	if err := o.jobs.MarkSucceeded(ctx, job.ID, output); err != nil {
		return o.handleInvariantViolation(ctx, job.DocumentID, err)
	}
	log.Info("stage succeeded")

	return o.afterSuccess(ctx, job.DocumentID)
}

// dependencyOutputs verifies every direct dependency succeeded and returns
// the outputs of all succeeded stages keyed by kind. The whole upstream
// closure is exposed, not just direct edges: the concept-map join reads the
// parsed text even though it only depends on the two middle stages.
func (o *Orchestrator) dependencyOutputs(ctx context.Context, job *entity.Job) (map[constants.StageKind]json.RawMessage, error) {
	if len(job.DependsOn) == 0 {
		return nil, nil
	}
	siblings, err := o.jobs.ListByDocument(ctx, job.DocumentID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*entity.Job, len(siblings))
	for i := range siblings {
		byID[siblings[i].ID] = &siblings[i]
	}
	for _, depID := range job.DependsOn {
		dep, ok := byID[depID]
		if !ok || dep.Status != constants.JobSucceeded {
			return nil, fmt.Errorf("%w: job %s running with unmet dependency %s",
				common.ErrInvariantViolation, job.ID, depID)
		}
	}

	inputs := make(map[constants.StageKind]json.RawMessage, len(siblings))
	for i := range siblings {
		if siblings[i].Status == constants.JobSucceeded {
			inputs[siblings[i].StageKind] = siblings[i].Output
		}
	}
	return inputs, nil
}

// afterSuccess re-evaluates the DAG: newly eligible jobs are enqueued, and
// a fully succeeded DAG is assembled into the cached artifact.
func (o *Orchestrator) afterSuccess(ctx context.Context, documentID uuid.UUID) error {
	jobs, err := o.jobs.ListByDocument(ctx, documentID)
	if err != nil {
		return err
	}

	if entity.CountSucceeded(jobs) == len(jobs) && len(jobs) > 0 {
		return o.completeDocument(ctx, documentID, jobs)
	}
	return o.enqueueEligibleFrom(ctx, documentID, jobs)
}

func (o *Orchestrator) completeDocument(ctx context.Context, documentID uuid.UUID, jobs []entity.Job) error {
	artifact, err := pipeline.AssembleArtifact(jobs)
	if err != nil {
		// Stage outputs that cannot assemble into a valid artifact mean a
		// defective executor, not a retryable runtime condition.
		return o.handleInvariantViolation(ctx, documentID,
			fmt.Errorf("%w: assemble artifact: %w", common.ErrInvariantViolation, err))
	}

	var expiresAt *time.Time
	if o.cacheTTL > 0 {
		t := time.Now().UTC().Add(o.cacheTTL)
		expiresAt = &t
	}
	if err := o.docs.MarkCompleted(ctx, documentID, artifact, expiresAt); err != nil {
		if errors.Is(err, common.ErrInvariantViolation) {
			return o.handleInvariantViolation(ctx, documentID, err)
		}
		return err
	}
	o.logger.Info("pipeline completed", "document_id", documentID)
	return nil
}

func (o *Orchestrator) enqueueEligible(ctx context.Context, documentID uuid.UUID) error {
	jobs, err := o.jobs.ListByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	return o.enqueueEligibleFrom(ctx, documentID, jobs)
}

func (o *Orchestrator) enqueueEligibleFrom(ctx context.Context, documentID uuid.UUID, jobs []entity.Job) error {
	succeeded := make(map[uuid.UUID]bool, len(jobs))
	for i := range jobs {
		succeeded[jobs[i].ID] = jobs[i].Status == constants.JobSucceeded
	}
	for i := range jobs {
		j := &jobs[i]
		if j.Status != constants.JobQueued || !j.DependsOnAll(succeeded) {
			continue
		}
		task := async.Task{JobID: j.ID, DocumentID: documentID, EnqueuedAt: time.Now().UTC()}
		if err := o.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("enqueue stage %s: %w", j.StageKind, err)
		}
		o.logger.Debug("stage enqueued", "job_id", j.ID, "document_id", documentID, "stage", j.StageKind)
	}
	return nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, job *entity.Job, execErr error) error {
	message := execErr.Error()
	detail := message
	if len(message) > jobErrorMessageLimit {
		message = message[:jobErrorMessageLimit]
	}

	decision := o.policy.Decide(job, execErr)
	if !decision.Retry {
		return o.jobs.Abandon(ctx, job.ID, message, detail)
	}

	if err := o.jobs.MarkFailedTransient(ctx, job.ID, message, detail); err != nil {
		if errors.Is(err, common.ErrInvariantViolation) {
			return o.handleInvariantViolation(ctx, job.DocumentID, err)
		}
		return err
	}
	o.logger.Warn("stage failed, retry scheduled",
		"job_id", job.ID, "document_id", job.DocumentID, "stage", job.StageKind,
		"attempt", job.AttemptCount, "retry_after", decision.After, "error", message)

	jobID, docID := job.ID, job.DocumentID
	time.AfterFunc(decision.After, func() {
		// Timer context: the triggering request is long gone.
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		requeued, err := o.jobs.Requeue(rctx, jobID)
		if err != nil || !requeued {
			return
		}
		task := async.Task{JobID: jobID, DocumentID: docID, EnqueuedAt: time.Now().UTC()}
		if err := o.queue.Enqueue(rctx, task); err != nil {
			o.logger.Error("failed to enqueue retry", "job_id", jobID, "error", err)
		}
	})
	return nil
}

// handleInvariantViolation forces the document Failed with a sanitized
// message. These are programming defects, not recoverable runtime
// conditions, so they are logged loudly.
func (o *Orchestrator) handleInvariantViolation(ctx context.Context, documentID uuid.UUID, err error) error {
	o.logger.Error("orchestration invariant violated", "document_id", documentID, "error", err)
	if ferr := o.docs.ForceFailed(ctx, documentID, "internal processing error"); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

// Recover picks up work left behind by a previous process. It must run
// before the queue accepts tasks: jobs still marked Running are orphans of
// the dead process and go back to the queue, transiently-failed jobs lost
// their retry timer with the process, and a document whose every stage
// succeeded crashed between the last success and the completion transition.
func (o *Orchestrator) Recover(ctx context.Context) error {
	ids, err := o.docs.ListInFlight(ctx)
	if err != nil {
		return err
	}
	for _, docID := range ids {
		jobs, err := o.jobs.ListByDocument(ctx, docID)
		if err != nil {
			return err
		}
		if entity.CountSucceeded(jobs) == len(jobs) && len(jobs) > 0 {
			if err := o.completeDocument(ctx, docID, jobs); err != nil {
				return err
			}
			continue
		}
		for i := range jobs {
			switch jobs[i].Status {
			case constants.JobRunning:
				if err := o.jobs.ResetOrphaned(ctx, jobs[i].ID); err != nil {
					return err
				}
			case constants.JobFailed:
				if _, err := o.jobs.Requeue(ctx, jobs[i].ID); err != nil {
					return err
				}
			}
		}
		if err := o.enqueueEligible(ctx, docID); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		o.logger.Info("recovered in-flight documents", "count", len(ids))
	}
	return nil
}
