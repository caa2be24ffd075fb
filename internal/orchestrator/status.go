package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
	"github.com/lucidnotes/doc-pipeline/internal/repository"
)

// pendingPercentFloor keeps a freshly submitted document from reading as
// "stuck at 0%" while it waits for a worker.
const pendingPercentFloor = 5

// Summary is the poller-facing view of one document's progress.
type Summary struct {
	TaskID       uuid.UUID                `json:"task_id"`
	Status       constants.DocumentStatus `json:"status"`
	Percent      int                      `json:"percent"`
	Message      string                   `json:"message"`
	ErrorMessage *string                  `json:"error_message,omitempty"`
	Artifact     json.RawMessage          `json:"artifact,omitempty"`
}

// StatusAggregator derives a single progress view from a document's job
// states. Pure read: it never mutates anything and is safe to call
// arbitrarily often and concurrently.
type StatusAggregator struct {
	docs repository.DocumentRepository
	jobs repository.JobRepository
}

// NewStatusAggregator wires a StatusAggregator over the repositories.
func NewStatusAggregator(docs repository.DocumentRepository, jobs repository.JobRepository) *StatusAggregator {
	return &StatusAggregator{docs: docs, jobs: jobs}
}

// Summarize builds the progress view for one task id.
func (a *StatusAggregator) Summarize(ctx context.Context, taskID uuid.UUID) (*Summary, error) {
	doc, err := a.docs.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	jobs, err := a.jobs.ListByDocument(ctx, taskID)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		TaskID:  doc.ID,
		Status:  doc.Status,
		Percent: percent(doc.Status, jobs),
		Message: message(doc, jobs),
	}
	switch doc.Status {
	case constants.DocumentCompleted:
		s.Artifact = doc.Artifact
	case constants.DocumentFailed:
		s.ErrorMessage = doc.ErrorMessage
	}
	return s, nil
}

// percent is succeeded/total with a non-zero floor, so repeated polls never
// regress: the succeeded count is monotonic and the floor is constant.
func percent(status constants.DocumentStatus, jobs []entity.Job) int {
	if status == constants.DocumentCompleted {
		return 100
	}
	if len(jobs) == 0 {
		return pendingPercentFloor
	}
	p := entity.CountSucceeded(jobs) * 100 / len(jobs)
	if p < pendingPercentFloor {
		return pendingPercentFloor
	}
	return p
}

func message(doc *entity.Document, jobs []entity.Job) string {
	switch doc.Status {
	case constants.DocumentCompleted:
		return "processing complete"
	case constants.DocumentFailed:
		if doc.ErrorMessage != nil {
			return *doc.ErrorMessage
		}
		return "processing failed"
	}

	// Surface the running stage, preferring DAG order when branches run
	// concurrently.
	byStage := make(map[constants.StageKind]*entity.Job, len(jobs))
	for i := range jobs {
		byStage[jobs[i].StageKind] = &jobs[i]
	}
	for _, kind := range constants.StageKinds {
		if j, ok := byStage[kind]; ok && j.Status == constants.JobRunning {
			return kind.DisplayName()
		}
	}
	if doc.Status == constants.DocumentPending {
		return "waiting to start"
	}
	return "queued for processing"
}
