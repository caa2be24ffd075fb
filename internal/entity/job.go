package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lucidnotes/doc-pipeline/constants"
)

// Job is one pipeline-stage execution unit, owned by exactly one document.
// DependsOn is computed once from the stage DAG template at document
// creation and never mutated afterwards.
type Job struct {
	ID           uuid.UUID           `json:"id"`
	DocumentID   uuid.UUID           `json:"document_id"`
	StageKind    constants.StageKind `json:"stage_kind"`
	Status       constants.JobStatus `json:"status"`
	AttemptCount int                 `json:"attempt_count"`
	MaxAttempts  int                 `json:"max_attempts"`
	DependsOn    []uuid.UUID         `json:"depends_on,omitempty"`
	Output       json.RawMessage     `json:"output,omitempty"`
	QueuedAt     time.Time           `json:"queued_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	ErrorDetail  *string             `json:"error_detail,omitempty"`
}

// DependsOnAll reports whether every dependency id appears in the succeeded
// set.
func (j *Job) DependsOnAll(succeeded map[uuid.UUID]bool) bool {
	for _, dep := range j.DependsOn {
		if !succeeded[dep] {
			return false
		}
	}
	return true
}
