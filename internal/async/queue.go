// Package async moves stage jobs from the orchestrator to workers. Both
// drivers deliver at least once; job claims are conditional updates, so a
// duplicate delivery is a no-op.
package async

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task is the smallest useful unit: which job to run for which document.
type Task struct {
	JobID      uuid.UUID `json:"job_id"`
	DocumentID uuid.UUID `json:"document_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler executes one delivered task.
type Handler func(ctx context.Context, task Task) error

// Queue hands tasks to the worker side.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Shutdown(ctx context.Context)
}
