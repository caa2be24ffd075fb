package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lucidnotes/doc-pipeline/constants"
)

// Document represents one uploaded content blob for data transfer between
// layers. Its status is derived from its jobs; the persisted column is only
// a snapshot maintained by the orchestrator.
type Document struct {
	ID                    uuid.UUID                `json:"id"`
	ContentHash           string                   `json:"content_hash"`
	PipelineVersion       string                   `json:"pipeline_version"`
	FileRef               string                   `json:"file_ref"`
	Status                constants.DocumentStatus `json:"status"`
	Artifact              json.RawMessage          `json:"artifact,omitempty"`
	ErrorMessage          *string                  `json:"error_message,omitempty"`
	CreatedAt             time.Time                `json:"created_at"`
	ProcessingStartedAt   *time.Time               `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time               `json:"processing_completed_at,omitempty"`
}

// CacheKey returns the document's identity in the result cache.
func (d *Document) CacheKey() CacheKey {
	return CacheKey{ContentHash: d.ContentHash, PipelineVersion: d.PipelineVersion}
}

// CacheKey is the (contentHash, pipelineVersion) pair uniquely identifying
// a document's processing result.
type CacheKey struct {
	ContentHash     string
	PipelineVersion string
}

// String renders the key in its stored "hash:version" form.
func (k CacheKey) String() string {
	return k.ContentHash + ":" + k.PipelineVersion
}
