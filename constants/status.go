package constants

// DocumentStatus is the derived status for rows in documents. It is never
// set directly by callers; the orchestrator recomputes it from job states
// after every transition.
type DocumentStatus string

// Stable values (store these exact strings in DB).
const (
	DocumentPending    DocumentStatus = "PENDING"    // no job has started yet
	DocumentProcessing DocumentStatus = "PROCESSING" // at least one job started, none abandoned
	DocumentCompleted  DocumentStatus = "COMPLETED"  // every job succeeded
	DocumentFailed     DocumentStatus = "FAILED"     // at least one job abandoned
)

// Terminal reports whether no further transitions are possible.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentCompleted || s == DocumentFailed
}

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobQueued    JobStatus = "QUEUED"    // waiting on dependencies or a worker
	JobRunning   JobStatus = "RUNNING"   // claimed by a worker
	JobSucceeded JobStatus = "SUCCEEDED" // stage output persisted
	JobFailed    JobStatus = "FAILED"    // transient failure, retry pending
	JobAbandoned JobStatus = "ABANDONED" // terminal: retries exhausted or permanent error
)

// Terminal reports whether the job can never run again.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobAbandoned
}
