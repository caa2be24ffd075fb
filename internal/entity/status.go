package entity

import "github.com/lucidnotes/doc-pipeline/constants"

// DeriveStatus computes a document's status as a pure function of its jobs.
// Failed wins over everything: one abandoned job condemns the document. A
// document with no jobs is an orchestration defect; callers treat that case
// separately.
func DeriveStatus(jobs []Job) constants.DocumentStatus {
	if len(jobs) == 0 {
		return constants.DocumentFailed
	}

	succeeded := 0
	started := false
	for i := range jobs {
		switch jobs[i].Status {
		case constants.JobAbandoned:
			return constants.DocumentFailed
		case constants.JobSucceeded:
			succeeded++
		}
		if jobs[i].StartedAt != nil {
			started = true
		}
	}

	if succeeded == len(jobs) {
		return constants.DocumentCompleted
	}
	if started {
		return constants.DocumentProcessing
	}
	return constants.DocumentPending
}

// CountSucceeded returns how many jobs have succeeded.
func CountSucceeded(jobs []Job) int {
	n := 0
	for i := range jobs {
		if jobs[i].Status == constants.JobSucceeded {
			n++
		}
	}
	return n
}
