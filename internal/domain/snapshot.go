package domain

import "time"

// JobStatusSnapshot is one normalized job status as reported by a source.
// Snapshots are never persisted.
type JobStatusSnapshot struct {
	SourceID    string    `json:"source_id"`
	SourceJobID string    `json:"source_job_id"`
	DisplayName string    `json:"display_name"`
	Severity    Severity  `json:"severity"`
	LogLink     string    `json:"log_link"`
	ObservedAt  time.Time `json:"observed_at"`
}
