// Package ingest fetches job statuses from external sources and drives reconciliation cycles.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
)

// Source is an external job-status provider.
type Source interface {
	ID() string
	Fetch(ctx context.Context) ([]RawJobStatus, error)
}

// RawJobStatus is one job status document as returned by a source.
type RawJobStatus struct {
	ID         string
	Name       string
	Status     string
	LogURL     string
	ObservedAt time.Time
}

// Normalize converts a raw document into a snapshot.
// Records with no id or an unknown status fail with ErrInvalidRecord.
func Normalize(sourceID string, raw RawJobStatus, fetchedAt time.Time) (domain.JobStatusSnapshot, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return domain.JobStatusSnapshot{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}

	severity, err := domain.ParseSeverity(raw.Status)
	if err != nil {
		return domain.JobStatusSnapshot{}, fmt.Errorf("%w: job %s: %w", ErrInvalidRecord, id, err)
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = id
	}

	observed := raw.ObservedAt
	if observed.IsZero() {
		observed = fetchedAt
	}

	return domain.JobStatusSnapshot{
		SourceID:    sourceID,
		SourceJobID: id,
		DisplayName: name,
		Severity:    severity,
		LogLink:     raw.LogURL,
		ObservedAt:  observed.UTC(),
	}, nil
}
