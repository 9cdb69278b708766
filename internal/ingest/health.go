package ingest

import (
	"sort"
	"sync"
	"time"
)

// APIErrorState is the process-wide source error indicator.
type APIErrorState struct {
	HasError      bool       `json:"has_error"`
	LastError     string     `json:"last_error,omitempty"`
	Source        string     `json:"source,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
}

type sourceError struct {
	message string
	at      time.Time
}

// Health holds the last refresh time and the per-source error state.
// It is written by the reconciliation cycle and read by everyone else.
type Health struct {
	mu          sync.RWMutex
	lastRefresh *time.Time
	errors      map[string]sourceError
}

// NewHealth creates a health state, optionally seeded with a persisted refresh time.
func NewHealth(lastRefresh *time.Time) *Health {
	h := &Health{errors: make(map[string]sourceError)}
	if lastRefresh != nil {
		t := *lastRefresh
		h.lastRefresh = &t
	}
	return h
}

// LastRefresh returns the time of the last committed cycle, or nil.
func (h *Health) LastRefresh() *time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastRefresh == nil {
		return nil
	}
	t := *h.lastRefresh
	return &t
}

// PublishRefresh records a committed cycle.
func (h *Health) PublishRefresh(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRefresh = &t
}

// RecordError raises the indicator for a source.
func (h *Health) RecordError(sourceID string, err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors[sourceID] = sourceError{message: err.Error(), at: at}
}

// ClearError lowers the indicator for a source after a successful fetch.
func (h *Health) ClearError(sourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.errors, sourceID)
}

// SourceError returns the current error of a source, if any.
func (h *Health) SourceError(sourceID string) (string, *time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.errors[sourceID]
	if !ok {
		return "", nil, false
	}
	at := e.at
	return e.message, &at, true
}

// APIError returns the indicator: set while any source is failing, describing the most recent failure.
func (h *Health) APIError() APIErrorState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.errors) == 0 {
		return APIErrorState{}
	}

	ids := make([]string, 0, len(h.errors))
	for id := range h.errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	latest := ids[0]
	for _, id := range ids[1:] {
		if h.errors[id].at.After(h.errors[latest].at) {
			latest = id
		}
	}

	e := h.errors[latest]
	at := e.at
	return APIErrorState{
		HasError:      true,
		LastError:     e.message,
		Source:        latest,
		LastErrorTime: &at,
	}
}
