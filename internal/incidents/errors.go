package incidents

import "errors"

// Repository errors.
var (
	ErrIncidentNotFound       = errors.New("incident not found")
	ErrConcurrentModification = errors.New("incident was modified concurrently")
)

// Lifecycle errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidPriority   = errors.New("invalid priority")
)
