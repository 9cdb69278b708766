package ingest

import "errors"

// Fetch errors.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrInvalidRecord     = errors.New("invalid job status record")
)

// Refresh errors.
var (
	ErrRefreshInProgress = errors.New("refresh already in progress")
	ErrRefreshThrottled  = errors.New("too many manual refresh requests")
)
