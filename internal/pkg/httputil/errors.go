package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/jobwatch/internal/pkg/ctxlog"
)

// ErrorMapping translates a sentinel error into a status and optional
// machine-readable code. An empty Message exposes err.Error().
type ErrorMapping struct {
	Error   error
	Status  int
	Message string
	Code    string
}

// HandleError writes the first mapping err matches via errors.Is. Unmatched
// errors become a 500 with a generic message and are logged with the
// request logger.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	logger := ctxlog.FromContext(ctx)

	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		if m.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "status", m.Status, "code", m.Code, "error", err)
		} else {
			logger.Debug("request rejected", "status", m.Status, "code", m.Code, "error", err)
		}
		ErrorWithCode(w, m.Status, m.Code, msg)
		return
	}

	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
