package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/bissquit/jobwatch/internal/incidents"
	"github.com/bissquit/jobwatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrRefreshInProgress, Status: http.StatusConflict, Message: "a refresh is already running", Code: "refresh_in_progress"},
	{Error: ErrRefreshThrottled, Status: http.StatusTooManyRequests, Message: "too many refresh requests, try again later", Code: "refresh_throttled"},
	{Error: incidents.ErrNoSourceData, Status: http.StatusBadGateway, Message: "no source returned data", Code: "no_source_data"},
}

// Refresher runs a manual cycle.
type Refresher interface {
	Trigger(ctx context.Context) (*CycleResult, error)
}

// Handler handles HTTP requests for source status and manual refresh.
type Handler struct {
	refresher Refresher
	sourceIDs []string
	cache     *StatusCache
	health    *Health
	now       func() time.Time
}

// NewHandler creates a new ingest handler.
func NewHandler(refresher Refresher, sourceIDs []string, cache *StatusCache, health *Health) *Handler {
	return &Handler{
		refresher: refresher,
		sourceIDs: sourceIDs,
		cache:     cache,
		health:    health,
		now:       time.Now,
	}
}

// RegisterRoutes registers ingest routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Post("/refresh", h.Refresh)
}

// SourceStatus is the state of one configured source.
type SourceStatus struct {
	ID               string     `json:"id"`
	LastFetchedAt    *time.Time `json:"last_fetched_at"`
	StalenessSeconds *int64     `json:"staleness_seconds"`
	SnapshotCount    int        `json:"snapshot_count"`
	LastError        string     `json:"last_error,omitempty"`
	LastErrorTime    *time.Time `json:"last_error_time,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	LastRefreshTime *time.Time     `json:"last_refresh_time"`
	APIError        APIErrorState  `json:"api_error"`
	Sources         []SourceStatus `json:"sources"`
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	now := h.now()

	sources := make([]SourceStatus, 0, len(h.sourceIDs))
	for _, id := range h.sourceIDs {
		st := SourceStatus{ID: id}
		if e, ok := h.cache.Get(id); ok {
			fetched := e.FetchedAt
			staleness := int64(now.Sub(fetched).Seconds())
			st.LastFetchedAt = &fetched
			st.StalenessSeconds = &staleness
			st.SnapshotCount = len(e.Snapshots)
		}
		if msg, at, ok := h.health.SourceError(id); ok {
			st.LastError = msg
			st.LastErrorTime = at
		}
		sources = append(sources, st)
	}

	httputil.Success(w, http.StatusOK, StatusResponse{
		LastRefreshTime: h.health.LastRefresh(),
		APIError:        h.health.APIError(),
		Sources:         sources,
	})
}

// Refresh handles POST /refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.refresher.Trigger(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}
