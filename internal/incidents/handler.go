package incidents

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/engineers"
	"github.com/bissquit/jobwatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrIncidentNotFound, Status: http.StatusNotFound, Message: "incident not found"},
	{Error: engineers.ErrEngineerNotFound, Status: http.StatusNotFound, Message: "engineer not found"},
	{Error: ErrInvalidTransition, Status: http.StatusConflict, Code: "invalid_transition"},
	{Error: ErrConcurrentModification, Status: http.StatusConflict, Message: "incident was modified concurrently, reload and retry", Code: "concurrent_modification"},
	{Error: ErrInvalidPriority, Status: http.StatusBadRequest, Message: "priority must be one of P1, P2, P3, P4"},
}

// Handler handles HTTP requests for the incidents module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new incidents handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers incident routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/incidents", func(r chi.Router) {
		r.Get("/", h.ListOpen)
		r.Get("/count", h.CountOpen)
		r.Get("/resolved", h.ListResolved)
		r.Get("/{id}", h.GetIncident)
		r.Get("/{id}/audit", h.GetAuditLog)
		r.Post("/{id}/respond", h.Respond)
		r.Put("/{id}/priority", h.SetPriority)
		r.Put("/{id}/ticket", h.UpdateTicket)
		r.Post("/{id}/resolve", h.Resolve)
	})

	r.Get("/stats/weekly", h.WeeklyStats)
}

// RespondRequest represents request body for responding to an incident.
type RespondRequest struct {
	EngineerID string  `json:"engineer_id" validate:"required"`
	Priority   string  `json:"priority" validate:"required,oneof=P1 P2 P3 P4"`
	IncNumber  *string `json:"inc_number" validate:"omitempty,max=64"`
	IncLink    *string `json:"inc_link" validate:"omitempty,url"`
}

// SetPriorityRequest represents request body for changing priority.
type SetPriorityRequest struct {
	Priority string `json:"priority" validate:"required,oneof=P1 P2 P3 P4"`
}

// UpdateTicketRequest represents request body for updating the ticket reference.
type UpdateTicketRequest struct {
	IncNumber string `json:"inc_number" validate:"max=64"`
	IncLink   string `json:"inc_link" validate:"omitempty,url"`
}

// ResolveRequest represents request body for resolving an incident.
type ResolveRequest struct {
	Reason       string `json:"reason" validate:"required,max=2000"`
	ActionTaken  string `json:"action_taken" validate:"required,max=2000"`
	PendingItems string `json:"pending_items" validate:"max=2000"`
}

// ListOpen handles GET /incidents.
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListOpenRanked(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, list)
}

// CountOpen handles GET /incidents/count.
func (h *Handler) CountOpen(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.CountOpen(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{"count": n})
}

// ListResolved handles GET /incidents/resolved.
func (h *Handler) ListResolved(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRecentResolvedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxRecentResolvedLimit {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	list, err := h.service.ListRecentlyResolved(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, list)
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.service.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, inc)
}

// GetAuditLog handles GET /incidents/{id}/audit.
func (h *Handler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.AuditLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entries)
}

// Respond handles POST /incidents/{id}/respond.
func (h *Handler) Respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.Respond(r.Context(), chi.URLParam(r, "id"), RespondInput{
		EngineerID: req.EngineerID,
		Priority:   domain.Priority(req.Priority),
		IncNumber:  req.IncNumber,
		IncLink:    req.IncLink,
	}, httputil.GetCallerID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, inc)
}

// SetPriority handles PUT /incidents/{id}/priority.
func (h *Handler) SetPriority(w http.ResponseWriter, r *http.Request) {
	var req SetPriorityRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.SetPriority(r.Context(), chi.URLParam(r, "id"), domain.Priority(req.Priority), httputil.GetCallerID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, inc)
}

// UpdateTicket handles PUT /incidents/{id}/ticket.
func (h *Handler) UpdateTicket(w http.ResponseWriter, r *http.Request) {
	var req UpdateTicketRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.UpdateTicket(r.Context(), chi.URLParam(r, "id"), req.IncNumber, req.IncLink, httputil.GetCallerID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, inc)
}

// Resolve handles POST /incidents/{id}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.Resolve(r.Context(), chi.URLParam(r, "id"), ResolveInput{
		Reason:       req.Reason,
		ActionTaken:  req.ActionTaken,
		PendingItems: req.PendingItems,
	}, httputil.GetCallerID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, inc)
}

// WeeklyStats handles GET /stats/weekly.
func (h *Handler) WeeklyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.WeeklyStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return false
	}

	return true
}
