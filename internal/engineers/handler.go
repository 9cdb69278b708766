package engineers

import (
	"encoding/json"
	"net/http"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrEngineerNotFound, Status: http.StatusNotFound, Message: "engineer not found"},
	{Error: ErrEngineerExists, Status: http.StatusConflict, Message: "engineer with this name already exists"},
	{Error: ErrEngineerInUse, Status: http.StatusConflict, Message: "engineer is assigned to incidents and cannot be removed", Code: "engineer_in_use"},
	{Error: ErrInvalidLevel, Status: http.StatusBadRequest, Message: "level must be L1 or L2"},
	{Error: ErrInvalidName, Status: http.StatusBadRequest, Message: "name must not be empty"},
}

// Handler handles HTTP requests for the engineer roster.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new engineers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers roster routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/engineers", func(r chi.Router) {
		r.Get("/", h.ListEngineers)
		r.Post("/", h.CreateEngineer)
		r.Delete("/{id}", h.DeleteEngineer)
	})
}

// CreateEngineerRequest represents request body for adding an engineer.
type CreateEngineerRequest struct {
	Name  string `json:"name" validate:"required,min=1,max=255"`
	Level string `json:"level" validate:"required,oneof=L1 L2"`
}

// ListEngineers handles GET /engineers.
func (h *Handler) ListEngineers(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, list)
}

// CreateEngineer handles POST /engineers.
func (h *Handler) CreateEngineer(w http.ResponseWriter, r *http.Request) {
	var req CreateEngineerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	engineer, err := h.service.Add(r.Context(), req.Name, domain.EngineerLevel(req.Level))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, engineer)
}

// DeleteEngineer handles DELETE /engineers/{id}.
func (h *Handler) DeleteEngineer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
