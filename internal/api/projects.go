package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/sitevoice/internal/database"
)

// ProjectStore is the project side of *database.DB.
type ProjectStore interface {
	CreateProject(ctx context.Context, title, description string) (*database.Project, error)
	GetProject(ctx context.Context, id string) (*database.Project, error)
	ListProjectRecordings(ctx context.Context, projectID string) ([]database.Recording, error)
	ProjectArtifacts(ctx context.Context, projectID string) (*database.Artifacts, error)
}

type ProjectsHandler struct {
	db ProjectStore
}

func NewProjectsHandler(db ProjectStore) *ProjectsHandler {
	return &ProjectsHandler{db: db}
}

// CreateProject handles POST /projects.
func (h *ProjectsHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		WriteErrorDetail(w, http.StatusUnprocessableEntity, "validation failed", "title is required")
		return
	}

	p, err := h.db.CreateProject(r.Context(), body.Title, body.Description)
	if err != nil {
		WriteFailure(w, r, "failed to create project", err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

// GetProject handles GET /projects/{id}.
func (h *ProjectsHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.db.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteFailure(w, r, "project not found", err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// ListRecordings handles GET /projects/{id}/recordings.
func (h *ProjectsHandler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.db.GetProject(r.Context(), id); err != nil {
		WriteFailure(w, r, "project not found", err)
		return
	}
	recs, err := h.db.ListProjectRecordings(r.Context(), id)
	if err != nil {
		WriteFailure(w, r, "failed to list recordings", err)
		return
	}
	if recs == nil {
		recs = []database.Recording{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"recordings": recs,
		"total":      len(recs),
	})
}

// GetArtifacts handles GET /projects/{id}/artifacts: every task, material
// and offer derived from the project's recordings, with the newest offer as
// current_offer.
func (h *ProjectsHandler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	a, err := h.db.ProjectArtifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteFailure(w, r, "failed to load artifacts", err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

// Routes registers project routes on the given router.
func (h *ProjectsHandler) Routes(r chi.Router) {
	r.Post("/projects", h.CreateProject)
	r.Get("/projects/{id}", h.GetProject)
	r.Get("/projects/{id}/recordings", h.ListRecordings)
	r.Get("/projects/{id}/artifacts", h.GetArtifacts)
}
