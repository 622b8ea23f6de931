package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/pipeline"
)

// Submitter accepts uploads. *pipeline.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, up pipeline.Upload) (*database.Recording, error)
}

// ProjectLookup is implemented by *database.DB.
type ProjectLookup interface {
	GetProject(ctx context.Context, id string) (*database.Project, error)
}

// UploadHandler accepts audio for a project and starts its pipeline.
type UploadHandler struct {
	projects ProjectLookup
	submit   Submitter
	maxBytes int64
	log      zerolog.Logger
}

// NewUploadHandler creates a new upload handler. maxBytes caps the request
// body.
func NewUploadHandler(projects ProjectLookup, submit Submitter, maxBytes int64, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		projects: projects,
		submit:   submit,
		maxBytes: maxBytes,
		log:      log.With().Str("handler", "upload").Logger(),
	}
}

// Routes registers the upload endpoint.
func (h *UploadHandler) Routes(r chi.Router) {
	r.Post("/projects/{id}/recordings", h.Upload)
}

// Upload handles POST /projects/{id}/recordings with the audio in the
// multipart field "file". It answers 202 with the recording in processing;
// transcription continues in the background.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if _, err := h.projects.GetProject(r.Context(), projectID); err != nil {
		WriteFailure(w, r, "project not found", err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			WriteErrorDetail(w, http.StatusRequestEntityTooLarge, "upload too large", err.Error())
			return
		}
		WriteErrorDetail(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "missing audio file", `multipart field "file" is required`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read audio file")
		return
	}
	if len(data) == 0 {
		WriteErrorDetail(w, http.StatusBadRequest, "empty audio file", "the uploaded file has no content")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}

	rec, err := h.submit.Submit(r.Context(), pipeline.Upload{
		ProjectID:   projectID,
		Filename:    header.Filename,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		WriteFailure(w, r, "upload failed", err)
		return
	}
	h.log.Debug().
		Str("recording_id", rec.ID).
		Str("project_id", projectID).
		Int("bytes", len(data)).
		Msg("upload accepted")

	WriteJSON(w, http.StatusAccepted, rec)
}
