package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/sitevoice/internal/analysis"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/pipeline"
	"github.com/snarg/sitevoice/internal/stt"
)

// Pipeline is the recording side of *pipeline.Orchestrator.
type Pipeline interface {
	Status(ctx context.Context, recordingID string) (*pipeline.RecordingStatus, error)
	RetryTranscription(ctx context.Context, recordingID string) (*database.Recording, error)
	Analyze(ctx context.Context, recordingID string) (*analysis.Outcome, error)
	Delete(ctx context.Context, recordingID string) error
}

type RecordingsHandler struct {
	pipe   Pipeline
	warmer stt.Warmer // nil when the provider has nothing to warm
}

func NewRecordingsHandler(pipe Pipeline, warmer stt.Warmer) *RecordingsHandler {
	return &RecordingsHandler{pipe: pipe, warmer: warmer}
}

// GetRecording handles GET /recordings/{id}.
func (h *RecordingsHandler) GetRecording(w http.ResponseWriter, r *http.Request) {
	st, err := h.pipe.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteFailure(w, r, "recording not found", err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// DeleteRecording handles DELETE /recordings/{id}.
func (h *RecordingsHandler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.pipe.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteFailure(w, r, "failed to delete recording", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryTranscription handles POST /recordings/{id}/retry. Only recordings
// still in processing can be retried.
func (h *RecordingsHandler) RetryTranscription(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pipe.RetryTranscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteFailure(w, r, "retry refused", err)
		return
	}
	WriteJSON(w, http.StatusAccepted, rec)
}

// Analyze handles POST /recordings/{id}/analyze. It runs synchronously and
// returns the persisted result.
func (h *RecordingsHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	out, err := h.pipe.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteFailure(w, r, "analysis failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"recording_id": out.RecordingID,
		"project_id":   out.ProjectID,
		"run_id":       out.Saved.RunID,
		"task_ids":     out.Saved.TaskIDs,
		"material_ids": out.Saved.MaterialIDs,
		"offer_id":     out.Saved.OfferID,
		"result":       out.Result,
	})
}

// Warmup handles POST /stt/warmup by sending a tiny request to the
// speech-to-text worker so its model is loaded before real uploads.
func (h *RecordingsHandler) Warmup(w http.ResponseWriter, r *http.Request) {
	if h.warmer == nil {
		WriteError(w, http.StatusNotImplemented, "speech-to-text provider does not support warmup")
		return
	}
	start := time.Now()
	if err := h.warmer.Warmup(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("stt warmup failed")
		WriteFailure(w, r, "warmup failed", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "warm",
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// Routes registers recording routes on the given router.
func (h *RecordingsHandler) Routes(r chi.Router) {
	r.Get("/recordings/{id}", h.GetRecording)
	r.Delete("/recordings/{id}", h.DeleteRecording)
	r.Post("/recordings/{id}/retry", h.RetryTranscription)
	r.Post("/recordings/{id}/analyze", h.Analyze)
	r.Post("/stt/warmup", h.Warmup)
}
