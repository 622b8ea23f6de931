package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/failure"
	"github.com/snarg/sitevoice/internal/metrics"
	"github.com/snarg/sitevoice/internal/retry"
	"github.com/snarg/sitevoice/internal/stt"
)

// Transcriber runs the transcription stage for one recording at a time.
type Transcriber struct {
	store              RecordingStore
	blobs              BlobGateway
	stt                stt.Provider
	policy             retry.Policy
	defaultContentType string
	log                zerolog.Logger
}

// NewTranscriber creates a transcription stage. defaultContentType is sent
// to the worker for recordings stored without one.
func NewTranscriber(store RecordingStore, blobs BlobGateway, provider stt.Provider, policy retry.Policy, defaultContentType string, log zerolog.Logger) *Transcriber {
	return &Transcriber{
		store:              store,
		blobs:              blobs,
		stt:                provider,
		policy:             policy,
		defaultContentType: defaultContentType,
		log:                log.With().Str("component", "transcriber").Logger(),
	}
}

// Transcribe fetches the recording's audio, sends it to the speech-to-text
// worker under the retry policy and stores the transcript.
//
// On success the transcript and the completed status are written together
// by one CompleteTranscription call. On failure the recording stays in
// processing: only last_error and attempts are updated, and the returned
// error tells an exhausted retry budget apart from a fatal failure.
// A recording that is already completed is returned unchanged.
func (t *Transcriber) Transcribe(ctx context.Context, rec *database.Recording) (*database.Recording, error) {
	log := t.log.With().
		Str("recording_id", rec.ID).
		Str("project_id", rec.ProjectID).
		Str("stage", StageTranscription).
		Logger()

	if rec.Status == database.StatusCompleted {
		log.Debug().Msg("already transcribed, nothing to do")
		return rec, nil
	}

	start := time.Now()
	updated, err := t.transcribe(ctx, rec, log)
	if err != nil {
		metrics.ObserveStage(StageTranscription, failure.Kind(err), start)
		log.Error().Err(err).Str("kind", failure.Kind(err)).Msg("transcription failed, recording stays processing")
		t.recordFailure(ctx, rec.ID, err, log)
		return nil, err
	}
	metrics.ObserveStage(StageTranscription, "ok", start)
	log.Info().
		Int("transcript_len", len(*updated.Transcript)).
		Dur("took", time.Since(start)).
		Msg("transcription completed")
	return updated, nil
}

func (t *Transcriber) transcribe(ctx context.Context, rec *database.Recording, log zerolog.Logger) (*database.Recording, error) {
	audio, err := t.blobs.Get(ctx, rec.BlobRef)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, &failure.PreconditionError{Stage: StageTranscription, Reason: "audio file is empty"}
	}

	contentType := rec.ContentType
	if contentType == "" {
		contentType = t.defaultContentType
	}

	resp, err := retry.Do(ctx, t.policy, func(ctx context.Context) (*stt.Response, error) {
		return t.stt.Transcribe(ctx, audio, contentType)
	}, retry.OnRetry(func(attempt int, delay time.Duration, err error) {
		metrics.WorkerRetriesTotal.WithLabelValues("stt").Inc()
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("stt call failed, retrying")
	}))
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, &failure.PreconditionError{Stage: StageTranscription, Reason: "speech-to-text returned an empty transcript"}
	}

	return t.store.CompleteTranscription(ctx, rec.ID, text)
}

// recordFailure keeps the operator-facing message on the row. It runs even
// when ctx was cancelled so a shutdown mid-run still leaves a trace.
func (t *Transcriber) recordFailure(ctx context.Context, id string, cause error, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.store.RecordTranscriptionFailure(ctx, id, failure.Message(cause)); err != nil {
		log.Warn().Err(err).Msg("could not record transcription failure")
	}
}
