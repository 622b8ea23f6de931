package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice/internal/analysis"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/events"
	"github.com/snarg/sitevoice/internal/failure"
	"github.com/snarg/sitevoice/internal/metrics"
	"github.com/snarg/sitevoice/internal/retry"
	"github.com/snarg/sitevoice/internal/stt"
)

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	Store    RecordingStore
	Blobs    BlobGateway
	STT      stt.Provider
	Analyzer Analyzer
	Notifier Notifier // optional

	Policy             retry.Policy
	DefaultContentType string
	Log                zerolog.Logger
}

// Upload is one audio file handed to Submit.
type Upload struct {
	ProjectID   string
	Filename    string
	ContentType string
	Data        []byte
}

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	InFlight  int   `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// RecordingStatus is the externally visible pipeline state of a recording.
type RecordingStatus struct {
	RecordingID   string                   `json:"recording_id"`
	ProjectID     string                   `json:"project_id"`
	Name          string                   `json:"name"`
	Status        database.RecordingStatus `json:"status"`
	Stage         string                   `json:"stage"` // processing, completed or analyzed
	HasTranscript bool                     `json:"has_transcript"`
	Transcript    *string                  `json:"transcript"`
	LastError     *string                  `json:"last_error,omitempty"`
	Attempts      int                      `json:"attempts"`
	Analyzed      bool                     `json:"analyzed"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Orchestrator drives recordings through the pipeline. Every transcription
// started by Submit or RetryTranscription runs in its own goroutine with no
// global limit; a remote worker that cannot keep up answers with transient
// errors that the retry policy absorbs.
type Orchestrator struct {
	store       RecordingStore
	blobs       BlobGateway
	transcriber *Transcriber
	analyzer    Analyzer
	notify      Notifier
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	running map[string]struct{} // recording ids with a transcription in flight

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates an orchestrator. Background transcriptions run under a
// context that only Stop cancels.
func New(d Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	notify := d.Notifier
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Orchestrator{
		store:       d.Store,
		blobs:       d.Blobs,
		transcriber: NewTranscriber(d.Store, d.Blobs, d.STT, d.Policy, d.DefaultContentType, d.Log),
		analyzer:    d.Analyzer,
		notify:      notify,
		log:         d.Log.With().Str("component", "orchestrator").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[string]struct{}),
	}
}

// Submit stores the audio, creates the recording in processing and starts
// its transcription in the background. It returns as soon as the recording
// exists.
func (o *Orchestrator) Submit(ctx context.Context, up Upload) (*database.Recording, error) {
	if o.isStopped() {
		return nil, &failure.PreconditionError{Stage: StageUpload, Reason: "service is shutting down"}
	}

	ref, err := o.blobs.Put(ctx, up.ProjectID, up.Filename, up.ContentType, up.Data)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(failure.Kind(err)).Inc()
		return nil, err
	}

	rec, err := o.store.CreateRecording(ctx, database.NewRecording{
		ProjectID:   up.ProjectID,
		Name:        up.Filename,
		BlobRef:     ref,
		ContentType: up.ContentType,
		SizeBytes:   int64(len(up.Data)),
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(failure.Kind(err)).Inc()
		if derr := o.blobs.Delete(context.WithoutCancel(ctx), ref); derr != nil {
			o.log.Warn().Err(derr).Str("blob_ref", ref).Msg("orphaned blob after failed insert")
		}
		return nil, err
	}
	metrics.UploadsTotal.WithLabelValues("accepted").Inc()

	o.log.Info().
		Str("recording_id", rec.ID).
		Str("project_id", rec.ProjectID).
		Str("blob_ref", ref).
		Int64("size_bytes", rec.SizeBytes).
		Msg("recording accepted")
	o.publish(events.TypeRecordingCreated, rec, map[string]any{
		"name":       rec.Name,
		"blob_ref":   rec.BlobRef,
		"size_bytes": rec.SizeBytes,
		"status":     rec.Status,
	})

	if err := o.launch(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RetryTranscription re-runs the transcription of a recording that is still
// processing. It returns once the run has been started.
func (o *Orchestrator) RetryTranscription(ctx context.Context, recordingID string) (*database.Recording, error) {
	rec, err := o.store.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if rec.Status != database.StatusProcessing {
		return nil, &failure.PreconditionError{
			Stage:  StageTranscription,
			Reason: fmt.Sprintf("recording is %s; only recordings still processing can be retried", rec.Status),
		}
	}
	if err := o.launch(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// TranscribeNow runs the transcription stage synchronously. It is refused
// while another run for the same recording is in flight.
func (o *Orchestrator) TranscribeNow(ctx context.Context, recordingID string) (*database.Recording, error) {
	rec, err := o.store.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	err = o.claimLocked(rec.ID)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer o.release(rec.ID)
	return o.runTranscription(ctx, rec)
}

// Analyze runs the analysis stage for a completed recording. Every
// successful call appends a new run of tasks, materials and offer; earlier
// runs are kept.
func (o *Orchestrator) Analyze(ctx context.Context, recordingID string) (*analysis.Outcome, error) {
	rec, err := o.store.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	src := analysis.Source{
		RecordingID: rec.ID,
		ProjectID:   rec.ProjectID,
		Completed:   rec.Status == database.StatusCompleted,
	}
	if rec.Transcript != nil {
		src.Transcript = *rec.Transcript
	}

	start := time.Now()
	out, err := o.analyzer.Analyze(ctx, src)
	if err != nil {
		metrics.ObserveStage(StageAnalysis, failure.Kind(err), start)
		o.publish(events.TypeAnalysisFailed, rec, failurePayload(err))
		return nil, err
	}
	metrics.ObserveStage(StageAnalysis, "ok", start)
	o.publish(events.TypeAnalysisCompleted, rec, map[string]any{
		"run_id":      out.Saved.RunID,
		"offer_id":    out.Saved.OfferID,
		"tasks":       len(out.Result.Tasks),
		"materials":   len(out.Result.Materials),
		"total_price": out.Result.Offer.TotalPrice,
	})
	return out, nil
}

// Status reports where a recording is in the pipeline.
func (o *Orchestrator) Status(ctx context.Context, recordingID string) (*RecordingStatus, error) {
	rec, err := o.store.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	st := &RecordingStatus{
		RecordingID:   rec.ID,
		ProjectID:     rec.ProjectID,
		Name:          rec.Name,
		Status:        rec.Status,
		Stage:         string(rec.Status),
		HasTranscript: rec.Transcript != nil,
		Transcript:    rec.Transcript,
		LastError:     rec.LastError,
		Attempts:      rec.Attempts,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Status == database.StatusCompleted {
		analyzed, err := o.store.HasAnalysis(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		st.Analyzed = analyzed
		if analyzed {
			st.Stage = "analyzed"
		}
	}
	return st, nil
}

// Delete removes a recording, its derived rows and its audio. A missing
// blob is logged, not reported.
func (o *Orchestrator) Delete(ctx context.Context, recordingID string) error {
	rec, err := o.store.DeleteRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	if err := o.blobs.Delete(ctx, rec.BlobRef); err != nil {
		o.log.Warn().Err(err).Str("recording_id", rec.ID).Str("blob_ref", rec.BlobRef).Msg("blob delete failed")
	}
	o.log.Info().Str("recording_id", rec.ID).Str("project_id", rec.ProjectID).Msg("recording deleted")
	o.publish(events.TypeRecordingDeleted, rec, map[string]any{"name": rec.Name})
	return nil
}

// Wait blocks until every background transcription has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stop refuses new work and waits for background transcriptions. When ctx
// ends first the remaining runs are cancelled; their recordings stay in
// processing.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn().Int64("in_flight", o.inFlight.Load()).Msg("shutdown deadline reached, cancelling transcriptions")
		o.cancel()
		<-done
	}
	o.cancel()
	o.log.Info().
		Int64("completed", o.completed.Load()).
		Int64("failed", o.failed.Load()).
		Msg("orchestrator stopped")
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		InFlight:  int(o.inFlight.Load()),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
	}
}

// InFlight returns the number of running background transcriptions.
func (o *Orchestrator) InFlight() int {
	return int(o.inFlight.Load())
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// launch starts a background transcription. It fails after Stop and while
// the recording already has a run in flight.
func (o *Orchestrator) launch(rec *database.Recording) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		o.log.Warn().Str("recording_id", rec.ID).Msg("not starting transcription, shutting down")
		return &failure.PreconditionError{Stage: StageTranscription, Reason: "service is shutting down"}
	}
	if err := o.claimLocked(rec.ID); err != nil {
		return err
	}
	o.wg.Add(1)
	o.inFlight.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.inFlight.Add(-1)
		defer o.release(rec.ID)
		o.runTranscription(o.ctx, rec)
	}()
	return nil
}

// claimLocked marks id as having a run in flight. o.mu must be held.
func (o *Orchestrator) claimLocked(id string) error {
	if _, ok := o.running[id]; ok {
		return &failure.PreconditionError{Stage: StageTranscription, Reason: "transcription already running"}
	}
	o.running[id] = struct{}{}
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

func (o *Orchestrator) runTranscription(ctx context.Context, rec *database.Recording) (*database.Recording, error) {
	updated, err := o.transcriber.Transcribe(ctx, rec)
	if err != nil {
		o.failed.Add(1)
		o.publish(events.TypeTranscriptionFailed, rec, failurePayload(err))
		return nil, err
	}
	o.completed.Add(1)
	o.publish(events.TypeTranscriptionCompleted, updated, map[string]any{
		"status":         updated.Status,
		"transcript_len": len(*updated.Transcript),
	})
	return updated, nil
}

func (o *Orchestrator) publish(typ string, rec *database.Recording, payload any) {
	o.notify.Publish(events.EventData{
		Type:        typ,
		ProjectID:   rec.ProjectID,
		RecordingID: rec.ID,
		Payload:     payload,
	})
}

func failurePayload(err error) map[string]any {
	return map[string]any{
		"kind":      failure.Kind(err),
		"message":   failure.Message(err),
		"retryable": failure.Retryable(err),
	}
}
