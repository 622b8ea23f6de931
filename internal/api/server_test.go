package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice/internal/analysis"
	"github.com/snarg/sitevoice/internal/config"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/events"
	"github.com/snarg/sitevoice/internal/failure"
	"github.com/snarg/sitevoice/internal/pipeline"
)

// ── Fakes ────────────────────────────────────────────────────────────

type fakeProjects struct {
	projects map[string]*database.Project
	recs     []database.Recording
}

func (f *fakeProjects) CreateProject(_ context.Context, title, description string) (*database.Project, error) {
	p := &database.Project{ID: "p-new", Title: title, Description: description, CreatedAt: time.Now()}
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeProjects) GetProject(_ context.Context, id string) (*database.Project, error) {
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, &failure.NotFoundError{Resource: "project", ID: id}
}

func (f *fakeProjects) ListProjectRecordings(context.Context, string) ([]database.Recording, error) {
	return f.recs, nil
}

func (f *fakeProjects) ProjectArtifacts(_ context.Context, id string) (*database.Artifacts, error) {
	if _, ok := f.projects[id]; !ok {
		return nil, &failure.NotFoundError{Resource: "project", ID: id}
	}
	offer := &database.OfferRow{ID: "o1", Title: "Sink repair", TotalPrice: 180}
	return &database.Artifacts{ProjectID: id, Offers: []database.OfferRow{*offer}, CurrentOffer: offer}, nil
}

type fakePipeline struct {
	mu         sync.Mutex
	lastUpload pipeline.Upload
	submitErr  error
	analyzeErr error
	retryErr   error
	deleted    []string
}

func (f *fakePipeline) Submit(_ context.Context, up pipeline.Upload) (*database.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpload = up
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &database.Recording{
		ID:        "r1",
		ProjectID: up.ProjectID,
		Name:      up.Filename,
		BlobRef:   up.ProjectID + "/1-" + up.Filename,
		SizeBytes: int64(len(up.Data)),
		Status:    database.StatusProcessing,
	}, nil
}

func (f *fakePipeline) Status(_ context.Context, id string) (*pipeline.RecordingStatus, error) {
	if id != "r1" {
		return nil, &failure.NotFoundError{Resource: "recording", ID: id}
	}
	return &pipeline.RecordingStatus{RecordingID: "r1", ProjectID: "p1", Status: database.StatusProcessing, Stage: "processing"}, nil
}

func (f *fakePipeline) RetryTranscription(_ context.Context, id string) (*database.Recording, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return &database.Recording{ID: id, Status: database.StatusProcessing}, nil
}

func (f *fakePipeline) Analyze(_ context.Context, id string) (*analysis.Outcome, error) {
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	return &analysis.Outcome{
		RecordingID: id,
		ProjectID:   "p1",
		Result:      &analysis.Result{Offer: analysis.Offer{Title: "Sink repair", TotalPrice: 180}},
		Saved:       &analysis.Saved{RunID: "run-1", OfferID: "o1"},
	}, nil
}

func (f *fakePipeline) Delete(_ context.Context, id string) error {
	if id != "r1" {
		return &failure.NotFoundError{Resource: "recording", ID: id}
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(context.Context) error { return f.err }

type fakeWarmer struct{ err error }

func (f fakeWarmer) Warmup(context.Context) error { return f.err }

type testEnv struct {
	handler  http.Handler
	projects *fakeProjects
	pipe     *fakePipeline
	bus      *events.Bus
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *ServerOptions)) *testEnv {
	t.Helper()
	env := &testEnv{
		projects: &fakeProjects{projects: map[string]*database.Project{"p1": {ID: "p1", Title: "Kitchen"}}},
		pipe:     &fakePipeline{},
		bus:      events.NewBus(64),
	}
	cfg := &config.Config{MaxUploadMB: 1}
	opts := ServerOptions{
		Config:   cfg,
		Projects: env.projects,
		Pipeline: env.pipe,
		Events:   env.bus,
		Health:   HealthOptions{DB: fakeDB{}, Stats: statsFunc(func() pipeline.Stats { return pipeline.Stats{InFlight: 2} }), Version: "test", StartTime: time.Now()},
		Log:      zerolog.Nop(),
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	env.handler = NewRouter(opts)
	return env
}

type statsFunc func() pipeline.Stats

func (f statsFunc) Stats() pipeline.Stats { return f() }

func (e *testEnv) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	w.Close()
	return body, w.FormDataContentType()
}

// ── Projects ─────────────────────────────────────────────────────────

func TestCreateProject(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"ok", `{"title":"Bathroom","description":"Level 2"}`, http.StatusCreated},
		{"blank_title", `{"title":"  "}`, http.StatusUnprocessableEntity},
		{"bad_json", `{"title":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", "/api/v1/projects", strings.NewReader(tt.body), "application/json")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestGetProject(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("GET", "/api/v1/projects/p1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = env.do("GET", "/api/v1/projects/nope", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind != failure.KindNotFound {
		t.Errorf("kind = %q, want not_found", body.Kind)
	}
}

func TestListRecordingsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do("GET", "/api/v1/projects/p1/recordings", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"recordings":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}
}

func TestGetArtifacts(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do("GET", "/api/v1/projects/p1/artifacts", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var a database.Artifacts
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.CurrentOffer == nil || a.CurrentOffer.TotalPrice != 180 {
		t.Errorf("current_offer = %+v", a.CurrentOffer)
	}
}

// ── Upload ───────────────────────────────────────────────────────────

func TestUpload(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body, ct := multipartBody(t, "file", "site.m4a", make([]byte, 120))
		rec := env.do("POST", "/api/v1/projects/p1/recordings", body, ct)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
		}
		var r database.Recording
		if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
			t.Fatal(err)
		}
		if r.Status != database.StatusProcessing || r.Transcript != nil {
			t.Errorf("recording = %+v, want processing with no transcript", r)
		}
		up := env.pipe.lastUpload
		if up.ProjectID != "p1" || up.Filename != "site.m4a" || len(up.Data) != 120 {
			t.Errorf("upload = %s/%s (%d bytes)", up.ProjectID, up.Filename, len(up.Data))
		}
	})

	t.Run("missing_file_field", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body, ct := multipartBody(t, "audio", "site.m4a", []byte("x"))
		rec := env.do("POST", "/api/v1/projects/p1/recordings", body, ct)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("empty_file", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body, ct := multipartBody(t, "file", "site.m4a", nil)
		rec := env.do("POST", "/api/v1/projects/p1/recordings", body, ct)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown_project", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body, ct := multipartBody(t, "file", "site.m4a", []byte("x"))
		rec := env.do("POST", "/api/v1/projects/ghost/recordings", body, ct)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("too_large", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body, ct := multipartBody(t, "file", "site.m4a", make([]byte, 2<<20))
		rec := env.do("POST", "/api/v1/projects/p1/recordings", body, ct)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
	})

	t.Run("storage_failure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.pipe.submitErr = &failure.StorageError{Op: "put", Err: errors.New("bucket unreachable")}
		body, ct := multipartBody(t, "file", "site.m4a", []byte("x"))
		rec := env.do("POST", "/api/v1/projects/p1/recordings", body, ct)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
		b := decodeError(t, rec)
		if b.Kind != failure.KindStorage || !b.Retryable {
			t.Errorf("body = %+v, want retryable storage error", b)
		}
	})
}

// ── Recordings ───────────────────────────────────────────────────────

func TestRecordingRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		setup      func(*fakePipeline)
		wantStatus int
		wantKind   string
	}{
		{"status", "GET", "/api/v1/recordings/r1", nil, http.StatusOK, ""},
		{"status_missing", "GET", "/api/v1/recordings/r9", nil, http.StatusNotFound, failure.KindNotFound},
		{"delete", "DELETE", "/api/v1/recordings/r1", nil, http.StatusNoContent, ""},
		{"delete_missing", "DELETE", "/api/v1/recordings/r9", nil, http.StatusNotFound, failure.KindNotFound},
		{"retry", "POST", "/api/v1/recordings/r1/retry", nil, http.StatusAccepted, ""},
		{"retry_completed", "POST", "/api/v1/recordings/r1/retry", func(p *fakePipeline) {
			p.retryErr = &failure.PreconditionError{Stage: "transcription", Reason: "recording is completed"}
		}, http.StatusConflict, failure.KindPrecondition},
		{"analyze", "POST", "/api/v1/recordings/r1/analyze", nil, http.StatusOK, ""},
		{"analyze_invalid_output", "POST", "/api/v1/recordings/r1/analyze", func(p *fakePipeline) {
			p.analyzeErr = &failure.ValidationError{Problems: []string{"offer.total_price: must be greater than zero, got 0"}}
		}, http.StatusUnprocessableEntity, failure.KindValidation},
		{"analyze_not_transcribed", "POST", "/api/v1/recordings/r1/analyze", func(p *fakePipeline) {
			p.analyzeErr = &failure.PreconditionError{Stage: "analysis", Reason: "recording is processing"}
		}, http.StatusConflict, failure.KindPrecondition},
		{"analyze_exhausted", "POST", "/api/v1/recordings/r1/analyze", func(p *fakePipeline) {
			p.analyzeErr = &failure.ExhaustedError{Attempts: 4, Last: &failure.TransientWorkerError{Worker: "llm", Status: 503}}
		}, http.StatusServiceUnavailable, failure.KindExhausted},
		{"analyze_fatal", "POST", "/api/v1/recordings/r1/analyze", func(p *fakePipeline) {
			p.analyzeErr = &failure.FatalWorkerError{Worker: "llm", Status: 401}
		}, http.StatusBadGateway, failure.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			if tt.setup != nil {
				tt.setup(env.pipe)
			}
			rec := env.do(tt.method, tt.path, nil, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantKind != "" {
				if b := decodeError(t, rec); b.Kind != tt.wantKind {
					t.Errorf("kind = %q, want %q", b.Kind, tt.wantKind)
				}
			}
		})
	}
}

func TestWarmup(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do("POST", "/api/v1/stt/warmup", nil, ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("no warmer: status = %d, want 501", rec.Code)
	}

	env = newTestEnv(t, func(_ *config.Config, o *ServerOptions) { o.Warmer = fakeWarmer{} })
	if rec := env.do("POST", "/api/v1/stt/warmup", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("warmer: status = %d, want 200", rec.Code)
	}

	env = newTestEnv(t, func(_ *config.Config, o *ServerOptions) {
		o.Warmer = fakeWarmer{err: &failure.TransientWorkerError{Worker: "stt", Status: 503}}
	})
	if rec := env.do("POST", "/api/v1/stt/warmup", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("warmer failing: status = %d, want 503", rec.Code)
	}
}

// ── Auth, health, metrics ────────────────────────────────────────────

func TestAuthAppliesToAPIButNotHealth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *ServerOptions) { c.AuthToken = "s3cret" })

	if rec := env.do("GET", "/api/v1/projects/p1", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := env.do("GET", "/api/v1/projects/p1?token=s3cret", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", rec.Code)
	}
	if rec := env.do("GET", "/api/v1/health", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do("GET", "/api/v1/health", nil, "")
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Checks["database"] != "ok" || body.Checks["mqtt"] != "not_configured" {
		t.Errorf("health = %+v", body)
	}
	if body.Pipeline == nil || body.Pipeline.InFlight != 2 {
		t.Errorf("pipeline = %+v, want in_flight 2", body.Pipeline)
	}

	env = newTestEnv(t, func(_ *config.Config, o *ServerOptions) { o.Health.DB = fakeDB{err: errors.New("down")} })
	rec = env.do("GET", "/api/v1/health", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("db down: status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do("GET", "/api/v1/projects/p1", nil, "")
	rec := env.do("GET", "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sitevoice_http_requests_total") {
		t.Error("http request counter not exported")
	}
}

// ── Event stream ─────────────────────────────────────────────────────

// readEvent returns the next "event:" name and its data line.
func readEvent(r *bufio.Reader) (string, string, error) {
	var name, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data, nil
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, query, lastEventID string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/events/stream"+query, nil)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	return bufio.NewReader(resp.Body)
}

func TestEventStreamFilters(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	stream := openStream(t, srv, "?types=analysis.completed&projects=p1", "")

	env.bus.Publish(events.EventData{Type: events.TypeTranscriptionCompleted, ProjectID: "p1", RecordingID: "r1"})
	env.bus.Publish(events.EventData{Type: events.TypeAnalysisCompleted, ProjectID: "p2", RecordingID: "r2"})
	env.bus.Publish(events.EventData{Type: events.TypeAnalysisCompleted, ProjectID: "p1", RecordingID: "r1", Payload: map[string]any{"total_price": 180}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		name, data, err := readEvent(stream)
		if err != nil {
			t.Errorf("read stream: %v", err)
			return
		}
		if name != events.TypeAnalysisCompleted {
			t.Errorf("event = %q, want %q", name, events.TypeAnalysisCompleted)
		}
		var e events.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			t.Errorf("data is not an event: %v", err)
			return
		}
		if e.ProjectID != "p1" || e.RecordingID != "r1" || !strings.Contains(string(e.Data), "180") {
			t.Errorf("event = %+v", e)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestEventStreamReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	env.bus.Publish(events.EventData{Type: events.TypeRecordingCreated, ProjectID: "p1", RecordingID: "r1"})
	env.bus.Publish(events.EventData{Type: events.TypeTranscriptionCompleted, ProjectID: "p1", RecordingID: "r1"})
	first := env.bus.ReplaySince("", events.Filter{})[0]

	stream := openStream(t, srv, "", first.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		name, _, err := readEvent(stream)
		if err != nil {
			t.Errorf("read stream: %v", err)
			return
		}
		if name != events.TypeTranscriptionCompleted {
			t.Errorf("replayed event = %q, want %q", name, events.TypeTranscriptionCompleted)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no replay received")
	}
}
