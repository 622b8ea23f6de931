package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snarg/sitevoice/internal/analysis"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/failure"
	"github.com/snarg/sitevoice/internal/llm"
	"github.com/snarg/sitevoice/internal/stt"
)

// memStore is an in-memory RecordingStore and analysis.ResultStore with the
// same write semantics as the database: the transcript and status change in
// one locked step and results are staged before they become visible.
type memStore struct {
	mu         sync.Mutex
	recordings map[string]*database.Recording
	runs       map[string]int // recording id -> committed analysis runs
	tasks      map[string]int
	materials  map[string]int
	offers     map[string]int

	resultCalls int
	failResults error // injected after staging the first row
	violations  []string
}

func newMemStore() *memStore {
	return &memStore{
		recordings: make(map[string]*database.Recording),
		runs:       make(map[string]int),
		tasks:      make(map[string]int),
		materials:  make(map[string]int),
		offers:     make(map[string]int),
	}
}

func (m *memStore) CreateRecording(_ context.Context, in database.NewRecording) (*database.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	r := &database.Recording{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		Name:        in.Name,
		BlobRef:     in.BlobRef,
		ContentType: in.ContentType,
		SizeBytes:   in.SizeBytes,
		Status:      database.StatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.recordings[r.ID] = r
	return clone(r), nil
}

func (m *memStore) GetRecording(_ context.Context, id string) (*database.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[id]
	if !ok {
		return nil, &failure.NotFoundError{Resource: "recording", ID: id}
	}
	return clone(r), nil
}

func (m *memStore) CompleteTranscription(_ context.Context, id, transcript string) (*database.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[id]
	if !ok {
		return nil, &failure.NotFoundError{Resource: "recording", ID: id}
	}
	if r.Status != database.StatusProcessing {
		return clone(r), nil
	}
	t := transcript
	r.Transcript = &t
	r.Status = database.StatusCompleted
	r.LastError = nil
	r.UpdatedAt = time.Now()
	m.checkLocked()
	return clone(r), nil
}

func (m *memStore) RecordTranscriptionFailure(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[id]
	if !ok || r.Status != database.StatusProcessing {
		return nil
	}
	msg := message
	r.LastError = &msg
	r.Attempts++
	m.checkLocked()
	return nil
}

func (m *memStore) DeleteRecording(_ context.Context, id string) (*database.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[id]
	if !ok {
		return nil, &failure.NotFoundError{Resource: "recording", ID: id}
	}
	delete(m.recordings, id)
	delete(m.runs, id)
	delete(m.tasks, id)
	delete(m.materials, id)
	delete(m.offers, id)
	return clone(r), nil
}

func (m *memStore) HasAnalysis(_ context.Context, recordingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[recordingID] > 0, nil
}

func (m *memStore) ProcessRecordingResults(_ context.Context, recordingID, projectID string, res *analysis.Result) (*analysis.Saved, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultCalls++

	r, ok := m.recordings[recordingID]
	if !ok {
		return nil, &failure.NotFoundError{Resource: "recording", ID: recordingID}
	}
	if r.Status != database.StatusCompleted || r.ProjectID != projectID {
		return nil, &failure.PreconditionError{Stage: "analysis", Reason: "recording not completed"}
	}

	// Stage everything first; nothing is visible until the end.
	staged := struct{ tasks, materials int }{len(res.Tasks), len(res.Materials)}
	if m.failResults != nil {
		return nil, &failure.PersistenceError{Op: "insert analysis rows", Err: m.failResults}
	}

	m.runs[recordingID]++
	m.tasks[recordingID] += staged.tasks
	m.materials[recordingID] += staged.materials
	m.offers[recordingID]++
	return &analysis.Saved{RunID: uuid.NewString(), OfferID: uuid.NewString()}, nil
}

func (m *memStore) artifactRows(recordingID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[recordingID] + m.materials[recordingID] + m.offers[recordingID]
}

func (m *memStore) get(id string) *database.Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recordings[id]; ok {
		return clone(r)
	}
	return nil
}

// checkLocked records any row that breaks transcript != nil <=> completed.
func (m *memStore) checkLocked() {
	for id, r := range m.recordings {
		if (r.Transcript != nil) != (r.Status == database.StatusCompleted) {
			m.violations = append(m.violations, fmt.Sprintf("%s: status=%s transcript=%v", id, r.Status, r.Transcript != nil))
		}
	}
}

func (m *memStore) invariantViolations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLocked()
	return append([]string(nil), m.violations...)
}

func clone(r *database.Recording) *database.Recording {
	c := *r
	if r.Transcript != nil {
		t := *r.Transcript
		c.Transcript = &t
	}
	if r.LastError != nil {
		e := *r.LastError
		c.LastError = &e
	}
	return &c
}

// memBlobs is a BlobGateway over a map.
type memBlobs struct {
	mu     sync.Mutex
	data   map[string][]byte
	seq    int
	putErr error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (b *memBlobs) Put(_ context.Context, projectID, filename, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return "", &failure.StorageError{Op: "put", Err: b.putErr}
	}
	b.seq++
	key := fmt.Sprintf("%s/%d-%s", projectID, b.seq, filename)
	b.data[key] = append([]byte(nil), data...)
	return key, nil
}

func (b *memBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[ref]
	if !ok {
		return nil, &failure.NotFoundError{Resource: "blob", ID: ref}
	}
	return d, nil
}

func (b *memBlobs) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, ref)
	return nil
}

func (b *memBlobs) has(ref string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[ref]
	return ok
}

// scriptedSTT replays outcomes in order and repeats the last one.
type scriptedSTT struct {
	mu     sync.Mutex
	script []sttOutcome
	calls  int
}

type sttOutcome struct {
	text string
	err  error
}

func (s *scriptedSTT) Transcribe(context.Context, []byte, string) (*stt.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	o := s.script[i]
	if o.err != nil {
		return nil, o.err
	}
	return &stt.Response{Text: o.text}, nil
}

func (s *scriptedSTT) Name() string  { return "scripted" }
func (s *scriptedSTT) Model() string { return "" }

func (s *scriptedSTT) set(outcomes ...sttOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = outcomes
	s.calls = 0
}

func (s *scriptedSTT) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// scriptedLLM always answers with content or err.
type scriptedLLM struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
}

func (s *scriptedLLM) Complete(context.Context, []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.content, s.err
}

func (s *scriptedLLM) set(content string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content, s.err = content, err
}

var (
	errOverloaded = &failure.TransientWorkerError{Worker: "stt", Status: 503, Detail: "model loading"}
	errForbidden  = &failure.FatalWorkerError{Worker: "stt", Status: 403, Detail: "bad token"}
	errBoom       = errors.New("connection reset during insert")
)

// gatedSTT holds its first call until release is closed; later calls answer
// at once.
type gatedSTT struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func newGatedSTT() *gatedSTT {
	return &gatedSTT{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSTT) Transcribe(ctx context.Context, _ []byte, _ string) (*stt.Response, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if !first {
		return &stt.Response{Text: "second"}, nil
	}
	close(g.started)
	select {
	case <-g.release:
		return &stt.Response{Text: "first"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedSTT) Name() string  { return "gated" }
func (g *gatedSTT) Model() string { return "" }

func (g *gatedSTT) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// stopOnCreate stops the orchestrator while a recording is being inserted.
type stopOnCreate struct {
	*memStore
	stop func()
}

func (s *stopOnCreate) CreateRecording(ctx context.Context, in database.NewRecording) (*database.Recording, error) {
	rec, err := s.memStore.CreateRecording(ctx, in)
	s.stop()
	return rec, err
}
