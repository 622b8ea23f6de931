// Package pipeline moves a recording from upload through transcription to
// analysis.
//
// The lifecycle is uploading -> processing -> completed -> (analyzed).
// Only the transcription stage writes a recording's status and transcript,
// and it does so in one store call. "analyzed" is never stored: it is
// inferred from the analysis runs recorded for the recording.
//
// Recovery is manual. A failed transcription leaves the recording in
// processing until RetryTranscription (or a fresh upload) runs it again, and
// a failed analysis leaves it completed with no artifacts until Analyze is
// called again. Each stage is at-least-once; nothing retries in the
// background beyond the worker retry policy.
package pipeline

import (
	"context"

	"github.com/snarg/sitevoice/internal/analysis"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/events"
)

// RecordingStore persists recordings. *database.DB implements it.
type RecordingStore interface {
	CreateRecording(ctx context.Context, in database.NewRecording) (*database.Recording, error)
	GetRecording(ctx context.Context, id string) (*database.Recording, error)
	// CompleteTranscription sets the transcript and the completed status in a
	// single write.
	CompleteTranscription(ctx context.Context, id, transcript string) (*database.Recording, error)
	RecordTranscriptionFailure(ctx context.Context, id, message string) error
	DeleteRecording(ctx context.Context, id string) (*database.Recording, error)
	HasAnalysis(ctx context.Context, recordingID string) (bool, error)
}

// BlobGateway stores uploaded audio. *storage.Gateway implements it.
type BlobGateway interface {
	Put(ctx context.Context, projectID, filename, contentType string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Analyzer runs the analysis stage. *analysis.Stage implements it.
type Analyzer interface {
	Analyze(ctx context.Context, src analysis.Source) (*analysis.Outcome, error)
}

// Notifier receives stage notifications. *events.Bus and *events.Fanout
// implement it.
type Notifier interface {
	Publish(e events.EventData)
}

type nopNotifier struct{}

func (nopNotifier) Publish(events.EventData) {}

// Stage names used in logs, metrics and errors.
const (
	StageUpload        = "upload"
	StageTranscription = "transcription"
	StageAnalysis      = "analysis"
)
