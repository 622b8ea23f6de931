package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/snarg/sitevoice/internal/failure"
)

// RecordingStatus is the stored lifecycle state of a recording.
type RecordingStatus string

const (
	StatusProcessing RecordingStatus = "processing"
	StatusCompleted  RecordingStatus = "completed"
	// StatusFailed is accepted by the schema for older rows. The pipeline
	// never writes it: a failed transcription stays processing.
	StatusFailed RecordingStatus = "failed"
)

// Recording is an uploaded audio file and its transcription state.
// Transcript is non-nil exactly when Status is StatusCompleted.
type Recording struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Name        string          `json:"name"`
	BlobRef     string          `json:"blob_ref"`
	ContentType string          `json:"content_type"`
	SizeBytes   int64           `json:"size_bytes"`
	Status      RecordingStatus `json:"status"`
	Transcript  *string         `json:"transcript"`
	LastError   *string         `json:"last_error,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewRecording is the input for CreateRecording.
type NewRecording struct {
	ProjectID   string
	Name        string
	BlobRef     string
	ContentType string
	SizeBytes   int64
}

const recordingColumns = `id::text, project_id::text, name, blob_ref, content_type, size_bytes,
	status, transcript, last_error, attempts, created_at, updated_at`

func scanRecording(row pgx.Row) (*Recording, error) {
	var r Recording
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.Name, &r.BlobRef, &r.ContentType, &r.SizeBytes,
		&r.Status, &r.Transcript, &r.LastError, &r.Attempts, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRecording inserts a recording in the processing state.
func (db *DB) CreateRecording(ctx context.Context, in NewRecording) (*Recording, error) {
	if !validID(in.ProjectID) {
		return nil, &failure.NotFoundError{Resource: "project", ID: in.ProjectID}
	}
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO recordings (id, project_id, name, blob_ref, content_type, size_bytes, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'processing')
		RETURNING `+recordingColumns,
		uuid.NewString(), in.ProjectID, in.Name, in.BlobRef, in.ContentType, in.SizeBytes,
	)
	r, err := scanRecording(row)
	if err != nil {
		return nil, &failure.PersistenceError{Op: "create recording", Err: err}
	}
	return r, nil
}

func (db *DB) GetRecording(ctx context.Context, id string) (*Recording, error) {
	if !validID(id) {
		return nil, &failure.NotFoundError{Resource: "recording", ID: id}
	}
	r, err := scanRecording(db.Pool.QueryRow(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "recording", id, "get recording")
	}
	return r, nil
}

// ListProjectRecordings returns a project's recordings, newest first.
func (db *DB) ListProjectRecordings(ctx context.Context, projectID string) ([]Recording, error) {
	if !validID(projectID) {
		return nil, &failure.NotFoundError{Resource: "project", ID: projectID}
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, &failure.PersistenceError{Op: "list recordings", Err: err}
	}
	defer rows.Close()

	out := []Recording{}
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, &failure.PersistenceError{Op: "list recordings", Err: err}
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, &failure.PersistenceError{Op: "list recordings", Err: err}
	}
	return out, nil
}

// CompleteTranscription stores the transcript and marks the recording
// completed in one statement, so neither half is ever visible alone. Only a
// recording still in processing is updated; a completed one is returned
// as stored.
func (db *DB) CompleteTranscription(ctx context.Context, id, transcript string) (*Recording, error) {
	r, err := scanRecording(db.Pool.QueryRow(ctx, `
		UPDATE recordings
		SET transcript = $2, status = 'completed', last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+recordingColumns, id, transcript))
	if errors.Is(err, pgx.ErrNoRows) {
		db.log.Debug().Str("recording_id", id).Msg("transcript not stored, recording gone or already completed")
		return db.GetRecording(ctx, id)
	}
	if err != nil {
		return nil, &failure.PersistenceError{Op: "complete transcription", Err: err}
	}
	return r, nil
}

// RecordTranscriptionFailure keeps the error of a failed transcription run
// for operators. Status and transcript are left alone.
func (db *DB) RecordTranscriptionFailure(ctx context.Context, id, message string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE recordings
		SET last_error = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, message)
	if err != nil {
		return &failure.PersistenceError{Op: "record transcription failure", Err: err}
	}
	if tag.RowsAffected() == 0 {
		db.log.Debug().Str("recording_id", id).Msg("failure not recorded, recording gone or already completed")
	}
	return nil
}

// DeleteRecording removes a recording together with its analysis runs and
// derived rows, and returns what was deleted so the blob can be removed.
func (db *DB) DeleteRecording(ctx context.Context, id string) (*Recording, error) {
	if !validID(id) {
		return nil, &failure.NotFoundError{Resource: "recording", ID: id}
	}
	r, err := scanRecording(db.Pool.QueryRow(ctx,
		`DELETE FROM recordings WHERE id = $1 RETURNING `+recordingColumns, id))
	if err != nil {
		return nil, notFound(err, "recording", id, "delete recording")
	}
	return r, nil
}
