package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/snarg/sitevoice/internal/analysis"
	"github.com/snarg/sitevoice/internal/failure"
)

// ProcessRecordingResults stores one analysis run for a recording: the run
// itself, its tasks and materials, and its offer. Everything is written in a
// single transaction; on any error nothing from this call is visible.
//
// The recording row is locked FOR SHARE so a concurrent delete cannot slip
// in between the status check and the inserts.
func (db *DB) ProcessRecordingResults(ctx context.Context, recordingID, projectID string, res *analysis.Result) (*analysis.Saved, error) {
	if !validID(recordingID) {
		return nil, &failure.NotFoundError{Resource: "recording", ID: recordingID}
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, &failure.PersistenceError{Op: "begin results tx", Err: err}
	}
	defer tx.Rollback(ctx)

	var (
		ownerID string
		status  RecordingStatus
	)
	err = tx.QueryRow(ctx,
		`SELECT project_id::text, status FROM recordings WHERE id = $1 FOR SHARE`, recordingID,
	).Scan(&ownerID, &status)
	if err != nil {
		return nil, notFound(err, "recording", recordingID, "lock recording")
	}
	if status != StatusCompleted {
		return nil, &failure.PreconditionError{Stage: "analysis", Reason: fmt.Sprintf("recording is %s, not completed", status)}
	}
	if ownerID != projectID {
		return nil, &failure.PreconditionError{Stage: "analysis", Reason: "recording belongs to a different project"}
	}

	saved := &analysis.Saved{
		RunID:       uuid.NewString(),
		TaskIDs:     make([]string, 0, len(res.Tasks)),
		MaterialIDs: make([]string, 0, len(res.Materials)),
		OfferID:     uuid.NewString(),
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO analysis_runs (id, recording_id, project_id) VALUES ($1, $2, $3)
	`, saved.RunID, recordingID, projectID); err != nil {
		return nil, &failure.PersistenceError{Op: "insert analysis run", Err: err}
	}

	batch := &pgx.Batch{}
	for _, t := range res.Tasks {
		id := uuid.NewString()
		saved.TaskIDs = append(saved.TaskIDs, id)
		batch.Queue(`
			INSERT INTO tasks (id, project_id, recording_id, run_id, title, description, assignee)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, projectID, recordingID, saved.RunID, t.Title, t.Description, string(t.Assignee))
	}
	for _, m := range res.Materials {
		id := uuid.NewString()
		saved.MaterialIDs = append(saved.MaterialIDs, id)
		batch.Queue(`
			INSERT INTO materials (id, project_id, recording_id, run_id, title, description, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, projectID, recordingID, saved.RunID, m.Title, m.Description, m.Amount)
	}
	batch.Queue(`
		INSERT INTO offers (id, project_id, recording_id, run_id, title, summary, progress_plan, total_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, saved.OfferID, projectID, recordingID, saved.RunID,
		res.Offer.Title, res.Offer.Summary, res.Offer.ProgressPlan, res.Offer.TotalPrice)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return nil, &failure.PersistenceError{Op: "insert analysis rows", Err: err}
		}
	}
	if err := br.Close(); err != nil {
		return nil, &failure.PersistenceError{Op: "insert analysis rows", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &failure.PersistenceError{Op: "commit results", Err: err}
	}

	db.log.Debug().
		Str("recording_id", recordingID).
		Str("run_id", saved.RunID).
		Int("tasks", len(saved.TaskIDs)).
		Int("materials", len(saved.MaterialIDs)).
		Msg("analysis results committed")
	return saved, nil
}

// HasAnalysis reports whether at least one analysis run was stored for the
// recording.
func (db *DB) HasAnalysis(ctx context.Context, recordingID string) (bool, error) {
	if !validID(recordingID) {
		return false, nil
	}
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_runs WHERE recording_id = $1)`, recordingID,
	).Scan(&exists)
	if err != nil {
		return false, &failure.PersistenceError{Op: "check analysis", Err: err}
	}
	return exists, nil
}

type TaskRow struct {
	ID          string         `json:"id"`
	RecordingID string         `json:"recording_id"`
	RunID       string         `json:"run_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Assignee    analysis.Trade `json:"assignee"`
	CreatedAt   time.Time      `json:"created_at"`
}

type MaterialRow struct {
	ID          string    `json:"id"`
	RecordingID string    `json:"recording_id"`
	RunID       string    `json:"run_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

type OfferRow struct {
	ID           string    `json:"id"`
	RecordingID  string    `json:"recording_id"`
	RunID        string    `json:"run_id"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	ProgressPlan string    `json:"progress_plan"`
	TotalPrice   float64   `json:"total_price"`
	CreatedAt    time.Time `json:"created_at"`
}

// Artifacts is everything analysis produced for a project. Offers are
// newest first and CurrentOffer is the newest one.
type Artifacts struct {
	ProjectID    string        `json:"project_id"`
	Tasks        []TaskRow     `json:"tasks"`
	Materials    []MaterialRow `json:"materials"`
	Offers       []OfferRow    `json:"offers"`
	CurrentOffer *OfferRow     `json:"current_offer"`
}

func (db *DB) ProjectArtifacts(ctx context.Context, projectID string) (*Artifacts, error) {
	if _, err := db.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	out := &Artifacts{
		ProjectID: projectID,
		Tasks:     []TaskRow{},
		Materials: []MaterialRow{},
		Offers:    []OfferRow{},
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT id::text, recording_id::text, run_id::text, title, description, assignee, created_at
		FROM tasks WHERE project_id = $1 ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, &failure.PersistenceError{Op: "list tasks", Err: err}
	}
	out.Tasks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (TaskRow, error) {
		var t TaskRow
		err := row.Scan(&t.ID, &t.RecordingID, &t.RunID, &t.Title, &t.Description, &t.Assignee, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, &failure.PersistenceError{Op: "list tasks", Err: err}
	}

	rows, err = db.Pool.Query(ctx, `
		SELECT id::text, recording_id::text, run_id::text, title, description, amount::float8, created_at
		FROM materials WHERE project_id = $1 ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, &failure.PersistenceError{Op: "list materials", Err: err}
	}
	out.Materials, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (MaterialRow, error) {
		var m MaterialRow
		err := row.Scan(&m.ID, &m.RecordingID, &m.RunID, &m.Title, &m.Description, &m.Amount, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, &failure.PersistenceError{Op: "list materials", Err: err}
	}

	rows, err = db.Pool.Query(ctx, `
		SELECT id::text, recording_id::text, run_id::text, title, summary, progress_plan,
			total_price::float8, created_at
		FROM offers WHERE project_id = $1 ORDER BY created_at DESC, id
	`, projectID)
	if err != nil {
		return nil, &failure.PersistenceError{Op: "list offers", Err: err}
	}
	out.Offers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (OfferRow, error) {
		var o OfferRow
		err := row.Scan(&o.ID, &o.RecordingID, &o.RunID, &o.Title, &o.Summary, &o.ProgressPlan, &o.TotalPrice, &o.CreatedAt)
		return o, err
	})
	if err != nil {
		return nil, &failure.PersistenceError{Op: "list offers", Err: err}
	}
	if len(out.Offers) > 0 {
		out.CurrentOffer = &out.Offers[0]
	}
	return out, nil
}
