package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/snarg/sitevoice/internal/failure"
)

// Project owns recordings and everything derived from them.
type Project struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func (db *DB) CreateProject(ctx context.Context, title, description string) (*Project, error) {
	p := &Project{ID: uuid.NewString(), Title: title, Description: description}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO projects (id, title, description)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, p.ID, p.Title, p.Description).Scan(&p.CreatedAt)
	if err != nil {
		return nil, &failure.PersistenceError{Op: "create project", Err: err}
	}
	return p, nil
}

func (db *DB) GetProject(ctx context.Context, id string) (*Project, error) {
	if !validID(id) {
		return nil, &failure.NotFoundError{Resource: "project", ID: id}
	}
	var p Project
	err := db.Pool.QueryRow(ctx, `
		SELECT id::text, title, description, created_at
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.Title, &p.Description, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "project", id, "get project")
	}
	return &p, nil
}

// validID reports whether id can be compared against a uuid column.
// Anything else cannot match a row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
