package projects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

const projectColumns = `id, name, owner_id, status, metadata, created_at, updated_at`

// Store runs the SQL for projects.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Create inserts an ACTIVE project for the owner.
func (s *Store) Create(ctx context.Context, q database.Querier, ownerID uuid.UUID, name string, metadata map[string]any) (*models.Project, error) {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	p := &models.Project{
		ID:       uuid.New(),
		Name:     name,
		OwnerID:  ownerID,
		Status:   models.ProjectStatusActive,
		Metadata: metadata,
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO projects (id, name, owner_id, status, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		p.ID, p.Name, p.OwnerID, p.Status, meta,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// Get loads one project by id, regardless of owner. Callers enforce
// visibility.
func (s *Store) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Project, error) {
	return scanProject(q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

// ListByOwner returns all of an owner's projects, newest first.
func (s *Store) ListByOwner(ctx context.Context, q database.Querier, ownerID uuid.UUID) ([]*models.Project, error) {
	return s.list(ctx, q,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

// ListActiveByOwner returns the owner's ACTIVE projects. The user
// cleanup initiator uses this to fan out nested deletion sagas.
func (s *Store) ListActiveByOwner(ctx context.Context, q database.Querier, ownerID uuid.UUID) ([]*models.Project, error) {
	return s.list(ctx, q,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 AND status = $2 ORDER BY created_at`,
		ownerID, models.ProjectStatusActive)
}

func (s *Store) list(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.Project, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update renames a project and replaces its metadata.
func (s *Store) Update(ctx context.Context, q database.Querier, id uuid.UUID, name string, metadata map[string]any) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE projects SET name = $2, metadata = $3, updated_at = now() WHERE id = $1`,
		id, name, meta)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return oneRow(res, id)
}

// SetStatus transitions the project lifecycle state.
func (s *Store) SetStatus(ctx context.Context, q database.Querier, id uuid.UUID, status models.ProjectStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE projects SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("set project status: %w", err)
	}
	return oneRow(res, id)
}

// Delete removes the project row. Called by the project-deletion
// finalizer once every participating service confirmed.
func (s *Store) Delete(ctx context.Context, q database.Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func oneRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n == 0 {
		return errkind.NotFound("project %s not found", id)
	}
	return nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, errkind.Validation("metadata is not valid JSON: %v", err)
	}
	return meta, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row *sql.Row) (*models.Project, error) {
	p, err := scanProjectRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return p, nil
}

func scanProjectRow(r rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var meta []byte
	if err := r.Scan(&p.ID, &p.Name, &p.OwnerID, &p.Status, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode project metadata: %w", err)
		}
	}
	return p, nil
}
