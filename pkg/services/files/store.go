package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

const fileColumns = `id, owner_id, project_id, filename, mimetype, size_bytes, storage_path, created_at`

// Store runs the SQL for stored file metadata.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Create(ctx context.Context, q database.Querier, f *models.StoredFile) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO stored_files (id, owner_id, project_id, filename, mimetype, size_bytes, storage_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		f.ID, f.OwnerID, f.ProjectID, f.Filename, f.Mimetype, f.SizeBytes, f.StoragePath,
	).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*models.StoredFile, error) {
	f, err := scanFile(q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM stored_files WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("file not found")
	}
	return f, err
}

// GetByIDs loads the subset of ids owned by the owner.
func (s *Store) GetByIDs(ctx context.Context, q database.Querier, ownerID uuid.UUID, ids []uuid.UUID) ([]*models.StoredFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, q,
		`SELECT `+fileColumns+` FROM stored_files
		 WHERE id = ANY($2) AND owner_id = $1`, ownerID, ids)
}

func (s *Store) ListByProject(ctx context.Context, q database.Querier, projectID uuid.UUID) ([]*models.StoredFile, error) {
	return s.list(ctx, q,
		`SELECT `+fileColumns+` FROM stored_files WHERE project_id = $1 ORDER BY created_at`, projectID)
}

func (s *Store) list(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.StoredFile, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*models.StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, q database.Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM stored_files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// DeleteByOwner removes all of a user's file rows and returns id and
// storage path so the caller can remove the objects.
func (s *Store) DeleteByOwner(ctx context.Context, q database.Querier, ownerID uuid.UUID) ([]*models.StoredFile, error) {
	return s.deleteReturning(ctx, q,
		`DELETE FROM stored_files WHERE owner_id = $1 RETURNING id, storage_path`, ownerID)
}

// DeleteByProject removes a project's file rows and returns id and
// storage path so the caller can remove the objects.
func (s *Store) DeleteByProject(ctx context.Context, q database.Querier, projectID uuid.UUID) ([]*models.StoredFile, error) {
	return s.deleteReturning(ctx, q,
		`DELETE FROM stored_files WHERE project_id = $1 RETURNING id, storage_path`, projectID)
}

func (s *Store) deleteReturning(ctx context.Context, q database.Querier, query string, arg any) ([]*models.StoredFile, error) {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("delete files: %w", err)
	}
	defer rows.Close()

	var out []*models.StoredFile
	for rows.Next() {
		f := &models.StoredFile{}
		if err := rows.Scan(&f.ID, &f.StoragePath); err != nil {
			return nil, fmt.Errorf("delete files: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(r rowScanner) (*models.StoredFile, error) {
	f := &models.StoredFile{}
	err := r.Scan(&f.ID, &f.OwnerID, &f.ProjectID, &f.Filename, &f.Mimetype, &f.SizeBytes, &f.StoragePath, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return f, nil
}
