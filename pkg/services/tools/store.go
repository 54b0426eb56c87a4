package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

const uniqueViolation = "23505"

const toolColumns = `id, is_system_tool, owner_id, name, tool_type, definition, created_at, updated_at`

// Store runs the SQL for tools.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Create inserts a tool row. A name collision within the owner's
// namespace is a conflict.
func (s *Store) Create(ctx context.Context, q database.Querier, t *models.Tool) error {
	def, err := json.Marshal(t.Definition)
	if err != nil {
		return errkind.Validation("definition is not valid JSON: %v", err)
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO tools (id, is_system_tool, owner_id, name, tool_type, definition)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		t.ID, t.IsSystemTool, t.OwnerID, t.Name, t.ToolType, def,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errkind.Conflict("tool name %q already registered", t.Name)
		}
		return fmt.Errorf("insert tool: %w", err)
	}
	return nil
}

// Get loads one tool by id.
func (s *Store) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Tool, error) {
	t, err := scanTool(q.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("tool not found")
	}
	return t, err
}

// ListVisible returns system tools plus the caller's own.
func (s *Store) ListVisible(ctx context.Context, q database.Querier, ownerID uuid.UUID) ([]*models.Tool, error) {
	return s.list(ctx, q,
		`SELECT `+toolColumns+` FROM tools
		 WHERE is_system_tool OR owner_id = $1
		 ORDER BY is_system_tool DESC, name`, ownerID)
}

// GetVisibleByIDs loads the subset of ids that exist and are visible to
// the owner.
func (s *Store) GetVisibleByIDs(ctx context.Context, q database.Querier, ownerID uuid.UUID, ids []uuid.UUID) ([]*models.Tool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, q,
		`SELECT `+toolColumns+` FROM tools
		 WHERE id = ANY($2) AND (is_system_tool OR owner_id = $1)`,
		ownerID, ids)
}

// GetVisibleByNames loads every visible tool carrying one of the names.
// Both a system and a user tool may match one name; callers resolve the
// shadowing.
func (s *Store) GetVisibleByNames(ctx context.Context, q database.Querier, ownerID uuid.UUID, names []string) ([]*models.Tool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return s.list(ctx, q,
		`SELECT `+toolColumns+` FROM tools
		 WHERE name = ANY($2) AND (is_system_tool OR owner_id = $1)`,
		ownerID, names)
}

func (s *Store) list(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.Tool, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []*models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update replaces the mutable columns of a tool row.
func (s *Store) Update(ctx context.Context, q database.Querier, t *models.Tool) error {
	def, err := json.Marshal(t.Definition)
	if err != nil {
		return errkind.Validation("definition is not valid JSON: %v", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE tools SET name = $2, definition = $3, updated_at = now() WHERE id = $1`,
		t.ID, t.Name, def)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errkind.Conflict("tool name %q already registered", t.Name)
		}
		return fmt.Errorf("update tool: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tool: %w", err)
	}
	if n == 0 {
		return errkind.NotFound("tool %s not found", t.ID)
	}
	return nil
}

// Delete removes one tool row.
func (s *Store) Delete(ctx context.Context, q database.Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tools WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	return nil
}

// DeleteByOwner removes all of a user's tools and returns their ids so
// the caller can notify dependents.
func (s *Store) DeleteByOwner(ctx context.Context, q database.Querier, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx,
		`DELETE FROM tools WHERE owner_id = $1 RETURNING id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("delete tools for user: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("delete tools for user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(r rowScanner) (*models.Tool, error) {
	t := &models.Tool{}
	var def []byte
	err := r.Scan(&t.ID, &t.IsSystemTool, &t.OwnerID, &t.Name, &t.ToolType, &def, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan tool: %w", err)
	}
	if err := json.Unmarshal(def, &t.Definition); err != nil {
		return nil, fmt.Errorf("decode tool definition: %w", err)
	}
	return t, nil
}

