package nodes

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

const nodeColumns = `id, project_id, owner_id, name, status, configuration, created_at, updated_at`

// Store runs the SQL for nodes.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Create(ctx context.Context, q database.Querier, n *models.Node) error {
	cfg, err := json.Marshal(n.Configuration)
	if err != nil {
		return fmt.Errorf("encode node configuration: %w", err)
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO nodes (id, project_id, owner_id, name, status, configuration)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		n.ID, n.ProjectID, n.OwnerID, n.Name, n.Status, cfg,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Node, error) {
	n, err := scanNode(q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("node not found")
	}
	return n, err
}

func (s *Store) ListByProject(ctx context.Context, q database.Querier, projectID uuid.UUID) ([]*models.Node, error) {
	return s.list(ctx, q,
		`SELECT `+nodeColumns+` FROM nodes WHERE project_id = $1 ORDER BY created_at`, projectID)
}

// ListByModelForUpdate locks and returns every node pinned to the
// model. Callers must hold a transaction.
func (s *Store) ListByModelForUpdate(ctx context.Context, q database.Querier, modelID uuid.UUID) ([]*models.Node, error) {
	return s.list(ctx, q,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE configuration -> 'model_config' ->> 'model_id' = $1
		 FOR UPDATE`, modelID.String())
}

// ListByToolForUpdate locks and returns every node whose tool list
// contains the tool. Callers must hold a transaction.
func (s *Store) ListByToolForUpdate(ctx context.Context, q database.Querier, toolID uuid.UUID) ([]*models.Node, error) {
	return s.list(ctx, q,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE configuration -> 'tool_config' -> 'tool_ids' @> jsonb_build_array($1::text)
		 FOR UPDATE`, toolID.String())
}

func (s *Store) list(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.Node, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Update replaces the mutable columns of a node row.
func (s *Store) Update(ctx context.Context, q database.Querier, n *models.Node) error {
	cfg, err := json.Marshal(n.Configuration)
	if err != nil {
		return fmt.Errorf("encode node configuration: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE nodes SET name = $2, status = $3, configuration = $4, updated_at = now() WHERE id = $1`,
		n.ID, n.Name, n.Status, cfg)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if affected == 0 {
		return errkind.NotFound("node %s not found", n.ID)
	}
	return nil
}

// SetStatusByIDs moves every listed node to the status in one statement.
func (s *Store) SetStatusByIDs(ctx context.Context, q database.Querier, ids []uuid.UUID, status models.NodeStatus) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE nodes SET status = $2, updated_at = now() WHERE id = ANY($1)`,
		ids, status); err != nil {
		return fmt.Errorf("set node status: %w", err)
	}
	return nil
}

// SetConfiguration writes a healed configuration and status for one node.
func (s *Store) SetConfiguration(ctx context.Context, q database.Querier, id uuid.UUID, cfg models.NodeConfiguration, status models.NodeStatus) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode node configuration: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE nodes SET configuration = $2, status = $3, updated_at = now() WHERE id = $1`,
		id, raw, status); err != nil {
		return fmt.Errorf("set node configuration: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, q database.Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// DeleteByProject removes every node of a project and returns how many
// rows went.
func (s *Store) DeleteByProject(ctx context.Context, q database.Querier, projectID uuid.UUID) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM nodes WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete nodes for project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete nodes for project: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (*models.Node, error) {
	n := &models.Node{}
	var cfg []byte
	err := r.Scan(&n.ID, &n.ProjectID, &n.OwnerID, &n.Name, &n.Status, &cfg, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	if err := json.Unmarshal(cfg, &n.Configuration); err != nil {
		return nil, fmt.Errorf("decode node configuration: %w", err)
	}
	return n, nil
}
