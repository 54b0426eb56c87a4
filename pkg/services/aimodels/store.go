package aimodels

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

const modelColumns = `id, is_system_model, owner_id, provider, name, configuration, capabilities, created_at, updated_at`

// Store runs the SQL for AI models.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Create inserts a model row.
func (s *Store) Create(ctx context.Context, q database.Querier, m *models.AIModel) error {
	cfg, caps, err := encodeModel(m)
	if err != nil {
		return err
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO ai_models (id, is_system_model, owner_id, provider, name, configuration, capabilities)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		m.ID, m.IsSystemModel, m.OwnerID, m.Provider, m.Name, cfg, caps,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

// Get loads one model by id.
func (s *Store) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*models.AIModel, error) {
	m, err := scanModel(q.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM ai_models WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("model not found")
	}
	return m, err
}

// ListVisible returns system models plus the caller's own, system
// models first.
func (s *Store) ListVisible(ctx context.Context, q database.Querier, ownerID uuid.UUID) ([]*models.AIModel, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM ai_models
		 WHERE is_system_model OR owner_id = $1
		 ORDER BY is_system_model DESC, created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []*models.AIModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetBlueprint returns the system model for a provider. User model
// configurations are validated against it.
func (s *Store) GetBlueprint(ctx context.Context, q database.Querier, provider string) (*models.AIModel, error) {
	m, err := scanModel(q.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM ai_models
		 WHERE is_system_model AND provider = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("no blueprint for provider %s", provider)
	}
	return m, err
}

// Update replaces the mutable columns of a model row.
func (s *Store) Update(ctx context.Context, q database.Querier, m *models.AIModel) error {
	cfg, caps, err := encodeModel(m)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE ai_models SET name = $2, configuration = $3, capabilities = $4, updated_at = now()
		 WHERE id = $1`,
		m.ID, m.Name, cfg, caps)
	if err != nil {
		return fmt.Errorf("update model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update model: %w", err)
	}
	if n == 0 {
		return errkind.NotFound("model %s not found", m.ID)
	}
	return nil
}

// Delete removes one model row.
func (s *Store) Delete(ctx context.Context, q database.Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM ai_models WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	return nil
}

// DeleteByOwner removes all of a user's models and returns their ids
// so the caller can notify dependents.
func (s *Store) DeleteByOwner(ctx context.Context, q database.Querier, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx,
		`DELETE FROM ai_models WHERE owner_id = $1 RETURNING id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("delete models for user: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("delete models for user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeModel(m *models.AIModel) (cfg, caps []byte, err error) {
	cfg, err = json.Marshal(m.Configuration)
	if err != nil {
		return nil, nil, errkind.Validation("configuration is not valid JSON: %v", err)
	}
	if m.Capabilities == nil {
		m.Capabilities = []string{}
	}
	caps, err = json.Marshal(m.Capabilities)
	if err != nil {
		return nil, nil, errkind.Validation("capabilities are not valid JSON: %v", err)
	}
	return cfg, caps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(r rowScanner) (*models.AIModel, error) {
	m := &models.AIModel{}
	var cfg, caps []byte
	err := r.Scan(&m.ID, &m.IsSystemModel, &m.OwnerID, &m.Provider, &m.Name, &cfg, &caps, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan model: %w", err)
	}
	if err := json.Unmarshal(cfg, &m.Configuration); err != nil {
		return nil, fmt.Errorf("decode model configuration: %w", err)
	}
	if err := json.Unmarshal(caps, &m.Capabilities); err != nil {
		return nil, fmt.Errorf("decode model capabilities: %w", err)
	}
	return m, nil
}
