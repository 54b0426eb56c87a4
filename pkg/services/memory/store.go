package memory

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

const bucketColumns = `id, owner_id, project_id, name, memory_type, config, message_count, token_count, created_at, updated_at`

// Store runs the SQL for memory buckets and their messages.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) CreateBucket(ctx context.Context, q database.Querier, b *models.MemoryBucket) error {
	cfg, err := marshalConfig(b.Config)
	if err != nil {
		return err
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO memory_buckets (id, owner_id, project_id, name, memory_type, config)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		b.ID, b.OwnerID, b.ProjectID, b.Name, b.MemoryType, cfg,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert memory bucket: %w", err)
	}
	return nil
}

func (s *Store) GetBucket(ctx context.Context, q database.Querier, id uuid.UUID) (*models.MemoryBucket, error) {
	b, err := scanBucket(q.QueryRowContext(ctx,
		`SELECT `+bucketColumns+` FROM memory_buckets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.NotFound("memory bucket not found")
	}
	return b, err
}

// GetBucketsByIDs loads the subset of ids owned by the owner.
func (s *Store) GetBucketsByIDs(ctx context.Context, q database.Querier, ownerID uuid.UUID, ids []uuid.UUID) ([]*models.MemoryBucket, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.listBuckets(ctx, q,
		`SELECT `+bucketColumns+` FROM memory_buckets
		 WHERE id = ANY($2) AND owner_id = $1`, ownerID, ids)
}

func (s *Store) ListBucketsByProject(ctx context.Context, q database.Querier, projectID uuid.UUID) ([]*models.MemoryBucket, error) {
	return s.listBuckets(ctx, q,
		`SELECT `+bucketColumns+` FROM memory_buckets WHERE project_id = $1 ORDER BY created_at`, projectID)
}

func (s *Store) listBuckets(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.MemoryBucket, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory buckets: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryBucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBucket removes a bucket; its messages go with it.
func (s *Store) DeleteBucket(ctx context.Context, q database.Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM memory_buckets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete memory bucket: %w", err)
	}
	return nil
}

func (s *Store) DeleteBucketsByOwner(ctx context.Context, q database.Querier, ownerID uuid.UUID) ([]uuid.UUID, error) {
	return s.deleteBuckets(ctx, q,
		`DELETE FROM memory_buckets WHERE owner_id = $1 RETURNING id`, ownerID)
}

func (s *Store) DeleteBucketsByProject(ctx context.Context, q database.Querier, projectID uuid.UUID) ([]uuid.UUID, error) {
	return s.deleteBuckets(ctx, q,
		`DELETE FROM memory_buckets WHERE project_id = $1 RETURNING id`, projectID)
}

func (s *Store) deleteBuckets(ctx context.Context, q database.Querier, query string, arg any) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("delete memory buckets: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("delete memory buckets: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertMessages appends a batch to a bucket. Only the first message
// carries the idempotency key; a key collision means the batch was
// already applied and surfaces as ErrAlreadyExists.
func (s *Store) InsertMessages(ctx context.Context, q database.Querier, bucketID uuid.UUID, idempotencyKey string, msgs []models.MessageToAdd) error {
	for i, m := range msgs {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return errkind.Validation("message content is not valid JSON: %v", err)
		}
		var key *string
		if i == 0 && idempotencyKey != "" {
			key = &idempotencyKey
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO memory_messages (id, bucket_id, role, content, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), bucketID, m.Role, content, key); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: batch %s already applied", errkind.ErrAlreadyExists, idempotencyKey)
			}
			return fmt.Errorf("insert memory message: %w", err)
		}
	}
	return nil
}

// Recount refreshes the bucket's message count and adds the token
// delta of the batch just written.
func (s *Store) Recount(ctx context.Context, q database.Querier, bucketID uuid.UUID, tokenDelta int) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE memory_buckets
		 SET message_count = (SELECT count(*) FROM memory_messages WHERE bucket_id = $1),
		     token_count = token_count + $2,
		     updated_at = now()
		 WHERE id = $1`,
		bucketID, tokenDelta); err != nil {
		return fmt.Errorf("recount memory bucket: %w", err)
	}
	return nil
}

// RecentMessages returns the newest limit messages in chronological
// order.
func (s *Store) RecentMessages(ctx context.Context, q database.Querier, bucketID uuid.UUID, limit int) ([]*models.MemoryMessage, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, bucket_id, role, content, idempotency_key, ts
		 FROM memory_messages WHERE bucket_id = $1
		 ORDER BY ts DESC LIMIT $2`, bucketID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memory messages: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryMessage
	for rows.Next() {
		m := &models.MemoryMessage{}
		var content []byte
		if err := rows.Scan(&m.ID, &m.BucketID, &m.Role, &content, &m.IdempotencyKey, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan memory message: %w", err)
		}
		if err := json.Unmarshal(content, &m.Content); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the index, chronological for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func marshalConfig(cfg map[string]any) ([]byte, error) {
	if cfg == nil {
		return []byte(`{}`), nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, errkind.Validation("config is not valid JSON: %v", err)
	}
	return raw, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(r rowScanner) (*models.MemoryBucket, error) {
	b := &models.MemoryBucket{}
	var cfg []byte
	err := r.Scan(&b.ID, &b.OwnerID, &b.ProjectID, &b.Name, &b.MemoryType, &cfg,
		&b.MessageCount, &b.TokenCount, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan memory bucket: %w", err)
	}
	if err := json.Unmarshal(cfg, &b.Config); err != nil {
		return nil, fmt.Errorf("decode bucket config: %w", err)
	}
	return b, nil
}
