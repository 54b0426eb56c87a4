// Package memory manages conversation memory buckets: CRUD, the
// context-update consumer feeding them after inference jobs, history
// reads for context building, and lifecycle cleanup.
package memory

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

// ProjectAuthorizer confirms project ownership before bucket
// operations. The projects service implements it.
type ProjectAuthorizer interface {
	Authorize(ctx context.Context, callerID, projectID uuid.UUID) error
}

// Service implements memory operations on top of the store.
type Service struct {
	db        *sql.DB
	store     *Store
	publisher bus.Publisher
	projects  ProjectAuthorizer
}

func NewService(db *sql.DB, publisher bus.Publisher, projects ProjectAuthorizer) *Service {
	return &Service{db: db, store: NewStore(), publisher: publisher, projects: projects}
}

// CreateBucket creates a memory bucket inside one of the caller's
// projects.
func (s *Service) CreateBucket(ctx context.Context, p identity.Principal, req models.CreateBucketRequest) (*models.MemoryBucket, error) {
	if err := s.projects.Authorize(ctx, p.ID, req.ProjectID); err != nil {
		return nil, err
	}
	if err := validateBucketConfig(req.MemoryType, req.Config); err != nil {
		return nil, err
	}
	b := &models.MemoryBucket{
		ID:         uuid.New(),
		OwnerID:    p.ID,
		ProjectID:  req.ProjectID,
		Name:       req.Name,
		MemoryType: req.MemoryType,
		Config:     req.Config,
	}
	if err := s.store.CreateBucket(ctx, s.db, b); err != nil {
		return nil, err
	}
	return b, nil
}

func validateBucketConfig(memoryType models.MemoryType, cfg map[string]any) error {
	switch memoryType {
	case models.MemoryTypeBufferWindow:
		if raw, ok := cfg["k"]; ok {
			k, isNum := raw.(float64)
			if !isNum || k <= 0 || k != float64(int(k)) {
				return errkind.NewValidationError("config.k", "must be a positive integer")
			}
		}
	case models.MemoryTypeSummary:
		if raw, ok := cfg["summary"]; ok {
			if _, isStr := raw.(string); !isStr {
				return errkind.NewValidationError("config.summary", "must be a string")
			}
		}
	}
	return nil
}

// List returns the buckets of one of the caller's projects.
func (s *Service) List(ctx context.Context, p identity.Principal, projectID uuid.UUID) (*models.BucketListResponse, error) {
	if err := s.projects.Authorize(ctx, p.ID, projectID); err != nil {
		return nil, err
	}
	list, err := s.store.ListBucketsByProject(ctx, s.db, projectID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.MemoryBucket{}
	}
	return &models.BucketListResponse{Buckets: list, TotalCount: len(list)}, nil
}

// Get returns one of the caller's buckets. Foreign buckets look absent.
func (s *Service) Get(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.MemoryBucket, error) {
	b, err := s.store.GetBucket(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if b.OwnerID != p.ID {
		return nil, errkind.NotFound("memory bucket not found")
	}
	return b, nil
}

// Delete removes a bucket and its messages and notifies dependents.
func (s *Service) Delete(ctx context.Context, p identity.Principal, id uuid.UUID) error {
	if _, err := s.Get(ctx, p, id); err != nil {
		return err
	}
	if err := s.store.DeleteBucket(ctx, s.db, id); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, models.ExchangeResourceEvents, models.KeyBucketDeleted,
		models.BucketDeletedEvent{BucketID: id})
}

// Validate reports whether every bucket id belongs to the caller.
func (s *Service) Validate(ctx context.Context, p identity.Principal, ids []uuid.UUID) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	owned, err := s.store.GetBucketsByIDs(ctx, s.db, p.ID, ids)
	if err != nil {
		return false, err
	}
	seen := make(map[uuid.UUID]bool, len(owned))
	for _, b := range owned {
		seen[b.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			return false, nil
		}
	}
	return true, nil
}

// History returns the bucket's recent messages, window-limited
// server-side. Summary buckets lead with the stored running summary;
// the summary is never recomputed on read.
func (s *Service) History(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.HistoryResponse, error) {
	b, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.RecentMessages(ctx, s.db, b.ID, b.WindowSize())
	if err != nil {
		return nil, err
	}

	history := make([]models.HistoryEntry, 0, len(msgs)+1)
	if b.MemoryType == models.MemoryTypeSummary {
		if summary, ok := b.Config["summary"].(string); ok && summary != "" {
			history = append(history, models.HistoryEntry{
				Role:    models.RoleSystem,
				Content: []models.ContentPart{{Type: models.ContentTypeText, Text: "Conversation so far: " + summary}},
			})
		}
	}
	for _, m := range msgs {
		history = append(history, models.HistoryEntry{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
	}

	return &models.HistoryResponse{BucketID: b.ID, MemoryType: b.MemoryType, History: history}, nil
}

// AppendContext applies one context-update batch in a single
// transaction. Replays are detected by the idempotency key and surface
// as ErrAlreadyExists with nothing written.
func (s *Service) AppendContext(ctx context.Context, ev models.MemoryContextUpdateEvent) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.store.GetBucket(ctx, tx, ev.MemoryBucketID); err != nil {
			return err
		}
		if err := s.store.InsertMessages(ctx, tx, ev.MemoryBucketID, ev.IdempotencyKey, ev.MessagesToAdd); err != nil {
			return err
		}
		return s.store.Recount(ctx, tx, ev.MemoryBucketID, estimateTokens(ev.MessagesToAdd))
	})
}

// estimateTokens approximates the batch's token cost at four
// characters per token, text parts only.
func estimateTokens(msgs []models.MessageToAdd) int {
	chars := 0
	for _, m := range msgs {
		for _, part := range m.Content {
			chars += len(part.Text)
		}
	}
	return (chars + 3) / 4
}
