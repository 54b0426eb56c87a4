// Package aimodels manages AI model records: staff-owned provider
// blueprints carrying a configuration schema, and per-user models whose
// configurations are validated against their blueprint and whose
// credentials are encrypted at rest.
package aimodels

import (
	"context"
	"database/sql"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

// Service implements model operations on top of the store.
type Service struct {
	db        *sql.DB
	store     *Store
	cipher    *Cipher
	publisher bus.Publisher
}

// NewService creates the model service.
func NewService(db *sql.DB, cipher *Cipher, publisher bus.Publisher) *Service {
	return &Service{db: db, store: NewStore(), cipher: cipher, publisher: publisher}
}

// Create makes a new model. Staff callers create system blueprints;
// other callers create a user model bound to the provider's blueprint.
func (s *Service) Create(ctx context.Context, p identity.Principal, req models.CreateModelRequest) (*models.AIModel, error) {
	if p.IsStaff {
		return s.createBlueprint(ctx, req)
	}
	return s.createUserModel(ctx, p.ID, req)
}

func (s *Service) createBlueprint(ctx context.Context, req models.CreateModelRequest) (*models.AIModel, error) {
	caps := req.Capabilities
	if len(caps) == 0 {
		caps = []string{models.CapabilityText}
	}
	m := &models.AIModel{
		ID:            uuid.New(),
		IsSystemModel: true,
		Provider:      req.Provider,
		Name:          req.Name,
		Configuration: req.Configuration,
		Capabilities:  caps,
	}
	if err := s.store.Create(ctx, s.db, m); err != nil {
		return nil, err
	}
	slog.Info("Blueprint created", "model_id", m.ID, "provider", m.Provider)
	return m, nil
}

func (s *Service) createUserModel(ctx context.Context, ownerID uuid.UUID, req models.CreateModelRequest) (*models.AIModel, error) {
	if len(req.Capabilities) > 0 {
		return nil, errkind.NewValidationError("capabilities", "inherited from the provider blueprint")
	}
	bp, err := s.store.GetBlueprint(ctx, s.db, req.Provider)
	if err != nil {
		if errkind.KindOf(err) == errkind.KindNotFound {
			return nil, errkind.NewValidationError("provider", "no blueprint for provider "+req.Provider)
		}
		return nil, err
	}
	if err := validateConfiguration(req.Configuration, bp.Configuration); err != nil {
		return nil, err
	}
	if err := s.cipher.EncryptCredentials(req.Configuration); err != nil {
		return nil, err
	}

	m := &models.AIModel{
		ID:            uuid.New(),
		OwnerID:       &ownerID,
		Provider:      req.Provider,
		Name:          req.Name,
		Configuration: req.Configuration,
		Capabilities:  slices.Clone(bp.Capabilities),
	}
	if err := s.store.Create(ctx, s.db, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns the models visible to the caller: all system blueprints
// plus the caller's own.
func (s *Service) List(ctx context.Context, p identity.Principal) (*models.ModelListResponse, error) {
	list, err := s.store.ListVisible(ctx, s.db, p.ID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.AIModel{}
	}
	return &models.ModelListResponse{Models: list, TotalCount: len(list)}, nil
}

// Get returns one visible model. Foreign user models look absent.
func (s *Service) Get(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.AIModel, error) {
	m, err := s.store.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !visible(m, p) {
		return nil, errkind.NotFound("model not found")
	}
	return m, nil
}

// Capabilities returns the capability list of one visible model.
func (s *Service) Capabilities(ctx context.Context, p identity.Principal, id uuid.UUID) ([]string, error) {
	m, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return m.Capabilities, nil
}

// Update modifies a model. Blueprint updates are staff-only; a changed
// capability list is broadcast so dependent nodes can heal. User model
// updates are re-validated against the blueprint and re-encrypted.
func (s *Service) Update(ctx context.Context, p identity.Principal, id uuid.UUID, req models.UpdateModelRequest) (*models.AIModel, error) {
	m, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}

	if m.IsSystemModel {
		return s.updateBlueprint(ctx, p, m, req)
	}

	if len(req.Capabilities) > 0 {
		return nil, errkind.NewValidationError("capabilities", "inherited from the provider blueprint")
	}
	if req.Name != "" {
		m.Name = req.Name
	}
	if req.Configuration != nil {
		bp, err := s.store.GetBlueprint(ctx, s.db, m.Provider)
		if err != nil {
			return nil, err
		}
		if err := validateConfiguration(req.Configuration, bp.Configuration); err != nil {
			return nil, err
		}
		if err := s.cipher.EncryptCredentials(req.Configuration); err != nil {
			return nil, err
		}
		m.Configuration = req.Configuration
	}
	if err := s.store.Update(ctx, s.db, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) updateBlueprint(ctx context.Context, p identity.Principal, m *models.AIModel, req models.UpdateModelRequest) (*models.AIModel, error) {
	if !p.IsStaff {
		return nil, errkind.Permission("only staff may modify system blueprints")
	}
	if req.Name != "" {
		m.Name = req.Name
	}
	if req.Configuration != nil {
		m.Configuration = req.Configuration
	}

	capsChanged := len(req.Capabilities) > 0 && !slices.Equal(req.Capabilities, m.Capabilities)
	if capsChanged {
		m.Capabilities = req.Capabilities
	}
	if err := s.store.Update(ctx, s.db, m); err != nil {
		return nil, err
	}

	if capsChanged {
		err := s.publisher.Publish(ctx, models.ExchangeResourceEvents, models.KeyModelCapabilitiesUpdated,
			models.ModelCapabilitiesUpdatedEvent{ModelID: m.ID, NewCapabilities: m.Capabilities})
		if err != nil {
			return nil, err
		}
		slog.Info("Blueprint capabilities updated", "model_id", m.ID, "capabilities", m.Capabilities)
	}
	return m, nil
}

// Delete removes a model and notifies dependents. Blueprints are
// staff-only; user models are owner-only.
func (s *Service) Delete(ctx context.Context, p identity.Principal, id uuid.UUID) error {
	m, err := s.Get(ctx, p, id)
	if err != nil {
		return err
	}
	if m.IsSystemModel && !p.IsStaff {
		return errkind.Permission("only staff may delete system blueprints")
	}
	if err := s.store.Delete(ctx, s.db, id); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, models.ExchangeResourceEvents, models.KeyModelDeleted,
		models.ModelDeletedEvent{ModelID: id})
}

// GetConfiguration returns a visible model's provider, decrypted
// configuration, and capabilities for the inference pipeline.
func (s *Service) GetConfiguration(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.ModelConfigurationResponse, error) {
	m, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.cipher.DecryptCredentials(m.Configuration); err != nil {
		return nil, err
	}
	return &models.ModelConfigurationResponse{
		ModelID:       m.ID,
		Provider:      m.Provider,
		Name:          m.Name,
		Configuration: m.Configuration,
		Capabilities:  m.Capabilities,
	}, nil
}

func visible(m *models.AIModel, p identity.Principal) bool {
	if m.IsSystemModel {
		return true
	}
	return m.OwnerID != nil && *m.OwnerID == p.ID
}
