// Package nodes manages inference nodes: two-stage creation, template
// derived configuration, the dependency healer, and project cleanup.
package nodes

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

// ProjectAuthorizer confirms project ownership before node operations.
// The projects service implements it.
type ProjectAuthorizer interface {
	Authorize(ctx context.Context, callerID, projectID uuid.UUID) error
}

// ModelCatalog resolves a model visible to the principal into its
// capability list. The aimodels service implements it.
type ModelCatalog interface {
	Capabilities(ctx context.Context, p identity.Principal, modelID uuid.UUID) ([]string, error)
}

// Service implements node operations on top of the store.
type Service struct {
	db        *sql.DB
	store     *Store
	publisher bus.Publisher
	projects  ProjectAuthorizer
	catalog   ModelCatalog
}

func NewService(db *sql.DB, publisher bus.Publisher, projects ProjectAuthorizer, catalog ModelCatalog) *Service {
	return &Service{db: db, store: NewStore(), publisher: publisher, projects: projects, catalog: catalog}
}

// CreateDraft is stage one of node creation: a named node inside a
// project, no model yet, inference refused until configure-model.
func (s *Service) CreateDraft(ctx context.Context, p identity.Principal, req models.CreateDraftNodeRequest) (*models.Node, error) {
	if err := s.projects.Authorize(ctx, p.ID, req.ProjectID); err != nil {
		return nil, err
	}
	n := &models.Node{
		ID:        uuid.New(),
		ProjectID: req.ProjectID,
		OwnerID:   p.ID,
		Name:      req.Name,
		Status:    models.NodeStatusDraft,
	}
	if err := s.store.Create(ctx, s.db, n); err != nil {
		return nil, err
	}
	return n, nil
}

// ConfigureModel is stage two: pin a model and regenerate the
// configuration template from its capabilities. Existing user values
// merge forward where their section survives. Works on drafts and as
// an explicit reconfigure, which is the only way out of INACTIVE.
func (s *Service) ConfigureModel(ctx context.Context, p identity.Principal, nodeID uuid.UUID, req models.ConfigureModelRequest) (*models.Node, error) {
	n, err := s.Get(ctx, p, nodeID)
	if err != nil {
		return nil, err
	}

	caps, err := s.catalog.Capabilities(ctx, p, req.ModelID)
	if err != nil {
		if errors.Is(err, errkind.ErrNotFound) {
			return nil, errkind.NewValidationError("model_id", "model not found or not visible")
		}
		return nil, err
	}

	cfg := mergeForward(newTemplate(req.ModelID, caps), n.Configuration)
	for k, v := range req.Parameters {
		cfg.Parameters[k] = v
	}

	n.Configuration = cfg
	n.Status = models.NodeStatusActive
	if err := s.store.Update(ctx, s.db, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Update changes the name or configuration values. Configuration keys
// must already exist in the node's template; the pinned model id never
// changes here.
func (s *Service) Update(ctx context.Context, p identity.Principal, nodeID uuid.UUID, req models.UpdateNodeRequest) (*models.Node, error) {
	n, err := s.Get(ctx, p, nodeID)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		n.Name = req.Name
	}
	if req.Configuration != nil {
		if n.Configuration.ModelConfig == nil {
			return nil, errkind.NewValidationError("configuration", "node has no model configured yet")
		}
		cfg, err := applyConfigUpdate(n.Configuration, req.Configuration)
		if err != nil {
			return nil, err
		}
		n.Configuration = cfg
	}

	if err := s.store.Update(ctx, s.db, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Get returns one of the caller's nodes. Foreign nodes look absent.
func (s *Service) Get(ctx context.Context, p identity.Principal, nodeID uuid.UUID) (*models.Node, error) {
	n, err := s.store.Get(ctx, s.db, nodeID)
	if err != nil {
		return nil, err
	}
	if n.OwnerID != p.ID {
		return nil, errkind.NotFound("node not found")
	}
	return n, nil
}

// List returns the nodes of one of the caller's projects.
func (s *Service) List(ctx context.Context, p identity.Principal, projectID uuid.UUID) (*models.NodeListResponse, error) {
	if err := s.projects.Authorize(ctx, p.ID, projectID); err != nil {
		return nil, err
	}
	list, err := s.store.ListByProject(ctx, s.db, projectID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Node{}
	}
	return &models.NodeListResponse{Nodes: list, TotalCount: len(list)}, nil
}

// Delete removes one of the caller's nodes.
func (s *Service) Delete(ctx context.Context, p identity.Principal, nodeID uuid.UUID) error {
	if _, err := s.Get(ctx, p, nodeID); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.db, nodeID)
}

// Details is the orchestrator's view of a node.
func (s *Service) Details(ctx context.Context, p identity.Principal, nodeID uuid.UUID) (*models.NodeDetailsResponse, error) {
	n, err := s.Get(ctx, p, nodeID)
	if err != nil {
		return nil, err
	}
	return &models.NodeDetailsResponse{
		NodeID:        n.ID,
		ProjectID:     n.ProjectID,
		OwnerID:       n.OwnerID,
		Name:          n.Name,
		Status:        n.Status,
		Configuration: n.Configuration,
	}, nil
}
