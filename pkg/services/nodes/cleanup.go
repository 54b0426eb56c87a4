package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

// ProjectCleanupQueue is the durable queue for the project-deletion
// fan-out.
const ProjectCleanupQueue = "node_project_cleanup_queue"

// ProjectCleanup deletes a project's nodes when the project is deleted
// and confirms the NodeService saga step.
type ProjectCleanup struct {
	svc *Service
}

func NewProjectCleanup(svc *Service) *ProjectCleanup {
	return &ProjectCleanup{svc: svc}
}

// Run consumes deletion events until ctx is cancelled.
func (c *ProjectCleanup) Run(ctx context.Context, bc *bus.Client) error {
	return bc.Subscribe(ctx, bus.SubscribeOptions{
		Exchange: models.ExchangeProjectEvents,
		Queue:    ProjectCleanupQueue,
		Bindings: []string{models.KeyProjectDeletionInitiated},
		Handler:  c.handle,
	})
}

func (c *ProjectCleanup) handle(ctx context.Context, d bus.Delivery) error {
	var ev models.ProjectDeletionInitiatedEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return fmt.Errorf("%w: decode %s: %v", bus.ErrDrop, d.RoutingKey, err)
	}
	if ev.ProjectID == uuid.Nil {
		return fmt.Errorf("%w: %s without project_id", bus.ErrDrop, d.RoutingKey)
	}
	return c.svc.CleanupForProject(ctx, ev.ProjectID)
}

// CleanupForProject deletes every node of the project and confirms
// this service's step of the project-deletion saga.
func (s *Service) CleanupForProject(ctx context.Context, projectID uuid.UUID) error {
	deleted, err := s.store.DeleteByProject(ctx, s.db, projectID)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("Deleted project nodes", "project_id", projectID, "count", deleted)
	}
	return s.publisher.Publish(ctx, models.ExchangeProjectEvents,
		models.KeyResourceForProjDeleted+"."+models.ServiceNodes,
		models.ResourceForProjectDeletedEvent{ProjectID: projectID, ServiceName: models.ServiceNodes})
}
