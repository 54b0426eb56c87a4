package nodes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/models"
)

// DependencyQueue is the durable queue feeding the healer.
const DependencyQueue = "node_dependency_queue"

// Healer keeps nodes consistent with their upstream resources. A
// deleted model deactivates its nodes, a deleted tool is pruned from
// tool lists, and a capability change regenerates templates. Every
// event is handled in one transaction with the affected rows locked.
type Healer struct {
	db    *sql.DB
	store *Store
}

func NewHealer(db *sql.DB) *Healer {
	return &Healer{db: db, store: NewStore()}
}

// Run consumes resource events until ctx is cancelled.
func (h *Healer) Run(ctx context.Context, bc *bus.Client) error {
	return bc.Subscribe(ctx, bus.SubscribeOptions{
		Exchange: models.ExchangeResourceEvents,
		Queue:    DependencyQueue,
		Bindings: []string{
			models.KeyModelDeleted,
			models.KeyToolDeleted,
			models.KeyModelCapabilitiesUpdated,
		},
		Handler: h.handle,
	})
}

func (h *Healer) handle(ctx context.Context, d bus.Delivery) error {
	switch d.RoutingKey {
	case models.KeyModelDeleted:
		var ev models.ModelDeletedEvent
		if err := decodeEvent(d, &ev); err != nil {
			return err
		}
		if ev.ModelID == uuid.Nil {
			return fmt.Errorf("%w: %s without model_id", bus.ErrDrop, d.RoutingKey)
		}
		return h.modelDeleted(ctx, ev.ModelID)

	case models.KeyToolDeleted:
		var ev models.ToolDeletedEvent
		if err := decodeEvent(d, &ev); err != nil {
			return err
		}
		if ev.ToolID == uuid.Nil {
			return fmt.Errorf("%w: %s without tool_id", bus.ErrDrop, d.RoutingKey)
		}
		return h.toolDeleted(ctx, ev.ToolID)

	case models.KeyModelCapabilitiesUpdated:
		var ev models.ModelCapabilitiesUpdatedEvent
		if err := decodeEvent(d, &ev); err != nil {
			return err
		}
		if ev.ModelID == uuid.Nil {
			return fmt.Errorf("%w: %s without model_id", bus.ErrDrop, d.RoutingKey)
		}
		return h.capabilitiesUpdated(ctx, ev.ModelID, ev.NewCapabilities)
	}
	return fmt.Errorf("%w: unexpected routing key %s", bus.ErrDrop, d.RoutingKey)
}

func decodeEvent(d bus.Delivery, dst any) error {
	if err := json.Unmarshal(d.Body, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", bus.ErrDrop, d.RoutingKey, err)
	}
	return nil
}

// modelDeleted deactivates every node pinned to the model. Only an
// explicit reconfigure-model revives them.
func (h *Healer) modelDeleted(ctx context.Context, modelID uuid.UUID) error {
	return database.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		affected, err := h.store.ListByModelForUpdate(ctx, tx, modelID)
		if err != nil {
			return err
		}
		ids := make([]uuid.UUID, 0, len(affected))
		for _, n := range affected {
			ids = append(ids, n.ID)
		}
		if err := h.store.SetStatusByIDs(ctx, tx, ids, models.NodeStatusInactive); err != nil {
			return err
		}
		if len(ids) > 0 {
			slog.Info("Nodes deactivated after model deletion", "model_id", modelID, "count", len(ids))
		}
		return nil
	})
}

// toolDeleted prunes the tool from every referencing node and marks
// the node ALTERED. Inference still runs, with a warning.
func (h *Healer) toolDeleted(ctx context.Context, toolID uuid.UUID) error {
	return database.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		affected, err := h.store.ListByToolForUpdate(ctx, tx, toolID)
		if err != nil {
			return err
		}
		for _, n := range affected {
			cfg := n.Configuration
			if cfg.ToolConfig == nil {
				continue
			}
			kept := make([]uuid.UUID, 0, len(cfg.ToolConfig.ToolIDs))
			for _, id := range cfg.ToolConfig.ToolIDs {
				if id != toolID {
					kept = append(kept, id)
				}
			}
			cfg.ToolConfig = &models.ToolConfig{ToolIDs: kept}
			if err := h.store.SetConfiguration(ctx, tx, n.ID, cfg, models.NodeStatusAltered); err != nil {
				return err
			}
			slog.Info("Node tool list pruned", "node_id", n.ID, "tool_id", toolID)
		}
		return nil
	})
}

// capabilitiesUpdated regenerates each pinned node's template from the
// new capability list, merging user values forward where the section
// survived, and reactivates the node.
func (h *Healer) capabilitiesUpdated(ctx context.Context, modelID uuid.UUID, capabilities []string) error {
	return database.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		affected, err := h.store.ListByModelForUpdate(ctx, tx, modelID)
		if err != nil {
			return err
		}
		for _, n := range affected {
			cfg := mergeForward(newTemplate(modelID, capabilities), n.Configuration)
			if err := h.store.SetConfiguration(ctx, tx, n.ID, cfg, models.NodeStatusActive); err != nil {
				return err
			}
			slog.Info("Node template healed", "node_id", n.ID, "model_id", modelID)
		}
		return nil
	})
}
