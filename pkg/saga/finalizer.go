package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/metrics"
	"github.com/loomery/loom/pkg/models"
)

// Queue names for the finalizer workers.
const (
	ProjectFinalizerQueue = "project_saga_finalizer_queue"
	UserFinalizerQueue    = "user_saga_finalizer_queue"
)

// RootDeleter hard-deletes the saga's root resource inside the
// transaction that completes the last step. The owning service's store
// supplies it; the finalizer never writes foreign tables itself.
type RootDeleter func(ctx context.Context, tx *sql.Tx, resourceID uuid.UUID) error

// errStale marks a confirmation whose saga is unknown or already
// finished. It is acked and ignored.
var errStale = errors.New("stale saga confirmation")

// Finalizer consumes confirmation events for one saga type, completes
// steps under a row lock, and finishes the saga when the last pending
// step lands.
type Finalizer struct {
	db         *sql.DB
	store      *Store
	sagaType   models.SagaType
	exchange   string
	queue      string
	bindings   []string
	deleteRoot RootDeleter
}

// NewProjectFinalizer finalizes project-deletion sagas from
// resource.for_project.deleted.* confirmations.
func NewProjectFinalizer(db *sql.DB, deleteRoot RootDeleter) *Finalizer {
	return &Finalizer{
		db:         db,
		store:      NewStore(),
		sagaType:   models.SagaTypeProjectDeletion,
		exchange:   models.ExchangeProjectEvents,
		queue:      ProjectFinalizerQueue,
		bindings:   []string{models.KeyResourceForProjDeleted + ".*"},
		deleteRoot: deleteRoot,
	}
}

// NewUserFinalizer finalizes user-deletion sagas. The nested project
// sagas confirm as one ProjectService step via
// all_projects_for_user.deleted.
func NewUserFinalizer(db *sql.DB, deleteRoot RootDeleter) *Finalizer {
	return &Finalizer{
		db:         db,
		store:      NewStore(),
		sagaType:   models.SagaTypeUserDeletion,
		exchange:   models.ExchangeUserEvents,
		queue:      UserFinalizerQueue,
		bindings:   []string{models.KeyResourceForUserDeleted + ".*", models.KeyAllProjectsDeleted},
		deleteRoot: deleteRoot,
	}
}

// Run consumes confirmations until ctx is cancelled.
func (f *Finalizer) Run(ctx context.Context, bc *bus.Client) error {
	return bc.Subscribe(ctx, bus.SubscribeOptions{
		Exchange: f.exchange,
		Queue:    f.queue,
		Bindings: f.bindings,
		Handler:  f.handle,
	})
}

func (f *Finalizer) handle(ctx context.Context, d bus.Delivery) error {
	resourceID, step, err := f.parse(d)
	if err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}

	finished := false
	err = database.WithTx(ctx, f.db, func(tx *sql.Tx) error {
		sg, err := f.store.LockInProgress(ctx, tx, f.sagaType, resourceID)
		if err != nil {
			if errors.Is(err, errkind.ErrNotFound) {
				return errStale
			}
			return err
		}

		first, err := f.store.CompleteStep(ctx, tx, sg.ID, step)
		if err != nil {
			if errors.Is(err, errkind.ErrNotFound) {
				return errStale
			}
			return err
		}
		if !first {
			slog.Warn("Duplicate saga confirmation",
				"saga_id", sg.ID, "step", step, "type", f.sagaType)
		}

		pending, err := f.store.CountPending(ctx, tx, sg.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return nil
		}

		if err := f.deleteRoot(ctx, tx, resourceID); err != nil {
			return fmt.Errorf("delete saga root %s: %w", resourceID, err)
		}
		if err := f.store.MarkCompleted(ctx, tx, sg.ID); err != nil {
			return err
		}
		finished = true
		return nil
	})
	if errors.Is(err, errStale) {
		slog.Warn("Confirmation for unknown or finished saga",
			"type", f.sagaType, "resource_id", resourceID, "step", step)
		return nil
	}
	if err != nil {
		return err
	}

	if finished {
		metrics.SagasCompleted.WithLabelValues(string(f.sagaType)).Inc()
		slog.Info("Saga completed", "type", f.sagaType, "resource_id", resourceID)
	}
	return nil
}

// parse extracts the resource id and confirming step name from a
// delivery. The service name comes from the payload, falling back to
// the routing key suffix.
func (f *Finalizer) parse(d bus.Delivery) (uuid.UUID, string, error) {
	if f.sagaType == models.SagaTypeUserDeletion && d.RoutingKey == models.KeyAllProjectsDeleted {
		var ev models.AllProjectsDeletedEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			return uuid.Nil, "", fmt.Errorf("decode %s: %w", d.RoutingKey, err)
		}
		if ev.UserID == uuid.Nil {
			return uuid.Nil, "", fmt.Errorf("%s without user_id", d.RoutingKey)
		}
		return ev.UserID, models.ServiceProjects, nil
	}

	switch f.sagaType {
	case models.SagaTypeProjectDeletion:
		var ev models.ResourceForProjectDeletedEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			return uuid.Nil, "", fmt.Errorf("decode %s: %w", d.RoutingKey, err)
		}
		step := ev.ServiceName
		if step == "" {
			step = stepFromKey(d.RoutingKey, models.KeyResourceForProjDeleted)
		}
		if ev.ProjectID == uuid.Nil || step == "" {
			return uuid.Nil, "", fmt.Errorf("incomplete confirmation on %s", d.RoutingKey)
		}
		return ev.ProjectID, step, nil

	case models.SagaTypeUserDeletion:
		var ev models.ResourceForUserDeletedEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			return uuid.Nil, "", fmt.Errorf("decode %s: %w", d.RoutingKey, err)
		}
		step := ev.ServiceName
		if step == "" {
			step = stepFromKey(d.RoutingKey, models.KeyResourceForUserDeleted)
		}
		if ev.UserID == uuid.Nil || step == "" {
			return uuid.Nil, "", fmt.Errorf("incomplete confirmation on %s", d.RoutingKey)
		}
		return ev.UserID, step, nil
	}
	return uuid.Nil, "", fmt.Errorf("no parser for saga type %s", f.sagaType)
}

func stepFromKey(key, prefix string) string {
	rest, ok := strings.CutPrefix(key, prefix+".")
	if !ok || strings.Contains(rest, ".") {
		return ""
	}
	return rest
}
