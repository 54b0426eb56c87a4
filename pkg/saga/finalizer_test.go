package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

func testProjectFinalizer(t *testing.T, deleteRoot RootDeleter) (*Finalizer, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewProjectFinalizer(db, deleteRoot), mock
}

func confirmation(t *testing.T, key string, body any) bus.Delivery {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bus.Delivery{Exchange: models.ExchangeProjectEvents, RoutingKey: key, Body: raw}
}

func sagaRows(id, resourceID uuid.UUID, sagaType models.SagaType) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "type", "related_resource_id", "status", "created_at", "updated_at"}).
		AddRow(id, sagaType, resourceID, models.SagaStatusInProgress, time.Now(), time.Now())
}

func expectLock(mock sqlmock.Sqlmock, sagaID, resourceID uuid.UUID) {
	mock.ExpectQuery(`SELECT .+ FROM sagas\s+WHERE type = \$1 AND related_resource_id = \$2 AND status = \$3\s+FOR UPDATE`).
		WillReturnRows(sagaRows(sagaID, resourceID, models.SagaTypeProjectDeletion))
}

func TestFinalizerCompletesStepAndWaitsForRest(t *testing.T) {
	rootDeleted := false
	f, mock := testProjectFinalizer(t, func(context.Context, *sql.Tx, uuid.UUID) error {
		rootDeleted = true
		return nil
	})
	sagaID, projectID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectLock(mock, sagaID, projectID)
	mock.ExpectExec(`UPDATE saga_steps SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	err := f.handle(context.Background(), confirmation(t, models.KeyResourceForProjDeleted+".node",
		models.ResourceForProjectDeletedEvent{ProjectID: projectID, ServiceName: "NodeService"}))
	require.NoError(t, err)
	assert.False(t, rootDeleted, "root must survive while steps are pending")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizerFinishesSagaOnLastStep(t *testing.T) {
	var deletedID uuid.UUID
	f, mock := testProjectFinalizer(t, func(_ context.Context, _ *sql.Tx, id uuid.UUID) error {
		deletedID = id
		return nil
	})
	sagaID, projectID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectLock(mock, sagaID, projectID)
	mock.ExpectExec(`UPDATE saga_steps SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE sagas SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := f.handle(context.Background(), confirmation(t, models.KeyResourceForProjDeleted+".data",
		models.ResourceForProjectDeletedEvent{ProjectID: projectID, ServiceName: "DataService"}))
	require.NoError(t, err)
	assert.Equal(t, projectID, deletedID, "root delete must run in the finishing transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizerRootDeleteFailureLeavesDelivery(t *testing.T) {
	f, mock := testProjectFinalizer(t, func(context.Context, *sql.Tx, uuid.UUID) error {
		return errors.New("projects table is sulking")
	})
	sagaID, projectID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectLock(mock, sagaID, projectID)
	mock.ExpectExec(`UPDATE saga_steps SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := f.handle(context.Background(), confirmation(t, models.KeyResourceForProjDeleted+".memory",
		models.ResourceForProjectDeletedEvent{ProjectID: projectID, ServiceName: "MemoryService"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, bus.ErrDrop), "infra failures must stay redeliverable")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizerStaleConfirmationIsAcked(t *testing.T) {
	f, mock := testProjectFinalizer(t, func(context.Context, *sql.Tx, uuid.UUID) error {
		t.Fatal("stale confirmation must not touch the root")
		return nil
	})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sagas\s+WHERE type = \$1 AND related_resource_id = \$2 AND status = \$3\s+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "related_resource_id", "status", "created_at", "updated_at"}))
	mock.ExpectRollback()

	err := f.handle(context.Background(), confirmation(t, models.KeyResourceForProjDeleted+".node",
		models.ResourceForProjectDeletedEvent{ProjectID: uuid.New(), ServiceName: "NodeService"}))
	assert.NoError(t, err, "stale confirmations are logged and acked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizerDuplicateConfirmationIsIdempotent(t *testing.T) {
	f, mock := testProjectFinalizer(t, func(context.Context, *sql.Tx, uuid.UUID) error { return nil })
	sagaID, projectID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectLock(mock, sagaID, projectID)
	mock.ExpectExec(`UPDATE saga_steps SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	err := f.handle(context.Background(), confirmation(t, models.KeyResourceForProjDeleted+".node",
		models.ResourceForProjectDeletedEvent{ProjectID: projectID, ServiceName: "NodeService"}))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizerDropsMalformedConfirmations(t *testing.T) {
	f, _ := testProjectFinalizer(t, func(context.Context, *sql.Tx, uuid.UUID) error { return nil })

	err := f.handle(context.Background(), bus.Delivery{
		Exchange:   models.ExchangeProjectEvents,
		RoutingKey: models.KeyResourceForProjDeleted + ".node",
		Body:       []byte(`{not json`),
	})
	assert.True(t, errors.Is(err, bus.ErrDrop))

	err = f.handle(context.Background(), confirmation(t, models.KeyResourceForProjDeleted+".node",
		models.ResourceForProjectDeletedEvent{ServiceName: "NodeService"}))
	assert.True(t, errors.Is(err, bus.ErrDrop), "missing project id has nothing to retry")
}

func TestFinalizerStepNameFallsBackToRoutingKey(t *testing.T) {
	f, _ := testProjectFinalizer(t, nil)

	resourceID, step, err := f.parse(confirmation(t, models.KeyResourceForProjDeleted+".node",
		models.ResourceForProjectDeletedEvent{ProjectID: uuid.MustParse("6b1ef44e-12ab-43ff-a3c7-6a9f03b9c10f")}))
	require.NoError(t, err)
	assert.Equal(t, "6b1ef44e-12ab-43ff-a3c7-6a9f03b9c10f", resourceID.String())
	assert.Equal(t, "node", step)
}

func TestUserFinalizerCountsProjectFanInAsOneStep(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := NewUserFinalizer(db, func(context.Context, *sql.Tx, uuid.UUID) error { return nil })
	sagaID, userID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sagas\s+WHERE type = \$1 AND related_resource_id = \$2 AND status = \$3\s+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "related_resource_id", "status", "created_at", "updated_at"}).
			AddRow(sagaID, models.SagaTypeUserDeletion, userID, models.SagaStatusInProgress, time.Now(), time.Now()))
	mock.ExpectExec(`UPDATE saga_steps SET status`).
		WithArgs(models.SagaStepCompleted, sagaID, models.ServiceProjects, models.SagaStepPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM saga_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectCommit()

	handleErr := f.handle(context.Background(), bus.Delivery{
		Exchange:   models.ExchangeUserEvents,
		RoutingKey: models.KeyAllProjectsDeleted,
		Body:       mustJSON(t, models.AllProjectsDeletedEvent{UserID: userID}),
	})
	require.NoError(t, handleErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
