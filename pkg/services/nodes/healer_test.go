package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

func testHealer(t *testing.T) (*Healer, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(passthrough{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewHealer(db), mock
}

func delivery(t *testing.T, key string, body any) bus.Delivery {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bus.Delivery{Exchange: models.ExchangeResourceEvents, RoutingKey: key, Body: raw}
}

func TestHealerModelDeleted(t *testing.T) {
	h, mock := testHealer(t)
	modelID := uuid.New()
	owner := uuid.New()

	n1 := activeNode(owner, modelID)
	n2 := activeNode(owner, modelID)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM nodes\s+WHERE configuration -> 'model_config' ->> 'model_id' = \$1\s+FOR UPDATE`).
		WillReturnRows(nodeRows(n1, n2))
	mock.ExpectExec(`UPDATE nodes SET status = \$2, updated_at = now\(\) WHERE id = ANY\(\$1\)`).
		WithArgs([]uuid.UUID{n1.ID, n2.ID}, models.NodeStatusInactive).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := h.handle(context.Background(), delivery(t, models.KeyModelDeleted, models.ModelDeletedEvent{ModelID: modelID}))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealerToolDeleted(t *testing.T) {
	h, mock := testHealer(t)
	owner := uuid.New()
	modelID := uuid.New()
	gone, kept := uuid.New(), uuid.New()

	n := activeNode(owner, modelID)
	n.Configuration.ToolConfig = &models.ToolConfig{ToolIDs: []uuid.UUID{gone, kept}}

	wantCfg := n.Configuration
	wantCfg.ToolConfig = &models.ToolConfig{ToolIDs: []uuid.UUID{kept}}
	wantRaw, err := json.Marshal(wantCfg)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM nodes\s+WHERE configuration -> 'tool_config' -> 'tool_ids' @> jsonb_build_array\(\$1::text\)\s+FOR UPDATE`).
		WillReturnRows(nodeRows(n))
	mock.ExpectExec(`UPDATE nodes SET configuration = \$2, status = \$3, updated_at = now\(\) WHERE id = \$1`).
		WithArgs(n.ID, wantRaw, models.NodeStatusAltered).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = h.handle(context.Background(), delivery(t, models.KeyToolDeleted, models.ToolDeletedEvent{ToolID: gone}))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealerCapabilitiesUpdated(t *testing.T) {
	h, mock := testHealer(t)
	owner := uuid.New()
	modelID := uuid.New()
	bucketID := uuid.New()

	n := activeNode(owner, modelID)
	n.Status = models.NodeStatusAltered
	n.Configuration.MemoryConfig = &models.MemoryConfig{IsEnabled: true, BucketID: &bucketID}
	n.Configuration.ToolConfig = &models.ToolConfig{ToolIDs: []uuid.UUID{uuid.New()}}

	// tool_use is gone: tool_config drops, memory keeps user values.
	wantCfg := newTemplate(modelID, []string{models.CapabilityText})
	wantCfg.MemoryConfig = &models.MemoryConfig{IsEnabled: true, BucketID: &bucketID}
	wantCfg.RAGConfig = n.Configuration.RAGConfig
	wantRaw, err := json.Marshal(wantCfg)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM nodes\s+WHERE configuration -> 'model_config' ->> 'model_id' = \$1\s+FOR UPDATE`).
		WillReturnRows(nodeRows(n))
	mock.ExpectExec(`UPDATE nodes SET configuration = \$2, status = \$3, updated_at = now\(\) WHERE id = \$1`).
		WithArgs(n.ID, wantRaw, models.NodeStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = h.handle(context.Background(), delivery(t, models.KeyModelCapabilitiesUpdated,
		models.ModelCapabilitiesUpdatedEvent{ModelID: modelID, NewCapabilities: []string{models.CapabilityText}}))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealerDropsMalformedEvents(t *testing.T) {
	h, _ := testHealer(t)

	t.Run("garbage payload", func(t *testing.T) {
		err := h.handle(context.Background(), bus.Delivery{RoutingKey: models.KeyModelDeleted, Body: []byte("{")})
		assert.True(t, errors.Is(err, bus.ErrDrop))
	})

	t.Run("missing id", func(t *testing.T) {
		err := h.handle(context.Background(), delivery(t, models.KeyToolDeleted, models.ToolDeletedEvent{}))
		assert.True(t, errors.Is(err, bus.ErrDrop))
	})

	t.Run("unexpected routing key", func(t *testing.T) {
		err := h.handle(context.Background(), bus.Delivery{RoutingKey: "something.else", Body: []byte("{}")})
		assert.True(t, errors.Is(err, bus.ErrDrop))
	})
}
