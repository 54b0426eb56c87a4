package nodes

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
	testbus "github.com/loomery/loom/test/bus"
)

type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) { return v, nil }

type stubProjects struct{ err error }

func (s stubProjects) Authorize(ctx context.Context, callerID, projectID uuid.UUID) error {
	return s.err
}

type stubCatalog struct {
	caps []string
	err  error
}

func (s stubCatalog) Capabilities(ctx context.Context, p identity.Principal, modelID uuid.UUID) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.caps, nil
}

func testService(t *testing.T, projects ProjectAuthorizer, catalog ModelCatalog) (*Service, sqlmock.Sqlmock, *testbus.Recorder) {
	t.Helper()

	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(passthrough{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rec := testbus.NewRecorder()
	return NewService(db, rec, projects, catalog), mock, rec
}

func nodeRows(ns ...*models.Node) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "project_id", "owner_id", "name", "status", "configuration", "created_at", "updated_at"})
	for _, n := range ns {
		cfg, _ := json.Marshal(n.Configuration)
		rows.AddRow(n.ID, n.ProjectID, n.OwnerID, n.Name, n.Status, cfg, time.Now(), time.Now())
	}
	return rows
}

func draftNode(owner uuid.UUID) *models.Node {
	return &models.Node{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		OwnerID:   owner,
		Name:      "assistant",
		Status:    models.NodeStatusDraft,
	}
}

func activeNode(owner, modelID uuid.UUID) *models.Node {
	n := draftNode(owner)
	n.Status = models.NodeStatusActive
	n.Configuration = newTemplate(modelID, []string{models.CapabilityText, models.CapabilityToolUse})
	return n
}

func TestNewTemplate(t *testing.T) {
	modelID := uuid.New()

	t.Run("text and tool_use", func(t *testing.T) {
		cfg := newTemplate(modelID, []string{models.CapabilityText, models.CapabilityToolUse})
		require.NotNil(t, cfg.ModelConfig)
		assert.Equal(t, modelID, cfg.ModelConfig.ModelID)
		assert.NotNil(t, cfg.MemoryConfig)
		assert.NotNil(t, cfg.RAGConfig)
		require.NotNil(t, cfg.ToolConfig)
		assert.Empty(t, cfg.ToolConfig.ToolIDs)
	})

	t.Run("text only omits tool_config", func(t *testing.T) {
		cfg := newTemplate(modelID, []string{models.CapabilityText})
		assert.NotNil(t, cfg.MemoryConfig)
		assert.Nil(t, cfg.ToolConfig)
	})

	t.Run("no capabilities keeps only the pin", func(t *testing.T) {
		cfg := newTemplate(modelID, nil)
		assert.NotNil(t, cfg.ModelConfig)
		assert.Nil(t, cfg.MemoryConfig)
		assert.Nil(t, cfg.RAGConfig)
		assert.Nil(t, cfg.ToolConfig)
	})
}

func TestMergeForward(t *testing.T) {
	oldModel, newModel := uuid.New(), uuid.New()
	bucketID := uuid.New()

	prev := newTemplate(oldModel, []string{models.CapabilityText, models.CapabilityToolUse})
	prev.MemoryConfig = &models.MemoryConfig{IsEnabled: true, BucketID: &bucketID}
	prev.ToolConfig = &models.ToolConfig{ToolIDs: []uuid.UUID{uuid.New()}}
	prev.Parameters = map[string]any{"temperature": 0.7}

	t.Run("surviving sections keep user values", func(t *testing.T) {
		merged := mergeForward(newTemplate(newModel, []string{models.CapabilityText, models.CapabilityToolUse}), prev)
		assert.Equal(t, newModel, merged.ModelConfig.ModelID, "pin comes from the template")
		assert.True(t, merged.MemoryConfig.IsEnabled)
		assert.Equal(t, &bucketID, merged.MemoryConfig.BucketID)
		assert.Len(t, merged.ToolConfig.ToolIDs, 1)
		assert.Equal(t, prev.Parameters, merged.Parameters)
	})

	t.Run("dropped sections do not survive", func(t *testing.T) {
		merged := mergeForward(newTemplate(newModel, []string{models.CapabilityText}), prev)
		assert.Nil(t, merged.ToolConfig)
		assert.True(t, merged.MemoryConfig.IsEnabled)
	})
}

func TestApplyConfigUpdate(t *testing.T) {
	modelID := uuid.New()
	current := newTemplate(modelID, []string{models.CapabilityText, models.CapabilityToolUse})

	t.Run("model change is rejected", func(t *testing.T) {
		_, err := applyConfigUpdate(current, map[string]any{
			"model_config": map[string]any{"model_id": uuid.NewString()},
		})
		assert.True(t, errors.Is(err, errkind.ErrInvalidInput))
	})

	t.Run("same pin passes", func(t *testing.T) {
		_, err := applyConfigUpdate(current, map[string]any{
			"model_config": map[string]any{"model_id": modelID.String()},
		})
		assert.NoError(t, err)
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		_, err := applyConfigUpdate(current, map[string]any{"surprise": true})
		assert.True(t, errors.Is(err, errkind.ErrInvalidInput))
	})

	t.Run("absent section is rejected", func(t *testing.T) {
		bare := newTemplate(modelID, nil)
		_, err := applyConfigUpdate(bare, map[string]any{
			"memory_config": map[string]any{"is_enabled": true},
		})
		assert.True(t, errors.Is(err, errkind.ErrInvalidInput))
	})

	t.Run("memory and parameters update", func(t *testing.T) {
		bucket := uuid.NewString()
		out, err := applyConfigUpdate(current, map[string]any{
			"memory_config": map[string]any{"is_enabled": true, "bucket_id": bucket},
			"parameters":    map[string]any{"temperature": 0.2},
		})
		require.NoError(t, err)
		assert.True(t, out.MemoryConfig.IsEnabled)
		require.NotNil(t, out.MemoryConfig.BucketID)
		assert.Equal(t, bucket, out.MemoryConfig.BucketID.String())
		assert.Equal(t, 0.2, out.Parameters["temperature"])
	})

	t.Run("unknown field inside a section is rejected", func(t *testing.T) {
		_, err := applyConfigUpdate(current, map[string]any{
			"tool_config": map[string]any{"tool_ids": []any{}, "extra": 1},
		})
		assert.True(t, errors.Is(err, errkind.ErrInvalidInput))
	})
}

func TestCreateDraft(t *testing.T) {
	owner := uuid.New()

	t.Run("happy path", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{}, stubCatalog{})
		mock.ExpectQuery(`INSERT INTO nodes`).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))

		n, err := svc.CreateDraft(context.Background(), identity.Principal{ID: owner}, models.CreateDraftNodeRequest{
			ProjectID: uuid.New(),
			Name:      "assistant",
		})
		require.NoError(t, err)
		assert.Equal(t, models.NodeStatusDraft, n.Status)
		assert.Equal(t, owner, n.OwnerID)
		assert.Nil(t, n.Configuration.ModelConfig)
	})

	t.Run("foreign project refuses", func(t *testing.T) {
		svc, _, _ := testService(t, stubProjects{err: errkind.Permission("project belongs to another user")}, stubCatalog{})
		_, err := svc.CreateDraft(context.Background(), identity.Principal{ID: owner}, models.CreateDraftNodeRequest{
			ProjectID: uuid.New(),
			Name:      "assistant",
		})
		assert.True(t, errors.Is(err, errkind.ErrPermission))
	})
}

func TestConfigureModel(t *testing.T) {
	owner := uuid.New()
	modelID := uuid.New()

	t.Run("draft becomes active with a generated template", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{},
			stubCatalog{caps: []string{models.CapabilityText, models.CapabilityToolUse}})
		draft := draftNode(owner)

		mock.ExpectQuery(`SELECT .+ FROM nodes WHERE id`).WillReturnRows(nodeRows(draft))
		mock.ExpectExec(`UPDATE nodes SET name = .+ WHERE id`).WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := svc.ConfigureModel(context.Background(), identity.Principal{ID: owner}, draft.ID,
			models.ConfigureModelRequest{ModelID: modelID, Parameters: map[string]any{"temperature": 0.2}})
		require.NoError(t, err)

		assert.Equal(t, models.NodeStatusActive, n.Status)
		require.NotNil(t, n.Configuration.ModelConfig)
		assert.Equal(t, modelID, n.Configuration.ModelConfig.ModelID)
		assert.NotNil(t, n.Configuration.MemoryConfig)
		assert.NotNil(t, n.Configuration.RAGConfig)
		assert.NotNil(t, n.Configuration.ToolConfig)
		assert.Equal(t, 0.2, n.Configuration.Parameters["temperature"])
	})

	t.Run("reconfigure merges user values forward", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{}, stubCatalog{caps: []string{models.CapabilityText}})
		oldModel := uuid.New()
		n := activeNode(owner, oldModel)
		bucketID := uuid.New()
		n.Configuration.MemoryConfig = &models.MemoryConfig{IsEnabled: true, BucketID: &bucketID}
		n.Configuration.ToolConfig = &models.ToolConfig{ToolIDs: []uuid.UUID{uuid.New()}}
		n.Status = models.NodeStatusInactive

		mock.ExpectQuery(`SELECT .+ FROM nodes WHERE id`).WillReturnRows(nodeRows(n))
		mock.ExpectExec(`UPDATE nodes SET name = .+ WHERE id`).WillReturnResult(sqlmock.NewResult(0, 1))

		healed, err := svc.ConfigureModel(context.Background(), identity.Principal{ID: owner}, n.ID,
			models.ConfigureModelRequest{ModelID: modelID})
		require.NoError(t, err)

		assert.Equal(t, models.NodeStatusActive, healed.Status, "reconfigure revives an inactive node")
		assert.Equal(t, modelID, healed.Configuration.ModelConfig.ModelID)
		assert.True(t, healed.Configuration.MemoryConfig.IsEnabled)
		assert.Nil(t, healed.Configuration.ToolConfig, "capability gone, section gone")
	})

	t.Run("unknown model is a validation error", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{}, stubCatalog{err: errkind.NotFound("model not found")})
		draft := draftNode(owner)

		mock.ExpectQuery(`SELECT .+ FROM nodes WHERE id`).WillReturnRows(nodeRows(draft))

		_, err := svc.ConfigureModel(context.Background(), identity.Principal{ID: owner}, draft.ID,
			models.ConfigureModelRequest{ModelID: modelID})
		assert.True(t, errors.Is(err, errkind.ErrInvalidInput))
	})
}

func TestUpdateNode(t *testing.T) {
	owner := uuid.New()
	modelID := uuid.New()

	t.Run("configuration update on a draft is rejected", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{}, stubCatalog{})
		draft := draftNode(owner)

		mock.ExpectQuery(`SELECT .+ FROM nodes WHERE id`).WillReturnRows(nodeRows(draft))

		_, err := svc.Update(context.Background(), identity.Principal{ID: owner}, draft.ID,
			models.UpdateNodeRequest{Configuration: map[string]any{"parameters": map[string]any{}}})
		assert.True(t, errors.Is(err, errkind.ErrInvalidInput))
	})

	t.Run("model change through update is rejected", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{}, stubCatalog{})
		n := activeNode(owner, modelID)

		mock.ExpectQuery(`SELECT .+ FROM nodes WHERE id`).WillReturnRows(nodeRows(n))

		_, err := svc.Update(context.Background(), identity.Principal{ID: owner}, n.ID,
			models.UpdateNodeRequest{Configuration: map[string]any{
				"model_config": map[string]any{"model_id": uuid.NewString()},
			}})
		assert.True(t, errors.Is(err, errkind.ErrInvalidInput))
	})

	t.Run("template values update", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{}, stubCatalog{})
		n := activeNode(owner, modelID)
		toolID := uuid.New()

		mock.ExpectQuery(`SELECT .+ FROM nodes WHERE id`).WillReturnRows(nodeRows(n))
		mock.ExpectExec(`UPDATE nodes SET name = .+ WHERE id`).WillReturnResult(sqlmock.NewResult(0, 1))

		updated, err := svc.Update(context.Background(), identity.Principal{ID: owner}, n.ID,
			models.UpdateNodeRequest{
				Name: "renamed",
				Configuration: map[string]any{
					"tool_config": map[string]any{"tool_ids": []any{toolID.String()}},
				},
			})
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Name)
		require.Len(t, updated.Configuration.ToolConfig.ToolIDs, 1)
		assert.Equal(t, toolID, updated.Configuration.ToolConfig.ToolIDs[0])
	})
}

func TestGetScopesToOwner(t *testing.T) {
	svc, mock, _ := testService(t, stubProjects{}, stubCatalog{})
	foreign := draftNode(uuid.New())

	mock.ExpectQuery(`SELECT .+ FROM nodes WHERE id`).WillReturnRows(nodeRows(foreign))

	_, err := svc.Get(context.Background(), identity.Principal{ID: uuid.New()}, foreign.ID)
	assert.True(t, errors.Is(err, errkind.ErrNotFound))
}

func TestCleanupForProject(t *testing.T) {
	svc, mock, rec := testService(t, stubProjects{}, stubCatalog{})
	projectID := uuid.New()

	mock.ExpectExec(`DELETE FROM nodes WHERE project_id`).WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, svc.CleanupForProject(context.Background(), projectID))

	confirms := rec.Published(models.KeyResourceForProjDeleted + "." + models.ServiceNodes)
	require.Len(t, confirms, 1)
	ev := confirms[0].Body.(models.ResourceForProjectDeletedEvent)
	assert.Equal(t, projectID, ev.ProjectID)
	assert.Equal(t, models.ServiceNodes, ev.ServiceName)
}
