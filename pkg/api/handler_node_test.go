package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

func draftNode(projectID uuid.UUID) *models.Node {
	return &models.Node{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      "support-agent",
		Status:    models.NodeStatusDraft,
	}
}

func TestNodeLifecycleRoutes(t *testing.T) {
	caller := identity.Principal{ID: uuid.New()}
	projectID := uuid.New()

	t.Run("draft creation returns 201", func(t *testing.T) {
		nodes := &stubNodes{node: draftNode(projectID)}
		s := newTestServer(Services{Nodes: nodes}, caller)

		rec := do(t, s, http.MethodPost, "/nodes/draft", "good", models.CreateDraftNodeRequest{
			ProjectID: projectID,
			Name:      "support-agent",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp models.Node
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, models.NodeStatusDraft, resp.Status)
	})

	t.Run("draft without a name is rejected", func(t *testing.T) {
		s := newTestServer(Services{Nodes: &stubNodes{}}, caller)

		rec := do(t, s, http.MethodPost, "/nodes/draft", "good", map[string]any{
			"project_id": projectID,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("configure-model binds the requested model", func(t *testing.T) {
		modelID := uuid.New()
		node := draftNode(projectID)
		node.Status = models.NodeStatusActive
		nodes := &stubNodes{node: node}
		s := newTestServer(Services{Nodes: nodes}, caller)

		rec := do(t, s, http.MethodPost, "/nodes/"+node.ID.String()+"/configure-model", "good",
			models.ConfigureModelRequest{ModelID: modelID})
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, nodes.configured)
		assert.Equal(t, modelID, nodes.configured.ModelID)
	})

	t.Run("update rejecting a template violation is 400", func(t *testing.T) {
		nodes := &stubNodes{err: errkind.Validation("model_id cannot be changed through a generic update")}
		s := newTestServer(Services{Nodes: nodes}, caller)

		rec := do(t, s, http.MethodPut, "/nodes/"+uuid.NewString(), "good", models.UpdateNodeRequest{
			Configuration: map[string]any{"model_config": map[string]any{"model_id": uuid.NewString()}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("node ids must be UUIDs", func(t *testing.T) {
		s := newTestServer(Services{Nodes: &stubNodes{}}, caller)

		rec := do(t, s, http.MethodGet, "/nodes/not-a-uuid", "good", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("listing scopes to the project in the path", func(t *testing.T) {
		nodes := &stubNodes{list: &models.NodeListResponse{
			Nodes:      []*models.Node{draftNode(projectID)},
			TotalCount: 1,
		}}
		s := newTestServer(Services{Nodes: nodes}, caller)

		rec := do(t, s, http.MethodGet, "/projects/"+projectID.String()+"/nodes", "good", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp models.NodeListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.TotalCount)
	})

	t.Run("foreign nodes look absent", func(t *testing.T) {
		nodes := &stubNodes{err: errkind.NotFound("node not found")}
		s := newTestServer(Services{Nodes: nodes}, caller)

		rec := do(t, s, http.MethodGet, "/nodes/"+uuid.NewString(), "good", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete returns 204", func(t *testing.T) {
		s := newTestServer(Services{Nodes: &stubNodes{}}, caller)

		rec := do(t, s, http.MethodDelete, "/nodes/"+uuid.NewString(), "good", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
