package inference

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpcmetadata "google.golang.org/grpc/metadata"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
	testbus "github.com/loomery/loom/test/bus"
)

// stubClients satisfies all five collaborator interfaces. Requests are
// recorded so tests can assert which fan-outs ran and with what.
type stubClients struct {
	node    *models.NodeDetailsResponse
	nodeErr error

	model      *models.ModelConfigurationResponse
	modelErr   error
	modelCalls int

	defs     []models.ToolDefinition
	toolsErr error
	toolReq  *rpc.GetToolDefinitionsRequest

	history *models.HistoryResponse
	histErr error
	histReq *rpc.GetHistoryRequest

	files    []*models.StoredFile
	filesErr error
	fileReq  *rpc.GetFileMetadataRequest

	principal string
}

func (s *stubClients) clients() Clients {
	return Clients{Nodes: s, Models: s, Tools: s, Memory: s, Files: s}
}

func (s *stubClients) GetNode(ctx context.Context, req *rpc.GetNodeRequest) (*models.NodeDetailsResponse, error) {
	if md, ok := grpcmetadata.FromOutgoingContext(ctx); ok {
		if vals := md.Get("x-loom-user-id"); len(vals) > 0 {
			s.principal = vals[0]
		}
	}
	if s.nodeErr != nil {
		return nil, s.nodeErr
	}
	return s.node, nil
}

func (s *stubClients) GetConfiguration(ctx context.Context, req *rpc.GetModelConfigurationRequest) (*models.ModelConfigurationResponse, error) {
	s.modelCalls++
	if s.modelErr != nil {
		return nil, s.modelErr
	}
	return s.model, nil
}

func (s *stubClients) GetToolDefinitions(ctx context.Context, req *rpc.GetToolDefinitionsRequest) (*rpc.GetToolDefinitionsResponse, error) {
	s.toolReq = req
	if s.toolsErr != nil {
		return nil, s.toolsErr
	}
	return &rpc.GetToolDefinitionsResponse{Definitions: s.defs}, nil
}

func (s *stubClients) GetHistory(ctx context.Context, req *rpc.GetHistoryRequest) (*models.HistoryResponse, error) {
	s.histReq = req
	if s.histErr != nil {
		return nil, s.histErr
	}
	return s.history, nil
}

func (s *stubClients) GetFileMetadata(ctx context.Context, req *rpc.GetFileMetadataRequest) (*rpc.GetFileMetadataResponse, error) {
	s.fileReq = req
	if s.filesErr != nil {
		return nil, s.filesErr
	}
	return &rpc.GetFileMetadataResponse{Files: s.files}, nil
}

func testOrchestrator(t *testing.T, stub *stubClients) (*Orchestrator, *testbus.Recorder, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rec := testbus.NewRecorder()
	kv := NewKV(rdb, config.DefaultInferenceConfig())
	return NewOrchestrator(stub.clients(), kv, rec, config.DefaultInferenceConfig()), rec, mr
}

func activeNode(nodeID, modelID uuid.UUID) *models.NodeDetailsResponse {
	return &models.NodeDetailsResponse{
		NodeID:  nodeID,
		OwnerID: uuid.New(),
		Name:    "support-agent",
		Status:  models.NodeStatusActive,
		Configuration: models.NodeConfiguration{
			ModelConfig: &models.ModelConfig{ModelID: modelID},
			Parameters:  map[string]any{"temperature": 0.7},
		},
	}
}

func textModel(modelID uuid.UUID, caps ...string) *models.ModelConfigurationResponse {
	return &models.ModelConfigurationResponse{
		ModelID:      modelID,
		Provider:     models.ProviderOpenAI,
		Name:         "gpt-4o",
		Capabilities: caps,
	}
}

func TestSubmit(t *testing.T) {
	userID := uuid.New()
	nodeID := uuid.New()
	modelID := uuid.New()
	principal := identity.Principal{ID: userID}

	t.Run("dispatches a fully resolved job", func(t *testing.T) {
		bucketID := uuid.New()
		toolID := uuid.New()

		node := activeNode(nodeID, modelID)
		node.Configuration.MemoryConfig = &models.MemoryConfig{IsEnabled: true, BucketID: &bucketID}
		node.Configuration.ToolConfig = &models.ToolConfig{ToolIDs: []uuid.UUID{toolID}}

		stub := &stubClients{
			node:  node,
			model: textModel(modelID, models.CapabilityText, models.CapabilityToolUse),
			defs:  []models.ToolDefinition{{Name: "web_search"}},
			history: &models.HistoryResponse{
				BucketID:   bucketID,
				MemoryType: models.MemoryTypeBufferWindow,
				History:    []models.HistoryEntry{{Role: models.RoleUser, Content: []models.ContentPart{{Type: models.ContentTypeText, Text: "hi"}}}},
			},
		}
		orch, rec, mr := testOrchestrator(t, stub)

		resp, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{Prompt: "hello"})
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, resp.JobID)
		assert.Equal(t, "submitted", resp.Status)
		assert.Len(t, resp.WebSocketTicket, len("ws_ticket_")+43)
		assert.Equal(t, userID.String(), stub.principal)

		published := rec.Published(models.KeyInferenceJobStart)
		require.Len(t, published, 1)
		assert.Equal(t, models.ExchangeInference, published[0].Exchange)

		payload := published[0].Body.(*models.JobPayload)
		assert.Equal(t, resp.JobID, payload.JobID)
		assert.Equal(t, userID, payload.UserID)
		assert.Equal(t, "hello", payload.Query.Prompt)
		assert.Equal(t, map[string]any{"temperature": 0.7}, payload.DefaultParameters)
		assert.Equal(t, models.OutputModeStreaming, payload.Output.Mode)
		assert.Equal(t, "gpt-4o", payload.Resources.ModelConfig.Name)
		require.Len(t, payload.Resources.Tools, 1)
		assert.Equal(t, "web_search", payload.Resources.Tools[0].Name)
		require.NotNil(t, payload.Resources.MemoryContext)
		assert.Equal(t, bucketID, payload.Resources.MemoryContext.BucketID)
		require.Len(t, payload.Resources.MemoryContext.History, 1)

		assert.Equal(t, []uuid.UUID{toolID}, stub.toolReq.ToolIDs)
		assert.Equal(t, bucketID, stub.histReq.BucketID)

		owner, err := mr.Get("loom:job_owner:" + resp.JobID.String())
		require.NoError(t, err)
		assert.Equal(t, userID.String(), owner)
		assert.Equal(t, 60*time.Second, mr.TTL("loom:ws_ticket:"+resp.WebSocketTicket))
	})

	t.Run("requires a prompt or at least one input", func(t *testing.T) {
		stub := &stubClients{}
		orch, rec, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{Prompt: "   "})
		assert.ErrorIs(t, err, errkind.ErrInvalidInput)
		assert.Empty(t, rec.Published(""))
	})

	t.Run("refuses an inactive node naming the status", func(t *testing.T) {
		node := activeNode(nodeID, modelID)
		node.Status = models.NodeStatusInactive
		stub := &stubClients{node: node}
		orch, _, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{Prompt: "hi"})
		assert.ErrorIs(t, err, errkind.ErrPermission)
		assert.Contains(t, err.Error(), "inactive")
		assert.Zero(t, stub.modelCalls)
	})

	t.Run("refuses a draft node naming the status", func(t *testing.T) {
		node := activeNode(nodeID, modelID)
		node.Status = models.NodeStatusDraft
		node.Configuration.ModelConfig = nil
		stub := &stubClients{node: node}
		orch, _, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{Prompt: "hi"})
		assert.ErrorIs(t, err, errkind.ErrPermission)
		assert.Contains(t, err.Error(), "draft")
		assert.Zero(t, stub.modelCalls)
	})

	t.Run("altered node proceeds", func(t *testing.T) {
		node := activeNode(nodeID, modelID)
		node.Status = models.NodeStatusAltered
		stub := &stubClients{node: node, model: textModel(modelID, models.CapabilityText)}
		orch, rec, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{Prompt: "hi"})
		require.NoError(t, err)
		assert.Len(t, rec.Published(models.KeyInferenceJobStart), 1)
	})

	t.Run("image input without vision capability is rejected", func(t *testing.T) {
		stub := &stubClients{
			node:  activeNode(nodeID, modelID),
			model: textModel(modelID, models.CapabilityText),
		}
		orch, rec, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{
			Inputs: []models.InferInput{{Type: models.InputTypeImageURL, URL: "https://img.example/cat.png"}},
		})
		assert.ErrorIs(t, err, errkind.ErrInvalidInput)
		assert.Contains(t, err.Error(), "vision")
		assert.Empty(t, rec.Published(""))
	})

	t.Run("image file without vision capability is rejected", func(t *testing.T) {
		fileID := uuid.New()
		stub := &stubClients{
			node:  activeNode(nodeID, modelID),
			model: textModel(modelID, models.CapabilityText),
			files: []*models.StoredFile{{ID: fileID, Filename: "cat.png", Mimetype: "image/png"}},
		}
		orch, _, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{
			Inputs: []models.InferInput{{Type: models.InputTypeFileID, ID: fileID}},
		})
		assert.ErrorIs(t, err, errkind.ErrInvalidInput)
		assert.Contains(t, err.Error(), "vision")
		assert.Equal(t, []uuid.UUID{fileID}, stub.fileReq.FileIDs)
	})

	t.Run("use_rag override without rag configuration is rejected", func(t *testing.T) {
		stub := &stubClients{
			node:  activeNode(nodeID, modelID),
			model: textModel(modelID, models.CapabilityText),
		}
		orch, _, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{
			Prompt:            "hi",
			ResourceOverrides: &models.ResourceOverrides{UseRAG: lo.ToPtr(true)},
		})
		assert.ErrorIs(t, err, errkind.ErrInvalidInput)
		assert.Contains(t, err.Error(), "use_rag")
	})

	t.Run("use_memory override without memory configuration is rejected", func(t *testing.T) {
		stub := &stubClients{
			node:  activeNode(nodeID, modelID),
			model: textModel(modelID, models.CapabilityText),
		}
		orch, _, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{
			Prompt:            "hi",
			ResourceOverrides: &models.ResourceOverrides{UseMemory: lo.ToPtr(true)},
		})
		assert.ErrorIs(t, err, errkind.ErrInvalidInput)
		assert.Contains(t, err.Error(), "use_memory")
	})

	t.Run("memory enabled without a bucket is rejected", func(t *testing.T) {
		node := activeNode(nodeID, modelID)
		node.Configuration.MemoryConfig = &models.MemoryConfig{IsEnabled: true}
		stub := &stubClients{node: node, model: textModel(modelID, models.CapabilityText)}
		orch, _, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{Prompt: "hi"})
		assert.ErrorIs(t, err, errkind.ErrInvalidInput)
		assert.Contains(t, err.Error(), "bucket")
		assert.Nil(t, stub.histReq)
	})

	t.Run("override bucket redirects the history fetch", func(t *testing.T) {
		overrideBucket := uuid.New()
		node := activeNode(nodeID, modelID)
		node.Configuration.MemoryConfig = &models.MemoryConfig{IsEnabled: false}
		stub := &stubClients{
			node:    node,
			model:   textModel(modelID, models.CapabilityText),
			history: &models.HistoryResponse{BucketID: overrideBucket, MemoryType: models.MemoryTypeBufferWindow},
		}
		orch, rec, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{
			Prompt: "hi",
			ResourceOverrides: &models.ResourceOverrides{
				UseMemory:      lo.ToPtr(true),
				MemoryBucketID: &overrideBucket,
			},
			OutputConfig: &models.OutputConfig{Mode: models.OutputModeBlocking},
		})
		require.NoError(t, err)

		assert.Equal(t, overrideBucket, stub.histReq.BucketID)
		payload := rec.Published(models.KeyInferenceJobStart)[0].Body.(*models.JobPayload)
		assert.Equal(t, models.OutputModeBlocking, payload.Output.Mode)
		require.NotNil(t, payload.Resources.MemoryContext)
		assert.Equal(t, overrideBucket, payload.Resources.MemoryContext.BucketID)
	})

	t.Run("use_memory false override skips the history fetch", func(t *testing.T) {
		bucketID := uuid.New()
		node := activeNode(nodeID, modelID)
		node.Configuration.MemoryConfig = &models.MemoryConfig{IsEnabled: true, BucketID: &bucketID}
		stub := &stubClients{node: node, model: textModel(modelID, models.CapabilityText)}
		orch, rec, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{
			Prompt:            "hi",
			ResourceOverrides: &models.ResourceOverrides{UseMemory: lo.ToPtr(false)},
		})
		require.NoError(t, err)

		assert.Nil(t, stub.histReq)
		payload := rec.Published(models.KeyInferenceJobStart)[0].Body.(*models.JobPayload)
		assert.Nil(t, payload.Resources.MemoryContext)
	})

	t.Run("resource collection failure aborts before dispatch", func(t *testing.T) {
		toolID := uuid.New()
		node := activeNode(nodeID, modelID)
		node.Configuration.ToolConfig = &models.ToolConfig{ToolIDs: []uuid.UUID{toolID}}
		stub := &stubClients{
			node:     node,
			model:    textModel(modelID, models.CapabilityText, models.CapabilityToolUse),
			toolsErr: errkind.Unavailable("tool service is down"),
		}
		orch, rec, mr := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{Prompt: "hi"})
		assert.ErrorIs(t, err, errkind.ErrUnavailable)
		assert.Empty(t, rec.Published(""))
		assert.Empty(t, mr.Keys())
	})

	t.Run("missing file metadata aborts", func(t *testing.T) {
		stub := &stubClients{
			node:     activeNode(nodeID, modelID),
			model:    textModel(modelID, models.CapabilityText),
			filesErr: errkind.NotFound("one or more files not found"),
		}
		orch, rec, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{
			Inputs: []models.InferInput{{Type: models.InputTypeFileID, ID: uuid.New()}},
		})
		assert.ErrorIs(t, err, errkind.ErrNotFound)
		assert.Empty(t, rec.Published(""))
	})

	t.Run("file input without an id is rejected before any rpc", func(t *testing.T) {
		stub := &stubClients{}
		orch, _, _ := testOrchestrator(t, stub)

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{
			Inputs: []models.InferInput{{Type: models.InputTypeFileID}},
		})
		assert.ErrorIs(t, err, errkind.ErrInvalidInput)
		assert.Nil(t, stub.fileReq)
	})

	t.Run("publish failure surfaces", func(t *testing.T) {
		stub := &stubClients{node: activeNode(nodeID, modelID), model: textModel(modelID, models.CapabilityText)}
		orch, rec, _ := testOrchestrator(t, stub)
		rec.PublishErr = errkind.Unavailable("bus down")

		_, err := orch.Submit(context.Background(), principal, nodeID, &models.InferRequest{Prompt: "hi"})
		assert.ErrorIs(t, err, errkind.ErrUnavailable)
	})
}

func TestCancel(t *testing.T) {
	userID := uuid.New()
	principal := identity.Principal{ID: userID}

	t.Run("broadcasts and deletes the ownership record", func(t *testing.T) {
		stub := &stubClients{}
		orch, rec, mr := testOrchestrator(t, stub)

		jobID := uuid.New()
		require.NoError(t, orch.kv.RecordOwner(context.Background(), jobID, userID))

		require.NoError(t, orch.Cancel(context.Background(), principal, jobID))

		broadcasts := rec.Broadcasts()
		require.Len(t, broadcasts, 1)
		assert.Equal(t, models.ExchangeJobControl, broadcasts[0].Exchange)
		msg := broadcasts[0].Body.(models.CancelMessage)
		assert.Equal(t, jobID, msg.JobID)
		assert.Equal(t, userID, msg.UserID)

		assert.False(t, mr.Exists("loom:job_owner:"+jobID.String()))
	})

	t.Run("unknown job is not found", func(t *testing.T) {
		stub := &stubClients{}
		orch, rec, _ := testOrchestrator(t, stub)

		err := orch.Cancel(context.Background(), principal, uuid.New())
		assert.ErrorIs(t, err, errkind.ErrNotFound)
		assert.Empty(t, rec.Broadcasts())
	})

	t.Run("foreign job is refused and keeps running", func(t *testing.T) {
		stub := &stubClients{}
		orch, rec, mr := testOrchestrator(t, stub)

		jobID := uuid.New()
		require.NoError(t, orch.kv.RecordOwner(context.Background(), jobID, uuid.New()))

		err := orch.Cancel(context.Background(), principal, jobID)
		assert.ErrorIs(t, err, errkind.ErrPermission)
		assert.Empty(t, rec.Broadcasts())
		assert.True(t, mr.Exists("loom:job_owner:"+jobID.String()))
	})
}

func TestTickets(t *testing.T) {
	t.Run("consume is single use", func(t *testing.T) {
		stub := &stubClients{}
		orch, _, _ := testOrchestrator(t, stub)
		ctx := context.Background()

		jobID, userID := uuid.New(), uuid.New()
		ticket, err := orch.kv.MintTicket(ctx, jobID, userID)
		require.NoError(t, err)

		claim, err := orch.kv.ConsumeTicket(ctx, ticket)
		require.NoError(t, err)
		assert.Equal(t, jobID, claim.JobID)
		assert.Equal(t, userID, claim.UserID)

		_, err = orch.kv.ConsumeTicket(ctx, ticket)
		assert.ErrorIs(t, err, errkind.ErrNotFound)
	})

	t.Run("expired tickets are rejected", func(t *testing.T) {
		stub := &stubClients{}
		orch, _, mr := testOrchestrator(t, stub)
		ctx := context.Background()

		ticket, err := orch.kv.MintTicket(ctx, uuid.New(), uuid.New())
		require.NoError(t, err)

		mr.FastForward(61 * time.Second)

		_, err = orch.kv.ConsumeTicket(ctx, ticket)
		assert.ErrorIs(t, err, errkind.ErrNotFound)
	})

	t.Run("ownership records expire", func(t *testing.T) {
		stub := &stubClients{}
		orch, _, mr := testOrchestrator(t, stub)
		ctx := context.Background()

		jobID := uuid.New()
		require.NoError(t, orch.kv.RecordOwner(ctx, jobID, uuid.New()))

		mr.FastForward(25 * time.Hour)

		_, err := orch.kv.Owner(ctx, jobID)
		assert.ErrorIs(t, err, errkind.ErrNotFound)
	})
}
