// Package inference implements the job orchestrator: it gathers a
// node's resources from the owning services in parallel, runs the
// request through a validation gauntlet, and dispatches a
// self-contained job payload to the executor queue. The package also
// owns the ephemeral job records consulted by cancellation and the
// delivery gateway.
package inference

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
)

// Collaborator surfaces, satisfied by the pkg/rpc service clients.
type NodeClient interface {
	GetNode(ctx context.Context, req *rpc.GetNodeRequest) (*models.NodeDetailsResponse, error)
}

type ModelClient interface {
	GetConfiguration(ctx context.Context, req *rpc.GetModelConfigurationRequest) (*models.ModelConfigurationResponse, error)
}

type ToolClient interface {
	GetToolDefinitions(ctx context.Context, req *rpc.GetToolDefinitionsRequest) (*rpc.GetToolDefinitionsResponse, error)
}

type MemoryClient interface {
	GetHistory(ctx context.Context, req *rpc.GetHistoryRequest) (*models.HistoryResponse, error)
}

type FileClient interface {
	GetFileMetadata(ctx context.Context, req *rpc.GetFileMetadataRequest) (*rpc.GetFileMetadataResponse, error)
}

// Clients bundles the service clients the orchestrator fans out to.
type Clients struct {
	Nodes  NodeClient
	Models ModelClient
	Tools  ToolClient
	Memory MemoryClient
	Files  FileClient
}

// Orchestrator assembles and dispatches inference jobs. It holds no
// job state of its own: everything the executor needs travels in the
// payload, and everything cancellation needs lives in the KV.
type Orchestrator struct {
	clients   Clients
	kv        *KV
	publisher bus.Publisher
	timeout   time.Duration
}

// NewOrchestrator creates an orchestrator with the fan-out timeout
// from cfg.
func NewOrchestrator(clients Clients, kv *KV, publisher bus.Publisher, cfg *config.InferenceConfig) *Orchestrator {
	return &Orchestrator{
		clients:   clients,
		kv:        kv,
		publisher: publisher,
		timeout:   cfg.RequestTimeout,
	}
}

// metadata is the result of the first fan-out stage.
type metadata struct {
	node  *models.NodeDetailsResponse
	model *models.ModelConfigurationResponse
	files []*models.StoredFile
}

// Submit runs the full orchestration for one inference request:
// parallel metadata fetch, validation gauntlet, conditional resource
// collection, job assembly, and dispatch. On success the job is on the
// executor queue and the response carries the WebSocket ticket for
// result delivery.
func (o *Orchestrator) Submit(ctx context.Context, p identity.Principal, nodeID uuid.UUID, req *models.InferRequest) (*models.InferResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Inputs) == 0 {
		return nil, errkind.NewValidationError("prompt", "a prompt or at least one input is required")
	}
	fileIDs, err := fileInputIDs(req.Inputs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(rpc.WithPrincipal(ctx, p), o.timeout)
	defer cancel()

	meta, err := o.fetchMetadata(ctx, nodeID, fileIDs)
	if err != nil {
		return nil, err
	}

	if err := validateRequest(meta, req); err != nil {
		return nil, err
	}
	if meta.node.Status == models.NodeStatusAltered {
		slog.Warn("Inference on altered node, tool list was pruned after a tool deletion",
			"node_id", nodeID, "user_id", p.ID)
	}

	resources, err := o.collectResources(ctx, meta, req)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New()
	payload := &models.JobPayload{
		JobID:              jobID,
		UserID:             p.ID,
		Timestamp:          time.Now().UTC(),
		Query:              models.JobQuery{Prompt: req.Prompt, Inputs: req.Inputs},
		DefaultParameters:  meta.node.Configuration.Parameters,
		ParameterOverrides: req.ParameterOverrides,
		Output:             effectiveOutput(req.OutputConfig),
		Resources:          resources,
	}

	if err := o.kv.RecordOwner(ctx, jobID, p.ID); err != nil {
		return nil, err
	}
	ticket, err := o.kv.MintTicket(ctx, jobID, p.ID)
	if err != nil {
		return nil, err
	}
	if err := o.publisher.Publish(ctx, models.ExchangeInference, models.KeyInferenceJobStart, payload); err != nil {
		return nil, err
	}

	slog.Info("Inference job submitted",
		"job_id", jobID, "node_id", nodeID, "user_id", p.ID, "mode", payload.Output.Mode)
	return &models.InferResponse{
		JobID:           jobID,
		Status:          "submitted",
		WebSocketTicket: ticket,
	}, nil
}

// fetchMetadata runs the stage-one fan-out. The model fetch chains
// behind the node fetch inside one goroutine because the model id
// comes from the node's configuration; file metadata loads as a
// sibling. The node's status gates the model call so a draft or
// deactivated node never triggers a lookup of a missing model.
func (o *Orchestrator) fetchMetadata(ctx context.Context, nodeID uuid.UUID, fileIDs []uuid.UUID) (*metadata, error) {
	var meta metadata

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		node, err := o.clients.Nodes.GetNode(gctx, &rpc.GetNodeRequest{NodeID: nodeID})
		if err != nil {
			return err
		}
		meta.node = node

		switch node.Status {
		case models.NodeStatusInactive:
			return errkind.Permission("node %s is inactive because its model was deleted, inference is not possible", nodeID)
		case models.NodeStatusDraft:
			return errkind.Permission("node %s is a draft and has not been configured with a model yet, inference is not possible", nodeID)
		}
		if node.Configuration.ModelConfig == nil {
			return errkind.Internal("node %s has no model configured", nodeID)
		}

		model, err := o.clients.Models.GetConfiguration(gctx, &rpc.GetModelConfigurationRequest{
			ModelID: node.Configuration.ModelConfig.ModelID,
		})
		if err != nil {
			return err
		}
		meta.model = model
		return nil
	})
	if len(fileIDs) > 0 {
		g.Go(func() error {
			resp, err := o.clients.Files.GetFileMetadata(gctx, &rpc.GetFileMetadataRequest{FileIDs: fileIDs})
			if err != nil {
				return err
			}
			meta.files = resp.Files
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// validateRequest is the gauntlet between metadata fetch and resource
// collection. Each check produces a distinct error so the caller can
// tell exactly which part of the request conflicts with the node.
func validateRequest(meta *metadata, req *models.InferRequest) error {
	caps := meta.model.Capabilities

	for _, in := range req.Inputs {
		if in.Type == models.InputTypeImageURL && !hasCapability(caps, models.CapabilityVision) {
			return errkind.Validation("model %s cannot process image inputs, it lacks the vision capability", meta.model.Name)
		}
	}
	for _, f := range meta.files {
		if strings.HasPrefix(f.Mimetype, "image/") && !hasCapability(caps, models.CapabilityVision) {
			return errkind.Validation("model %s cannot process image file %s, it lacks the vision capability", meta.model.Name, f.Filename)
		}
	}

	cfg := meta.node.Configuration
	if ov := req.ResourceOverrides; ov != nil {
		if ov.UseRAG != nil && *ov.UseRAG && cfg.RAGConfig == nil {
			return errkind.NewValidationError("resource_overrides.use_rag", "node has no RAG configuration")
		}
		if ov.UseMemory != nil && *ov.UseMemory && cfg.MemoryConfig == nil {
			return errkind.NewValidationError("resource_overrides.use_memory", "node has no memory configuration")
		}
	}

	if enabled, bucket := effectiveMemory(cfg, req.ResourceOverrides); enabled && bucket == nil {
		return errkind.NewValidationError("memory_config.bucket_id", "memory is enabled but no bucket is configured")
	}
	return nil
}

// collectResources runs the conditional stage-three fan-out: tool
// definitions when the node has tools, conversation history when
// memory is enabled after overrides.
func (o *Orchestrator) collectResources(ctx context.Context, meta *metadata, req *models.InferRequest) (models.JobResources, error) {
	resources := models.JobResources{ModelConfig: *meta.model}
	cfg := meta.node.Configuration

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ToolConfig != nil && len(cfg.ToolConfig.ToolIDs) > 0 {
		toolIDs := cfg.ToolConfig.ToolIDs
		g.Go(func() error {
			resp, err := o.clients.Tools.GetToolDefinitions(gctx, &rpc.GetToolDefinitionsRequest{ToolIDs: toolIDs})
			if err != nil {
				return err
			}
			resources.Tools = resp.Definitions
			return nil
		})
	}
	if enabled, bucket := effectiveMemory(cfg, req.ResourceOverrides); enabled && bucket != nil {
		bucketID := *bucket
		g.Go(func() error {
			hist, err := o.clients.Memory.GetHistory(gctx, &rpc.GetHistoryRequest{BucketID: bucketID})
			if err != nil {
				return err
			}
			resources.MemoryContext = &models.MemoryContext{
				BucketID:   hist.BucketID,
				MemoryType: hist.MemoryType,
				History:    hist.History,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.JobResources{}, err
	}
	return resources, nil
}

// effectiveMemory resolves the node's memory configuration against the
// request overrides: use_memory toggles enablement, memory_bucket_id
// redirects the bucket.
func effectiveMemory(cfg models.NodeConfiguration, ov *models.ResourceOverrides) (bool, *uuid.UUID) {
	enabled := cfg.MemoryConfig != nil && cfg.MemoryConfig.IsEnabled
	var bucket *uuid.UUID
	if cfg.MemoryConfig != nil {
		bucket = cfg.MemoryConfig.BucketID
	}

	if ov != nil {
		if ov.UseMemory != nil {
			enabled = *ov.UseMemory && cfg.MemoryConfig != nil
		}
		if ov.MemoryBucketID != nil {
			bucket = ov.MemoryBucketID
		}
	}
	return enabled, bucket
}

// effectiveOutput applies the streaming default to an absent or
// partial output configuration.
func effectiveOutput(out *models.OutputConfig) models.OutputConfig {
	if out == nil {
		return models.OutputConfig{Mode: models.OutputModeStreaming}
	}
	resolved := *out
	if resolved.Mode == "" {
		resolved.Mode = models.OutputModeStreaming
	}
	return resolved
}

// fileInputIDs extracts the ids of file inputs, rejecting malformed
// entries before any RPC is issued.
func fileInputIDs(inputs []models.InferInput) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, in := range inputs {
		switch in.Type {
		case models.InputTypeFileID:
			if in.ID == uuid.Nil {
				return nil, errkind.NewValidationError("inputs", "file_id input requires an id")
			}
			ids = append(ids, in.ID)
		case models.InputTypeImageURL:
			if in.URL == "" {
				return nil, errkind.NewValidationError("inputs", "image_url input requires a url")
			}
		default:
			return nil, errkind.NewValidationError("inputs", "unknown input type "+in.Type)
		}
	}
	return ids, nil
}

func hasCapability(caps []string, cap string) bool {
	for _, c := range caps {
		if c == cap {
			return true
		}
	}
	return false
}
