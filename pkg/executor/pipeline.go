package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/llm"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
)

const systemPrompt = "You are a helpful and intelligent AI assistant."

// pipeline turns a self-contained job payload into everything the run
// needs: resolved file contents, a provider model with call options,
// prior conversation turns, tool stubs, and the final message list.
type pipeline struct {
	files  FileContentClient
	tools  ToolExecClient
	models ModelFactory
}

// BuildContext is the accumulated state of one pipeline run.
type BuildContext struct {
	job          *models.JobPayload
	fileContents []*models.FileContentResponse
	model        llms.Model
	callOpts     []llms.CallOption
	history      []llms.MessageContent
	stubs        []*ToolStub
	messages     []llms.MessageContent
}

func (bc *BuildContext) stubByName(name string) *ToolStub {
	for _, s := range bc.stubs {
		if s.Definition.Name == name {
			return s
		}
	}
	return nil
}

// build assembles the context in dependency order: file data feeds the
// prompt, the model feeds the run, and memory and tools slot in
// between.
func (p *pipeline) build(ctx context.Context, job *models.JobPayload) (*BuildContext, error) {
	bc := &BuildContext{job: job}
	for _, stage := range []func(context.Context, *BuildContext) error{
		p.buildData,
		p.buildModel,
		p.buildMemory,
		p.buildTools,
		p.buildPrompt,
	} {
		if err := stage(ctx, bc); err != nil {
			return nil, err
		}
	}
	return bc, nil
}

// buildData resolves the content of every file input, in input order.
// The orchestrator already verified the files exist, so a fetch failure
// here is infrastructure trouble, not a user mistake.
func (p *pipeline) buildData(ctx context.Context, bc *BuildContext) error {
	var fileIDs []uuid.UUID
	for _, in := range bc.job.Query.Inputs {
		if in.Type == models.InputTypeFileID {
			fileIDs = append(fileIDs, in.ID)
		}
	}
	if len(fileIDs) == 0 {
		return nil
	}

	ctx = rpc.WithPrincipal(ctx, identity.Principal{ID: bc.job.UserID})
	contents := make([]*models.FileContentResponse, len(fileIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range fileIDs {
		g.Go(func() error {
			fc, err := p.files.GetFileContent(gctx, &rpc.GetFileContentRequest{FileID: id})
			if err != nil {
				return fmt.Errorf("fetch content of file %s: %w", id, err)
			}
			contents[i] = fc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	bc.fileContents = contents
	return nil
}

// buildModel merges sampling parameters (configuration defaults, then
// node defaults, then request overrides), pops the model name, and
// constructs the provider client from the credential slots.
func (p *pipeline) buildModel(ctx context.Context, bc *BuildContext) error {
	mc := bc.job.Resources.ModelConfig

	params := mergeParameters(
		schemaDefaults(mc.Configuration, "parameters"),
		bc.job.DefaultParameters,
		bc.job.ParameterOverrides,
	)
	modelName, _ := params["model_name"].(string)
	delete(params, "model_name")

	model, err := p.models(ctx, llm.Spec{
		Provider:    mc.Provider,
		Model:       modelName,
		Credentials: credentialSlots(mc.Configuration),
	})
	if err != nil {
		return fmt.Errorf("construct %s model client: %w", mc.Provider, err)
	}

	bc.model = model
	bc.callOpts = llm.CallOptions(params)
	return nil
}

// buildMemory converts prior conversation history into model messages.
// Only the first text part of each entry carries over; file and image
// references stay behind as memory bookkeeping.
func (p *pipeline) buildMemory(_ context.Context, bc *BuildContext) error {
	mem := bc.job.Resources.MemoryContext
	if mem == nil {
		return nil
	}
	for _, entry := range mem.History {
		role, ok := historyRole(entry.Role)
		if !ok {
			slog.Warn("Skipping history entry with unknown role", "role", entry.Role)
			continue
		}
		text := firstText(entry.Content)
		if text == "" {
			continue
		}
		bc.history = append(bc.history, llms.TextParts(role, text))
	}
	return nil
}

// buildTools wraps each resolved tool definition in a stub that proxies
// invocations back through the tool service.
func (p *pipeline) buildTools(_ context.Context, bc *BuildContext) error {
	bc.stubs = lo.Map(bc.job.Resources.Tools, func(def models.ToolDefinition, _ int) *ToolStub {
		return &ToolStub{
			Definition: def,
			jobID:      bc.job.JobID,
			userID:     bc.job.UserID,
			client:     p.tools,
		}
	})
	return nil
}

// buildPrompt assembles the final message list: system prompt, prior
// turns, then the user turn. Knowledge-base and file context is folded
// into the user text; images travel as separate parts.
func (p *pipeline) buildPrompt(_ context.Context, bc *BuildContext) error {
	var contextBlock strings.Builder
	if docs := bc.job.Resources.RAGContext; len(docs) > 0 {
		contextBlock.WriteString("--- Context from Knowledge Base ---\n")
		for _, doc := range docs {
			fmt.Fprintf(&contextBlock, "Content: %s\n\n", doc)
		}
	}

	var textFiles []*models.FileContentResponse
	var imageFiles []*models.FileContentResponse
	for _, fc := range bc.fileContents {
		switch fc.Type {
		case models.FileContentText:
			textFiles = append(textFiles, fc)
		case models.FileContentImageURL:
			imageFiles = append(imageFiles, fc)
		default:
			slog.Warn("Skipping file with unsupported content type", "file_id", fc.FileID)
		}
	}
	if len(textFiles) > 0 {
		contextBlock.WriteString("--- Context from Provided Files ---\n")
		for _, fc := range textFiles {
			fmt.Fprintf(&contextBlock, "Content: %s\n\n", fc.Content)
		}
	}

	text := bc.job.Query.Prompt
	if contextBlock.Len() > 0 {
		text = contextBlock.String() + "Based on the context above, please respond to the following:\n\n" + text
	}

	var parts []llms.ContentPart
	if text != "" {
		parts = append(parts, llms.TextContent{Text: text})
	}
	for _, in := range bc.job.Query.Inputs {
		if in.Type == models.InputTypeImageURL {
			parts = append(parts, llms.ImageURLContent{URL: in.URL})
		}
	}
	for _, fc := range imageFiles {
		parts = append(parts, llms.ImageURLContent{URL: fc.URL})
	}
	if len(parts) == 0 {
		return errkind.Validation("job %s resolved to an empty prompt", bc.job.JobID)
	}

	messages := make([]llms.MessageContent, 0, len(bc.history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	messages = append(messages, bc.history...)
	messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: parts})
	bc.messages = messages
	return nil
}

// mergeParameters folds parameter maps left to right, later maps
// winning.
func mergeParameters(maps ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// schemaDefaults extracts the default value of every property in one
// section of a model configuration schema.
func schemaDefaults(configuration map[string]any, section string) map[string]any {
	defaults := make(map[string]any)
	sec, _ := configuration[section].(map[string]any)
	props, _ := sec["properties"].(map[string]any)
	for key, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if def, ok := prop["default"]; ok {
			defaults[key] = def
		}
	}
	return defaults
}

// credentialSlots extracts the credential defaults and normalizes
// provider-specific slot names onto the generic api_key and base_url
// slots the model factory reads.
func credentialSlots(configuration map[string]any) map[string]string {
	slots := make(map[string]string)
	for key, val := range schemaDefaults(configuration, "credentials") {
		s, ok := val.(string)
		if !ok || s == "" {
			continue
		}
		slots[normalizeCredentialKey(key)] = s
	}
	return slots
}

func normalizeCredentialKey(key string) string {
	switch {
	case strings.HasSuffix(key, "api_key"):
		return "api_key"
	case key == "server_url" || strings.HasSuffix(key, "base_url"):
		return "base_url"
	default:
		return key
	}
}

func historyRole(role string) (llms.ChatMessageType, bool) {
	switch role {
	case models.RoleUser:
		return llms.ChatMessageTypeHuman, true
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI, true
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem, true
	default:
		return "", false
	}
}

func firstText(parts []models.ContentPart) string {
	for _, p := range parts {
		if p.Type == models.ContentTypeText {
			return p.Text
		}
	}
	return ""
}
