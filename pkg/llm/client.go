// Package llm constructs provider-backed language model clients. The
// executor's model builder resolves a node's model configuration into a
// Spec; everything past construction speaks langchaingo's llms.Model.
package llm

import (
	"context"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

// Spec selects and authenticates one provider client.
type Spec struct {
	Provider string
	Model    string

	// Credentials are the decrypted credential slots of the model
	// configuration. Hosted providers need api_key; openai and ollama
	// also honor base_url.
	Credentials map[string]string
}

// DefaultModel is the model name used when the configuration leaves the
// slot empty.
func DefaultModel(provider string) string {
	switch provider {
	case models.ProviderOpenAI:
		return "gpt-4o"
	case models.ProviderAnthropic:
		return "claude-3-opus"
	case models.ProviderGoogle:
		return "gemini-pro"
	case models.ProviderOllama:
		return "llama3"
	default:
		return ""
	}
}

// New constructs the provider client for a spec. Hosted providers
// require an api_key credential; ollama only needs a reachable server.
func New(ctx context.Context, spec Spec) (llms.Model, error) {
	model := spec.Model
	if model == "" {
		model = DefaultModel(spec.Provider)
	}
	apiKey := spec.Credentials["api_key"]
	baseURL := spec.Credentials["base_url"]

	switch spec.Provider {
	case models.ProviderOpenAI:
		if apiKey == "" {
			return nil, errkind.Validation("provider openai requires an api_key credential")
		}
		opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(model)}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		return openai.New(opts...)

	case models.ProviderAnthropic:
		if apiKey == "" {
			return nil, errkind.Validation("provider anthropic requires an api_key credential")
		}
		return anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))

	case models.ProviderGoogle:
		if apiKey == "" {
			return nil, errkind.Validation("provider google requires an api_key credential")
		}
		return googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))

	case models.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(model)}
		if baseURL != "" {
			opts = append(opts, ollama.WithServerURL(baseURL))
		}
		slog.Debug("Using local ollama provider", "model", model, "server", baseURL)
		return ollama.New(opts...)

	default:
		return nil, errkind.Validation("unsupported provider %q", spec.Provider)
	}
}

// CallOptions converts merged sampling parameters into langchaingo call
// options. Numeric values arrive as float64 from JSON; unknown keys are
// provider-specific passthrough slots and are ignored here.
func CallOptions(params map[string]any) []llms.CallOption {
	var opts []llms.CallOption
	if v, ok := asFloat(params["temperature"]); ok {
		opts = append(opts, llms.WithTemperature(v))
	}
	if v, ok := asInt(params["max_tokens"]); ok {
		opts = append(opts, llms.WithMaxTokens(v))
	}
	if v, ok := asFloat(params["top_p"]); ok {
		opts = append(opts, llms.WithTopP(v))
	}
	if words, ok := asStrings(params["stop"]); ok {
		opts = append(opts, llms.WithStopWords(words))
	}
	return opts
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func asStrings(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
