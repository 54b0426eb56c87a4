package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

// Builtin internal function names.
const (
	FuncWeather    = "get_current_weather"
	FuncWebSearch  = "web_search"
	FuncRunCommand = "run_command"
)

// SearchResult is one hit returned by a web search backend.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// WebSearcher answers web_search queries. The Brave client implements
// it in production; without an API key a canned backend answers.
type WebSearcher interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// BraveSearcher queries the Brave web search API.
type BraveSearcher struct {
	APIKey string
	Client *http.Client
}

func (b *BraveSearcher) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	u := "https://api.search.brave.com/res/v1/web/search?q=" + url.QueryEscape(query) +
		fmt.Sprintf("&count=%d", count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.APIKey)

	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, errkind.Unavailable("web search: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errkind.Unavailable("web search: status %d", resp.StatusCode)
	}

	var body struct {
		Web struct {
			Results []SearchResult `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return body.Web.Results, nil
}

// cannedSearcher stands in when no search API key is configured.
type cannedSearcher struct{}

func (cannedSearcher) Search(_ context.Context, query string, count int) ([]SearchResult, error) {
	if count <= 0 || count > 3 {
		count = 3
	}
	results := make([]SearchResult, 0, count)
	for i := 1; i <= count; i++ {
		results = append(results, SearchResult{
			Title:       fmt.Sprintf("Result %d for %q", i, query),
			URL:         fmt.Sprintf("https://example.com/search/%d", i),
			Description: "No search backend configured; placeholder result.",
		})
	}
	return results, nil
}

// weatherConditions are cycled deterministically so repeated calls for
// one location agree.
var weatherConditions = []string{"sunny", "partly cloudy", "overcast", "light rain", "windy"}

func currentWeather(location string) string {
	idx := 0
	for _, r := range location {
		idx += int(r)
	}
	cond := weatherConditions[idx%len(weatherConditions)]
	temp := 8 + idx%20
	return fmt.Sprintf("Current weather in %s: %s, %d°C", location, cond, temp)
}

// commandSandbox emulates run_command with per-session state. Sessions
// are keyed by session_id so consecutive calls within one job share a
// history.
type commandSandbox struct {
	mu       sync.Mutex
	sessions map[string][]string
}

func newCommandSandbox() *commandSandbox {
	return &commandSandbox{sessions: make(map[string][]string)}
}

func (cs *commandSandbox) run(sessionID, command string) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sessions[sessionID] = append(cs.sessions[sessionID], command)
	n := len(cs.sessions[sessionID])

	switch strings.TrimSpace(command) {
	case "pwd":
		return "/workspace"
	case "history":
		return strings.Join(cs.sessions[sessionID], "\n")
	default:
		return fmt.Sprintf("$ %s\n(exit 0, command %d in session)", command, n)
	}
}

// builtins dispatches internal_function executions by name.
type builtins struct {
	searcher WebSearcher
	sandbox  *commandSandbox
}

func newBuiltins(searcher WebSearcher) *builtins {
	if searcher == nil {
		searcher = cannedSearcher{}
	}
	return &builtins{searcher: searcher, sandbox: newCommandSandbox()}
}

func (b *builtins) call(ctx context.Context, functionName string, args map[string]any) (string, error) {
	switch functionName {
	case FuncWeather:
		location, _ := args["location"].(string)
		if location == "" {
			return "", errkind.Validation("location is required")
		}
		return currentWeather(location), nil

	case FuncWebSearch:
		query, _ := args["query"].(string)
		if query == "" {
			return "", errkind.Validation("query is required")
		}
		results, err := b.searcher.Search(ctx, query, 3)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(results)
		if err != nil {
			return "", fmt.Errorf("encode search results: %w", err)
		}
		return string(out), nil

	case FuncRunCommand:
		command, _ := args["command"].(string)
		if command == "" {
			return "", errkind.Validation("command is required")
		}
		sessionID, _ := args["session_id"].(string)
		if sessionID == "" {
			sessionID = "default"
		}
		return b.sandbox.run(sessionID, command), nil
	}
	return "", errkind.NotFound("no builtin function %q", functionName)
}

// BuiltinDefinitions returns the system tool definitions seeded at
// startup.
func BuiltinDefinitions() []models.ToolDefinition {
	return []models.ToolDefinition{
		{
			Name:        FuncWeather,
			Description: "Get the current weather for a location.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{"type": "string", "description": "City or place name"},
				},
				"required": []any{"location"},
			},
			Execution: models.ToolExecution{Type: models.ExecutionTypeInternalFunction, FunctionName: FuncWeather},
		},
		{
			Name:        FuncWebSearch,
			Description: "Search the web and return the top results.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query"},
				},
				"required": []any{"query"},
			},
			Execution: models.ToolExecution{Type: models.ExecutionTypeInternalFunction, FunctionName: FuncWebSearch},
		},
		{
			Name:        FuncRunCommand,
			Description: "Run a shell command in the job's sandbox.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":    map[string]any{"type": "string", "description": "Command line to run"},
					"session_id": map[string]any{"type": "string", "description": "Sandbox session identifier"},
				},
				"required": []any{"command", "session_id"},
			},
			Execution: models.ToolExecution{Type: models.ExecutionTypeInternalFunction, FunctionName: FuncRunCommand},
		},
	}
}
