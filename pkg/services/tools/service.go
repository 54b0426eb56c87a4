// Package tools manages the tool registry: builtin system tools,
// user-registered webhook tools, MCP discovery filters, and batch
// execution on behalf of inference jobs.
package tools

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

// Service implements tool operations on top of the store.
type Service struct {
	db        *sql.DB
	store     *Store
	publisher bus.Publisher
}

// NewService creates the tool service.
func NewService(db *sql.DB, publisher bus.Publisher) *Service {
	return &Service{db: db, store: NewStore(), publisher: publisher}
}

// SeedBuiltins registers the builtin system tools. Existing rows are
// left untouched.
func (s *Service) SeedBuiltins(ctx context.Context) error {
	for _, def := range BuiltinDefinitions() {
		t := &models.Tool{
			ID:           uuid.New(),
			IsSystemTool: true,
			Name:         def.Name,
			ToolType:     models.ToolTypeStandard,
			Definition:   def,
		}
		if err := s.store.Create(ctx, s.db, t); err != nil {
			if errors.Is(err, errkind.ErrConflict) {
				continue
			}
			return err
		}
		slog.Info("Builtin tool seeded", "name", def.Name)
	}
	return nil
}

// Create registers a tool. Staff callers create system tools; other
// callers own theirs, and user tools must execute via webhook.
func (s *Service) Create(ctx context.Context, p identity.Principal, req models.CreateToolRequest) (*models.Tool, error) {
	t := &models.Tool{
		ID:           uuid.New(),
		IsSystemTool: p.IsStaff,
		Name:         req.Name,
		ToolType:     req.ToolType,
		Definition:   req.Definition,
	}
	if !p.IsStaff {
		userID := p.ID
		t.OwnerID = &userID
	}
	t.Definition.Name = t.Name

	if err := s.validateDefinition(t); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, s.db, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) validateDefinition(t *models.Tool) error {
	if t.ToolType == models.ToolTypeMCP {
		// Discovery filters carry match rules in Parameters and never
		// execute directly.
		return nil
	}
	exec := t.Definition.Execution
	switch exec.Type {
	case models.ExecutionTypeWebhook:
		if !strings.HasPrefix(exec.URL, "http://") && !strings.HasPrefix(exec.URL, "https://") {
			return errkind.NewValidationError("definition.execution.url", "must be an http(s) URL")
		}
	case models.ExecutionTypeInternalFunction:
		if !t.IsSystemTool {
			return errkind.NewValidationError("definition.execution.type", "internal_function is reserved for system tools")
		}
		if exec.FunctionName == "" {
			return errkind.NewValidationError("definition.execution.function_name", "required")
		}
	default:
		return errkind.NewValidationError("definition.execution.type", "must be webhook or internal_function")
	}
	return nil
}

// List returns the tools visible to the caller.
func (s *Service) List(ctx context.Context, p identity.Principal) (*models.ToolListResponse, error) {
	list, err := s.store.ListVisible(ctx, s.db, p.ID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Tool{}
	}
	return &models.ToolListResponse{Tools: list, TotalCount: len(list)}, nil
}

// Get returns one visible tool. Foreign user tools look absent.
func (s *Service) Get(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.Tool, error) {
	t, err := s.store.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !toolVisible(t, p) {
		return nil, errkind.NotFound("tool not found")
	}
	return t, nil
}

// Update modifies a visible tool. System tools are staff-only.
func (s *Service) Update(ctx context.Context, p identity.Principal, id uuid.UUID, req models.UpdateToolRequest) (*models.Tool, error) {
	t, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if t.IsSystemTool && !p.IsStaff {
		return nil, errkind.Permission("only staff may modify system tools")
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Definition != nil {
		t.Definition = *req.Definition
	}
	t.Definition.Name = t.Name
	if err := s.validateDefinition(t); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, s.db, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes a tool and notifies dependent nodes.
func (s *Service) Delete(ctx context.Context, p identity.Principal, id uuid.UUID) error {
	t, err := s.Get(ctx, p, id)
	if err != nil {
		return err
	}
	if t.IsSystemTool && !p.IsStaff {
		return errkind.Permission("only staff may delete system tools")
	}
	if err := s.store.Delete(ctx, s.db, id); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, models.ExchangeResourceEvents, models.KeyToolDeleted,
		models.ToolDeletedEvent{ToolID: id})
}

// Discover returns the standard tools an MCP discovery filter matches
// for the caller.
func (s *Service) Discover(ctx context.Context, p identity.Principal, id uuid.UUID) ([]*models.Tool, error) {
	t, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if t.ToolType != models.ToolTypeMCP {
		return nil, errkind.Validation("tool %s is not a discovery filter", id)
	}
	visible, err := s.store.ListVisible(ctx, s.db, p.ID)
	if err != nil {
		return nil, err
	}
	return filterMatches(t, visible), nil
}

// filterMatches applies an MCP filter's match rules (name_prefix,
// names) to the standard tools in candidates. An empty rule set
// matches every standard tool.
func filterMatches(filter *models.Tool, candidates []*models.Tool) []*models.Tool {
	prefix, _ := filter.Definition.Parameters["name_prefix"].(string)
	var names map[string]bool
	if raw, ok := filter.Definition.Parameters["names"].([]any); ok {
		names = make(map[string]bool, len(raw))
		for _, n := range raw {
			if s, ok := n.(string); ok {
				names[s] = true
			}
		}
	}

	matched := []*models.Tool{}
	for _, c := range candidates {
		if c.ToolType != models.ToolTypeStandard {
			continue
		}
		if prefix != "" && !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		if names != nil && !names[c.Name] {
			continue
		}
		matched = append(matched, c)
	}
	return matched
}

// Validate reports whether every id is visible to the caller.
func (s *Service) Validate(ctx context.Context, p identity.Principal, ids []uuid.UUID) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	found, err := s.store.GetVisibleByIDs(ctx, s.db, p.ID, ids)
	if err != nil {
		return false, err
	}
	seen := make(map[uuid.UUID]bool, len(found))
	for _, t := range found {
		seen[t.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			return false, nil
		}
	}
	return true, nil
}

// Definitions expands tool ids into the definitions handed to the agent
// loop. MCP filters expand to their matching standard tools; duplicate
// names collapse.
func (s *Service) Definitions(ctx context.Context, p identity.Principal, ids []uuid.UUID) ([]models.ToolDefinition, error) {
	selected, err := s.store.GetVisibleByIDs(ctx, s.db, p.ID, ids)
	if err != nil {
		return nil, err
	}

	var visible []*models.Tool
	for _, t := range selected {
		if t.ToolType == models.ToolTypeMCP {
			visible, err = s.store.ListVisible(ctx, s.db, p.ID)
			if err != nil {
				return nil, err
			}
			break
		}
	}

	defs := []models.ToolDefinition{}
	seen := map[string]bool{}
	add := func(t *models.Tool) {
		if !seen[t.Name] {
			seen[t.Name] = true
			defs = append(defs, t.Definition)
		}
	}
	for _, t := range selected {
		if t.ToolType == models.ToolTypeMCP {
			for _, m := range filterMatches(t, visible) {
				add(m)
			}
			continue
		}
		add(t)
	}
	return defs, nil
}

// resolveByName maps call names to visible tools, the caller's own
// shadowing system tools of the same name.
func (s *Service) resolveByName(ctx context.Context, p identity.Principal, names []string) (map[string]*models.Tool, error) {
	found, err := s.store.GetVisibleByNames(ctx, s.db, p.ID, names)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*models.Tool, len(found))
	for _, t := range found {
		cur, ok := byName[t.Name]
		if !ok || (cur.IsSystemTool && !t.IsSystemTool) {
			byName[t.Name] = t
		}
	}
	return byName, nil
}

func toolVisible(t *models.Tool, p identity.Principal) bool {
	if t.IsSystemTool {
		return true
	}
	return t.OwnerID != nil && *t.OwnerID == p.ID
}
