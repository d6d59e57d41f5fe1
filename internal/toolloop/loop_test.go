package toolloop

import (
	"context"
	"testing"

	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

type scriptedProvider struct {
	responses []*models.Response
	calls     int
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Chat(ctx context.Context, messages []models.Message, toolSet []models.Tool, system, model string) (*models.Response, error) {
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func echoTool() models.Tool {
	return models.Tool{
		Name:        "echo",
		Description: "echoes",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return `{"text":"` + args["text"].(string) + `"}`, nil
		},
	}
}

func openProfile(t *testing.T) *models.PermissionProfile {
	t.Helper()
	p, err := models.NewPermissionProfile("open", []string{".*"}, nil)
	if err != nil {
		t.Fatalf("NewPermissionProfile: %v", err)
	}
	return p
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.Response{
		{Text: "hello", StopReason: models.StopEndTurn},
	}}
	registry := tools.NewRegistry()
	result, err := Run(context.Background(), provider, nil, nil, registry, tools.ExecutionContext{}, openProfile(t), "", "model", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "hello" {
		t.Fatalf("expected hello, got %q", result.Text)
	}
	if result.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", result.Iterations)
	}
}

func TestRunDispatchesToolCallThenCompletes(t *testing.T) {
	provider := &scriptedProvider{responses: []*models.Response{
		{
			StopReason: models.StopToolUse,
			ToolCalls:  []models.ToolCall{{ID: "1", Name: "echo", Arguments: map[string]any{"text": "hi"}}},
		},
		{Text: "done", StopReason: models.StopEndTurn},
	}}
	registry := tools.NewRegistry()
	if err := registry.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := Run(context.Background(), provider, nil, []models.Tool{echoTool()}, registry, tools.ExecutionContext{}, openProfile(t), "", "model", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ToolCallsMade != 1 {
		t.Fatalf("expected 1 tool call, got %d", result.ToolCallsMade)
	}
	if result.Text != "done" {
		t.Fatalf("expected done, got %q", result.Text)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", result.Iterations)
	}

	foundToolMsg := false
	for _, m := range result.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == "1" {
			foundToolMsg = true
		}
	}
	if !foundToolMsg {
		t.Fatalf("expected a tool-role message echoing the call, got %+v", result.Messages)
	}
}

func TestRunDeniesToolCallUnderDenyProfile(t *testing.T) {
	denyProfile, err := models.NewPermissionProfile("deny", nil, nil)
	if err != nil {
		t.Fatalf("NewPermissionProfile: %v", err)
	}
	provider := &scriptedProvider{responses: []*models.Response{
		{
			StopReason: models.StopToolUse,
			ToolCalls:  []models.ToolCall{{ID: "1", Name: "echo", Arguments: map[string]any{"text": "hi"}}},
		},
		{Text: "done", StopReason: models.StopEndTurn},
	}}
	registry := tools.NewRegistry()
	if err := registry.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := Run(context.Background(), provider, nil, []models.Tool{echoTool()}, registry, tools.ExecutionContext{}, denyProfile, "", "model", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, m := range result.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == "1" {
			found = true
			if !contains(m.Content, "permission denied") {
				t.Fatalf("expected permission-denied content, got %q", m.Content)
			}
		}
	}
	if !found {
		t.Fatal("expected a tool-role message for the denied call")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
