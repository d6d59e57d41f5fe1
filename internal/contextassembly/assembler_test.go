package contextassembly

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/internal/store/memstore"
	"github.com/haasonsaas/chorus/pkg/models"
)

func TestContextLimitCapsAtHardCap(t *testing.T) {
	if got := ContextLimit("claude-opus-4-20250514"); got != HardCapTokens {
		t.Fatalf("expected hard cap %d, got %d", HardCapTokens, got)
	}
	if got := ContextLimit("gpt-4"); got != 8192 {
		t.Fatalf("expected 8192, got %d", got)
	}
	if got := ContextLimit("unknown-model-xyz"); got != defaultContextLimit {
		t.Fatalf("expected default %d, got %d", defaultContextLimit, got)
	}
}

func TestAssembleOrdersSystemSummaryStatusThenWindow(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	agent := &models.Agent{Name: "alice", Model: "claude-opus-4-20250514", SystemPrompt: "You are Alice."}
	if err := s.RegisterAgent(ctx, agent); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	now := time.Now().UTC()
	if err := s.PersistMessage(ctx, "alice", models.Message{Role: models.RoleUser, Content: "hello", CreatedAt: now}); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}

	prevID := 7
	a := New(s)
	messages, err := a.Assemble(ctx, agent, Options{
		PreviousBranchSummary: "fixed the bug",
		PreviousBranchID:      &prevID,
		ThreadStatus:          "Active threads:\n  #2: doing stuff",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if len(messages) != 4 {
		t.Fatalf("expected 4 messages (system, summary, status, window), got %d: %+v", len(messages), messages)
	}
	if !strings.Contains(messages[0].Content, "You are Alice.") {
		t.Fatalf("expected system prompt first, got %q", messages[0].Content)
	}
	if !strings.Contains(messages[1].Content, "branch #7") {
		t.Fatalf("expected previous-branch summary second, got %q", messages[1].Content)
	}
	if !strings.Contains(messages[2].Content, "Active threads") {
		t.Fatalf("expected thread status third, got %q", messages[2].Content)
	}
	if messages[3].Content != "hello" {
		t.Fatalf("expected rolling window message last, got %q", messages[3].Content)
	}
}

func TestAssembleOmitsNoActiveThreadsSentinel(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	agent := &models.Agent{Name: "bob", SystemPrompt: "You are Bob."}
	s.RegisterAgent(ctx, agent)

	a := New(s)
	messages, err := a.Assemble(ctx, agent, Options{ThreadStatus: "No active threads."})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected only the system message, got %d: %+v", len(messages), messages)
	}
}

func TestAssembleIncludesAgentDocs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.md"), []byte("second doc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("first doc"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := memstore.New()
	agent := &models.Agent{Name: "carol", SystemPrompt: "You are Carol.", DocsDir: dir}
	s.RegisterAgent(ctx, agent)

	a := New(s)
	messages, err := a.Assemble(ctx, agent, Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	content := messages[0].Content
	aIdx := strings.Index(content, "first doc")
	bIdx := strings.Index(content, "second doc")
	if aIdx == -1 || bIdx == -1 || aIdx > bIdx {
		t.Fatalf("expected docs sorted by filename (a.md before b.md), got %q", content)
	}
}

func TestTruncateToBudgetKeepsSystemDropsOldestConversation(t *testing.T) {
	sys := models.Message{Role: models.RoleSystem, Content: strings.Repeat("s", 40)}
	old := models.Message{Role: models.RoleUser, Content: strings.Repeat("a", 4000)}
	recent := models.Message{Role: models.RoleAssistant, Content: strings.Repeat("b", 40)}

	out := truncateToBudget([]models.Message{sys, old, recent}, 20)

	if len(out) != 2 {
		t.Fatalf("expected system + most recent message only, got %d: %+v", len(out), out)
	}
	if out[0].Role != models.RoleSystem {
		t.Fatalf("expected system message kept first, got %+v", out[0])
	}
	if out[1].Content != recent.Content {
		t.Fatalf("expected the most recent conversation message kept, got %+v", out[1])
	}
}

func TestTruncateToBudgetReturnsLastMessageWhenSystemAloneExceedsBudget(t *testing.T) {
	sys := models.Message{Role: models.RoleSystem, Content: strings.Repeat("s", 10000)}
	last := models.Message{Role: models.RoleUser, Content: "hi"}

	out := truncateToBudget([]models.Message{sys, last}, 10)

	if len(out) != 2 || out[1].Content != "hi" {
		t.Fatalf("expected system + last conversation message even over budget, got %+v", out)
	}
}
