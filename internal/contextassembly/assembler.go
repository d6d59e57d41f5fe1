// Package contextassembly builds the ordered message list an LLM call
// consumes for one branch (§4.4): system prompt + docs + self-awareness,
// previous-branch summary, thread/branch status, and a token-budgeted
// rolling window pulled from the store.
package contextassembly

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	chorusctx "github.com/haasonsaas/chorus/internal/context"
	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// HardCapTokens bounds the budget regardless of a model's self-reported
// context window (§4.4) — both Anthropic and OpenAI charge premium
// rates well beyond this many input tokens.
const HardCapTokens = 200000

// BudgetRatio is the fraction of the effective context limit reserved
// for the assembled message list.
const BudgetRatio = 0.80

// DefaultRollingWindow is how far back messages are pulled when no
// clear boundary is more recent.
const DefaultRollingWindow = 24 * time.Hour

const defaultContextLimit = 128000

// ModelContextLimits maps model IDs (and dated-variant prefixes) to
// their provider-advertised context window.
var ModelContextLimits = map[string]int{
	"claude-opus-4-20250514":     200000,
	"claude-sonnet-4-20250514":   200000,
	"claude-3-5-sonnet-20241022": 200000,
	"claude-3-5-haiku-20241022":  200000,
	"claude-3-opus-20240229":     200000,
	"claude-3-haiku-20240307":    200000,
	"gpt-4o":                     128000,
	"gpt-4o-mini":                128000,
	"gpt-4-turbo":                128000,
	"gpt-4":                      8192,
	"o1":                         200000,
	"o1-mini":                    128000,
	"o3-mini":                    200000,
}

// ContextLimit returns the token context limit for model, capped at
// HardCapTokens. Unknown models (and an empty string) fall back to
// defaultContextLimit.
func ContextLimit(model string) int {
	if model == "" {
		return min(defaultContextLimit, HardCapTokens)
	}
	if limit, ok := ModelContextLimits[model]; ok {
		return min(limit, HardCapTokens)
	}
	for prefix, limit := range ModelContextLimits {
		if strings.HasPrefix(model, prefix) {
			return min(limit, HardCapTokens)
		}
	}
	return min(defaultContextLimit, HardCapTokens)
}

// Options configures one Assemble call.
type Options struct {
	// Model is the target model for this call; used for both the
	// self-awareness line and the context-limit lookup. Falls back to
	// the agent's configured model when empty.
	Model string

	// AvailableModels is hinted to the model, capped to 20 entries.
	AvailableModels []string

	// ScopePath, when set, adds host-filesystem mount awareness to the
	// system prompt.
	ScopePath string

	// ClaudeCodeAvailable adds the code-editing delegation hint.
	ClaudeCodeAvailable bool

	// PreviousBranchSummary/PreviousBranchID add a second system
	// message summarizing the branch that preceded this one, when both
	// are set.
	PreviousBranchSummary string
	PreviousBranchID      *int

	// ThreadStatus is a preformatted active-branches block (built by
	// the branch supervisor); added verbatim unless empty or the
	// sentinel "No active threads." value.
	ThreadStatus string

	// BranchID scopes the rolling window to one branch; nil pulls
	// every branch's messages.
	BranchID *int

	// RollingWindow overrides DefaultRollingWindow.
	RollingWindow time.Duration
}

// Assembler builds LLM-ready message lists from a Store.
type Assembler struct {
	Store store.Store
}

// New returns an Assembler backed by s.
func New(s store.Store) *Assembler {
	return &Assembler{Store: s}
}

// Assemble builds the ordered, budget-truncated message list for agent
// (§4.4).
func (a *Assembler) Assemble(ctx context.Context, agent *models.Agent, opts Options) ([]models.Message, error) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: buildSystemPrompt(agent, opts)},
	}

	if opts.PreviousBranchSummary != "" && opts.PreviousBranchID != nil {
		messages = append(messages, models.Message{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf("Previous conversation (branch #%d): %s", *opts.PreviousBranchID, opts.PreviousBranchSummary),
		})
	}

	if opts.ThreadStatus != "" && opts.ThreadStatus != "No active threads." {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: opts.ThreadStatus})
	}

	window := opts.RollingWindow
	if window <= 0 {
		window = DefaultRollingWindow
	}
	cutoff, err := a.computeCutoff(ctx, agent.Name, window)
	if err != nil {
		return nil, fmt.Errorf("contextassembly: compute cutoff: %w", err)
	}
	windowMsgs, err := a.Store.GetMessagesSince(ctx, agent.Name, cutoff, opts.BranchID)
	if err != nil {
		return nil, fmt.Errorf("contextassembly: get messages since: %w", err)
	}
	messages = append(messages, windowMsgs...)

	budget := int(float64(ContextLimit(opts.Model)) * BudgetRatio)
	return truncateToBudget(messages, budget), nil
}

// computeCutoff returns max(now-window, last_clear_timestamp).
func (a *Assembler) computeCutoff(ctx context.Context, agent string, window time.Duration) (time.Time, error) {
	rollingStart := time.Now().UTC().Add(-window)

	lastClear, err := a.Store.GetLastClearTime(ctx, agent)
	if err != nil {
		return time.Time{}, err
	}
	if lastClear.After(rollingStart) {
		return lastClear, nil
	}
	return rollingStart, nil
}

func buildSystemPrompt(agent *models.Agent, opts Options) string {
	parts := []string{agent.SystemPrompt}

	if agent.DocsDir != "" {
		if docs := readAgentDocs(agent.DocsDir); docs != "" {
			parts = append(parts, "\n\n## Agent Documentation\n\n"+docs)
		}
	}

	effectiveModel := opts.Model
	if effectiveModel == "" {
		effectiveModel = agent.Model
	}
	if effectiveModel == "" {
		effectiveModel = "unknown"
	}
	parts = append(parts, fmt.Sprintf("\n\nYou are running on model: %s.", effectiveModel))

	if len(opts.AvailableModels) > 0 {
		avail := opts.AvailableModels
		if len(avail) > 20 {
			avail = avail[:20]
		}
		parts = append(parts, fmt.Sprintf("Available models: %s.", strings.Join(avail, ", ")))
	}

	if opts.ScopePath != "" {
		parts = append(parts, fmt.Sprintf(
			"\n\n## Host Filesystem Access\n\nThe host user's filesystem is mounted at `%s`. "+
				"You can read and write files there using absolute paths in file tools and bash commands. "+
				"The environment variable `$SCOPE_PATH` is also available in bash and expands to `%s`.",
			opts.ScopePath, opts.ScopePath))
	}

	if opts.ClaudeCodeAvailable {
		parts = append(parts,
			"\n\n## Code Editing\n\nYou have access to the `claude_code` tool for creating and editing "+
				"code files (.py, .js, .ts, .go, .rs, etc.). Delegate code editing tasks to this tool for "+
				"better results. For non-code files (.md, .txt, .json, .yaml), use create_file and str_replace.")
	}

	parts = append(parts,
		"\n\n## File Writing\n\nWhen creating large files, use `append_file` in multiple tool calls to "+
			"build the content incrementally. Do NOT try to write an entire large file in a single "+
			"`create_file` call — the response may be cut off by output token limits. Instead: use "+
			"`create_file` for the first chunk, then `append_file` for subsequent chunks.")

	return strings.Join(parts, "\n")
}

// readAgentDocs concatenates every .md file directly under docsDir,
// sorted by name, each prefixed with a "--- name ---" header. Missing
// or unreadable directories yield an empty string.
func readAgentDocs(docsDir string) string {
	entries, err := os.ReadDir(docsDir)
	if err != nil {
		return ""
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(docsDir, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- %s ---\n%s", name, content))
	}
	return strings.Join(parts, "\n\n")
}

// truncateToBudget drops the oldest conversation messages (preserving
// order) until the estimated token total fits budget, keeping every
// system message regardless of cost. The most recent conversation
// message is always kept, even when it alone exceeds the budget.
func truncateToBudget(messages []models.Message, budget int) []models.Message {
	if len(messages) == 0 {
		return messages
	}

	var systemMsgs, convMsgs []models.Message
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			systemMsgs = append(systemMsgs, m)
		} else {
			convMsgs = append(convMsgs, m)
		}
	}

	systemTokens := 0
	for _, m := range systemMsgs {
		systemTokens += estimateMessageTokens(m)
	}
	remaining := budget - systemTokens

	if remaining <= 0 {
		if len(convMsgs) > 0 {
			return append(append([]models.Message{}, systemMsgs...), convMsgs[len(convMsgs)-1])
		}
		return systemMsgs
	}

	var kept []models.Message
	total := 0
	for i := len(convMsgs) - 1; i >= 0; i-- {
		tokens := estimateMessageTokens(convMsgs[i])
		if total+tokens > remaining && len(kept) > 0 {
			break
		}
		kept = append(kept, convMsgs[i])
		total += tokens
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	return append(append([]models.Message{}, systemMsgs...), kept...)
}

// estimateMessageTokens mirrors the original implementation's
// estimate_message_tokens: content plus tool-call name/argument bodies
// plus raw content blocks, with a fixed per-message overhead.
func estimateMessageTokens(msg models.Message) int {
	tokens := 4
	tokens += chorusctx.EstimateTokens(msg.Content)

	for _, call := range msg.ToolCalls {
		tokens += chorusctx.EstimateTokens(call.Name)
		if len(call.Arguments) > 0 {
			if data, err := json.Marshal(call.Arguments); err == nil {
				tokens += chorusctx.EstimateTokens(string(data))
			}
		}
	}

	if len(msg.RawBlocks) > 0 {
		if data, err := json.Marshal(msg.RawBlocks); err == nil {
			tokens += chorusctx.EstimateTokens(string(data))
		}
	}

	return tokens
}
