package toolloop

import (
	llmcontext "github.com/haasonsaas/chorus/internal/context"
	"github.com/haasonsaas/chorus/pkg/models"
)

// block is an indivisible unit for truncation purposes: either a single
// non-tool-call message, or an assistant message with tool_calls
// together with every tool-role message that answers it. Splitting a
// tool_call from its results would leave the provider a dangling
// tool_call_id on the next request.
type block struct {
	messages []models.Message
	tokens   int
}

func estimateMessageTokens(m models.Message) int {
	tokens := llmcontext.EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		tokens += llmcontext.EstimateTokens(tc.Name) + 8
	}
	return tokens + 4 // per-message role/formatting overhead
}

// groupBlocks partitions messages into atomic truncation blocks,
// grounded on the original's _truncate_tool_loop_messages: an assistant
// message carrying tool_calls absorbs every immediately-following
// tool-role message into the same block.
func groupBlocks(messages []models.Message) []block {
	var blocks []block
	i := 0
	for i < len(messages) {
		m := messages[i]
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			group := []models.Message{m}
			tokens := estimateMessageTokens(m)
			j := i + 1
			for j < len(messages) && messages[j].Role == models.RoleTool {
				group = append(group, messages[j])
				tokens += estimateMessageTokens(messages[j])
				j++
			}
			blocks = append(blocks, block{messages: group, tokens: tokens})
			i = j
			continue
		}
		blocks = append(blocks, block{messages: []models.Message{m}, tokens: estimateMessageTokens(m)})
		i++
	}
	return blocks
}

// truncateMessages enforces maxTokens on the conversation, keeping all
// system messages plus as many of the most recent atomic blocks as fit,
// walking backward from the end (§4.7). If even the system messages
// alone exceed the budget, they are kept anyway — the caller is
// expected to also cap system-prompt construction separately
// (§4.4 contextassembly); this function never drops a system message.
func truncateMessages(messages []models.Message, maxTokens int) []models.Message {
	if maxTokens <= 0 {
		maxTokens = llmcontext.DefaultContextWindow
	}

	var system []models.Message
	var rest []models.Message
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	systemTokens := 0
	for _, m := range system {
		systemTokens += estimateMessageTokens(m)
	}

	blocks := groupBlocks(rest)

	budget := maxTokens - systemTokens
	var keptBlocks []block
	used := 0
	for idx := len(blocks) - 1; idx >= 0; idx-- {
		b := blocks[idx]
		if used+b.tokens > budget && len(keptBlocks) > 0 {
			break
		}
		keptBlocks = append([]block{b}, keptBlocks...)
		used += b.tokens
	}

	out := make([]models.Message, 0, len(system)+used)
	out = append(out, system...)
	for _, b := range keptBlocks {
		out = append(out, b.messages...)
	}
	return out
}
