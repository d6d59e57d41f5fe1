package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/chorus/internal/permission"
	"github.com/haasonsaas/chorus/internal/providers"
	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

// Run drives the iterate-call-dispatch-append cycle for one branch
// turn (§4.5): it calls provider repeatedly, dispatching any requested
// tool calls through registry under profile, until the model stops
// requesting tools, the iteration cap is hit, or the consecutive tool
// error circuit breaker trips.
func Run(
	ctx context.Context,
	provider providers.Provider,
	messages []models.Message,
	toolSet []models.Tool,
	registry *tools.Registry,
	execCtx tools.ExecutionContext,
	profile *models.PermissionProfile,
	systemPrompt string,
	model string,
	opts Options,
) (*Result, error) {
	maxIterations := defaultMaxIterations(opts.MaxIterations)
	result := &Result{Messages: append([]models.Message(nil), messages...)}

	consecutiveErrors := 0

	for iter := 0; iter < maxIterations; iter++ {
		result.Iterations++

		drainInject(opts.InjectChannel, &result.Messages)

		emit(opts.EventCB, "llm_call_start", nil)

		truncated := truncateMessages(result.Messages, opts.MaxContextTokens)

		resp, err := provider.Chat(ctx, truncated, toolSet, systemPrompt, model)
		if err != nil {
			return result, fmt.Errorf("provider chat: %w", err)
		}
		result.TotalUsage = result.TotalUsage.Add(resp.Usage)

		emit(opts.EventCB, "llm_call_complete", map[string]any{
			"stop_reason": string(resp.StopReason),
		})

		if resp.StopReason == models.StopMaxTokens && len(resp.ToolCalls) > 0 {
			// Context ran out mid tool-call: discard the partial tool
			// request and feed back a synthetic notice instead of
			// dispatching incomplete arguments (§4.5, truncation-signal
			// stop_reason handling).
			result.Messages = append(result.Messages, models.Message{
				Role:    models.RoleAssistant,
				Content: resp.Text,
			}, models.Message{
				Role:    models.RoleUser,
				Content: "[context truncated mid tool-call; please retry with a shorter request]",
			})
			consecutiveErrors++
			if consecutiveErrors >= MaxConsecutiveToolErrors {
				emit(opts.EventCB, "circuit_breaker", nil)
				break
			}
			continue
		}

		if len(resp.ToolCalls) == 0 {
			assistantMsg := models.Message{
				Role:      models.RoleAssistant,
				Content:   resp.Text,
				RawBlocks: resp.RawBlocks,
			}
			result.Messages = append(result.Messages, assistantMsg)
			result.Text = resp.Text
			break
		}

		assistantMsg := models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
			RawBlocks: resp.RawBlocks,
		}
		result.Messages = append(result.Messages, assistantMsg)

		toolMessages, _, cost := dispatchToolCalls(ctx, registry, execCtx, profile, resp.ToolCalls, opts)
		result.Messages = append(result.Messages, toolMessages...)
		result.ToolCallsMade += len(resp.ToolCalls)
		result.TotalUsage.CostUSD += cost

		for _, m := range toolMessages {
			if isErr, _ := inspectToolResult(m.Content); !isErr {
				consecutiveErrors = 0
			} else if consecutiveErrors++; consecutiveErrors >= MaxConsecutiveToolErrors {
				break
			}
		}
		if consecutiveErrors >= MaxConsecutiveToolErrors {
			emit(opts.EventCB, "circuit_breaker", nil)
			break
		}
	}

	return result, nil
}

func drainInject(ch <-chan models.Message, messages *[]models.Message) {
	if ch == nil {
		return
	}
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			*messages = append(*messages, m)
		default:
			return
		}
	}
}

func emit(cb EventFunc, kind string, detail map[string]any) {
	if cb == nil {
		return
	}
	cb(models.RuntimeEvent{Kind: kind, Detail: detail})
}

type dispatchOutcome struct {
	index   int
	message models.Message
	errored bool
	cost    float64
}

// dispatchToolCalls executes every requested tool call, applying the
// permission check per call. The calls run in parallel only when there
// are at least two and every one resolves to Allow; any batch with an
// Ask or Deny decision runs serially (§4.5 step c, "parallel execution
// when >=2 calls all resolve Allow without prompting").
func dispatchToolCalls(
	ctx context.Context,
	registry *tools.Registry,
	execCtx tools.ExecutionContext,
	profile *models.PermissionProfile,
	calls []models.ToolCall,
	opts Options,
) ([]models.Message, int, float64) {
	type prepared struct {
		call   models.ToolCall
		action string
		decision models.Decision
	}

	prep := make([]prepared, len(calls))
	allowCount := 0
	for i, call := range calls {
		action := permission.BuildActionString(call.Name, call.Arguments)
		decision := permission.Check(action, profile)
		prep[i] = prepared{call: call, action: action, decision: decision}
		if decision == models.Allow {
			allowCount++
		}
	}

	outcomes := make([]dispatchOutcome, len(calls))
	runOne := func(i int) {
		p := prep[i]
		outcomes[i] = runToolCall(ctx, registry, execCtx, p.call, p.action, p.decision, opts.AskCB)
	}

	if allowCount >= 2 && allowCount == len(calls) {
		var wg sync.WaitGroup
		for i := range calls {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				runOne(idx)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range calls {
			runOne(i)
		}
	}

	messages := make([]models.Message, len(outcomes))
	errored := 0
	var totalCost float64
	for i, o := range outcomes {
		messages[i] = o.message
		if o.errored {
			errored++
		}
		totalCost += o.cost
	}
	return messages, errored, totalCost
}

func runToolCall(
	ctx context.Context,
	registry *tools.Registry,
	execCtx tools.ExecutionContext,
	call models.ToolCall,
	action string,
	decision models.Decision,
	ask AskFunc,
) dispatchOutcome {
	switch decision {
	case models.Deny:
		return dispatchOutcome{
			message: toolResultMessage(call, tools.ErrorResult("permission denied for %s", action), true),
			errored: true,
		}
	case models.Ask:
		if ask == nil {
			return dispatchOutcome{
				message: toolResultMessage(call, tools.ErrorResult("permission required for %s but no operator is attached", action), true),
				errored: true,
			}
		}
		approved, err := ask(ctx, action, call)
		if err != nil || !approved {
			return dispatchOutcome{
				message: toolResultMessage(call, tools.ErrorResult("permission denied for %s", action), true),
				errored: true,
			}
		}
	}

	output := registry.Execute(ctx, call.Name, call.Arguments, execCtx)

	isError, cost := inspectToolResult(output)
	return dispatchOutcome{message: toolResultMessage(call, output, isError), errored: isError, cost: cost}
}

func toolResultMessage(call models.ToolCall, content string, isError bool) models.Message {
	return models.Message{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	}
}

// inspectToolResult looks for a top-level "error" key (marking the
// result as an error message) and a top-level "cost_usd" number
// (accumulated into the branch's running spend), matching the JSON
// shape every tool in internal/tools returns.
func inspectToolResult(output string) (isError bool, cost float64) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		return false, 0
	}
	if _, ok := decoded["error"]; ok {
		isError = true
	}
	if v, ok := decoded["cost_usd"]; ok {
		if f, ok := v.(float64); ok {
			cost = f
		}
	}
	return isError, cost
}
