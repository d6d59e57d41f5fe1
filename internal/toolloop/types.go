// Package toolloop implements the agentic tool loop (§4.5, §4.7): the
// iterate-call-dispatch-append cycle that drives a single branch's
// conversation with an LLM provider, dispatching tool calls through the
// permission engine and tool registry until the model stops requesting
// tools or a hard limit is hit.
package toolloop

import (
	"context"

	"github.com/haasonsaas/chorus/pkg/models"
)

// MaxConsecutiveToolErrors trips the circuit breaker (§4.5): five tool
// calls in a row that each error out ends the loop rather than let the
// model spin forever retrying a broken approach.
const MaxConsecutiveToolErrors = 5

// AskFunc requests a human/operator decision for a tool call that the
// permission profile routes to "ask" rather than allow/deny outright.
type AskFunc func(ctx context.Context, action string, call models.ToolCall) (bool, error)

// EventFunc receives runtime events emitted during the loop
// (llm_call_start, llm_call_complete, circuit_breaker).
type EventFunc func(event models.RuntimeEvent)

// Options configures a single Run call.
type Options struct {
	// MaxIterations bounds how many provider round-trips the loop will
	// make before stopping unconditionally.
	MaxIterations int

	// AskCB is consulted for tool calls the permission engine routes to
	// Ask. If nil, Ask is treated as Deny.
	AskCB AskFunc

	// InjectChannel delivers out-of-band messages (e.g. operator
	// interjections, process output) drained at the top of every
	// iteration before the provider is called.
	InjectChannel <-chan models.Message

	// EventCB receives runtime events for observability. May be nil.
	EventCB EventFunc

	// WebSearchEnabled is accepted but not read by Run: no provider
	// web-search tool is added to the tool set and no permission check
	// is made for one.
	WebSearchEnabled bool

	// MaxContextTokens bounds the token budget truncateMessages enforces
	// before each provider call (§4.7). Zero uses context.DefaultContextWindow.
	MaxContextTokens int
}

// Result is the outcome of a full Run call.
type Result struct {
	Text          string          `json:"text,omitempty"`
	Messages      []models.Message `json:"messages"`
	TotalUsage    models.Usage    `json:"total_usage"`
	Iterations    int             `json:"iterations"`
	ToolCallsMade int             `json:"tool_calls_made"`
}

func defaultMaxIterations(n int) int {
	if n <= 0 {
		return 25
	}
	return n
}
