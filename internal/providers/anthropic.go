// Package providers adapts LLM provider SDKs to the tool loop's
// synchronous contract (§4.3): Chat(messages, tools, system, model) ->
// Response. Each provider owns its own streaming-to-SDK plumbing and
// surfaces only the normalized models.Response shape to callers.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/chorus/pkg/models"
)

// AnthropicProvider implements Provider against Anthropic's Messages
// API. It streams internally (for incremental tool-call assembly) but
// only returns the accumulated Response once the stream completes,
// since the tool loop consumes providers synchronously per iteration.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures a new AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider validates config and constructs a client.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Models lists the Claude models this provider can target.
func (p *AnthropicProvider) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

// Chat sends one completion request, retrying transient failures with
// exponential backoff, and accumulates the SSE stream into a single
// normalized Response.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []models.Message, toolSet []models.Tool, system, model string) (*models.Response, error) {
	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var err error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream, err = p.createStream(ctx, messages, toolSet, system, model)
		if err == nil {
			break
		}

		wrapped := p.wrapError(err, p.getModel(model))
		if !p.isRetryableError(wrapped) {
			return nil, wrapped
		}
		if attempt < p.maxRetries {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, p.getModel(model)))
	}

	return p.processStream(stream, p.getModel(model))
}

func (p *AnthropicProvider) createStream(ctx context.Context, messages []models.Message, toolSet []models.Tool, system, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	converted, err := p.convertMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(model)),
		Messages:  converted,
		MaxTokens: 4096,
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	if len(toolSet) > 0 {
		tools, err := p.convertTools(toolSet)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
// stream is treated as malformed, guarding against a flood that would
// otherwise spin the reader loop forever.
const maxEmptyStreamEvents = 300

// processStream drains a Messages SSE stream into one Response,
// assembling tool_use blocks across their start/delta/stop events
// (§4.3 normalization).
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string) (*models.Response, error) {
	resp := &models.Response{Model: model, StopReason: models.StopEndTurn}
	var text strings.Builder
	var currentCall *models.ToolCall
	var currentInput strings.Builder
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				resp.Usage.InputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				args, err := decodeToolArguments(currentInput.String())
				if err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool call arguments: %w", err)
				}
				currentCall.Arguments = args
				resp.ToolCalls = append(resp.ToolCalls, *currentCall)
				currentCall = nil
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			resp.Text = text.String()
			if len(resp.ToolCalls) > 0 {
				resp.StopReason = models.StopToolUse
			}
			return resp, nil

		case "error":
			return nil, p.wrapError(errors.New("anthropic stream error"), model)
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents), model)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err, model)
	}

	resp.Text = text.String()
	if len(resp.ToolCalls) > 0 {
		resp.StopReason = models.StopToolUse
	}
	return resp, nil
}

func decodeToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// convertMessages translates the normalized message list into
// Anthropic's content-block message format. System messages are
// dropped here since Anthropic carries the system prompt out of band
// in params.System.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isToolError(msg.Content)))
		}

		for _, call := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// isToolError reports a tool-role message's content as an Anthropic
// tool_result error flag when it carries the registry's top-level
// "error" key (the same JSON shape internal/toolloop inspects).
func isToolError(content string) bool {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return false
	}
	_, ok := decoded["error"]
	return ok
}

// convertTools translates tool definitions (name, description, and a
// JSON-Schema parameters document) into Anthropic's tool format.
func (p *AnthropicProvider) convertTools(toolSet []models.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(toolSet))

	for _, tool := range toolSet {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid parameters for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// isRetryableError classifies transient failures (rate limits, server
// errors, timeouts, connection issues) as retryable.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}

	msg := err.Error()
	if strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") || strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") || strings.Contains(msg, "gateway timeout") {
		return true
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return true
	}
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: FailoverUnknown}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		var message, code, requestID string
		requestID = apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
