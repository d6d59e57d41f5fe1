package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider against OpenAI's chat completions
// API.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider constructs a provider. An empty apiKey degrades
// gracefully to a client-less provider that errors on Chat, so the
// runtime can register every configured provider at startup even when
// one backend's key is unset.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{maxRetries: 3, retryDelay: time.Second}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4", Name: "GPT-4", ContextSize: 8192, SupportsVision: false},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385, SupportsVision: false},
	}
}

func (p *OpenAIProvider) SupportsTools() bool { return true }

// Chat sends one completion request, retrying transient failures with
// linear backoff, and accumulates the stream into a single normalized
// Response.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []models.Message, toolSet []models.Tool, system, model string) (*models.Response, error) {
	if p.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	converted, err := p.convertMessages(messages, system)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	req := openai.ChatCompletionRequest{Model: model, Messages: converted, Stream: true}
	if len(toolSet) > 0 {
		req.Tools = p.convertTools(toolSet)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, req)
		if lastErr == nil {
			break
		}
		if !p.isRetryableError(lastErr) {
			return nil, fmt.Errorf("openai: non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	return p.processStream(ctx, stream, model)
}

// processStream drains a chat completion stream into one Response,
// assembling tool calls across their index-keyed delta fragments.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string) (*models.Response, error) {
	defer stream.Close()

	resp := &models.Response{Model: model, StopReason: models.StopEndTurn}
	var text strings.Builder
	toolCalls := make(map[int]*models.ToolCall)
	argBuf := make(map[int]*strings.Builder)
	order := make([]int, 0)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("openai: stream error: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				argBuf[index] = &strings.Builder{}
				order = append(order, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				argBuf[index].WriteString(tc.Function.Arguments)
			}
		}
	}

	for _, idx := range order {
		call := toolCalls[idx]
		if call.ID == "" || call.Name == "" {
			continue
		}
		args, err := decodeToolArguments(argBuf[idx].String())
		if err != nil {
			return nil, fmt.Errorf("openai: invalid tool call arguments: %w", err)
		}
		call.Arguments = args
		resp.ToolCalls = append(resp.ToolCalls, *call)
	}

	resp.Text = text.String()
	if len(resp.ToolCalls) > 0 {
		resp.StopReason = models.StopToolUse
	}
	return resp, nil
}

// convertMessages translates the normalized message list into OpenAI's
// chat format, exploding each tool-role message into its own
// tool-result message and routing image attachments into the
// multi-content vision format.
func (p *OpenAIProvider) convertMessages(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, call := range msg.ToolCalls {
					args, err := json.Marshal(call.Arguments)
					if err != nil {
						return nil, fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
					}
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   call.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: string(args),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, p.userOrSystemMessage(msg))
		}
	}

	return result, nil
}

func (p *OpenAIProvider) userOrSystemMessage(msg models.Message) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if msg.Role == models.RoleSystem {
		role = openai.ChatMessageRoleSystem
	}

	hasImages := false
	for _, att := range msg.Attachments {
		if att.Type == "image" {
			hasImages = true
			break
		}
	}
	if !hasImages {
		return openai.ChatCompletionMessage{Role: role, Content: msg.Content}
	}

	var parts []openai.ChatMessagePart
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
	}
	for _, att := range msg.Attachments {
		if att.Type != "image" {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: att.URL, Detail: openai.ImageURLDetailAuto},
		})
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

// convertTools translates tool definitions into OpenAI's function-tool
// format.
func (p *OpenAIProvider) convertTools(toolSet []models.Tool) []openai.Tool {
	result := make([]openai.Tool, len(toolSet))
	for i, tool := range toolSet {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// isRetryableError checks if an error should be retried: rate limits,
// server errors, and timeouts.
func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return true
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return true
	}
	return false
}
