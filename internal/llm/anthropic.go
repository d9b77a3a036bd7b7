package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// AnthropicClient implements Client using the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a client that reads ANTHROPIC_API_KEY from the
// environment. Extra request options (base URL, retries) are passed through.
func NewAnthropicClient(opts ...option.RequestOption) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: slog.Default(),
	}
}

// NewAnthropicClientWithKey creates a client with an explicit API key.
func NewAnthropicClientWithKey(apiKey string) *AnthropicClient {
	return NewAnthropicClient(option.WithAPIKey(apiKey))
}

// Chat sends a non-streaming chat request.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msg, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	return c.parseResponse(msg), nil
}

// ChatStream sends a streaming chat request and returns events via channel.
func (c *AnthropicClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		var acc anthropic.Message

		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				ch <- StreamEvent{Type: "error", Error: fmt.Errorf("anthropic stream accumulate: %w", err)}
				return
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta.Type == "text_delta" {
					ch <- StreamEvent{Type: "text", Text: event.Delta.Text}
				}
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					ch <- StreamEvent{
						Type:     "tool_call_start",
						ToolCall: &ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name},
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Type: "error", Error: fmt.Errorf("anthropic stream: %w", err)}
			return
		}
		ch <- StreamEvent{Type: "done", Response: c.parseResponse(&acc)}
	}()

	return ch, nil
}

func (c *AnthropicClient) buildParams(req ChatRequest) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for i := 0; i < len(req.Messages); i++ {
		m := req.Messages[i]
		switch m.Kind() {
		case TurnToolResult:
			// Consecutive tool results belong to one user message.
			var blocks []anthropic.ContentBlockParamUnion
			for ; i < len(req.Messages) && req.Messages[i].ToolResult != nil; i++ {
				r := req.Messages[i].ToolResult
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
			}
			i--
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		case TurnToolCall:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case TurnAssistantText:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}

	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if props, ok := t.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(t.InputSchema)
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				InputSchema: schema,
			},
		})
	}

	return params
}

func (c *AnthropicClient) parseResponse(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: mapStopReason(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			CacheRead:    int(msg.Usage.CacheReadInputTokens),
			CacheWrite:   int(msg.Usage.CacheCreationInputTokens),
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, decodeToolCall(c.logger, block.ID, block.Name, block.Input))
		}
	}
	return resp
}

// decodeToolCall normalizes raw JSON arguments. Undecodable or non-object
// arguments are kept as a ParseError for the orchestrator to report.
func decodeToolCall(logger *slog.Logger, id, name string, raw []byte) ToolCall {
	tc := ToolCall{ID: id, Name: name, Input: map[string]any{}}
	if len(raw) == 0 {
		return tc
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Warn("llm: failed to decode tool arguments", "tool", name, "id", id, "error", err)
		tc.ParseError = fmt.Sprintf("arguments are not valid JSON: %v", err)
		return tc
	}
	switch in := v.(type) {
	case map[string]any:
		tc.Input = in
	case nil:
	default:
		tc.ParseError = fmt.Sprintf("arguments must be a JSON object, got %T", v)
	}
	return tc
}

func requiredFields(schema map[string]any) []string {
	var out []string
	switch req := schema["required"].(type) {
	case []string:
		out = append(out, req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func mapStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopReason(string(reason))
	}
}
