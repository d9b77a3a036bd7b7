package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// OpenAIClient implements Client against the OpenAI-compatible chat
// completions API (OpenAI, Ollama, vLLM, LiteLLM).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.httpClient = c }
}

// WithOpenAILogger sets the logger used for decode warnings.
func WithOpenAILogger(l *slog.Logger) OpenAIOption {
	return func(o *OpenAIClient) { o.logger = l }
}

// NewOpenAIClient creates a client for the OpenAI API.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	return NewOpenAICompatibleClient("https://api.openai.com/v1", apiKey, opts...)
}

// NewOllamaClient creates a client for a local Ollama instance.
func NewOllamaClient(host string, opts ...OpenAIOption) *OpenAIClient {
	if host == "" {
		host = "http://localhost:11434"
	}
	return NewOpenAICompatibleClient(strings.TrimRight(host, "/")+"/v1", "", opts...)
}

// NewOpenAICompatibleClient creates a client for any OpenAI-compatible endpoint.
func NewOpenAICompatibleClient(baseURL, apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type oaiToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function oaiToolCallFunc `json:"function"`
}

type oaiToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
	Error   *oaiError   `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	Delta        oaiMessage `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Chat sends a non-streaming chat request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := c.doRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp oaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	return c.parseResponse(&resp), nil
}

// ChatStream sends a streaming chat request and returns events via channel.
// Tool call argument fragments are accumulated by index and decoded once the
// stream ends.
func (c *OpenAIClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	body, err := c.doRequest(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer body.Close()

		var text strings.Builder
		pending := map[int]*oaiToolCall{}
		var usage oaiUsage
		var finish string

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			if data == "[DONE]" {
				break
			}

			var chunk oaiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.logger.Debug("openai: skipping undecodable stream chunk", "error", err)
				continue
			}
			if chunk.Usage.TotalTokens > 0 {
				usage = chunk.Usage
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				ch <- StreamEvent{Type: "text", Text: choice.Delta.Content}
			}
			for _, d := range choice.Delta.ToolCalls {
				tc, seen := pending[d.Index]
				if !seen {
					tc = &oaiToolCall{Index: d.Index}
					pending[d.Index] = tc
				}
				if d.ID != "" {
					tc.ID = d.ID
				}
				if d.Function.Name != "" {
					tc.Function.Name = d.Function.Name
					ch <- StreamEvent{Type: "tool_call_start", ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name}}
				}
				tc.Function.Arguments += d.Function.Arguments
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamEvent{Type: "error", Error: fmt.Errorf("openai: read stream: %w", err)}
			return
		}

		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)

		resp := &ChatResponse{
			Content:    text.String(),
			StopReason: mapOAIStopReason(finish),
			Usage:      TokenUsage{InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens},
		}
		for _, i := range indexes {
			tc := pending[i]
			resp.ToolCalls = append(resp.ToolCalls, decodeToolCall(c.logger, tc.ID, tc.Function.Name, []byte(tc.Function.Arguments)))
		}
		ch <- StreamEvent{Type: "done", Response: resp}
	}()

	return ch, nil
}

func (c *OpenAIClient) buildRequest(req ChatRequest, stream bool) oaiRequest {
	messages := make([]oaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		switch m.Kind() {
		case TurnToolResult:
			messages = append(messages, oaiMessage{
				Role:       "tool",
				Content:    m.ToolResult.Content,
				ToolCallID: m.ToolResult.ToolUseID,
			})
		case TurnToolCall:
			msg := oaiMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Input)
				if err != nil || tc.Input == nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, oaiToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: oaiToolCallFunc{Name: tc.Name, Arguments: string(args)},
				})
			}
			messages = append(messages, msg)
		case TurnAssistantText:
			messages = append(messages, oaiMessage{Role: "assistant", Content: m.Content})
		default:
			messages = append(messages, oaiMessage{Role: "user", Content: m.Content})
		}
	}

	out := oaiRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      stream,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func (c *OpenAIClient) doRequest(ctx context.Context, oaiReq oaiRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var e oaiResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != nil {
			return nil, fmt.Errorf("openai: HTTP %d: %s: %s", resp.StatusCode, e.Error.Type, e.Error.Message)
		}
		return nil, fmt.Errorf("openai: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *OpenAIClient) parseResponse(resp *oaiResponse) *ChatResponse {
	out := &ChatResponse{
		StopReason: StopEndTurn,
		Usage:      TokenUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = mapOAIStopReason(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, decodeToolCall(c.logger, tc.ID, tc.Function.Name, []byte(tc.Function.Arguments)))
	}
	return out
}

func mapOAIStopReason(reason string) StopReason {
	switch reason {
	case "length":
		return StopMaxTokens
	case "tool_calls":
		return StopToolUse
	default:
		return StopEndTurn
	}
}
