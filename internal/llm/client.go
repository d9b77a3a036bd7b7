// Package llm defines the model client boundary of the agent: conversation
// messages, tool definitions and the provider-neutral Client interface.
package llm

import (
	"context"
	"maps"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// TurnKind is the conversation-level classification of a message.
type TurnKind string

const (
	TurnUser          TurnKind = "user"
	TurnAssistantText TurnKind = "assistant_text"
	TurnToolCall      TurnKind = "tool_call"
	TurnToolResult    TurnKind = "tool_result"
)

// Message is one turn of a conversation. Tool results travel as user
// messages carrying a ToolResult, tool calls as assistant messages carrying
// ToolCalls.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Kind classifies the message.
func (m Message) Kind() TurnKind {
	switch {
	case m.ToolResult != nil:
		return TurnToolResult
	case len(m.ToolCalls) > 0:
		return TurnToolCall
	case m.Role == RoleAssistant:
		return TurnAssistantText
	default:
		return TurnUser
	}
}

// Clone returns a deep copy so stored history cannot be mutated through a
// returned slice.
func (m Message) Clone() Message {
	c := m
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			tc.Input = maps.Clone(tc.Input)
			c.ToolCalls[i] = tc
		}
	}
	if m.ToolResult != nil {
		r := *m.ToolResult
		c.ToolResult = &r
	}
	return c
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is the model requesting a tool invocation, normalized from the
// provider's encoding. ParseError is set when the provider sent arguments
// that could not be decoded into an object.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input"`
	ParseError string         `json:"parse_error,omitempty"`
}

// ToolResult is the outcome of a tool invocation sent back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TokenUsage tracks token consumption for a single model call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read"`
	CacheWrite   int `json:"cache_write"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatRequest contains parameters for a model call.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	System      string           `json:"system,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// ChatResponse is the model's reply: text and zero or more tool calls.
type ChatResponse struct {
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// StreamEvent represents an incremental event during streaming.
type StreamEvent struct {
	Type string `json:"type"` // "text", "tool_call_start", "tool_call_end", "done", "error"

	Text     string        `json:"text,omitempty"`
	ToolCall *ToolCall     `json:"tool_call,omitempty"`
	Response *ChatResponse `json:"response,omitempty"`
	Error    error         `json:"-"`
}

// Client is the interface for model interactions. Retry policy for failed
// calls belongs to implementations, not to callers.
type Client interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a request and returns a channel of streaming events.
	// The final event is either "done" carrying the response or "error".
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}
