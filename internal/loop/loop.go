// Package loop runs the conversation between a model and the tools of the
// connected servers.
package loop

import (
	"context"
	"time"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/mcp"
	"github.com/szaher/mcpagent/internal/tools"
)

// DefaultMaxTurns bounds the model calls of one conversation.
const DefaultMaxTurns = 10

// State is the orchestrator state of a conversation.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateExecutingTools
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Config holds the model parameters of a conversation.
type Config struct {
	Model       string
	System      string
	MaxTurns    int
	MaxTokens   int
	TokenBudget int
	Temperature *float64
}

// ToolCallRecord is an audit record of a single tool invocation.
type ToolCallRecord struct {
	ID         string         `json:"id"`
	ProviderID string         `json:"provider_id,omitempty"`
	Tool       string         `json:"tool"`
	Server     string         `json:"server,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     string         `json:"output"`
	Kind       failure.Kind   `json:"kind,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// DegradedEvent reports a server that left the ready state while a
// conversation was running. Its tools disappear from later model calls.
type DegradedEvent struct {
	Server string    `json:"server"`
	State  string    `json:"state"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Response is the outcome of one Run.
type Response struct {
	ConversationID  string           `json:"conversation_id"`
	State           State            `json:"-"`
	Output          string           `json:"output"`
	ToolCalls       []ToolCallRecord `json:"tool_calls,omitempty"`
	Tokens          llm.TokenUsage   `json:"tokens"`
	Turns           int              `json:"turns"`
	Duration        time.Duration    `json:"duration"`
	FailureKind     failure.Kind     `json:"failure_kind,omitempty"`
	Error           string           `json:"error,omitempty"`
	Degraded        []DegradedEvent  `json:"degraded,omitempty"`
	// BudgetRemaining is nil when the conversation has no token budget.
	BudgetRemaining *int             `json:"budget_remaining,omitempty"`
}

// StreamCallback is called with each streaming event during execution.
// Passing one to Run switches model calls to streaming. Tool completions
// are reported as "tool_call_end" events.
type StreamCallback func(event llm.StreamEvent)

// ToolSet supplies the tool definitions attached to each model call.
// *tools.Registry implements it.
type ToolSet interface {
	Definitions() []llm.ToolDefinition
}

// Dispatcher executes the tool calls of one model reply. *tools.Router
// implements it.
type Dispatcher interface {
	RouteAll(ctx context.Context, reqs []tools.Request) []tools.Result
}

// EventSource publishes connection state changes. *mcp.Manager implements
// it.
type EventSource interface {
	Subscribe(o mcp.Observer) (unsubscribe func())
}
