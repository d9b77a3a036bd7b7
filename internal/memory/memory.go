// Package memory bounds the size of a conversation history. Policies run
// between turns, never while tool calls are outstanding.
package memory

import (
	"context"
	"fmt"

	"github.com/szaher/mcpagent/internal/llm"
)

// Strategy identifies a history policy.
type Strategy string

const (
	StrategyNone          Strategy = "none"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategySummary       Strategy = "summary"
)

// DefaultMaxMessages is the history size used when none is configured.
const DefaultMaxMessages = 50

// Policy compacts a history. Implementations return msgs unchanged when no
// compaction is needed, and must never separate a tool call from its results.
type Policy interface {
	Compact(ctx context.Context, msgs []llm.Message) ([]llm.Message, error)
}

// None keeps the full history.
type None struct{}

// Compact returns msgs unchanged.
func (None) Compact(_ context.Context, msgs []llm.Message) ([]llm.Message, error) {
	return msgs, nil
}

// New builds the policy for strategy. client and model are only used by the
// summary strategy.
func New(strategy Strategy, maxMessages int, client llm.Client, model string) (Policy, error) {
	switch strategy {
	case "", StrategyNone:
		return None{}, nil
	case StrategySlidingWindow:
		return NewSlidingWindow(maxMessages), nil
	case StrategySummary:
		if client == nil {
			return nil, fmt.Errorf("summary history requires a model client")
		}
		return NewSummary(maxMessages, client, model), nil
	default:
		return nil, fmt.Errorf("unknown history strategy %q (expected none, sliding_window or summary)", strategy)
	}
}

// cutPoint returns the index of the first user input message at or after
// want, falling back to the last one before it. Starting a history there
// keeps every tool call next to its results. Zero means no safe cut exists.
func cutPoint(msgs []llm.Message, want int) int {
	for i := max(want, 1); i < len(msgs); i++ {
		if msgs[i].Kind() == llm.TurnUser {
			return i
		}
	}
	for i := min(want, len(msgs)) - 1; i > 0; i-- {
		if msgs[i].Kind() == llm.TurnUser {
			return i
		}
	}
	return 0
}
