package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/mcpagent/internal/llm"
)

const summaryPrompt = "Summarize this conversation concisely, preserving key facts, tool results and decisions:\n\n"

// Summary replaces older turns with a model-written summary once a history
// exceeds threshold messages. The most recent threshold/2 messages, rounded
// to a turn boundary, are kept verbatim.
type Summary struct {
	threshold int
	client    llm.Client
	model     string
}

// NewSummary creates a summarization policy.
func NewSummary(threshold int, client llm.Client, model string) *Summary {
	if threshold <= 0 {
		threshold = DefaultMaxMessages
	}
	return &Summary{threshold: threshold, client: client, model: model}
}

// Compact summarizes the turns before the kept tail and prefixes the summary
// to the first kept user message.
func (s *Summary) Compact(ctx context.Context, msgs []llm.Message) ([]llm.Message, error) {
	if len(msgs) <= s.threshold {
		return msgs, nil
	}
	cut := cutPoint(msgs, len(msgs)-s.threshold/2)
	if cut == 0 {
		return msgs, nil
	}

	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Model:     s.model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: summaryPrompt + transcript(msgs[:cut])}},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}

	out := make([]llm.Message, 0, len(msgs)-cut)
	first := msgs[cut].Clone()
	first.Content = "[Summary of earlier conversation: " + strings.TrimSpace(resp.Content) + "]\n\n" + first.Content
	out = append(out, first)
	for _, m := range msgs[cut+1:] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func transcript(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Kind() {
		case llm.TurnToolCall:
			if m.Content != "" {
				fmt.Fprintf(&b, "assistant: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "assistant called %s(%v)\n", tc.Name, tc.Input)
			}
		case llm.TurnToolResult:
			status := "result"
			if m.ToolResult.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "tool %s: %s\n", status, m.ToolResult.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	return b.String()
}
