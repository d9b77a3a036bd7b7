package loop

import (
	"errors"
	"fmt"
	"slices"

	"github.com/szaher/mcpagent/internal/llm"
)

// ErrOrphanResult is returned when a tool result does not answer an
// outstanding tool call.
var ErrOrphanResult = errors.New("tool result does not match a pending tool call")

// History is the append-only message log of a conversation. Every tool
// result must answer a call from the latest tool-call message, and no other
// message may be appended while calls are outstanding. History is owned by
// one goroutine.
type History struct {
	msgs    []llm.Message
	pending []string
}

// NewHistory creates a history seeded with a copy of seed, which must not
// end with unanswered tool calls.
func NewHistory(seed []llm.Message) (*History, error) {
	h := &History{}
	for _, m := range seed {
		var err error
		switch m.Kind() {
		case llm.TurnToolCall:
			err = h.AppendToolCalls(m.Content, m.ToolCalls)
		case llm.TurnToolResult:
			err = h.AppendResult(*m.ToolResult)
		case llm.TurnAssistantText:
			err = h.AppendAssistant(m.Content)
		default:
			err = h.AppendUser(m.Content)
		}
		if err != nil {
			return nil, fmt.Errorf("seed history: %w", err)
		}
	}
	if len(h.pending) > 0 {
		return nil, fmt.Errorf("seed history: %d tool calls unanswered", len(h.pending))
	}
	return h, nil
}

// AppendUser records user input.
func (h *History) AppendUser(text string) error {
	if err := h.idle("user input"); err != nil {
		return err
	}
	h.msgs = append(h.msgs, llm.Message{Role: llm.RoleUser, Content: text})
	return nil
}

// AppendAssistant records a final text reply.
func (h *History) AppendAssistant(text string) error {
	if err := h.idle("assistant reply"); err != nil {
		return err
	}
	h.msgs = append(h.msgs, llm.Message{Role: llm.RoleAssistant, Content: text})
	return nil
}

// AppendToolCalls records a reply requesting tools. Each call needs a
// unique, non-empty ID.
func (h *History) AppendToolCalls(text string, calls []llm.ToolCall) error {
	if err := h.idle("tool calls"); err != nil {
		return err
	}
	if len(calls) == 0 {
		return errors.New("tool call message without calls")
	}
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.ID == "" || slices.Contains(ids, c.ID) {
			return fmt.Errorf("tool call %q needs a unique id", c.Name)
		}
		ids = append(ids, c.ID)
	}
	m := llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls}
	h.msgs = append(h.msgs, m.Clone())
	h.pending = ids
	return nil
}

// AppendResult records the result of a pending call.
func (h *History) AppendResult(r llm.ToolResult) error {
	i := slices.Index(h.pending, r.ToolUseID)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrOrphanResult, r.ToolUseID)
	}
	h.pending = slices.Delete(h.pending, i, i+1)
	h.msgs = append(h.msgs, llm.Message{Role: llm.RoleUser, ToolResult: &r})
	return nil
}

// Pending returns the ids of calls still awaiting results.
func (h *History) Pending() []string { return slices.Clone(h.pending) }

// Messages returns a copy of the history.
func (h *History) Messages() []llm.Message {
	out := make([]llm.Message, len(h.msgs))
	for i, m := range h.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages.
func (h *History) Len() int { return len(h.msgs) }

// replace swaps in a compacted history. Only valid between turns.
func (h *History) replace(msgs []llm.Message) error {
	if err := h.idle("compaction"); err != nil {
		return err
	}
	if len(msgs) > 0 && msgs[0].Kind() == llm.TurnToolResult {
		return errors.New("compacted history starts with a tool result")
	}
	h.msgs = msgs
	return nil
}

func (h *History) idle(what string) error {
	if len(h.pending) > 0 {
		return fmt.Errorf("%s while %d tool calls are pending", what, len(h.pending))
	}
	return nil
}
