package loop

import (
	"errors"
	"strings"
	"testing"

	"github.com/szaher/mcpagent/internal/llm"
)

func TestHistoryRejectsOrphanResults(t *testing.T) {
	h, _ := NewHistory(nil)
	if err := h.AppendResult(llm.ToolResult{ToolUseID: "t1", Content: "x"}); !errors.Is(err, ErrOrphanResult) {
		t.Fatalf("result without a call: err = %v", err)
	}

	if err := h.AppendUser("hi"); err != nil {
		t.Fatal(err)
	}
	calls := []llm.ToolCall{{ID: "t1", Name: "add"}, {ID: "t2", Name: "search"}}
	if err := h.AppendToolCalls("", calls); err != nil {
		t.Fatal(err)
	}
	calls[0].ID = "mutated"

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"unknown id", "t9", true},
		{"second call first", "t2", false},
		{"answered twice", "t2", true},
		{"first call", "t1", false},
		{"nothing pending", "t1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.AppendResult(llm.ToolResult{ToolUseID: tt.id})
			if (err != nil) != tt.wantErr {
				t.Fatalf("AppendResult(%q) = %v", tt.id, err)
			}
			if err != nil && !errors.Is(err, ErrOrphanResult) {
				t.Errorf("err = %v, want ErrOrphanResult", err)
			}
		})
	}
	if h.Len() != 4 || len(h.Pending()) != 0 {
		t.Errorf("Len = %d, pending = %v", h.Len(), h.Pending())
	}
	if got := h.Messages()[1].ToolCalls[0].ID; got != "t1" {
		t.Errorf("history aliases the caller's calls: %q", got)
	}
}

func TestHistoryBlocksMessagesWhilePending(t *testing.T) {
	h, _ := NewHistory(nil)
	_ = h.AppendUser("q")
	if err := h.AppendToolCalls("", []llm.ToolCall{{ID: "t1", Name: "add"}}); err != nil {
		t.Fatal(err)
	}
	if err := h.AppendUser("again"); err == nil {
		t.Error("user input accepted while a call is pending")
	}
	if err := h.AppendAssistant("done"); err == nil {
		t.Error("reply accepted while a call is pending")
	}
	if err := h.replace(nil); err == nil {
		t.Error("compaction accepted while a call is pending")
	}
}

func TestHistoryToolCallIDs(t *testing.T) {
	h, _ := NewHistory(nil)
	tests := []struct {
		name  string
		calls []llm.ToolCall
	}{
		{"no calls", nil},
		{"empty id", []llm.ToolCall{{Name: "add"}}},
		{"duplicate id", []llm.ToolCall{{ID: "a", Name: "x"}, {ID: "a", Name: "y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.AppendToolCalls("", tt.calls); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewHistorySeed(t *testing.T) {
	seed := []llm.Message{
		{Role: llm.RoleUser, Content: "q"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "add"}}},
		{Role: llm.RoleUser, ToolResult: &llm.ToolResult{ToolUseID: "t1", Content: "4"}},
		{Role: llm.RoleAssistant, Content: "4"},
	}
	h, err := NewHistory(seed)
	if err != nil {
		t.Fatal(err)
	}
	if h.Len() != 4 {
		t.Errorf("Len = %d", h.Len())
	}

	_, err = NewHistory(seed[:2])
	if err == nil || !strings.Contains(err.Error(), "unanswered") {
		t.Errorf("seed with a dangling call: err = %v", err)
	}
	_, err = NewHistory([]llm.Message{seed[2]})
	if !errors.Is(err, ErrOrphanResult) {
		t.Errorf("seed with an orphan result: err = %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:           "idle",
		StateAwaitingModel:  "awaiting_model",
		StateExecutingTools: "executing_tools",
		StateDone:           "done",
		StateFailed:         "failed",
		State(42):           "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d) = %q", s, s.String())
		}
	}
	if !StateDone.Terminal() || !StateFailed.Terminal() || StateAwaitingModel.Terminal() {
		t.Error("Terminal() mismatch")
	}
}
