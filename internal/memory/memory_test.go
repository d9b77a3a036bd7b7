package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/szaher/mcpagent/internal/llm"
)

func user(s string) llm.Message { return llm.Message{Role: llm.RoleUser, Content: s} }
func reply(s string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: s}
}

func call(id, name string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: id, Name: name, Input: map[string]any{"q": "x"}}}}
}

func result(id, content string) llm.Message {
	return llm.Message{Role: llm.RoleUser, ToolResult: &llm.ToolResult{ToolUseID: id, Content: content}}
}

func contents(msgs []llm.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		switch {
		case m.ToolResult != nil:
			parts[i] = "result:" + m.ToolResult.ToolUseID
		case len(m.ToolCalls) > 0:
			parts[i] = "call:" + m.ToolCalls[0].ID
		default:
			parts[i] = m.Content
		}
	}
	return strings.Join(parts, ",")
}

func TestSlidingWindow(t *testing.T) {
	history := []llm.Message{
		user("q1"), call("c1", "search"), result("c1", "r"), reply("a1"),
		user("q2"), reply("a2"),
		user("q3"), call("c2", "add"), result("c2", "4"), reply("a3"),
	}
	tests := []struct {
		name string
		max  int
		want string
	}{
		{"under limit", 20, contents(history)},
		{"cuts at next user input", 5, "q3,call:c2,result:c2,a3"},
		{"never starts on a tool result", 8, "q2,a2,q3,call:c2,result:c2,a3"},
		{"single long turn is kept whole", 2, "q3,call:c2,result:c2,a3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSlidingWindow(tt.max).Compact(context.Background(), history)
			if err != nil {
				t.Fatal(err)
			}
			if contents(got) != tt.want {
				t.Errorf("Compact() = %s, want %s", contents(got), tt.want)
			}
			if got[0].Kind() != llm.TurnUser {
				t.Errorf("history starts with %s", got[0].Kind())
			}
		})
	}
}

func TestSlidingWindowNoSafeCut(t *testing.T) {
	history := []llm.Message{user("q"), call("c1", "a"), result("c1", "1"), call("c2", "b"), result("c2", "2")}
	got, _ := NewSlidingWindow(2).Compact(context.Background(), history)
	if len(got) != len(history) {
		t.Errorf("history without a later user input was cut: %s", contents(got))
	}
	if NewSlidingWindow(0).maxMessages != DefaultMaxMessages {
		t.Error("zero window must use the default")
	}
}

func TestSummary(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "user asked for a search"})
	history := []llm.Message{
		user("q1"), call("c1", "search"), result("c1", "found it"), reply("a1"),
		user("q2"), reply("a2"),
	}
	got, err := NewSummary(4, client, "test-model").Compact(context.Background(), history)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Kind() != llm.TurnUser {
		t.Fatalf("Compact() = %s", contents(got))
	}
	if !strings.HasPrefix(got[0].Content, "[Summary of earlier conversation: user asked for a search]") ||
		!strings.HasSuffix(got[0].Content, "q2") {
		t.Errorf("summary message = %q", got[0].Content)
	}
	if history[4].Content != "q2" {
		t.Error("input history was mutated")
	}

	calls := client.Calls()
	if len(calls) != 1 || calls[0].Model != "test-model" {
		t.Fatalf("model calls = %+v", calls)
	}
	prompt := calls[0].Messages[0].Content
	for _, want := range []string{"user: q1", "assistant called search", "tool result: found it", "assistant: a1"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestSummaryBelowThresholdAndErrors(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Error: errors.New("model down")})
	s := NewSummary(10, client, "m")
	history := []llm.Message{user("q1"), reply("a1")}
	got, err := s.Compact(context.Background(), history)
	if err != nil || len(got) != 2 || len(client.Calls()) != 0 {
		t.Fatalf("below threshold: %v, %v", got, err)
	}

	long := make([]llm.Message, 0, 24)
	for i := range 12 {
		long = append(long, user(fmt.Sprint("q", i)), reply(fmt.Sprint("a", i)))
	}
	if _, err := s.Compact(context.Background(), long); err == nil || !strings.Contains(err.Error(), "model down") {
		t.Errorf("err = %v", err)
	}
}

func TestNew(t *testing.T) {
	client := llm.NewMockClient()
	tests := []struct {
		strategy Strategy
		client   llm.Client
		want     string
		wantErr  bool
	}{
		{"", nil, "memory.None", false},
		{StrategyNone, nil, "memory.None", false},
		{StrategySlidingWindow, nil, "*memory.SlidingWindow", false},
		{StrategySummary, client, "*memory.Summary", false},
		{StrategySummary, nil, "", true},
		{"forever", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			p, err := New(tt.strategy, 10, tt.client, "m")
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v", tt.strategy, err)
			}
			if err == nil && fmt.Sprintf("%T", p) != tt.want {
				t.Errorf("New(%q) = %T", tt.strategy, p)
			}
		})
	}
}
