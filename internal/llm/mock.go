package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockResponse configures a single scripted reply.
type MockResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
	Error      error
	// Delay holds the reply back; the call returns early if ctx ends.
	Delay time.Duration
}

// MockClient replays scripted responses in order. When the script is
// exhausted the last response repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a sequence of responses.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

func (m *MockClient) next(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, cloneRequest(req))
	if len(m.responses) == 0 {
		return MockResponse{}, fmt.Errorf("mock: no responses configured")
	}
	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}
	return m.responses[idx], nil
}

// Chat returns the next scripted response.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	calls := make([]ToolCall, len(resp.ToolCalls))
	copy(calls, resp.ToolCalls)
	stop := resp.StopReason
	if stop == "" {
		stop = StopEndTurn
		if len(calls) > 0 {
			stop = StopToolUse
		}
	}
	return &ChatResponse{
		Content:    resp.Content,
		ToolCalls:  calls,
		StopReason: stop,
		Usage:      resp.Usage,
	}, nil
}

// ChatStream emits the next scripted response as stream events.
func (m *MockClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, len(resp.ToolCalls)+2)
	if resp.Content != "" {
		ch <- StreamEvent{Type: "text", Text: resp.Content}
	}
	for i := range resp.ToolCalls {
		ch <- StreamEvent{Type: "tool_call_start", ToolCall: &resp.ToolCalls[i]}
	}
	ch <- StreamEvent{Type: "done", Response: resp}
	close(ch)
	return ch, nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Reset clears call history and rewinds the script.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}

func cloneRequest(req ChatRequest) ChatRequest {
	msgs := make([]Message, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = msg.Clone()
	}
	req.Messages = msgs
	req.Tools = append([]ToolDefinition(nil), req.Tools...)
	return req
}
