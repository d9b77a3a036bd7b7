package memory

import (
	"context"

	"github.com/szaher/mcpagent/internal/llm"
)

// SlidingWindow drops the oldest turns once a history exceeds maxMessages.
// It cuts only at user inputs, so the kept history may be longer than the
// window when a single turn is.
type SlidingWindow struct {
	maxMessages int
}

// NewSlidingWindow creates a sliding window policy.
func NewSlidingWindow(maxMessages int) *SlidingWindow {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &SlidingWindow{maxMessages: maxMessages}
}

// Compact drops whole turns from the front of msgs.
func (s *SlidingWindow) Compact(_ context.Context, msgs []llm.Message) ([]llm.Message, error) {
	if len(msgs) <= s.maxMessages {
		return msgs, nil
	}
	cut := cutPoint(msgs, len(msgs)-s.maxMessages)
	if cut == 0 {
		return msgs, nil
	}
	return append([]llm.Message(nil), msgs[cut:]...), nil
}
