package llm

import (
	"fmt"
	"sync"
)

// Budget meters the model calls of one conversation against an optional
// token limit. A limit of 0 is unlimited.
type Budget struct {
	mu    sync.Mutex
	limit int
	calls int
	used  TokenUsage
}

func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Record adds the usage reported for one model call.
func (b *Budget) Record(u TokenUsage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.used.InputTokens += u.InputTokens
	b.used.OutputTokens += u.OutputTokens
	b.used.CacheRead += u.CacheRead
	b.used.CacheWrite += u.CacheWrite
}

// Check fails once the limit is used up. A call that starts with tokens
// left may still overrun the limit; the next Check stops the one after it.
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used.Total() >= b.limit {
		return fmt.Errorf("token budget of %d used up after %d model calls (%d tokens)", b.limit, b.calls, b.used.Total())
	}
	return nil
}

func (b *Budget) Usage() TokenUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns the tokens left. ok is false for an unlimited budget.
func (b *Budget) Remaining() (left int, ok bool) {
	if b.limit <= 0 {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return max(b.limit-b.used.Total(), 0), true
}
