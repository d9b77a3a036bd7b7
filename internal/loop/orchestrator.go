package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/mcp"
	"github.com/szaher/mcpagent/internal/memory"
	"github.com/szaher/mcpagent/internal/telemetry"
	"github.com/szaher/mcpagent/internal/tools"
)

// Orchestrator drives conversations: it calls the model with the current
// tool snapshot, dispatches requested tool calls and feeds the results back
// until the model answers without tools.
type Orchestrator struct {
	client  llm.Client
	tools   ToolSet
	router  Dispatcher
	events  EventSource
	policy  memory.Policy
	metrics *telemetry.Metrics
	logger  *slog.Logger
	cfg     Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the model parameters.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithEvents reports connection degradation on each Response.
func WithEvents(src EventSource) Option {
	return func(o *Orchestrator) { o.events = src }
}

// WithPolicy sets the history policy applied between turns.
func WithPolicy(p memory.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMetrics records model turns and conversation outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger conversations derive theirs from.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(client llm.Client, toolset ToolSet, router Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client: client,
		tools:  toolset,
		router: router,
		policy: memory.None{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxTurns <= 0 {
		o.cfg.MaxTurns = DefaultMaxTurns
	}
	if o.cfg.MaxTokens <= 0 {
		o.cfg.MaxTokens = 4096
	}
	return o
}

// Conversation is one exchange started by a user input. It runs at most
// once and ends Done or Failed.
type Conversation struct {
	ID string

	o       *Orchestrator
	history *History
	budget  *llm.Budget
	state   State
	turns   int

	mu       sync.Mutex
	degraded []DegradedEvent
}

// NewConversation starts an idle conversation seeded with a copy of seed,
// typically the history of a previous conversation.
func (o *Orchestrator) NewConversation(seed []llm.Message) (*Conversation, error) {
	h, err := NewHistory(seed)
	if err != nil {
		return nil, err
	}
	return &Conversation{
		ID:      telemetry.NewID(),
		o:       o,
		history: h,
		budget:  llm.NewBudget(o.cfg.TokenBudget),
	}, nil
}

// State returns the current state.
func (c *Conversation) State() State { return c.state }

// History returns a copy of the messages so far.
func (c *Conversation) History() []llm.Message { return c.history.Messages() }

// Run processes input to completion. A Failed conversation returns its
// Response together with a *failure.Error of the terminating kind.
func (c *Conversation) Run(ctx context.Context, input string, onEvent StreamCallback) (*Response, error) {
	if c.state != StateIdle {
		return nil, fmt.Errorf("conversation %s is %s", c.ID, c.state)
	}
	if telemetry.CorrelationID(ctx) == "" {
		ctx = telemetry.WithCorrelationID(ctx, "")
	}
	log := telemetry.ConversationLogger(ctx, c.o.logger, c.ID)
	start := time.Now()

	if c.o.events != nil {
		unsubscribe := c.o.events.Subscribe(c.observe)
		defer unsubscribe()
	}

	resp := &Response{ConversationID: c.ID}
	err := c.run(ctx, log, input, resp, onEvent)

	resp.State = c.state
	resp.Turns = c.turns
	resp.Tokens = c.budget.Usage()
	if left, ok := c.budget.Remaining(); ok {
		resp.BudgetRemaining = &left
	}
	resp.Duration = time.Since(start)
	resp.Degraded = append(resp.Degraded, c.drainDegraded(log)...)
	c.o.metrics.RecordConversation(c.state.String())

	if err != nil {
		resp.FailureKind = failure.KindOf(err)
		resp.Error = err.Error()
		log.Warn("conversation failed", "kind", resp.FailureKind, "turns", resp.Turns, "error", err)
		return resp, err
	}
	log.Info("conversation done", "turns", resp.Turns, "tool_calls", len(resp.ToolCalls), "tokens", resp.Tokens.Total())
	return resp, nil
}

func (c *Conversation) run(ctx context.Context, log *slog.Logger, input string, resp *Response, onEvent StreamCallback) error {
	if err := c.history.AppendUser(input); err != nil {
		return c.fail(failure.Wrap(failure.KindProtocol, "append input", err))
	}
	c.state = StateAwaitingModel

	for {
		if err := ctx.Err(); err != nil {
			return c.fail(failure.Wrap(failure.KindCanceled, "conversation", err))
		}
		c.compact(ctx, log)
		if err := c.budget.Check(); err != nil {
			return c.fail(failure.Wrap(failure.KindTokenBudgetExceeded, "model call", err))
		}

		c.turns++
		reply, err := c.callModel(ctx, onEvent)
		if err != nil {
			if ctx.Err() != nil {
				return c.fail(failure.Wrap(failure.KindCanceled, "model call", ctx.Err()))
			}
			return c.fail(failure.Wrap(failure.KindModel, "model call", err))
		}
		c.budget.Record(reply.Usage)
		c.o.metrics.RecordModelTurn(reply.Usage.InputTokens, reply.Usage.OutputTokens)
		resp.Degraded = append(resp.Degraded, c.drainDegraded(log)...)
		log.Debug("model replied", "turn", c.turns, "tool_calls", len(reply.ToolCalls), "stop", reply.StopReason)

		if len(reply.ToolCalls) == 0 {
			if err := c.history.AppendAssistant(reply.Content); err != nil {
				return c.fail(failure.Wrap(failure.KindProtocol, "append reply", err))
			}
			resp.Output = reply.Content
			c.state = StateDone
			return nil
		}
		if c.turns >= c.o.cfg.MaxTurns {
			return c.fail(failure.New(failure.KindTurnLimitExceeded, "conversation",
				fmt.Sprintf("model still requested tools after %d turns", c.turns)))
		}

		calls, reqs := c.requests(reply.ToolCalls)
		if err := c.history.AppendToolCalls(reply.Content, calls); err != nil {
			return c.fail(failure.Wrap(failure.KindProtocol, "append tool calls", err))
		}
		c.state = StateExecutingTools

		results, err := c.execute(ctx, reqs)
		if err != nil {
			c.abandon(reqs)
			return c.fail(failure.Wrap(failure.KindCanceled, "tool calls", err))
		}
		if err := c.appendResults(reqs, results, resp, onEvent); err != nil {
			return c.fail(err)
		}
		c.state = StateAwaitingModel
	}
}

func (c *Conversation) fail(err error) error {
	c.state = StateFailed
	return err
}

// compact applies the history policy. A failing policy leaves the history
// as it is.
func (c *Conversation) compact(ctx context.Context, log *slog.Logger) {
	before := c.history.Len()
	msgs, err := c.o.policy.Compact(ctx, c.history.Messages())
	if err == nil && len(msgs) != before {
		err = c.history.replace(msgs)
	}
	if err != nil {
		log.Warn("history compaction failed", "error", err)
		return
	}
	if n := c.history.Len(); n != before {
		log.Debug("history compacted", "before", before, "after", n)
	}
}

func (c *Conversation) callModel(ctx context.Context, onEvent StreamCallback) (*llm.ChatResponse, error) {
	req := llm.ChatRequest{
		Model:       c.o.cfg.Model,
		System:      c.o.cfg.System,
		Messages:    c.history.Messages(),
		Tools:       c.o.tools.Definitions(),
		MaxTokens:   c.o.cfg.MaxTokens,
		Temperature: c.o.cfg.Temperature,
	}
	if onEvent == nil {
		return c.o.client.Chat(ctx, req)
	}

	events, err := c.o.client.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var reply *llm.ChatResponse
	for ev := range events {
		switch ev.Type {
		case "error":
			err = ev.Error
		case "done":
			reply = ev.Response
		}
		onEvent(ev)
	}
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, errors.New("stream ended without a response")
	}
	return reply, nil
}

// requests assigns correlation ids to the calls of one reply. Calls without
// a provider id get a generated one so their results can be matched.
func (c *Conversation) requests(calls []llm.ToolCall) ([]llm.ToolCall, []tools.Request) {
	out := make([]llm.ToolCall, len(calls))
	reqs := make([]tools.Request, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, tc := range calls {
		if tc.ID == "" || seen[tc.ID] {
			tc.ID = "call_" + telemetry.NewID()
		}
		seen[tc.ID] = true
		out[i] = tc
		reqs[i] = tools.Request{
			ID:         telemetry.NewID(),
			Name:       tc.Name,
			Arguments:  tc.Input,
			ProviderID: tc.ID,
			ParseError: tc.ParseError,
		}
	}
	return out, reqs
}

// execute runs the calls and waits for all of them, or returns early when
// ctx ends. Results that arrive after that are dropped.
func (c *Conversation) execute(ctx context.Context, reqs []tools.Request) ([]tools.Result, error) {
	done := make(chan []tools.Result, 1)
	go func() { done <- c.o.router.RouteAll(ctx, reqs) }()
	select {
	case results := <-done:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// appendResults appends one message per result in the order the model
// listed the calls.
func (c *Conversation) appendResults(reqs []tools.Request, results []tools.Result, resp *Response, onEvent StreamCallback) error {
	byID := make(map[string]tools.Result, len(results))
	for _, r := range results {
		byID[r.CallID] = r
	}
	for _, req := range reqs {
		r, ok := byID[req.ID]
		if !ok {
			r = tools.Result{CallID: req.ID, Kind: failure.KindProtocol, Message: "no result returned"}
		}
		tr := llm.ToolResult{ToolUseID: req.ProviderID, Content: r.Text(), IsError: !r.OK()}
		if err := c.history.AppendResult(tr); err != nil {
			return failure.Wrap(failure.KindProtocol, "append tool result", err)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCallRecord{
			ID:         req.ID,
			ProviderID: req.ProviderID,
			Tool:       req.Name,
			Server:     r.Server,
			Input:      req.Arguments,
			Output:     tr.Content,
			Kind:       r.Kind,
			Duration:   r.Duration,
		})
		if onEvent != nil {
			onEvent(llm.StreamEvent{
				Type:     "tool_call_end",
				Text:     tr.Content,
				ToolCall: &llm.ToolCall{ID: req.ProviderID, Name: req.Name, Input: req.Arguments},
			})
		}
	}
	return nil
}

// abandon answers outstanding calls with Canceled so the history stays
// well formed for a follow-up conversation.
func (c *Conversation) abandon(reqs []tools.Request) {
	for _, req := range reqs {
		_ = c.history.AppendResult(llm.ToolResult{
			ToolUseID: req.ProviderID,
			Content:   string(failure.KindCanceled) + ": call abandoned",
			IsError:   true,
		})
	}
}

func (c *Conversation) observe(ch mcp.StateChange) {
	if ch.From != mcp.StateReady || ch.To == mcp.StateReady {
		return
	}
	ev := DegradedEvent{Server: ch.Server(), State: ch.To.String(), At: time.Now()}
	if ch.Err != nil {
		ev.Error = ch.Err.Error()
	}
	c.mu.Lock()
	c.degraded = append(c.degraded, ev)
	c.mu.Unlock()
}

func (c *Conversation) drainDegraded(log *slog.Logger) []DegradedEvent {
	c.mu.Lock()
	evs := c.degraded
	c.degraded = nil
	c.mu.Unlock()
	for _, ev := range evs {
		log.Warn("server degraded", "server", ev.Server, "state", ev.State, "error", ev.Error)
	}
	return evs
}
