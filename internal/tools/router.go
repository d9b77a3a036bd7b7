package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/mcp"
	"github.com/szaher/mcpagent/internal/telemetry"
)

// Defaults for a Router.
const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultReconnectWait  = 10 * time.Second
	DefaultMaxConcurrency = 8
)

// Reconnector re-establishes a server connection. *mcp.Manager implements it.
type Reconnector interface {
	Reconnect(ctx context.Context, server string) (*mcp.Connection, error)
}

// Refresher re-lists a connection's tools into the registry. *Discovery
// implements it.
type Refresher interface {
	Refresh(ctx context.Context, conn *mcp.Connection) error
}

// Router dispatches tool calls to the connection owning each tool.
type Router struct {
	registry    *Registry
	reconnector Reconnector
	refresher   Refresher
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	callTimeout    time.Duration
	reconnectWait  time.Duration
	maxConcurrency int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRecovery enables one reconnect-and-retry when a call finds its
// connection lost.
func WithRecovery(rc Reconnector, rf Refresher) RouterOption {
	return func(r *Router) {
		r.reconnector = rc
		r.refresher = rf
	}
}

// WithCallTimeout bounds each tool call.
func WithCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.callTimeout = d }
}

// WithReconnectWait bounds the reconnect attempt made during recovery.
func WithReconnectWait(d time.Duration) RouterOption {
	return func(r *Router) { r.reconnectWait = d }
}

// WithMaxConcurrency limits the calls RouteAll runs at once.
func WithMaxConcurrency(n int) RouterOption {
	return func(r *Router) { r.maxConcurrency = n }
}

// WithMetrics records per-call metrics.
func WithMetrics(m *telemetry.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithRouterLogger sets the router logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry:       registry,
		logger:         slog.Default(),
		callTimeout:    DefaultCallTimeout,
		reconnectWait:  DefaultReconnectWait,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route executes one request. Failures are reported in the Result, never as
// an error.
func (r *Router) Route(ctx context.Context, req Request) Result {
	start := time.Now()
	res := r.route(ctx, req)
	res.CallID = req.ID
	res.Duration = time.Since(start)

	outcome := "ok"
	if !res.OK() {
		outcome = string(res.Kind)
	}
	r.metrics.RecordToolCall(res.Server, req.Name, outcome, res.Duration)

	log := r.logger.With(
		"call_id", req.ID,
		"tool", req.Name,
		"server", res.Server,
		"duration_ms", res.Duration.Milliseconds(),
	)
	if id := telemetry.CorrelationID(ctx); id != "" {
		log = log.With("correlation_id", id)
	}
	if res.OK() {
		log.Debug("tool call completed")
	} else {
		log.Warn("tool call failed", "kind", res.Kind, "message", res.Message)
	}
	return res
}

func (r *Router) route(ctx context.Context, req Request) Result {
	if req.ParseError != "" {
		return failed(req, failure.KindProtocol, "could not parse arguments: "+req.ParseError)
	}
	d, err := r.registry.Resolve(req.Name)
	if err != nil {
		return failed(req, failure.KindUnknownTool, failure.Message(err))
	}
	if err := d.Schema.Validate(req.Arguments); err != nil {
		res := failed(req, failure.KindProtocol, err.Error())
		res.Server = d.Server
		return res
	}

	res, err := r.call(ctx, d, req)
	if failure.KindOf(err) != failure.KindConnectionLost {
		return res
	}

	d, err = r.recover(ctx, d, req.Name)
	if err != nil {
		res = failed(req, failure.KindToolUnavailable, fmt.Sprintf("server %q is unavailable: %s", d.Server, failure.Message(err)))
		res.Server = d.Server
		return res
	}
	res, err = r.call(ctx, d, req)
	if failure.KindOf(err) == failure.KindConnectionLost {
		res.Kind = failure.KindToolUnavailable
		res.Message = fmt.Sprintf("server %q is unavailable: %s", d.Server, failure.Message(err))
	}
	return res
}

// call runs one attempt and returns the result plus the classified error
// behind a failed result.
func (r *Router) call(ctx context.Context, d *Descriptor, req Request) (Result, error) {
	out, err := d.Conn.Call(ctx, d.RemoteName, req.Arguments, r.callTimeout)
	if err != nil {
		kind := failure.KindOf(err)
		if kind == "" {
			kind = failure.KindProtocol
		}
		res := failed(req, kind, failure.Message(err))
		res.Server = d.Server
		return res, err
	}
	res := Result{CallID: req.ID, Server: d.Server, Content: out.Text, Structured: out.Structured}
	if out.IsError {
		res.Kind = failure.KindRemoteTool
		res.Message = out.Text
		res.Content = ""
	}
	return res, nil
}

// recover reconnects the descriptor's server once, refreshes its tools and
// resolves the tool again. On failure the given descriptor is returned
// with the error.
func (r *Router) recover(ctx context.Context, d *Descriptor, name string) (*Descriptor, error) {
	if r.reconnector == nil {
		return d, failure.New(failure.KindConnectionLost, "recover", "reconnect disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, r.reconnectWait)
	defer cancel()

	conn, err := r.reconnector.Reconnect(ctx, d.Server)
	if err != nil {
		r.metrics.RecordReconnect(d.Server, "error")
		return d, err
	}
	r.metrics.RecordReconnect(d.Server, "ok")

	if r.refresher != nil {
		if err := r.refresher.Refresh(ctx, conn); err != nil {
			r.logger.Warn("tool refresh after reconnect reported errors", "server", d.Server, "error", err)
		}
	}
	nd, err := r.registry.Resolve(name)
	if err != nil {
		return d, err
	}
	return nd, nil
}

// RouteAll executes requests concurrently and returns their results in
// request order.
func (r *Router) RouteAll(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var g errgroup.Group
	if r.maxConcurrency > 0 {
		g.SetLimit(r.maxConcurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = r.Route(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
