package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/loop"
	"github.com/szaher/mcpagent/internal/mcp"
	"github.com/szaher/mcpagent/internal/memory"
	"github.com/szaher/mcpagent/internal/secrets"
	"github.com/szaher/mcpagent/internal/telemetry"
	"github.com/szaher/mcpagent/internal/tools"
)

// Version is reported to tool servers during initialize.
var Version = "0.1.0"

// Runtime owns one connection manager, tool registry, router and
// orchestrator. Runtimes share no state.
type Runtime struct {
	logger   *slog.Logger
	resolver secrets.Resolver
	record   func(string)
	client   llm.Client
	model    string
	metrics  *telemetry.Metrics

	manager   *mcp.Manager
	registry  *tools.Registry
	discovery *tools.Discovery
	router    *tools.Router
	unwatch   []func()

	mu     sync.RWMutex
	cfg    *Config
	orch   *loop.Orchestrator
	closed bool
}

// Options configures a Runtime. Zero values select the production defaults.
type Options struct {
	Logger    *slog.Logger
	LLMClient llm.Client
	Dialer    mcp.Dialer
	Resolver  secrets.Resolver
	// RecordSecret receives every resolved secret value, typically
	// RedactFilter.AddSecret.
	RecordSecret func(string)
	Metrics      *telemetry.Metrics
}

// ServerStatus describes one configured server.
type ServerStatus struct {
	Name  string   `json:"name"`
	State string   `json:"state"`
	Tools []string `json:"tools,omitempty"`
	Error string   `json:"error,omitempty"`
}

// New assembles a runtime. No connections are made until Start.
func New(cfg *Config, opts Options) (*Runtime, error) {
	rt := &Runtime{
		logger:   opts.Logger,
		resolver: opts.Resolver,
		record:   opts.RecordSecret,
		client:   opts.LLMClient,
		metrics:  opts.Metrics,
		model:    cfg.Model,
		cfg:      cfg,
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	if rt.resolver == nil {
		rt.resolver = secrets.NewEnvResolver()
	}
	if rt.metrics == nil {
		rt.metrics = telemetry.NewMetrics()
	}

	if rt.client == nil {
		apiKey := cfg.APIKey
		if secrets.IsRef(apiKey) {
			v, err := rt.resolver.Resolve(context.Background(), apiKey)
			if err != nil {
				return nil, fmt.Errorf("api_key: %w", err)
			}
			rt.recordSecret(v)
			apiKey = v
		}
		rt.client, rt.model = llm.NewClientForModel(cfg.Model, llm.ProviderOptions{APIKey: apiKey, BaseURL: cfg.BaseURL})
	}

	policy, err := tools.ParseCollisionPolicy(cfg.Tools.Collision)
	if err != nil {
		return nil, err
	}
	regOpts := []tools.RegistryOption{tools.WithCollisionPolicy(policy), tools.WithRegistryLogger(rt.logger)}
	if cfg.Tools.Filter != "" {
		filter, err := tools.CompileFilter(cfg.Tools.Filter)
		if err != nil {
			return nil, err
		}
		regOpts = append(regOpts, tools.WithFilter(filter))
	}

	mgrOpts := []mcp.Option{
		mcp.WithLogger(rt.logger),
		mcp.WithReconnectPolicy(cfg.ReconnectPolicy()),
		mcp.WithClientInfo("mcpagent", Version),
	}
	if opts.Dialer != nil {
		mgrOpts = append(mgrOpts, mcp.WithManagerDialer(opts.Dialer))
	}
	rt.manager = mcp.NewManager(mgrOpts...)
	rt.registry = tools.NewRegistry(regOpts...)
	rt.discovery = tools.NewDiscovery(rt.manager, rt.registry, rt.logger)
	rt.router = tools.NewRouter(rt.registry,
		tools.WithRecovery(rt.manager, rt.discovery),
		tools.WithCallTimeout(time.Duration(cfg.CallTimeout)),
		tools.WithReconnectWait(time.Duration(cfg.Reconnect.Wait)),
		tools.WithMaxConcurrency(cfg.MaxConcurrency),
		tools.WithMetrics(rt.metrics),
		tools.WithRouterLogger(rt.logger),
	)
	rt.unwatch = append(rt.unwatch,
		rt.registry.Watch(rt.manager),
		rt.manager.Subscribe(func(ch mcp.StateChange) {
			rt.metrics.SetConnectionState(ch.Server(), ch.To.String())
		}),
	)

	orch, err := rt.newOrchestrator(cfg)
	if err != nil {
		return nil, err
	}
	rt.orch = orch
	return rt, nil
}

func (rt *Runtime) newOrchestrator(cfg *Config) (*loop.Orchestrator, error) {
	policy, err := memory.New(memory.Strategy(cfg.History.Strategy), cfg.History.MaxMessages, rt.client, rt.model)
	if err != nil {
		return nil, err
	}
	lc := cfg.Loop()
	lc.Model = rt.model
	return loop.New(rt.client, rt.registry, rt.router,
		loop.WithConfig(lc),
		loop.WithEvents(rt.manager),
		loop.WithPolicy(policy),
		loop.WithMetrics(rt.metrics),
		loop.WithLogger(rt.logger),
	), nil
}

func (rt *Runtime) recordSecret(v string) {
	if rt.record != nil {
		rt.record(v)
	}
}

// Start connects to every configured server and discovers their tools.
// Servers that fail to connect, and tools that collide, are reported per
// server; the runtime stays usable with the rest.
func (rt *Runtime) Start(ctx context.Context) (map[string]error, error) {
	rt.mu.RLock()
	cfg := rt.cfg
	rt.mu.RUnlock()

	eps, err := cfg.Endpoints(ctx, rt.resolver, rt.record)
	if err != nil {
		return nil, err
	}
	errs := rt.manager.ConnectAll(ctx, eps)
	for name, err := range rt.discovery.Discover(ctx) {
		errs[name] = errors.Join(errs[name], err)
	}
	for name, err := range errs {
		rt.logger.Warn("server degraded at startup", "server", name, "error", err)
	}
	rt.logger.Info("runtime started", "servers", len(eps), "failed", len(errs), "tools", rt.registry.Len())
	return errs, nil
}

// NewConversation starts a conversation seeded with seed.
func (rt *Runtime) NewConversation(seed []llm.Message) (*loop.Conversation, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		return nil, errors.New("runtime is closed")
	}
	return rt.orch.NewConversation(seed)
}

// Ask runs input as a new conversation on top of seed.
func (rt *Runtime) Ask(ctx context.Context, seed []llm.Message, input string, onEvent loop.StreamCallback) (*loop.Conversation, *loop.Response, error) {
	c, err := rt.NewConversation(seed)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.Run(ctx, input, onEvent)
	return c, resp, err
}

// Tools returns the tools currently offered to the model.
func (rt *Runtime) Tools() []*tools.Descriptor { return rt.registry.Snapshot() }

// Servers reports the state of every configured server.
func (rt *Runtime) Servers() []ServerStatus {
	conns := rt.manager.Connections()
	out := make([]ServerStatus, 0, len(conns))
	for _, c := range conns {
		st := ServerStatus{Name: c.Name(), State: c.State().String(), Tools: c.Tools()}
		if err := c.Err(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Ping checks every server concurrently.
func (rt *Runtime) Ping(ctx context.Context) map[string]error { return rt.manager.Ping(ctx) }

// CallTool invokes tool on server directly, bypassing the model. Arguments
// are validated and the call is routed like a model-requested one. A server
// that is unknown or not ready yields a ConnectionError.
func (rt *Runtime) CallTool(ctx context.Context, server, tool string, args map[string]any) tools.Result {
	if telemetry.CorrelationID(ctx) == "" {
		ctx = telemetry.WithCorrelationID(ctx, "")
	}
	req := tools.Request{ID: telemetry.NewID(), Name: tool, Arguments: args}
	conn, err := rt.manager.Get(server)
	if err != nil {
		return tools.Result{CallID: req.ID, Server: server, Kind: failure.KindConnection, Message: failure.Message(err)}
	}
	if st := conn.State(); st != mcp.StateReady {
		msg := fmt.Sprintf("server %q is %s", server, st)
		if cerr := conn.Err(); cerr != nil {
			msg += ": " + failure.Message(cerr)
		}
		return tools.Result{CallID: req.ID, Server: server, Kind: failure.KindConnection, Message: msg}
	}
	for _, d := range rt.registry.Snapshot() {
		if d.Server == server && d.RemoteName == tool {
			req.Name = d.Name
			return rt.router.Route(ctx, req)
		}
	}
	return tools.Result{
		CallID:  req.ID,
		Server:  server,
		Kind:    failure.KindUnknownTool,
		Message: fmt.Sprintf("server %q offers no tool named %q", server, tool),
	}
}

// Reload applies a new configuration: servers are added, replaced or
// removed, tools are rediscovered and later conversations use the new model
// settings. Existing conversations keep their settings.
func (rt *Runtime) Reload(ctx context.Context, cfg *Config) (map[string]error, error) {
	eps, err := cfg.Endpoints(ctx, rt.resolver, rt.record)
	if err != nil {
		return nil, err
	}
	rt.mu.RLock()
	old := rt.cfg
	rt.mu.RUnlock()
	if cfg.Model != old.Model || cfg.Tools != old.Tools {
		rt.logger.Warn("model and tool policy changes take effect after restart")
		cfg.Model = old.Model
		cfg.Tools = old.Tools
	}
	orch, err := rt.newOrchestrator(cfg)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(eps))
	for _, ep := range eps {
		keep[ep.Name] = true
	}
	var removed []string
	for _, c := range rt.manager.Connections() {
		if !keep[c.Name()] {
			removed = append(removed, c.Name())
		}
	}

	errs := rt.manager.Reconcile(ctx, eps)
	for _, name := range removed {
		rt.metrics.ForgetConnection(name)
	}
	for name, err := range rt.discovery.Discover(ctx) {
		errs[name] = errors.Join(errs[name], err)
	}

	rt.mu.Lock()
	rt.cfg = cfg
	rt.orch = orch
	rt.mu.Unlock()
	rt.logger.Info("runtime reloaded", "servers", len(eps), "failed", len(errs), "tools", rt.registry.Len())
	return errs, nil
}

// Metrics returns the runtime's metrics.
func (rt *Runtime) Metrics() *telemetry.Metrics { return rt.metrics }

// Config returns the active configuration.
func (rt *Runtime) Config() *Config {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.cfg
}

// Close disconnects every server.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	err := rt.manager.Close()
	for _, f := range rt.unwatch {
		f()
	}
	return err
}
