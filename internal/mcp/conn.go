package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/mcpagent/internal/failure"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange describes one transition of a connection.
type StateChange struct {
	Conn *Connection
	From State
	To   State
	Err  error
}

// Server is the name of the connection's server.
func (c StateChange) Server() string { return c.Conn.Name() }

// Observer is notified of state transitions. Observers run synchronously
// while the transition is in progress and must not call back into the
// connection's Connect, Disconnect or Call.
type Observer func(StateChange)

// RemoteTool is a tool as listed by a server.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

const maxListPages = 100

// Connection is a live session to one tool server.
type Connection struct {
	endpoint Endpoint
	dialer   Dialer
	client   *mcpsdk.Client
	logger   *slog.Logger
	observe  Observer

	// transMu serializes transitions and observer notification.
	transMu sync.Mutex

	mu      sync.RWMutex
	state   State
	session *mcpsdk.ClientSession
	lastErr error
	tools   []string
}

// ConnOption configures a Connection.
type ConnOption func(*Connection)

// WithDialer sets the transport dialer.
func WithDialer(d Dialer) ConnOption {
	return func(c *Connection) { c.dialer = d }
}

// WithConnLogger sets the connection logger.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Connection) { c.logger = l }
}

// WithObserver registers a state-change observer.
func WithObserver(o Observer) ConnOption {
	return func(c *Connection) { c.observe = o }
}

// WithClient sets the SDK client used for the handshake.
func WithClient(client *mcpsdk.Client) ConnOption {
	return func(c *Connection) { c.client = client }
}

// NewConnection creates a disconnected connection for ep.
func NewConnection(ep Endpoint, opts ...ConnOption) *Connection {
	c := &Connection{
		endpoint: ep,
		dialer:   &TransportDialer{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = newSDKClient("mcpagent", "dev")
	}
	c.logger = c.logger.With("server", ep.Name)
	return c
}

func newSDKClient(name, version string) *mcpsdk.Client {
	return mcpsdk.NewClient(&mcpsdk.Implementation{Name: name, Version: version}, nil)
}

// Name returns the server name.
func (c *Connection) Name() string { return c.endpoint.Name }

// Endpoint returns the endpoint the connection dials.
func (c *Connection) Endpoint() Endpoint { return c.endpoint }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error behind the last transition to failed.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Tools returns the tool names from the last successful listing.
func (c *Connection) Tools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.tools...)
}

// Connect dials the transport and performs the initialize handshake. It is a
// no-op on a ready connection.
func (c *Connection) Connect(ctx context.Context) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if c.State() == StateReady {
		return nil
	}
	c.transition(StateConnecting, nil)

	timeout := c.endpoint.connectTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	transport, err := c.dialer.Dial(ctx, c.endpoint)
	if err != nil {
		ferr := &failure.Error{Kind: failure.KindConnection, Op: "connect", Server: c.Name(), Err: err}
		c.transition(StateFailed, ferr)
		return ferr
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		ferr := classifyConnectError(ctx, c.Name(), timeout, err)
		c.transition(StateFailed, ferr)
		return ferr
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.transition(StateReady, nil)
	c.logger.Info("mcp server connected", "transport", c.endpoint.Transport, "duration_ms", time.Since(start).Milliseconds())

	go c.watch(session)
	return nil
}

// ListTools lists every tool the server exposes, following pagination.
func (c *Connection) ListTools(ctx context.Context) ([]RemoteTool, error) {
	s, err := c.readySession("list tools")
	if err != nil {
		return nil, err
	}

	var (
		out    []RemoteTool
		names  []string
		seen   = map[string]bool{}
		cursor string
	)
	for page := 0; ; page++ {
		if page == maxListPages {
			return nil, c.protocolError("list tools", fmt.Sprintf("more than %d pages", maxListPages))
		}
		res, err := s.ListTools(ctx, &mcpsdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, c.callError(ctx, nil, s, "list tools", "", err)
		}
		for _, t := range res.Tools {
			if t == nil || t.Name == "" {
				return nil, c.protocolError("list tools", "tool with empty name")
			}
			if seen[t.Name] {
				return nil, c.protocolError("list tools", fmt.Sprintf("tool %q listed twice", t.Name))
			}
			schema, err := normalizeSchema(t.InputSchema)
			if err != nil {
				return nil, c.protocolError("list tools", fmt.Sprintf("tool %q: %v", t.Name, err))
			}
			seen[t.Name] = true
			names = append(names, t.Name)
			out = append(out, RemoteTool{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	c.mu.Lock()
	c.tools = names
	c.mu.Unlock()
	return out, nil
}

// Call invokes a tool. A zero timeout means only ctx bounds the call.
//
// A tool that runs and reports failure is not an error: the returned result
// has IsError set. Errors are classified as TimeoutError, ConnectionLostError
// (the connection moves to failed), Canceled or ProtocolError.
func (c *Connection) Call(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallResult, error) {
	s, err := c.readySession("call")
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := s.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, c.callError(ctx, parent, s, "call", name, err)
	}
	return newCallResult(res), nil
}

// Ping checks liveness of the session.
func (c *Connection) Ping(ctx context.Context) error {
	s, err := c.readySession("ping")
	if err != nil {
		return err
	}
	if err := s.Ping(ctx, nil); err != nil {
		return c.callError(ctx, nil, s, "ping", "", err)
	}
	return nil
}

// Disconnect closes the session. Calling it on a disconnected connection is
// a no-op.
func (c *Connection) Disconnect() error {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if c.State() == StateDisconnected {
		return nil
	}
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	c.transition(StateDisconnected, nil)
	if s != nil {
		if err := s.Close(); err != nil {
			c.logger.Debug("mcp session close", "error", err)
		}
	}
	return nil
}

// transition must be called with transMu held.
func (c *Connection) transition(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.lastErr = err
	if to != StateReady {
		c.tools = nil
	}
	c.mu.Unlock()

	if from == to {
		return
	}
	if to == StateFailed {
		c.logger.Warn("mcp connection failed", "from", from.String(), "error", err)
	} else {
		c.logger.Debug("mcp connection state", "from", from.String(), "to", to.String())
	}
	if c.observe != nil {
		c.observe(StateChange{Conn: c, From: from, To: to, Err: err})
	}
}

func (c *Connection) readySession(op string) (*mcpsdk.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady || c.session == nil {
		return nil, &failure.Error{
			Kind:   failure.KindConnectionLost,
			Op:     op,
			Server: c.Name(),
			Msg:    "connection is " + c.state.String(),
			Err:    c.lastErr,
		}
	}
	return c.session, nil
}

// watch moves the connection to failed when the session ends without a
// Disconnect.
func (c *Connection) watch(s *mcpsdk.ClientSession) {
	err := s.Wait()
	if err == nil {
		err = io.EOF
	}
	c.lost(s, err)
}

// lost fails the connection if s is still its live session.
func (c *Connection) lost(s *mcpsdk.ClientSession, cause error) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.mu.Lock()
	current := c.session == s && c.state == StateReady
	if current {
		c.session = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	c.transition(StateFailed, &failure.Error{
		Kind:   failure.KindConnectionLost,
		Op:     "session",
		Server: c.Name(),
		Msg:    "transport closed",
		Err:    cause,
	})
	_ = s.Close()
}

func (c *Connection) callError(ctx, parent context.Context, s *mcpsdk.ClientSession, op, tool string, err error) error {
	ferr := &failure.Error{Op: op, Server: c.Name(), Tool: tool, Err: err}
	switch {
	case parent != nil && parent.Err() != nil:
		ferr.Kind = failure.KindCanceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		ferr.Kind = failure.KindTimeout
		ferr.Msg = "deadline exceeded"
	case ctx.Err() != nil:
		ferr.Kind = failure.KindCanceled
	case isConnectionLoss(err):
		ferr.Kind = failure.KindConnectionLost
		c.lost(s, err)
	default:
		ferr.Kind = failure.KindProtocol
	}
	return ferr
}

func (c *Connection) protocolError(op, msg string) error {
	return &failure.Error{Kind: failure.KindProtocol, Op: op, Server: c.Name(), Msg: msg}
}

// classifyConnectError splits transport failures from handshake failures.
// Transport problems (dial, closed pipes, refused connections) are
// ConnectionError; a server that answered but rejected or garbled the
// initialize exchange is HandshakeError.
func classifyConnectError(ctx context.Context, server string, timeout time.Duration, err error) *failure.Error {
	ferr := &failure.Error{Kind: failure.KindConnection, Op: "connect", Server: server, Err: err}
	if ctx.Err() != nil {
		ferr.Msg = fmt.Sprintf("initialize did not complete within %s", timeout)
		return ferr
	}
	if isConnectionLoss(err) {
		return ferr
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ferr
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"protocol version", "unsupported", "initialize", "invalid", "unmarshal"} {
		if strings.Contains(msg, marker) {
			ferr.Kind = failure.KindHandshake
			return ferr
		}
	}
	return ferr
}

func isConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection closed", "client is closing", "broken pipe", "connection reset", "session not found"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// normalizeSchema converts a listed input schema into a JSON object map.
func normalizeSchema(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{"type": "object"}, nil
	}
	schema, ok := v.(map[string]any)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("input schema: %w", err)
		}
		if err := json.Unmarshal(b, &schema); err != nil {
			return nil, fmt.Errorf("input schema is not an object: %w", err)
		}
		if schema == nil {
			return map[string]any{"type": "object"}, nil
		}
	}
	if t, ok := schema["type"]; ok && t != "object" {
		return nil, fmt.Errorf("input schema type must be object, got %v", t)
	}
	return schema, nil
}
