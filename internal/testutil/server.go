package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/mcpagent/internal/mcp"
)

// Server is an in-process MCP tool server reached over in-memory transports.
type Server struct {
	name   string
	server *mcpsdk.Server

	mu       sync.Mutex
	down     bool
	sessions []*mcpsdk.ServerSession
	conns    []mcpsdk.Connection
	calls    []string
}

// NewServer creates a server with no tools.
func NewServer(name string) *Server {
	return &Server{
		name:   name,
		server: mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: "test"}, nil),
	}
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// MCP returns the underlying SDK server for registering custom tools.
func (s *Server) MCP() *mcpsdk.Server { return s.server }

// Endpoint returns an endpoint that a Dialer routes to this server.
func (s *Server) Endpoint() mcp.Endpoint {
	return mcp.Endpoint{
		Name:      s.name,
		Transport: mcp.TransportStreamableHTTP,
		URL:       "http://" + s.name + ".test/mcp",
	}
}

// SetDown makes subsequent dials fail (down) or succeed again.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Drop closes every live session from the server side, as if the transport
// broke.
func (s *Server) Drop() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	for _, ss := range sessions {
		_ = ss.Close()
	}
}

// Crash closes every live connection at the client's end of the transport,
// as if the server process died. Unlike Drop it does not wait for running
// tool handlers, so calls in flight fail at once.
func (s *Server) Crash() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Calls returns the names of tools invoked so far, in arrival order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *Server) record(tool string) {
	s.mu.Lock()
	s.calls = append(s.calls, tool)
	s.mu.Unlock()
}

// Dial connects a fresh in-memory session to the server.
func (s *Server) Dial(ctx context.Context) (mcpsdk.Transport, error) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return nil, fmt.Errorf("dial %s: connection refused", s.name)
	}

	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := s.server.Connect(ctx, serverT, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, ss)
	s.mu.Unlock()
	return &crashable{Transport: clientT, server: s}, nil
}

// crashable records the raw connections it opens so Crash can close them.
type crashable struct {
	mcpsdk.Transport
	server *Server
}

func (t *crashable) Connect(ctx context.Context) (mcpsdk.Connection, error) {
	conn, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.server.mu.Lock()
	t.server.conns = append(t.server.conns, conn)
	t.server.mu.Unlock()
	return conn, nil
}

// Dialer routes endpoints to in-memory servers by name.
type Dialer struct {
	mu      sync.Mutex
	servers map[string]*Server
	order   []string
}

// NewDialer creates a dialer for the given servers.
func NewDialer(servers ...*Server) *Dialer {
	d := &Dialer{servers: map[string]*Server{}}
	for _, s := range servers {
		d.Add(s)
	}
	return d
}

// Add registers another server.
func (d *Dialer) Add(s *Server) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.servers[s.name]; !ok {
		d.order = append(d.order, s.name)
	}
	d.servers[s.name] = s
}

// Dial implements mcp.Dialer.
func (d *Dialer) Dial(ctx context.Context, ep mcp.Endpoint) (mcpsdk.Transport, error) {
	d.mu.Lock()
	s, ok := d.servers[ep.Name]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: no such server", ep.Name)
	}
	return s.Dial(ctx)
}

// Endpoints returns the endpoints of all registered servers in the order
// they were added.
func (d *Dialer) Endpoints() []mcp.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]mcp.Endpoint, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.servers[name].Endpoint())
	}
	return out
}

func text(format string, args ...any) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: fmt.Sprintf(format, args...)}}}
}

type addArgs struct {
	A float64 `json:"a" jsonschema:"first addend"`
	B float64 `json:"b" jsonschema:"second addend"`
}

// AddCalculator registers "add", which returns the sum of a and b as text.
func (s *Server) AddCalculator() *Server {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{Name: "add", Description: "Add two numbers"},
		func(ctx context.Context, req *mcpsdk.CallToolRequest, in addArgs) (*mcpsdk.CallToolResult, any, error) {
			s.record("add")
			return text("%g", in.A+in.B), nil, nil
		})
	return s
}

type queryArgs struct {
	Query string `json:"query" jsonschema:"search terms"`
}

// AddSearch registers "search", which echoes its query.
func (s *Server) AddSearch() *Server {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{Name: "search", Description: "Search the web"},
		func(ctx context.Context, req *mcpsdk.CallToolRequest, in queryArgs) (*mcpsdk.CallToolResult, any, error) {
			s.record("search")
			return text("results for %s", in.Query), nil, nil
		})
	return s
}

type echoArgs struct {
	Text string `json:"text"`
}

// AddEcho registers tool name, which returns its text argument unchanged.
func (s *Server) AddEcho(name string) *Server {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{Name: name, Description: "Echo the input"},
		func(ctx context.Context, req *mcpsdk.CallToolRequest, in echoArgs) (*mcpsdk.CallToolResult, any, error) {
			s.record(name)
			return text("%s", in.Text), nil, nil
		})
	return s
}

type slowArgs struct {
	DelayMS int    `json:"delay_ms"`
	Value   string `json:"value"`
}

// AddSlow registers "slow", which waits delay_ms before returning value. The
// wait ends early when the call is canceled.
func (s *Server) AddSlow() *Server {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{Name: "slow", Description: "Return a value after a delay"},
		func(ctx context.Context, req *mcpsdk.CallToolRequest, in slowArgs) (*mcpsdk.CallToolResult, any, error) {
			s.record("slow")
			select {
			case <-time.After(time.Duration(in.DelayMS) * time.Millisecond):
				return text("%s", in.Value), nil, nil
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		})
	return s
}

type emptyArgs struct{}

// AddFailing registers "fail", which always reports a tool error.
func (s *Server) AddFailing() *Server {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{Name: "fail", Description: "Always fails"},
		func(ctx context.Context, req *mcpsdk.CallToolRequest, in emptyArgs) (*mcpsdk.CallToolResult, any, error) {
			s.record("fail")
			return nil, nil, errors.New("boom")
		})
	return s
}

// AddHang registers "hang", which blocks until the call is canceled.
func (s *Server) AddHang() *Server {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{Name: "hang", Description: "Never returns"},
		func(ctx context.Context, req *mcpsdk.CallToolRequest, in emptyArgs) (*mcpsdk.CallToolResult, any, error) {
			s.record("hang")
			<-ctx.Done()
			return nil, nil, ctx.Err()
		})
	return s
}
