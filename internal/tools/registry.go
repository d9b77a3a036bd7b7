// Package tools implements the unified tool registry and the router that
// dispatches model-issued tool calls to the owning server connection.
package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/mcp"
)

// CollisionPolicy decides how tools with the same name on different servers
// are exposed.
type CollisionPolicy string

const (
	// FirstWins keeps the first registration of a name and reports later
	// ones as NameCollisionError.
	FirstWins CollisionPolicy = "first-wins"
	// Namespace exposes every tool as <server>__<tool>.
	Namespace CollisionPolicy = "namespace"
)

const namespaceSep = "__"

// Descriptor is a tool as exposed to the model.
type Descriptor struct {
	Name        string
	RemoteName  string
	Server      string
	Description string
	Schema      *Schema
	// Conn is the owning connection. The registry does not own it.
	Conn *mcp.Connection
}

// Definition converts the descriptor to a model tool definition.
func (d *Descriptor) Definition() llm.ToolDefinition {
	schema := map[string]any{"type": "object"}
	if d.Schema != nil && d.Schema.Raw != nil {
		schema = d.Schema.Raw
	}
	return llm.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: schema}
}

// Registry maps exposed tool names to descriptors. Names are unique.
type Registry struct {
	policy CollisionPolicy
	filter *Filter
	logger *slog.Logger

	mu     sync.RWMutex
	byName map[string]*Descriptor
	byConn map[*mcp.Connection][]string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCollisionPolicy sets the collision policy. The default is FirstWins.
func WithCollisionPolicy(p CollisionPolicy) RegistryOption {
	return func(r *Registry) { r.policy = p }
}

// WithFilter sets an admission filter.
func WithFilter(f *Filter) RegistryOption {
	return func(r *Registry) { r.filter = f }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		policy: FirstWins,
		logger: slog.Default(),
		byName: map[string]*Descriptor{},
		byConn: map[*mcp.Connection][]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseCollisionPolicy validates a policy name. Empty means FirstWins.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch CollisionPolicy(s) {
	case "", FirstWins:
		return FirstWins, nil
	case Namespace:
		return Namespace, nil
	default:
		return "", fmt.Errorf("unknown tool collision policy %q (want %s or %s)", s, FirstWins, Namespace)
	}
}

// Register replaces the tools of conn with descs. Each descriptor needs
// RemoteName; Name, Server and Conn are filled in. Names already provided by
// another connection are rejected with a NameCollisionError per name, joined;
// the remaining descriptors are still registered.
func (r *Registry) Register(conn *mcp.Connection, descs []*Descriptor) error {
	server := conn.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Checked under the registry lock so a concurrent transition out of
	// ready either sees these entries and purges them or is seen here.
	if st := conn.State(); st != mcp.StateReady {
		return &failure.Error{Kind: failure.KindConnectionLost, Op: "register", Server: server, Msg: "connection is " + st.String()}
	}

	r.unregisterLocked(conn)

	var errs []error
	var names []string
	for _, d := range descs {
		ok, err := r.filter.Allow(server, d.RemoteName, d.Description)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			r.logger.Debug("tool filtered out", "server", server, "tool", d.RemoteName)
			continue
		}

		reg := *d
		reg.Server = server
		reg.Conn = conn
		reg.Name = r.exposedName(server, d.RemoteName)

		if owner, taken := r.byName[reg.Name]; taken {
			errs = append(errs, &failure.Error{
				Kind:   failure.KindNameCollision,
				Op:     "register",
				Server: server,
				Tool:   reg.Name,
				Msg:    fmt.Sprintf("already provided by server %q", owner.Server),
			})
			r.logger.Warn("tool name collision", "tool", reg.Name, "server", server, "owner", owner.Server)
			continue
		}
		r.byName[reg.Name] = &reg
		names = append(names, reg.Name)
	}
	r.byConn[conn] = names
	r.logger.Debug("tools registered", "server", server, "count", len(names))
	return errors.Join(errs...)
}

func (r *Registry) exposedName(server, remote string) string {
	if r.policy == Namespace {
		return server + namespaceSep + remote
	}
	return remote
}

// Unregister removes every descriptor owned by conn.
func (r *Registry) Unregister(conn *mcp.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(conn)
}

func (r *Registry) unregisterLocked(conn *mcp.Connection) {
	names, ok := r.byConn[conn]
	if !ok {
		return
	}
	for _, n := range names {
		if d, ok := r.byName[n]; ok && d.Conn == conn {
			delete(r.byName, n)
		}
	}
	delete(r.byConn, conn)
	if len(names) > 0 {
		r.logger.Debug("tools unregistered", "server", conn.Name(), "count", len(names))
	}
}

// Watch subscribes the registry to m so a connection's tools are removed as
// part of its transition out of ready.
func (r *Registry) Watch(m *mcp.Manager) (unsubscribe func()) {
	return m.Subscribe(func(ch mcp.StateChange) {
		if ch.From == mcp.StateReady && ch.To != mcp.StateReady {
			r.Unregister(ch.Conn)
		}
	})
}

// Resolve looks up a tool by its exposed name.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	r.mu.RLock()
	d, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &failure.Error{Kind: failure.KindUnknownTool, Op: "resolve", Tool: name, Msg: fmt.Sprintf("no tool named %q", name)}
	}
	return d, nil
}

// Snapshot returns the descriptors of ready connections sorted by name.
func (r *Registry) Snapshot() []*Descriptor {
	r.mu.RLock()
	out := make([]*Descriptor, 0, len(r.byName))
	for _, d := range r.byName {
		if d.Conn.State() == mcp.StateReady {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Definitions returns the model tool list for the current snapshot.
func (r *Registry) Definitions() []llm.ToolDefinition {
	snap := r.Snapshot()
	defs := make([]llm.ToolDefinition, len(snap))
	for i, d := range snap {
		defs[i] = d.Definition()
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
