package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/szaher/mcpagent/internal/failure"
)

// ReconnectPolicy bounds Manager.Reconnect.
type ReconnectPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultReconnectPolicy is used when none is configured.
var DefaultReconnectPolicy = ReconnectPolicy{Attempts: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}

// Manager owns the connections of one runtime, keyed by server name.
// Connection attempts per server are deduplicated with singleflight.
type Manager struct {
	dialer    Dialer
	logger    *slog.Logger
	client    *mcpsdk.Client
	reconnect ReconnectPolicy

	mu      sync.RWMutex
	conns   map[string]*Connection
	errored map[string]error

	// rank is each server's position in the configuration.
	rank     map[string]int
	nextRank int

	group singleflight.Group

	subMu   sync.RWMutex
	subs    map[int]Observer
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

// WithManagerDialer sets the dialer used for every connection.
func WithManagerDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithReconnectPolicy sets the reconnect bounds.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) { m.reconnect = p }
}

// WithClientInfo sets the implementation name and version sent in the
// initialize handshake.
func WithClientInfo(name, version string) Option {
	return func(m *Manager) { m.client = newSDKClient(name, version) }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dialer:    &TransportDialer{},
		logger:    slog.Default(),
		reconnect: DefaultReconnectPolicy,
		conns:     map[string]*Connection{},
		errored:   map[string]error{},
		rank:      map[string]int{},
		subs:      map[int]Observer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = newSDKClient("mcpagent", "dev")
	}
	if m.reconnect.Attempts <= 0 {
		m.reconnect.Attempts = 1
	}
	return m
}

// Subscribe registers an observer for state changes of every connection.
// Observers run synchronously under the transitioning connection's lock.
// The returned function removes the observer.
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = o
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(ch StateChange) {
	m.subMu.RLock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	obs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, m.subs[id])
	}
	m.subMu.RUnlock()

	for _, o := range obs {
		o(ch)
	}
}

// Connect connects the server described by ep, or returns its existing ready
// connection. A failed connection stays registered so it can be reconnected.
func (m *Manager) Connect(ctx context.Context, ep Endpoint) (*Connection, error) {
	ep = ep.Normalize()
	if err := ep.Validate(); err != nil {
		return nil, &failure.Error{Kind: failure.KindConnection, Op: "connect", Server: ep.Name, Err: err}
	}

	v, err, _ := m.group.Do(ep.Name, func() (any, error) {
		m.mu.Lock()
		m.enlist(ep.Name)
		conn, ok := m.conns[ep.Name]
		if !ok {
			conn = NewConnection(ep,
				WithDialer(m.dialer),
				WithConnLogger(m.logger),
				WithClient(m.client),
				WithObserver(m.notify),
			)
			m.conns[ep.Name] = conn
		}
		m.mu.Unlock()

		err := conn.Connect(ctx)
		m.recordResult(ep.Name, err)
		return conn, err
	})
	conn, _ := v.(*Connection)
	return conn, err
}

// enlist appends servers not seen before to the configuration order.
// Callers hold m.mu.
func (m *Manager) enlist(names ...string) {
	for _, name := range names {
		if _, ok := m.rank[name]; !ok {
			m.rank[name] = m.nextRank
			m.nextRank++
		}
	}
}

func endpointNames(eps []Endpoint) []string {
	names := make([]string, len(eps))
	for i, ep := range eps {
		names[i] = ep.Name
	}
	return names
}

// ConnectAll connects every endpoint concurrently. Servers that fail are
// reported in the returned map and do not affect the others. The order of
// eps becomes the order of Connections for servers not seen before.
func (m *Manager) ConnectAll(ctx context.Context, eps []Endpoint) map[string]error {
	m.mu.Lock()
	m.enlist(endpointNames(eps)...)
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs = map[string]error{}
		g    errgroup.Group
	)
	for _, ep := range eps {
		g.Go(func() error {
			if _, err := m.Connect(ctx, ep); err != nil {
				mu.Lock()
				errs[ep.Name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Errored returns the servers whose last connection attempt failed.
func (m *Manager) Errored() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]error, len(m.errored))
	for k, v := range m.errored {
		out[k] = v
	}
	return out
}

func (m *Manager) recordResult(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.errored[name] = err
	} else {
		delete(m.errored, name)
	}
}

// Get returns the connection for a server.
func (m *Manager) Get(name string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.conns[name]; ok {
		return conn, nil
	}
	return nil, &failure.Error{Kind: failure.KindConnection, Op: "get", Server: name, Msg: "server not configured"}
}

// Connections returns all connections in configuration order.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	rank := func(c *Connection) int { return m.rank[c.Name()] }
	slices.SortFunc(out, func(a, b *Connection) int {
		if d := rank(a) - rank(b); d != 0 {
			return d
		}
		return strings.Compare(a.Name(), b.Name())
	})
	m.mu.RUnlock()
	return out
}

// Disconnect closes and forgets one server. Unknown names are a no-op.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	delete(m.conns, name)
	delete(m.errored, name)
	delete(m.rank, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Disconnect()
}

// Close disconnects every server.
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.Connections() {
		if err := m.Disconnect(c.Name()); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Ping checks every configured server concurrently. The map holds an entry
// per server, nil for healthy ones.
func (m *Manager) Ping(ctx context.Context) map[string]error {
	conns := m.Connections()
	results := make(map[string]error, len(conns))
	var mu sync.Mutex
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			err := c.Ping(ctx)
			mu.Lock()
			results[c.Name()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Reconnect re-establishes a server's session with bounded retries and
// exponential backoff. Concurrent callers for the same server share one
// attempt sequence. A ready connection is returned unchanged.
func (m *Manager) Reconnect(ctx context.Context, name string) (*Connection, error) {
	conn, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	if conn.State() == StateReady {
		return conn, nil
	}

	_, err, _ = m.group.Do("reconnect:"+name, func() (any, error) {
		backoff := m.reconnect.Backoff
		var last error
		for attempt := 1; attempt <= m.reconnect.Attempts; attempt++ {
			if conn.State() == StateReady {
				return nil, nil
			}
			last = conn.Connect(ctx)
			if last == nil {
				m.logger.Info("mcp server reconnected", "server", name, "attempt", attempt)
				m.recordResult(name, nil)
				return nil, nil
			}
			m.logger.Warn("mcp reconnect attempt failed", "server", name, "attempt", attempt, "error", last)
			if attempt == m.reconnect.Attempts {
				break
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &failure.Error{Kind: failure.KindCanceled, Op: "reconnect", Server: name, Err: ctx.Err()}
			}
			backoff = min(backoff*2, m.maxBackoff())
		}
		m.recordResult(name, last)
		return nil, fmt.Errorf("reconnect %s after %d attempts: %w", name, m.reconnect.Attempts, last)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) maxBackoff() time.Duration {
	if m.reconnect.MaxBackoff > 0 {
		return m.reconnect.MaxBackoff
	}
	return DefaultReconnectPolicy.MaxBackoff
}

// Reconcile applies a new endpoint set: servers no longer listed are
// disconnected, changed ones are replaced and new ones connected. The new
// set's order replaces the configuration order. Connection failures are
// returned per server.
func (m *Manager) Reconcile(ctx context.Context, eps []Endpoint) map[string]error {
	desired := make(map[string]Endpoint, len(eps))
	for _, ep := range eps {
		ep = ep.Normalize()
		desired[ep.Name] = ep
	}

	var toConnect []Endpoint
	for _, c := range m.Connections() {
		ep, keep := desired[c.Name()]
		switch {
		case !keep:
			m.logger.Info("mcp server removed", "server", c.Name())
			_ = m.Disconnect(c.Name())
		case !ep.Equal(c.Endpoint()):
			m.logger.Info("mcp server changed", "server", c.Name())
			_ = m.Disconnect(c.Name())
			toConnect = append(toConnect, ep)
		case c.State() != StateReady:
			toConnect = append(toConnect, ep)
		}
		delete(desired, c.Name())
	}
	for _, ep := range eps {
		if d, ok := desired[ep.Name]; ok {
			toConnect = append(toConnect, d)
		}
	}

	m.mu.Lock()
	m.rank, m.nextRank = map[string]int{}, 0
	m.enlist(endpointNames(eps)...)
	m.mu.Unlock()
	return m.ConnectAll(ctx, toConnect)
}
