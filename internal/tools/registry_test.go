package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/mcp"
	"github.com/szaher/mcpagent/internal/testutil"
)

type fixture struct {
	manager   *mcp.Manager
	registry  *Registry
	discovery *Discovery
}

func newFixture(t *testing.T, opts []RegistryOption, servers ...*testutil.Server) *fixture {
	t.Helper()
	d := testutil.NewDialer(servers...)
	m := mcp.NewManager(
		mcp.WithManagerDialer(d),
		mcp.WithReconnectPolicy(mcp.ReconnectPolicy{Attempts: 2, Backoff: 5 * time.Millisecond}),
	)
	t.Cleanup(func() { _ = m.Close() })
	if errs := m.ConnectAll(context.Background(), d.Endpoints()); len(errs) != 0 {
		t.Fatalf("ConnectAll: %v", errs)
	}
	r := NewRegistry(opts...)
	return &fixture{manager: m, registry: r, discovery: NewDiscovery(m, r, nil)}
}

func (f *fixture) conn(t *testing.T, name string) *mcp.Connection {
	t.Helper()
	c, err := f.manager.Get(name)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func names(descs []*Descriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Name
	}
	return out
}

func TestDiscoverRegistersAllTools(t *testing.T) {
	f := newFixture(t, nil,
		testutil.NewServer("calculator").AddCalculator(),
		testutil.NewServer("web").AddSearch().AddEcho("echo"),
	)
	if errs := f.discovery.Discover(context.Background()); len(errs) != 0 {
		t.Fatalf("Discover: %v", errs)
	}

	snap := f.registry.Snapshot()
	if got := names(snap); len(got) != 3 || got[0] != "add" || got[1] != "echo" || got[2] != "search" {
		t.Fatalf("snapshot = %v", got)
	}
	add, err := f.registry.Resolve("add")
	if err != nil {
		t.Fatal(err)
	}
	if add.Server != "calculator" || add.RemoteName != "add" || add.Conn != f.conn(t, "calculator") {
		t.Errorf("descriptor = %+v", add)
	}
	if sig := add.Schema.Signature(); sig != "a: number, b: number" {
		t.Errorf("signature = %q", sig)
	}

	defs := f.registry.Definitions()
	if len(defs) != 3 || defs[0].InputSchema["type"] != "object" {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestRegisterCollisionFirstWins(t *testing.T) {
	f := newFixture(t, nil,
		testutil.NewServer("a").AddEcho("echo"),
		testutil.NewServer("b").AddEcho("echo").AddSearch(),
	)
	ctx := context.Background()
	if err := f.discovery.Refresh(ctx, f.conn(t, "a")); err != nil {
		t.Fatal(err)
	}
	err := f.discovery.Refresh(ctx, f.conn(t, "b"))
	if !errors.Is(err, failure.NameCollision) {
		t.Fatalf("err = %v, want NameCollisionError", err)
	}

	echo, _ := f.registry.Resolve("echo")
	if echo.Server != "a" {
		t.Errorf("echo owned by %q, want first registrant a", echo.Server)
	}
	if _, err := f.registry.Resolve("search"); err != nil {
		t.Errorf("non-colliding tool from b not registered: %v", err)
	}
}

func TestDiscoverCollisionFollowsConfigOrder(t *testing.T) {
	// beta is configured first although alpha sorts first by name.
	for i := range 20 {
		f := newFixture(t, nil,
			testutil.NewServer("beta").AddSearch(),
			testutil.NewServer("alpha").AddSearch().AddEcho("echo"),
		)
		errs := f.discovery.Discover(context.Background())
		if len(errs) != 1 || !errors.Is(errs["alpha"], failure.NameCollision) {
			t.Fatalf("run %d: errs = %v", i, errs)
		}
		search, err := f.registry.Resolve("search")
		if err != nil || search.Server != "beta" {
			t.Fatalf("run %d: search owned by %+v (%v), want beta", i, search, err)
		}
		if echo, _ := f.registry.Resolve("echo"); echo == nil || echo.Server != "alpha" {
			t.Fatalf("run %d: echo = %+v", i, echo)
		}
	}
}

func TestRegisterNamespacePolicy(t *testing.T) {
	f := newFixture(t, []RegistryOption{WithCollisionPolicy(Namespace)},
		testutil.NewServer("a").AddEcho("echo"),
		testutil.NewServer("b").AddEcho("echo"),
	)
	if errs := f.discovery.Discover(context.Background()); len(errs) != 0 {
		t.Fatalf("Discover: %v", errs)
	}
	got := names(f.registry.Snapshot())
	if len(got) != 2 || got[0] != "a__echo" || got[1] != "b__echo" {
		t.Fatalf("snapshot = %v", got)
	}
	d, _ := f.registry.Resolve("b__echo")
	if d.RemoteName != "echo" || d.Server != "b" {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestRegisterFilter(t *testing.T) {
	filter, err := CompileFilter(`not (name startsWith "ec")`)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, []RegistryOption{WithFilter(filter)},
		testutil.NewServer("a").AddEcho("echo").AddSearch(),
	)
	if errs := f.discovery.Discover(context.Background()); len(errs) != 0 {
		t.Fatal(errs)
	}
	if got := names(f.registry.Snapshot()); len(got) != 1 || got[0] != "search" {
		t.Errorf("snapshot = %v", got)
	}
}

func TestRefreshReplacesServerTools(t *testing.T) {
	srv := testutil.NewServer("a").AddEcho("echo")
	f := newFixture(t, nil, srv)
	ctx := context.Background()
	conn := f.conn(t, "a")

	if err := f.discovery.Refresh(ctx, conn); err != nil {
		t.Fatal(err)
	}
	if err := f.discovery.Refresh(ctx, conn); err != nil {
		t.Fatalf("second refresh must not collide with itself: %v", err)
	}
	if f.registry.Len() != 1 {
		t.Errorf("Len() = %d", f.registry.Len())
	}
}

func TestFailedConnectionIsPruned(t *testing.T) {
	srv := testutil.NewServer("search").AddSearch()
	f := newFixture(t, nil, srv, testutil.NewServer("calc").AddCalculator())
	unwatch := f.registry.Watch(f.manager)
	defer unwatch()
	if errs := f.discovery.Discover(context.Background()); len(errs) != 0 {
		t.Fatal(errs)
	}

	srv.Drop()
	conn := f.conn(t, "search")
	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != mcp.StateFailed {
		if time.Now().After(deadline) {
			t.Fatal("connection did not fail")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Pruning happens inside the transition, so it is visible immediately.
	if got := names(f.registry.Snapshot()); len(got) != 1 || got[0] != "add" {
		t.Errorf("snapshot = %v", got)
	}
	_, err := f.registry.Resolve("search")
	testutil.AssertKind(t, err, failure.KindUnknownTool)

	err = f.registry.Register(conn, []*Descriptor{{RemoteName: "search"}})
	testutil.AssertKind(t, err, failure.KindConnectionLost)
}

func TestUnregisterIgnoresReplacedConnection(t *testing.T) {
	f := newFixture(t, nil, testutil.NewServer("a").AddEcho("echo"))
	conn := f.conn(t, "a")
	if err := f.discovery.Refresh(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	other := mcp.NewConnection(mcp.Endpoint{Name: "a"})
	f.registry.Unregister(other)
	if f.registry.Len() != 1 {
		t.Error("unregistering a different connection with the same name removed tools")
	}
}

func TestParseCollisionPolicy(t *testing.T) {
	for in, want := range map[string]CollisionPolicy{"": FirstWins, "first-wins": FirstWins, "namespace": Namespace} {
		got, err := ParseCollisionPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseCollisionPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCollisionPolicy("last-wins"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
