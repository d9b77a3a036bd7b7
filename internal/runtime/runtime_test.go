package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/loop"
	"github.com/szaher/mcpagent/internal/testutil"
)

func serverConfig(s *testutil.Server) ServerConfig {
	ep := s.Endpoint()
	return ServerConfig{Name: ep.Name, Transport: ep.Transport, URL: ep.URL}
}

func testConfig(servers ...*testutil.Server) *Config {
	cfg := &Config{}
	for _, s := range servers {
		cfg.Servers = append(cfg.Servers, serverConfig(s))
	}
	cfg.ApplyDefaults()
	return cfg
}

func newRuntime(t *testing.T, cfg *Config, client llm.Client, dialer *testutil.Dialer) *Runtime {
	t.Helper()
	rt, err := New(cfg, Options{LLMClient: client, Dialer: dialer})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func hasMetric(t *testing.T, rt *Runtime, name string) bool {
	t.Helper()
	families, err := rt.Metrics().Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return true
		}
	}
	return false
}

func TestRuntimeAsk(t *testing.T) {
	calc := testutil.NewServer("calculator").AddCalculator()
	search := testutil.NewServer("search").AddSearch()
	client := llm.NewMockClient(
		llm.MockResponse{ToolCalls: []llm.ToolCall{{ID: "t1", Name: "add", Input: map[string]any{"a": float64(2), "b": float64(2)}}}},
		llm.MockResponse{Content: "4"},
	)
	rt := newRuntime(t, testConfig(calc, search), client, testutil.NewDialer(calc, search))

	errs, err := rt.Start(context.Background())
	if err != nil || len(errs) != 0 {
		t.Fatalf("Start: %v %v", errs, err)
	}
	if n := len(rt.Tools()); n != 2 {
		t.Errorf("tools = %d", n)
	}
	for _, s := range rt.Servers() {
		if s.State != "ready" || len(s.Tools) != 1 {
			t.Errorf("server = %+v", s)
		}
	}
	for name, err := range rt.Ping(context.Background()) {
		if err != nil {
			t.Errorf("ping %s: %v", name, err)
		}
	}

	conv, resp, err := rt.Ask(context.Background(), nil, "What is 2+2?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output != "4" || resp.State != loop.StateDone || len(conv.History()) != 4 {
		t.Errorf("response = %+v", resp)
	}
	if got := client.Calls()[0].Model; got != DefaultModel {
		t.Errorf("model = %q", got)
	}
	for _, name := range []string{"mcpagent_conversations_total", "mcpagent_tool_calls_total", "mcpagent_connection_state"} {
		if !hasMetric(t, rt, name) {
			t.Errorf("metric %s not recorded", name)
		}
	}
}

func TestRuntimeStartWithFailedServer(t *testing.T) {
	calc := testutil.NewServer("calculator").AddCalculator()
	search := testutil.NewServer("search").AddSearch()
	search.SetDown(true)
	rt := newRuntime(t, testConfig(calc, search), llm.NewMockClient(llm.MockResponse{Content: "ok"}), testutil.NewDialer(calc, search))

	errs, err := rt.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs["search"] == nil {
		t.Fatalf("startup errors = %v", errs)
	}
	if tools := rt.Tools(); len(tools) != 1 || tools[0].Name != "add" {
		t.Errorf("tools = %v", tools)
	}
	if _, _, err := rt.Ask(context.Background(), nil, "hi", nil); err != nil {
		t.Errorf("runtime unusable with one failed server: %v", err)
	}
	if pings := rt.Ping(context.Background()); pings["search"] == nil || pings["calculator"] != nil {
		t.Errorf("ping = %v", pings)
	}
	if res := rt.CallTool(context.Background(), "search", "search", map[string]any{"query": "go"}); res.Kind != failure.KindConnection {
		t.Errorf("call on failed server = %+v", res)
	}
}

func TestRuntimeCallTool(t *testing.T) {
	a := testutil.NewServer("a").AddEcho("echo").AddCalculator()
	b := testutil.NewServer("b").AddEcho("echo")
	cfg := testConfig(a, b)
	cfg.Tools.Collision = "namespace"
	rt := newRuntime(t, cfg, llm.NewMockClient(), testutil.NewDialer(a, b))
	if _, err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := rt.CallTool(context.Background(), "b", "echo", map[string]any{"text": "hello"})
	if !res.OK() || res.Content != "hello" || res.Server != "b" {
		t.Errorf("result = %+v", res)
	}
	if len(a.Calls()) != 0 {
		t.Error("call reached the wrong server")
	}

	tests := []struct {
		server, tool string
		args         map[string]any
		want         failure.Kind
	}{
		{"a", "nope", nil, failure.KindUnknownTool},
		{"c", "echo", nil, failure.KindConnection},
		{"a", "add", map[string]any{"a": "x"}, failure.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			if res := rt.CallTool(context.Background(), tt.server, tt.tool, tt.args); res.Kind != tt.want {
				t.Errorf("kind = %q (%s), want %q", res.Kind, res.Message, tt.want)
			}
		})
	}
}

func TestRuntimeReload(t *testing.T) {
	calc := testutil.NewServer("calculator").AddCalculator()
	search := testutil.NewServer("search").AddSearch()
	rt := newRuntime(t, testConfig(calc), llm.NewMockClient(), testutil.NewDialer(calc, search))
	ctx := context.Background()
	if _, err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}

	names := func() string {
		var out []string
		for _, d := range rt.Tools() {
			out = append(out, d.Name)
		}
		return strings.Join(out, ",")
	}

	next := testConfig(calc, search)
	next.MaxTurns = 3
	if errs, err := rt.Reload(ctx, next); err != nil || len(errs) != 0 {
		t.Fatalf("Reload: %v %v", errs, err)
	}
	if got := names(); got != "add,search" {
		t.Errorf("tools after adding search = %s", got)
	}
	if rt.Config().MaxTurns != 3 {
		t.Error("reloaded settings not applied")
	}

	if _, err := rt.Reload(ctx, testConfig(search)); err != nil {
		t.Fatal(err)
	}
	if got := names(); got != "search" {
		t.Errorf("tools after removing calculator = %s", got)
	}
	if s := rt.Servers(); len(s) != 1 || s[0].Name != "search" {
		t.Errorf("servers = %+v", s)
	}
}

func TestRuntimeClose(t *testing.T) {
	calc := testutil.NewServer("calculator").AddCalculator()
	rt := newRuntime(t, testConfig(calc), llm.NewMockClient(), testutil.NewDialer(calc))
	if _, err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rt.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rt.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := rt.NewConversation(nil); err == nil {
		t.Error("conversation started on a closed runtime")
	}
	if len(rt.Tools()) != 0 {
		t.Error("tools still offered after Close")
	}
}

func TestNewRejectsUnresolvableAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "env(MCPAGENT_TEST_MISSING_KEY)"
	_, err := New(cfg, Options{})
	testutil.AssertErrorContains(t, err, "MCPAGENT_TEST_MISSING_KEY")
}
