package runtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/testutil"
)

func newTestServer(t *testing.T, client llm.Client, opts ...ServerOption) *httptest.Server {
	t.Helper()
	calc := testutil.NewServer("calculator").AddCalculator()
	rt := newRuntime(t, testConfig(calc), client, testutil.NewDialer(calc))
	if _, err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(NewServer(rt, opts...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
	} else {
		out["body"] = string(data)
	}
	return resp.StatusCode, out
}

func TestServerEndpoints(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{ToolCalls: []llm.ToolCall{{ID: "t1", Name: "add", Input: map[string]any{"a": float64(1), "b": float64(2)}}}},
		llm.MockResponse{Content: "3"},
	)
	ts := newTestServer(t, client)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{"healthz", "GET", "/healthz", "", 200, func(t *testing.T, body map[string]any) {
			if body["status"] != "healthy" || body["tools"] != float64(1) {
				t.Errorf("body = %v", body)
			}
		}},
		{"tools", "GET", "/v1/tools", "", 200, func(t *testing.T, body map[string]any) {
			tools := body["tools"].([]any)
			tool := tools[0].(map[string]any)
			if tool["name"] != "add" || tool["server"] != "calculator" || tool["signature"] != "a: number, b: number" {
				t.Errorf("tool = %v", tool)
			}
		}},
		{"servers", "GET", "/v1/servers", "", 200, nil},
		{"call", "POST", "/v1/servers/calculator/tools/add", `{"arguments":{"a":40,"b":2}}`, 200, func(t *testing.T, body map[string]any) {
			if body["content"] != "42" {
				t.Errorf("body = %v", body)
			}
		}},
		{"call unknown tool", "POST", "/v1/servers/calculator/tools/mul", "", 404, nil},
		{"call bad arguments", "POST", "/v1/servers/calculator/tools/add", `{"arguments":{"a":"x"}}`, 400, nil},
		{"ask", "POST", "/v1/ask", `{"message":"1+2?"}`, 200, func(t *testing.T, body map[string]any) {
			if body["output"] != "3" || body["state"] != "done" || len(body["history"].([]any)) != 4 {
				t.Errorf("body = %v", body)
			}
		}},
		{"ask without message", "POST", "/v1/ask", `{}`, 400, nil},
		{"metrics", "GET", "/metrics", "", 200, func(t *testing.T, body map[string]any) {
			if !strings.Contains(body["body"].(string), "mcpagent_tool_calls_total") {
				t.Error("metrics missing tool calls")
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, tt.method, ts.URL+tt.path, tt.body, nil)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", status, tt.wantStatus, body)
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestServerAuth(t *testing.T) {
	ts := newTestServer(t, llm.NewMockClient(), WithAPIKey("s3cret"))

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"healthz is open", "/healthz", nil, 200},
		{"metrics is open", "/metrics", nil, 200},
		{"missing key", "/v1/tools", nil, 401},
		{"wrong key", "/v1/tools", http.Header{"X-Api-Key": {"nope"}}, 401},
		{"api key header", "/v1/tools", http.Header{"X-Api-Key": {"s3cret"}}, 200},
		{"bearer token", "/v1/tools", http.Header{"Authorization": {"Bearer s3cret"}}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, _ := do(t, "GET", ts.URL+tt.path, "", tt.header); status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}
}

func TestServerSessions(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Content: "Hello Ada."},
		llm.MockResponse{Content: "Your name is Ada."},
	)
	ts := newTestServer(t, client)

	status, created := do(t, "POST", ts.URL+"/v1/sessions", `{"metadata":{"user":"ada"}}`, nil)
	if status != http.StatusCreated {
		t.Fatalf("create = %d %v", status, created)
	}
	id, _ := created["id"].(string)
	base := ts.URL + "/v1/sessions/" + id

	status, body := do(t, "POST", base+"/ask", `{"message":"I am Ada"}`, nil)
	if status != 200 || body["output"] != "Hello Ada." || body["session_id"] != id {
		t.Fatalf("first ask = %d %v", status, body)
	}
	status, body = do(t, "POST", base+"/ask", `{"message":"Who am I?"}`, nil)
	if status != 200 || body["output"] != "Your name is Ada." {
		t.Fatalf("second ask = %d %v", status, body)
	}
	if msgs := client.Calls()[1].Messages; len(msgs) != 3 || msgs[0].Content != "I am Ada" {
		t.Errorf("second query did not see the stored history: %+v", msgs)
	}

	status, body = do(t, "GET", base, "", nil)
	if msgs, _ := body["messages"].([]any); status != 200 || len(msgs) != 4 {
		t.Errorf("get = %d %v", status, body)
	}
	status, body = do(t, "GET", ts.URL+"/v1/sessions", "", nil)
	if list, _ := body["sessions"].([]any); status != 200 || len(list) != 1 {
		t.Errorf("list = %d %v", status, body)
	}

	if status, _ := do(t, "POST", base+"/ask", `{"message":"x","history":[{"role":"user","content":"y"}]}`, nil); status != http.StatusBadRequest {
		t.Errorf("ask with history = %d", status)
	}
	if status, _ := do(t, "DELETE", base, "", nil); status != http.StatusNoContent {
		t.Errorf("delete = %d", status)
	}
	if status, _ := do(t, "POST", base+"/ask", `{"message":"again"}`, nil); status != http.StatusNotFound {
		t.Errorf("ask after delete = %d", status)
	}
}
