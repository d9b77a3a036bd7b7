package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/mcpagent/internal/failure"
)

// --- Endpoint Tests ---

func TestEndpointNormalize(t *testing.T) {
	tests := []struct {
		name          string
		in            Endpoint
		wantTransport string
		wantCommand   string
		wantArgs      []string
		wantURL       string
	}{
		{"python script", Endpoint{Name: "a", Command: "server.py"}, TransportStdio, "python", []string{"server.py"}, ""},
		{"node script", Endpoint{Name: "a", Command: "build/index.js"}, TransportStdio, "node", []string{"build/index.js"}, ""},
		{"binary with args", Endpoint{Name: "a", Command: "srv", Args: []string{"-v"}}, TransportStdio, "srv", []string{"-v"}, ""},
		{"url implies sse", Endpoint{Name: "a", URL: "http://localhost:9090/sse"}, TransportSSE, "", nil, "http://localhost:9090/sse"},
		{"url given as command", Endpoint{Name: "a", Command: "https://x/sse"}, TransportSSE, "", nil, "https://x/sse"},
		{"explicit streamable", Endpoint{Name: "a", Transport: TransportStreamableHTTP, URL: "http://x/mcp"}, TransportStreamableHTTP, "", nil, "http://x/mcp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if got.Transport != tt.wantTransport || got.Command != tt.wantCommand || got.URL != tt.wantURL {
				t.Errorf("Normalize() = %+v", got)
			}
			if fmt.Sprint(got.Args) != fmt.Sprint(tt.wantArgs) {
				t.Errorf("Args = %v, want %v", got.Args, tt.wantArgs)
			}
		})
	}
}

func TestEndpointValidate(t *testing.T) {
	tests := []struct {
		name    string
		ep      Endpoint
		wantErr bool
	}{
		{"stdio ok", Endpoint{Name: "a", Transport: TransportStdio, Command: "srv"}, false},
		{"sse ok", Endpoint{Name: "a", Transport: TransportSSE, URL: "http://x"}, false},
		{"missing name", Endpoint{Transport: TransportStdio, Command: "srv"}, true},
		{"stdio without command", Endpoint{Name: "a", Transport: TransportStdio}, true},
		{"sse without url", Endpoint{Name: "a", Transport: TransportSSE}, true},
		{"unknown transport", Endpoint{Name: "a", Transport: "carrier-pigeon"}, true},
		{"nothing to infer", Endpoint{Name: "a"}, true},
		{"negative timeout", Endpoint{Name: "a", Transport: TransportStdio, Command: "srv", ConnectTimeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.ep.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndpointEqual(t *testing.T) {
	a := Endpoint{Name: "a", Transport: TransportStdio, Command: "srv", Env: map[string]string{"K": "v"}}
	b := a
	b.Env = map[string]string{"K": "v"}
	if !a.Equal(b) {
		t.Error("expected equal endpoints")
	}
	b.Env = map[string]string{"K": "w"}
	if a.Equal(b) {
		t.Error("expected env change to be detected")
	}
}

// --- Classification Tests ---

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want failure.Kind
	}{
		{"eof during initialize", fmt.Errorf("calling %q: %w", "initialize", io.EOF), failure.KindConnection},
		{"protocol version", errors.New(`unsupported protocol version "1999-01-01"`), failure.KindHandshake},
		{"garbled initialize", errors.New(`calling "initialize": invalid result`), failure.KindHandshake},
		{"other", errors.New("exec: not found"), failure.KindConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyConnectError(context.Background(), "s", time.Second, tt.err)
			if got.Kind != tt.want {
				t.Errorf("kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := classifyConnectError(ctx, "s", time.Second, errors.New("x")); got.Kind != failure.KindConnection || got.Msg == "" {
		t.Errorf("timed out connect = %+v", got)
	}
}

func TestIsConnectionLoss(t *testing.T) {
	for _, err := range []error{io.EOF, fmt.Errorf("wrap: %w", io.ErrClosedPipe), errors.New("connection closed")} {
		if !isConnectionLoss(err) {
			t.Errorf("isConnectionLoss(%v) = false", err)
		}
	}
	if isConnectionLoss(errors.New("invalid params")) || isConnectionLoss(nil) {
		t.Error("false positive")
	}
}

func TestNormalizeSchema(t *testing.T) {
	s, err := normalizeSchema(nil)
	if err != nil || s["type"] != "object" {
		t.Errorf("nil schema = %v, %v", s, err)
	}
	s, err = normalizeSchema(struct {
		Type string `json:"type"`
	}{"object"})
	if err != nil || s["type"] != "object" {
		t.Errorf("struct schema = %v, %v", s, err)
	}
	if _, err := normalizeSchema(map[string]any{"type": "string"}); err == nil {
		t.Error("expected non-object schema to be rejected")
	}
	if _, err := normalizeSchema([]int{1}); err == nil {
		t.Error("expected array schema to be rejected")
	}
}

func TestCallResultValue(t *testing.T) {
	r := newCallResult(&mcpsdk.CallToolResult{Content: []mcpsdk.Content{
		&mcpsdk.TextContent{Text: `{"sum":`},
		&mcpsdk.TextContent{Text: `4}`},
	}})
	if r.Text != "{\"sum\":\n4}" {
		t.Errorf("Text = %q", r.Text)
	}
	v, ok := r.Value().(map[string]any)
	if !ok || v["sum"] != float64(4) {
		t.Errorf("Value() = %#v", r.Value())
	}
	if got := (&CallResult{Text: "plain"}).Value(); got != "plain" {
		t.Errorf("Value() = %#v", got)
	}
	if got := (&CallResult{Text: "x", Structured: 1}).Value(); got != 1 {
		t.Errorf("Value() = %#v", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateReady:        "ready",
		StateFailed:       "failed",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", s, s.String())
		}
	}
}

func TestHeaderTransportClient(t *testing.T) {
	d := &TransportDialer{}
	if c := d.httpClient(Endpoint{}); c.Transport != nil {
		t.Error("expected default client when no headers")
	}
	c := d.httpClient(Endpoint{Headers: map[string]string{"Authorization": "Bearer x"}})
	if _, ok := c.Transport.(*headerTransport); !ok {
		t.Errorf("transport = %T", c.Transport)
	}
}
