package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Dialer opens the transport for an endpoint. The handshake runs on top of
// the returned transport.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (mcpsdk.Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ep Endpoint) (mcpsdk.Transport, error)

func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (mcpsdk.Transport, error) {
	return f(ctx, ep)
}

// TransportDialer dials the three standard transports: a stdio subprocess,
// SSE and streamable HTTP.
type TransportDialer struct {
	// HTTPClient is used for the HTTP transports. Nil means http.DefaultClient.
	HTTPClient *http.Client
	// Stderr receives subprocess stderr. Nil discards it.
	Stderr io.Writer
}

// Dial implements Dialer.
func (d *TransportDialer) Dial(ctx context.Context, ep Endpoint) (mcpsdk.Transport, error) {
	switch ep.Transport {
	case TransportStdio:
		if _, err := exec.LookPath(ep.Command); err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep.Name, err)
		}
		// The subprocess outlives the dial context, so it is not bound to ctx.
		cmd := exec.Command(ep.Command, ep.Args...)
		cmd.Env = os.Environ()
		for k, v := range ep.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		cmd.Stderr = d.Stderr
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportSSE:
		return &mcpsdk.SSEClientTransport{Endpoint: ep.URL, HTTPClient: d.httpClient(ep)}, nil

	case TransportStreamableHTTP:
		return &mcpsdk.StreamableClientTransport{Endpoint: ep.URL, HTTPClient: d.httpClient(ep)}, nil

	default:
		return nil, fmt.Errorf("dial %s: unsupported transport %q", ep.Name, ep.Transport)
	}
}

func (d *TransportDialer) httpClient(ep Endpoint) *http.Client {
	base := d.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if len(ep.Headers) == 0 {
		return base
	}
	c := *base
	next := c.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	c.Transport = &headerTransport{headers: ep.Headers, next: next}
	return &c
}

// headerTransport adds static headers (auth tokens) to every request.
type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}
