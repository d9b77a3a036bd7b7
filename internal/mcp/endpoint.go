// Package mcp manages connections to MCP tool servers: dialing transports,
// the initialize handshake, tool listing, tool calls and the per-connection
// lifecycle state machine.
package mcp

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Transport names accepted in an Endpoint.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// DefaultConnectTimeout bounds dial plus initialize when an Endpoint does
// not set its own.
const DefaultConnectTimeout = 5 * time.Second

// Endpoint describes how to reach one tool server. Endpoints are immutable
// once loaded.
type Endpoint struct {
	Name           string            `json:"name" yaml:"name"`
	Transport      string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command        string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	ConnectTimeout time.Duration     `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
}

// Normalize fills in the transport and interpreter the way a bare server
// path or URL implies:
//
//	command: server.py         → stdio, python server.py
//	command: build/index.js    → stdio, node build/index.js
//	url: http://host/sse       → sse
func (e Endpoint) Normalize() Endpoint {
	if e.Transport == "" {
		switch {
		case e.URL != "":
			e.Transport = TransportSSE
		case e.Command != "":
			e.Transport = TransportStdio
		}
	}
	if e.Transport == TransportStdio && len(e.Args) == 0 {
		switch {
		case strings.HasSuffix(e.Command, ".py"):
			e.Args = []string{e.Command}
			e.Command = "python"
		case strings.HasSuffix(e.Command, ".js"):
			e.Args = []string{e.Command}
			e.Command = "node"
		}
	}
	if strings.HasPrefix(e.Command, "http://") || strings.HasPrefix(e.Command, "https://") {
		e.URL, e.Command = e.Command, ""
		if e.Transport == TransportStdio || e.Transport == "" {
			e.Transport = TransportSSE
		}
	}
	return e
}

// Validate checks that the endpoint is complete for its transport.
func (e Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint: name is required")
	}
	switch e.Transport {
	case TransportStdio:
		if e.Command == "" {
			return fmt.Errorf("endpoint %q: stdio transport requires a command", e.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if !strings.HasPrefix(e.URL, "http://") && !strings.HasPrefix(e.URL, "https://") {
			return fmt.Errorf("endpoint %q: %s transport requires an http(s) url, got %q", e.Name, e.Transport, e.URL)
		}
	case "":
		return fmt.Errorf("endpoint %q: transport could not be inferred; set command or url", e.Name)
	default:
		return fmt.Errorf("endpoint %q: unsupported transport %q", e.Name, e.Transport)
	}
	if e.ConnectTimeout < 0 {
		return fmt.Errorf("endpoint %q: negative connect timeout", e.Name)
	}
	return nil
}

// Equal reports whether two endpoints would dial the same server.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Name == o.Name &&
		e.Transport == o.Transport &&
		e.Command == o.Command &&
		slices.Equal(e.Args, o.Args) &&
		maps.Equal(e.Env, o.Env) &&
		e.URL == o.URL &&
		maps.Equal(e.Headers, o.Headers) &&
		e.ConnectTimeout == o.ConnectTimeout
}

func (e Endpoint) connectTimeout() time.Duration {
	if e.ConnectTimeout > 0 {
		return e.ConnectTimeout
	}
	return DefaultConnectTimeout
}
