package tools

import (
	"time"

	"github.com/szaher/mcpagent/internal/failure"
)

// Request is one tool invocation issued by the model.
type Request struct {
	// ID correlates the request with its Result.
	ID        string
	Name      string
	Arguments map[string]any
	// ProviderID is the model provider's id for the call, echoed back to it.
	ProviderID string
	// ParseError is set when the provider's arguments could not be decoded.
	ParseError string
}

// Result is the outcome of a Request. Kind is empty on success.
type Result struct {
	CallID     string
	Content    string
	Structured any
	Kind       failure.Kind
	Message    string
	Server     string
	Duration   time.Duration
}

// OK reports success.
func (r Result) OK() bool { return r.Kind == "" }

// Text is the result as shown to the model: the content on success, or the
// failure kind and message.
func (r Result) Text() string {
	if r.OK() {
		return r.Content
	}
	if r.Message == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ": " + r.Message
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &failure.Error{Kind: r.Kind, Server: r.Server, Msg: r.Message}
}

func failed(req Request, kind failure.Kind, msg string) Result {
	return Result{CallID: req.ID, Kind: kind, Message: msg}
}
