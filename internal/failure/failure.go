// Package failure defines the error taxonomy shared by the connection
// manager, tool router and conversation orchestrator.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindConnection          Kind = "ConnectionError"
	KindHandshake           Kind = "HandshakeError"
	KindProtocol            Kind = "ProtocolError"
	KindTimeout             Kind = "TimeoutError"
	KindRemoteTool          Kind = "RemoteToolError"
	KindConnectionLost      Kind = "ConnectionLostError"
	KindUnknownTool         Kind = "UnknownTool"
	KindToolUnavailable     Kind = "ToolUnavailable"
	KindNameCollision       Kind = "NameCollisionError"
	KindTurnLimitExceeded   Kind = "TurnLimitExceeded"
	KindModel               Kind = "ModelError"
	KindCanceled            Kind = "Canceled"
	KindTokenBudgetExceeded Kind = "TokenBudgetExceeded"
)

// Sentinels for errors.Is matching by kind.
var (
	Connection          = &Error{Kind: KindConnection}
	Handshake           = &Error{Kind: KindHandshake}
	Protocol            = &Error{Kind: KindProtocol}
	Timeout             = &Error{Kind: KindTimeout}
	RemoteTool          = &Error{Kind: KindRemoteTool}
	ConnectionLost      = &Error{Kind: KindConnectionLost}
	UnknownTool         = &Error{Kind: KindUnknownTool}
	ToolUnavailable     = &Error{Kind: KindToolUnavailable}
	NameCollision       = &Error{Kind: KindNameCollision}
	TurnLimitExceeded   = &Error{Kind: KindTurnLimitExceeded}
	Model               = &Error{Kind: KindModel}
	Canceled            = &Error{Kind: KindCanceled}
	TokenBudgetExceeded = &Error{Kind: KindTokenBudgetExceeded}
)

// Error is a classified failure. Server and Tool are optional context.
type Error struct {
	Kind   Kind
	Op     string
	Server string
	Tool   string
	Msg    string
	Err    error
}

// New creates a classified error with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithServer returns a copy of e annotated with a server name.
func (e *Error) WithServer(server string) *Error {
	c := *e
	c.Server = server
	return &c
}

// WithTool returns a copy of e annotated with a tool name.
func (e *Error) WithTool(tool string) *Error {
	c := *e
	c.Tool = tool
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Server != "" {
		fmt.Fprintf(&b, " server=%q", e.Server)
	}
	if e.Tool != "" {
		fmt.Fprintf(&b, " tool=%q", e.Tool)
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		fmt.Fprintf(&b, ": %s: %v", e.Msg, e.Err)
	case e.Msg != "":
		b.WriteString(": ")
		b.WriteString(e.Msg)
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind whose context fields are empty,
// so errors.Is(err, failure.Timeout) works for any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return (t.Server == "" || t.Server == e.Server) && (t.Tool == "" || t.Tool == e.Tool)
}

// KindOf returns the kind of the first classified error in err's chain, or
// "" when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Message returns the human-readable part of err without the kind prefix
// when err is classified, for feeding back to the model.
func Message(err error) string {
	var fe *Error
	if !errors.As(err, &fe) {
		return err.Error()
	}
	switch {
	case fe.Msg != "" && fe.Err != nil:
		return fe.Msg + ": " + fe.Err.Error()
	case fe.Msg != "":
		return fe.Msg
	case fe.Err != nil:
		return fe.Err.Error()
	}
	return string(fe.Kind)
}
