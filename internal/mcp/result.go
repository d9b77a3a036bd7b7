package mcp

import (
	"encoding/json"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// CallResult is a tool call outcome as reported by the server. IsError marks
// a tool that ran and reported failure; Text then holds the server's message.
type CallResult struct {
	Text       string
	Structured any
	IsError    bool
}

func newCallResult(res *mcpsdk.CallToolResult) *CallResult {
	if res == nil {
		return &CallResult{}
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch ct := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, ct.Text)
		default:
			// Non-text content is passed through in its wire form.
			if b, err := json.Marshal(ct); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return &CallResult{
		Text:       strings.Join(parts, "\n"),
		Structured: res.StructuredContent,
		IsError:    res.IsError,
	}
}

// Value returns the structured content when the server sent any, else the
// text decoded as JSON when it parses, else the raw text.
func (r *CallResult) Value() any {
	if r.Structured != nil {
		return r.Structured
	}
	var v any
	if err := json.Unmarshal([]byte(r.Text), &v); err == nil {
		return v
	}
	return r.Text
}
