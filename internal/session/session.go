// Package session keeps conversation histories between requests so that
// HTTP clients can continue a conversation by id.
package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/szaher/mcpagent/internal/llm"
)

var (
	// ErrNotFound is returned for unknown and expired sessions.
	ErrNotFound = errors.New("session not found")
	// ErrBusy is returned by Acquire while another request holds the session.
	ErrBusy = errors.New("session busy")
)

// Session is a stored conversation.
type Session struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Messages   []llm.Message     `json:"messages"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Messages = slices.Clone(s.Messages)
	return &c
}

// Store manages session lifecycle.
type Store interface {
	// Create starts an empty session.
	Create(ctx context.Context, metadata map[string]string) (*Session, error)

	// Get returns a copy of the session.
	Get(ctx context.Context, id string) (*Session, error)

	// Save replaces the session history and marks it active.
	Save(ctx context.Context, id string, messages []llm.Message) error

	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the live sessions, oldest first.
	List(ctx context.Context) ([]*Session, error)

	// Acquire reserves the session for one request. The returned func
	// releases it.
	Acquire(ctx context.Context, id string) (func(), error)
}
