package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/telemetry"
)

// DefaultExpiry is the idle time after which a session is dropped.
const DefaultExpiry = 30 * time.Minute

type entry struct {
	sess *Session
	busy bool
}

// MemoryStore is an in-memory session store with idle expiry.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	expiry   time.Duration
	now      func() time.Time
}

// NewMemoryStore creates an in-memory session store. expiry is the idle
// timeout; 0 means sessions never expire.
func NewMemoryStore(expiry time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*entry),
		expiry:   expiry,
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, metadata map[string]string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &Session{
		ID:         "sess_" + telemetry.NewID(),
		CreatedAt:  now,
		LastActive: now,
		Metadata:   metadata,
	}
	s.sessions[sess.ID] = &entry{sess: sess}
	return sess.clone(), nil
}

// lookup returns the live entry for id, dropping it if it expired. Busy
// sessions never expire. Callers hold s.mu.
func (s *MemoryStore) lookup(id string) (*entry, error) {
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if s.expired(e) {
		delete(s.sessions, id)
		return nil, fmt.Errorf("%w: %q expired", ErrNotFound, id)
	}
	return e, nil
}

func (s *MemoryStore) expired(e *entry) bool {
	return s.expiry > 0 && !e.busy && s.now().Sub(e.sess.LastActive) > s.expiry
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.sess.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, id string, messages []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.sess.Messages = slices.Clone(messages)
	e.sess.LastActive = s.now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		if s.expired(e) {
			continue
		}
		out = append(out, e.sess.clone())
	}
	slices.SortFunc(out, func(a, b *Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Acquire(_ context.Context, id string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if e.busy {
		return nil, fmt.Errorf("%w: %q", ErrBusy, id)
	}
	e.busy = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e.busy = false
			e.sess.LastActive = s.now()
			s.mu.Unlock()
		})
	}, nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.sessions {
		if s.expired(e) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx ends.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
