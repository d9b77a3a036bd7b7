package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/mcpagent/internal/llm"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(expiry time.Duration) (*MemoryStore, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(expiry)
	s.now = c.now
	return s, c
}

func TestMemoryStoreLifecycle(t *testing.T) {
	s, _ := newStore(0)
	ctx := context.Background()

	sess, err := s.Create(ctx, map[string]string{"client": "test"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sess.ID, "sess_") || sess.CreatedAt.IsZero() {
		t.Errorf("session = %+v", sess)
	}

	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	}
	if err := s.Save(ctx, sess.ID, msgs); err != nil {
		t.Fatal(err)
	}
	msgs[0].Content = "mutated"

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "hi" || got.Metadata["client"] != "test" {
		t.Errorf("session = %+v", got)
	}
	got.Messages[1].Content = "changed"
	if again, _ := s.Get(ctx, sess.ID); again.Messages[1].Content != "hello" {
		t.Error("Get must return a copy")
	}

	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if err := s.Save(ctx, sess.ID, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Save after delete = %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) = %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s, c := newStore(time.Minute)
	ctx := context.Background()

	old, _ := s.Create(ctx, nil)
	c.advance(45 * time.Second)
	fresh, _ := s.Create(ctx, nil)
	c.advance(30 * time.Second)

	list, _ := s.List(ctx)
	if len(list) != 1 || list[0].ID != fresh.ID {
		t.Fatalf("List() = %v", list)
	}
	if _, err := s.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(expired) = %v", err)
	}

	// Saving keeps a session alive.
	if err := s.Save(ctx, fresh.ID, nil); err != nil {
		t.Fatal(err)
	}
	c.advance(50 * time.Second)
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("Get(active) = %v", err)
	}

	c.advance(2 * time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d", n)
	}
}

func TestMemoryStoreAcquire(t *testing.T) {
	s, c := newStore(time.Minute)
	ctx := context.Background()
	sess, _ := s.Create(ctx, nil)

	release, err := s.Acquire(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Acquire(ctx, sess.ID); !errors.Is(err, ErrBusy) {
		t.Errorf("second Acquire = %v", err)
	}

	// A held session outlives the idle timeout.
	c.advance(5 * time.Minute)
	if s.Sweep() != 0 {
		t.Error("busy session swept")
	}
	release()
	release()

	again, err := s.Acquire(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Acquire after release = %v", err)
	}
	again()

	if _, err := s.Acquire(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acquire(missing) = %v", err)
	}
}

func TestMemoryStoreRunStops(t *testing.T) {
	s := NewMemoryStore(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()
	_, _ = s.Create(context.Background(), nil)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
