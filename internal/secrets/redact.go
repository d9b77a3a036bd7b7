package secrets

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

const placeholder = "***REDACTED***"

// RedactFilter wraps a slog handler to scrub resolved secret values from log
// output: the message, string and error attributes, and nested groups.
type RedactFilter struct {
	inner slog.Handler
	set   *secretSet
}

type secretSet struct {
	mu     sync.RWMutex
	values []string // longest first, so overlapping secrets redact fully
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{inner: inner, set: &secretSet{}}
}

// AddSecret registers a value to be redacted. Empty values are ignored.
func (f *RedactFilter) AddSecret(value string) {
	if value == "" {
		return
	}
	f.set.mu.Lock()
	defer f.set.mu.Unlock()
	if slices.Contains(f.set.values, value) {
		return
	}
	// Copy on write: readers hold the previous slice without the lock.
	values := append(slices.Clone(f.set.values), value)
	slices.SortFunc(values, func(a, b string) int { return len(b) - len(a) })
	f.set.values = values
}

func (f *RedactFilter) secrets() []string {
	f.set.mu.RLock()
	defer f.set.mu.RUnlock()
	return f.set.values
}

// RedactString replaces any known secret values in s.
func (f *RedactFilter) RedactString(s string) string {
	return redact(s, f.secrets())
}

func redact(s string, secrets []string) string {
	for _, v := range secrets {
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.secrets()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}
	out := slog.NewRecord(record.Time, record.Level, redact(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, out)
}

// WithAttrs redacts pre-bound attributes against the secrets known now. The
// returned handler shares the secret set.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := f.secrets()
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a, secrets)
	}
	return &RedactFilter{inner: f.inner.WithAttrs(clean), set: f.set}
}

func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), set: f.set}
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redact(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = redactAttr(g, secrets)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, redact(err.Error(), secrets))
		}
	}
	return a
}
