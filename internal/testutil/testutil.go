// Package testutil provides shared test helpers: in-memory MCP tool servers
// and assertions on classified errors.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/szaher/mcpagent/internal/failure"
)

// WriteFile writes content to name inside a per-test temporary directory and
// returns the full path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// AssertErrorContains asserts that err is non-nil and its message contains substr.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}

// AssertKind asserts that err is classified as kind.
func AssertKind(t *testing.T, err error, kind failure.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := failure.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}
