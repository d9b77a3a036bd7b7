package secrets

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("MCPAGENT_TEST_TOKEN", "secret-value-123")
	r := NewEnvResolver()

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{"set", "env(MCPAGENT_TEST_TOKEN)", "secret-value-123", ""},
		{"unset", "env(MCPAGENT_TEST_UNSET_VAR)", "", `environment variable "MCPAGENT_TEST_UNSET_VAR" not set`},
		{"wrong prefix", "notenv(VAR)", "", "unsupported secret reference format"},
		{"empty name", "env()", "", "unsupported secret reference format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.ref)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Resolve() = %q, %v", got, err)
			}
		})
	}
}

func TestResolveMap(t *testing.T) {
	t.Setenv("MCPAGENT_TEST_KEY", "k-123")
	var recorded []string
	out, err := ResolveMap(context.Background(), NewEnvResolver(),
		map[string]string{"API_KEY": "env(MCPAGENT_TEST_KEY)", "MODE": "fast"},
		func(s string) { recorded = append(recorded, s) })
	if err != nil {
		t.Fatal(err)
	}
	if out["API_KEY"] != "k-123" || out["MODE"] != "fast" {
		t.Errorf("out = %v", out)
	}
	if len(recorded) != 1 || recorded[0] != "k-123" {
		t.Errorf("recorded = %v", recorded)
	}

	if _, err := ResolveMap(context.Background(), NewEnvResolver(), map[string]string{"X": "env(MCPAGENT_TEST_NOPE)"}, nil); err == nil {
		t.Error("expected error for unset reference")
	}
	if out, err := ResolveMap(context.Background(), NewEnvResolver(), nil, nil); out != nil || err != nil {
		t.Errorf("nil map = %v, %v", out, err)
	}
}

func TestRedactFilterHandle(t *testing.T) {
	var buf bytes.Buffer
	f := NewRedactFilter(slog.NewTextHandler(&buf, nil))
	f.AddSecret("tok")
	f.AddSecret("tok-long")
	f.AddSecret("")

	logger := slog.New(f).With("bound", "tok-long")
	logger.Info("using tok",
		"header", "Bearer tok-long",
		"err", errors.New("denied for tok"),
		slog.Group("req", "auth", "tok"),
		"count", 3,
	)

	out := buf.String()
	if strings.Contains(out, "tok") {
		t.Fatalf("secret leaked: %s", out)
	}
	if strings.Contains(out, "***REDACTED***-long") {
		t.Errorf("longer secret must be redacted whole: %s", out)
	}
	if !strings.Contains(out, "count=3") {
		t.Errorf("non-string attrs must pass through: %s", out)
	}
}

func TestRedactStringWithoutSecrets(t *testing.T) {
	f := NewRedactFilter(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if got := f.RedactString("nothing here"); got != "nothing here" {
		t.Errorf("got %q", got)
	}
}
