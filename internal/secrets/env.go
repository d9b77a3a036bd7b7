// Package secrets resolves secret references in server configuration and
// keeps resolved values out of log output.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvResolver resolves references of the form "env(VAR_NAME)" from the
// process environment.
type EnvResolver struct{}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// IsRef reports whether s is an env(...) reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, "env(") && strings.HasSuffix(s, ")") && len(s) > len("env()")
}

// Resolve looks up an env() reference and returns the value.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	if !IsRef(ref) {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(VAR_NAME))", ref)
	}
	name := ref[len("env(") : len(ref)-1]
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return value, nil
}

// ResolveMap returns a copy of values with every reference replaced by its
// resolved value. Literal values pass through. Each resolved value is handed
// to record, typically RedactFilter.AddSecret.
func ResolveMap(ctx context.Context, r Resolver, values map[string]string, record func(string)) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if !IsRef(v) {
			out[k] = v
			continue
		}
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		if record != nil {
			record(resolved)
		}
		out[k] = resolved
	}
	return out, nil
}
