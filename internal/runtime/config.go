// Package runtime assembles the connection manager, tool registry, router
// and orchestrator from a configuration file.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/mcpagent/internal/loop"
	"github.com/szaher/mcpagent/internal/mcp"
	"github.com/szaher/mcpagent/internal/memory"
	"github.com/szaher/mcpagent/internal/secrets"
	"github.com/szaher/mcpagent/internal/tools"
)

// Defaults applied by LoadConfig.
const (
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 1000
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Config is the agent configuration file.
type Config struct {
	Model       string   `yaml:"model"`
	System      string   `yaml:"system,omitempty"`
	MaxTurns    int      `yaml:"max_turns"`
	MaxTokens   int      `yaml:"max_tokens"`
	TokenBudget int      `yaml:"token_budget,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`

	// Provider credentials. APIKey may be an env(NAME) reference.
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	CallTimeout    Duration        `yaml:"call_timeout"`
	ConnectTimeout Duration        `yaml:"connect_timeout"`
	MaxConcurrency int             `yaml:"max_concurrency"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	Tools          ToolsConfig     `yaml:"tools"`
	History        HistoryConfig   `yaml:"history"`
	Servers        []ServerConfig  `yaml:"servers"`
}

type ReconnectConfig struct {
	Attempts   int      `yaml:"attempts"`
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
	Wait       Duration `yaml:"wait"`
}

type ToolsConfig struct {
	Collision string `yaml:"collision"`
	Filter    string `yaml:"filter,omitempty"`
}

type HistoryConfig struct {
	Strategy    string `yaml:"strategy"`
	MaxMessages int    `yaml:"max_messages"`
}

// ServerConfig describes one tool server. Env and header values may be
// env(NAME) references.
type ServerConfig struct {
	Name           string            `yaml:"name"`
	Transport      string            `yaml:"transport,omitempty"`
	Command        string            `yaml:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	URL            string            `yaml:"url,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	ConnectTimeout Duration          `yaml:"connect_timeout,omitempty"`
}

// LoadConfig reads, defaults and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML (or JSON) configuration. Unknown keys are
// rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = loop.DefaultMaxTurns
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = Duration(tools.DefaultCallTimeout)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(mcp.DefaultConnectTimeout)
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = tools.DefaultMaxConcurrency
	}
	def := mcp.DefaultReconnectPolicy
	if c.Reconnect.Attempts == 0 {
		c.Reconnect.Attempts = def.Attempts
	}
	if c.Reconnect.Backoff == 0 {
		c.Reconnect.Backoff = Duration(def.Backoff)
	}
	if c.Reconnect.MaxBackoff == 0 {
		c.Reconnect.MaxBackoff = Duration(def.MaxBackoff)
	}
	if c.Reconnect.Wait == 0 {
		c.Reconnect.Wait = Duration(tools.DefaultReconnectWait)
	}
	if c.Tools.Collision == "" {
		c.Tools.Collision = string(tools.FirstWins)
	}
	if c.History.Strategy == "" {
		c.History.Strategy = string(memory.StrategyNone)
	}
	if c.History.MaxMessages == 0 {
		c.History.MaxMessages = memory.DefaultMaxMessages
	}
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.MaxTurns > 0, "max_turns must be positive, got %d", c.MaxTurns)
	check(c.MaxTokens > 0, "max_tokens must be positive, got %d", c.MaxTokens)
	check(c.TokenBudget >= 0, "token_budget must not be negative")
	check(c.CallTimeout > 0, "call_timeout must be positive")
	check(c.ConnectTimeout > 0, "connect_timeout must be positive")
	check(c.MaxConcurrency > 0, "max_concurrency must be positive, got %d", c.MaxConcurrency)
	check(c.Reconnect.Attempts > 0, "reconnect.attempts must be positive")
	check(c.Reconnect.Backoff >= 0 && c.Reconnect.MaxBackoff >= c.Reconnect.Backoff,
		"reconnect.max_backoff must not be below reconnect.backoff")
	check(c.History.MaxMessages > 0, "history.max_messages must be positive")

	if _, err := tools.ParseCollisionPolicy(c.Tools.Collision); err != nil {
		errs = append(errs, err)
	}
	if c.Tools.Filter != "" {
		if _, err := tools.CompileFilter(c.Tools.Filter); err != nil {
			errs = append(errs, err)
		}
	}
	switch memory.Strategy(c.History.Strategy) {
	case memory.StrategyNone, memory.StrategySlidingWindow, memory.StrategySummary:
	default:
		errs = append(errs, fmt.Errorf("unknown history strategy %q", c.History.Strategy))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate server name %q", i, s.Name))
			continue
		}
		seen[s.Name] = true
		if err := s.endpoint(nil, nil).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Loop returns the orchestrator settings.
func (c *Config) Loop() loop.Config {
	return loop.Config{
		Model:       c.Model,
		System:      c.System,
		MaxTurns:    c.MaxTurns,
		MaxTokens:   c.MaxTokens,
		TokenBudget: c.TokenBudget,
		Temperature: c.Temperature,
	}
}

// ReconnectPolicy returns the manager's reconnect policy.
func (c *Config) ReconnectPolicy() mcp.ReconnectPolicy {
	return mcp.ReconnectPolicy{
		Attempts:   c.Reconnect.Attempts,
		Backoff:    time.Duration(c.Reconnect.Backoff),
		MaxBackoff: time.Duration(c.Reconnect.MaxBackoff),
	}
}

// Endpoints resolves secret references and returns the server endpoints.
// Every resolved value is passed to record.
func (c *Config) Endpoints(ctx context.Context, r secrets.Resolver, record func(string)) ([]mcp.Endpoint, error) {
	eps := make([]mcp.Endpoint, 0, len(c.Servers))
	for _, s := range c.Servers {
		env, err := secrets.ResolveMap(ctx, r, s.Env, record)
		if err != nil {
			return nil, fmt.Errorf("server %s env: %w", s.Name, err)
		}
		headers, err := secrets.ResolveMap(ctx, r, s.Headers, record)
		if err != nil {
			return nil, fmt.Errorf("server %s headers: %w", s.Name, err)
		}
		ep := s.endpoint(env, headers)
		if ep.ConnectTimeout == 0 {
			ep.ConnectTimeout = time.Duration(c.ConnectTimeout)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func (s ServerConfig) endpoint(env, headers map[string]string) mcp.Endpoint {
	return mcp.Endpoint{
		Name:           s.Name,
		Transport:      s.Transport,
		Command:        s.Command,
		Args:           s.Args,
		Env:            env,
		URL:            s.URL,
		Headers:        headers,
		ConnectTimeout: time.Duration(s.ConnectTimeout),
	}.Normalize()
}
