package llm

import (
	"os"
	"strings"
)

// Provider identifies a model provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ProviderOptions carries explicit credentials; empty fields fall back to
// the provider's usual environment variables.
type ProviderOptions struct {
	APIKey  string
	BaseURL string
}

// ParseModelString splits a model string into provider and model name.
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"claude-3-5-haiku-latest"  → (anthropic, "claude-3-5-haiku-latest")
//	"gpt-4o"                   → (openai, "gpt-4o")
//	"llama3.2"                 → ollama if OLLAMA_HOST is set, openai if OPENAI_API_KEY is set, else anthropic
func ParseModelString(model string) (Provider, string) {
	if prefix, name, ok := strings.Cut(model, "/"); ok && prefix != "" {
		switch Provider(strings.ToLower(prefix)) {
		case ProviderOllama:
			return ProviderOllama, name
		case ProviderOpenAI:
			return ProviderOpenAI, name
		case ProviderAnthropic:
			return ProviderAnthropic, name
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic, model
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return ProviderOpenAI, model
	}

	if os.Getenv("OLLAMA_HOST") != "" {
		return ProviderOllama, model
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}
	return ProviderAnthropic, model
}

// NewClientForModel creates the client for model and returns the model name
// stripped of its provider prefix.
//
// Environment fallbacks:
//
//	ANTHROPIC_API_KEY  read by the Anthropic SDK
//	OPENAI_API_KEY     OpenAI API key
//	OPENAI_BASE_URL    OpenAI-compatible base URL
//	OLLAMA_HOST        Ollama address (default http://localhost:11434)
func NewClientForModel(model string, opts ProviderOptions) (Client, string) {
	provider, name := ParseModelString(model)

	switch provider {
	case ProviderOllama:
		host := opts.BaseURL
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaClient(host), name

	case ProviderOpenAI:
		key := firstNonEmpty(opts.APIKey, os.Getenv("OPENAI_API_KEY"))
		if base := firstNonEmpty(opts.BaseURL, os.Getenv("OPENAI_BASE_URL")); base != "" {
			return NewOpenAICompatibleClient(base, key), name
		}
		return NewOpenAIClient(key), name

	default:
		if opts.APIKey != "" {
			return NewAnthropicClientWithKey(opts.APIKey), name
		}
		return NewAnthropicClient(), name
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
