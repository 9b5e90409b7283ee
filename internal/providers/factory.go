package providers

import (
	"fmt"
	"os"

	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/registry"
)

// openaiCompatible describes a provider that speaks the OpenAI wire
// protocol at a different endpoint.
type openaiCompatible struct {
	keyEnv       string
	modelEnv     string
	defaultModel string
	baseURLEnv   string
	baseURL      string
	keyOptional  bool
	defaultKey   string
}

var compatible = map[string]openaiCompatible{
	"deepseek": {
		keyEnv: "DEEPSEEK_API_KEY", modelEnv: "DEEPSEEK_MODEL",
		defaultModel: "deepseek-chat", baseURL: "https://api.deepseek.com/v1",
	},
	"groq": {
		keyEnv: "GROQ_API_KEY", modelEnv: "GROQ_MODEL",
		defaultModel: "llama-3.1-70b-versatile", baseURL: "https://api.groq.com/openai/v1",
	},
	"ollama": {
		keyEnv: "OLLAMA_API_KEY", modelEnv: "OLLAMA_MODEL",
		defaultModel: "llama3.1", baseURLEnv: "OLLAMA_BASE_URL",
		baseURL: "http://localhost:11434/v1", keyOptional: true, defaultKey: "ollama",
	},
}

// firstEnv returns the first non-empty environment value, or def.
func firstEnv(def string, keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return def
}

// NewFromEnv builds a provider from VERDICT_PROVIDER and the matching
// credential variables. VERDICT_MODEL and VERDICT_BASE_URL override the
// provider-specific variables. Supported: openai, anthropic, mock, and
// the OpenAI-compatible endpoints (deepseek, groq, ollama).
func NewFromEnv() (model.API, string, error) {
	provider := os.Getenv("VERDICT_PROVIDER")
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("OPENAI_API_KEY not set")
		}
		modelID := firstEnv("gpt-4o-mini", "VERDICT_MODEL", "OPENAI_MODEL")
		baseURL := firstEnv("", "VERDICT_BASE_URL", "OPENAI_BASE_URL")
		return NewOpenAI(apiKey, modelID, baseURL), modelID, nil

	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		modelID := firstEnv("claude-3-5-sonnet-20241022", "VERDICT_MODEL", "ANTHROPIC_MODEL")
		return NewAnthropic(apiKey, modelID), modelID, nil

	case "mock":
		modelID := firstEnv("mock/default", "VERDICT_MODEL")
		return NewMock(modelID), modelID, nil
	}

	c, ok := compatible[provider]
	if !ok {
		return nil, "", fmt.Errorf("unknown VERDICT_PROVIDER: %s (supported: openai, anthropic, mock, deepseek, groq, ollama)", provider)
	}

	apiKey := os.Getenv(c.keyEnv)
	if apiKey == "" {
		if !c.keyOptional {
			return nil, "", fmt.Errorf("%s not set", c.keyEnv)
		}
		apiKey = c.defaultKey
	}
	modelID := firstEnv(c.defaultModel, "VERDICT_MODEL", c.modelEnv)
	baseURL := firstEnv(c.baseURL, "VERDICT_BASE_URL", c.baseURLEnv)
	return NewOpenAI(apiKey, modelID, baseURL), modelID, nil
}

func stringParam(params registry.Params, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// init registers the provider factories so logs and scans can name the
// provider that produced them.
func init() {
	registry.Register(registry.KindProvider, "openai", func(params registry.Params) (any, error) {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAI(apiKey, stringParam(params, "model"), stringParam(params, "base_url")), nil
	})
	registry.Register(registry.KindProvider, "anthropic", func(params registry.Params) (any, error) {
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		return NewAnthropic(apiKey, stringParam(params, "model")), nil
	})
	registry.Register(registry.KindProvider, "mock", func(params registry.Params) (any, error) {
		return NewMock(stringParam(params, "model")), nil
	})
}
