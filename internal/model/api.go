package model

import (
	"context"
)

// API is the provider contract. Implementations adapt one SDK (OpenAI,
// Anthropic, a mock) to the engine's types. Only Generate and the identity
// methods are required; behavioral knobs are optional interfaces below,
// with package defaults applied when a provider doesn't implement them.
type API interface {
	// Name returns the provider's model name (e.g. "gpt-4o-mini").
	Name() string

	// Generate performs one completion call. The engine has already done
	// history shaping and holds the endpoint connection permit.
	Generate(ctx context.Context, messages []ChatMessage, tools []ToolInfo, choice ToolChoice, cfg GenerateConfig) (*Output, error)
}

// Optional provider interfaces. The engine discovers these with type
// assertions and falls back to defaults.

// ConnectionKeyer scopes the endpoint semaphore. Providers sharing an API
// key/account should return the same key so they share one permit pool.
type ConnectionKeyer interface {
	ConnectionKey() string
}

// MaxConnectionser declares the default per-endpoint concurrency.
type MaxConnectionser interface {
	MaxConnections() int
}

// MaxTokenser declares the provider's default max_tokens.
type MaxTokenser interface {
	MaxTokens() int
}

// ShouldRetrier classifies transient provider failures.
type ShouldRetrier interface {
	ShouldRetry(err error) bool
}

// AuthFailurer identifies auth failures (401/403). Combined with a
// configured key-override hook, these trigger a close+reinit retry.
type AuthFailurer interface {
	IsAuthFailure(err error) bool
}

// Reiniter closes the provider's client and reinitializes credentials.
// Called as the before-retry hook on auth failures.
type Reiniter interface {
	Reinit(ctx context.Context) error
}

// MessageCollapser declares whether consecutive same-role messages must be
// merged before the call (some providers reject alternating-violation
// histories).
type MessageCollapser interface {
	CollapseUserMessages() bool
	CollapseAssistantMessages() bool
}

// ToolsRequireder declares that tool parameters must be sent even when the
// tool list is empty or tool_choice is "none".
type ToolsRequireder interface {
	ToolsRequired() bool
}

// ToolResultImager declares whether images may ride inside tool-result
// messages. When false the engine reflows them into user messages.
type ToolResultImager interface {
	ToolResultImages() bool
}

// ReasoningHistorier declares the provider's reasoning-history policy.
// Force takes precedence over any configured value; Auto applies when the
// config says "auto".
type ReasoningHistorier interface {
	ForceReasoningHistory() (ReasoningHistory, bool)
	AutoReasoningHistory() ReasoningHistory
}

// TextTokenCounter supplies provider-native token counts for text.
type TextTokenCounter interface {
	CountTextTokens(text string) int
}

// MediaTokenCounter supplies provider-native token counts for media parts.
type MediaTokenCounter interface {
	CountMediaTokens(c Content) int
}

// Compacter optionally rewrites a message list into a shorter equivalent,
// returning the replacement messages and the usage the compaction cost.
type Compacter interface {
	Compact(ctx context.Context, messages []ChatMessage, tools []ToolInfo, cfg GenerateConfig, instructions string) ([]ChatMessage, Usage, error)
}

// connectionKey resolves the semaphore key for an API.
func connectionKey(api API) string {
	if ck, ok := api.(ConnectionKeyer); ok {
		if k := ck.ConnectionKey(); k != "" {
			return k
		}
	}
	return api.Name()
}

// maxConnections resolves the endpoint pool size: call config wins, then
// the provider default, then the package default.
func maxConnections(api API, cfg GenerateConfig) int {
	if cfg.MaxConnections > 0 {
		return cfg.MaxConnections
	}
	if mc, ok := api.(MaxConnectionser); ok {
		if n := mc.MaxConnections(); n > 0 {
			return n
		}
	}
	return DefaultMaxConnections
}

// shouldRetry resolves the provider's transient-error classifier.
func shouldRetry(api API) func(error) bool {
	if sr, ok := api.(ShouldRetrier); ok {
		return sr.ShouldRetry
	}
	return func(error) bool { return false }
}

// reasoningHistory resolves the effective policy for this call.
func reasoningHistory(api API, cfg GenerateConfig) ReasoningHistory {
	if rh, ok := api.(ReasoningHistorier); ok {
		if forced, ok := rh.ForceReasoningHistory(); ok {
			return forced
		}
	}
	policy := cfg.ReasoningHistory
	if policy == "" {
		policy = ReasoningHistoryAuto
	}
	if policy == ReasoningHistoryAuto {
		if rh, ok := api.(ReasoningHistorier); ok {
			return rh.AutoReasoningHistory()
		}
		return ReasoningHistoryAll
	}
	return policy
}

// toolResultImages resolves whether tool results may carry images.
func toolResultImages(api API) bool {
	if tri, ok := api.(ToolResultImager); ok {
		return tri.ToolResultImages()
	}
	return true
}

// toolsRequired resolves whether tool params must always be sent.
func toolsRequired(api API) bool {
	if tr, ok := api.(ToolsRequireder); ok {
		return tr.ToolsRequired()
	}
	return false
}
