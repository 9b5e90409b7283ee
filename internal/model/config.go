package model

import "time"

// ReasoningHistory controls how reasoning content parts on historical
// assistant messages are presented back to the provider.
type ReasoningHistory string

const (
	ReasoningHistoryNone ReasoningHistory = "none"
	ReasoningHistoryAll  ReasoningHistory = "all"
	ReasoningHistoryLast ReasoningHistory = "last"
	ReasoningHistoryAuto ReasoningHistory = "auto"
)

// GenerateConfig carries the knobs forwarded to providers. Configs merge in
// task → model → call order; later non-zero fields win. Extra is a
// pass-through bag for provider-specific knobs.
type GenerateConfig struct {
	MaxTokens         int              `json:"max_tokens,omitempty"`
	Temperature       *float64         `json:"temperature,omitempty"`
	TopP              *float64         `json:"top_p,omitempty"`
	SystemMessage     string           `json:"system_message,omitempty"`
	MaxRetries        int              `json:"max_retries,omitempty"`
	AttemptTimeout    time.Duration    `json:"attempt_timeout,omitempty"`
	MaxConnections    int              `json:"max_connections,omitempty"`
	Cache             bool             `json:"cache,omitempty"`
	ParallelToolCalls *bool            `json:"parallel_tool_calls,omitempty"`
	MaxToolOutput     int              `json:"max_tool_output,omitempty"`
	ReasoningHistory  ReasoningHistory `json:"reasoning_history,omitempty"`
	Extra             map[string]any   `json:"extra,omitempty"`
}

// Merge overlays o on top of c: any field set in o replaces c's value.
func (c GenerateConfig) Merge(o GenerateConfig) GenerateConfig {
	out := c
	if o.MaxTokens != 0 {
		out.MaxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		out.Temperature = o.Temperature
	}
	if o.TopP != nil {
		out.TopP = o.TopP
	}
	if o.SystemMessage != "" {
		out.SystemMessage = o.SystemMessage
	}
	if o.MaxRetries != 0 {
		out.MaxRetries = o.MaxRetries
	}
	if o.AttemptTimeout != 0 {
		out.AttemptTimeout = o.AttemptTimeout
	}
	if o.MaxConnections != 0 {
		out.MaxConnections = o.MaxConnections
	}
	if o.Cache {
		out.Cache = true
	}
	if o.ParallelToolCalls != nil {
		out.ParallelToolCalls = o.ParallelToolCalls
	}
	if o.MaxToolOutput != 0 {
		out.MaxToolOutput = o.MaxToolOutput
	}
	if o.ReasoningHistory != "" {
		out.ReasoningHistory = o.ReasoningHistory
	}
	if len(o.Extra) > 0 {
		merged := make(map[string]any, len(c.Extra)+len(o.Extra))
		for k, v := range c.Extra {
			merged[k] = v
		}
		for k, v := range o.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// connectionless strips the connection-level options that must not affect
// the cache fingerprint (retry budget, timeouts, pool size, cache flag).
func (c GenerateConfig) connectionless() GenerateConfig {
	c.MaxRetries = 0
	c.AttemptTimeout = 0
	c.MaxConnections = 0
	c.Cache = false
	return c
}

const (
	// DefaultMaxTokens fills GenerateConfig.MaxTokens when neither the
	// caller nor the provider supplies one.
	DefaultMaxTokens = 4096

	// DefaultMaxConnections bounds per-endpoint concurrency when the
	// provider doesn't declare its own ceiling.
	DefaultMaxConnections = 10

	// DefaultMaxToolOutput caps tool result size fed back to the model.
	DefaultMaxToolOutput = 16 * 1024
)
