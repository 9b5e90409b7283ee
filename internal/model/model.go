package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/concurrency"
	"github.com/ChamsBouzaiene/verdict/internal/limits"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

// Model wraps a provider API with the engine's call pipeline: config
// merging, history shaping, endpoint connection permits, caching, retries,
// and transcript/limit accounting. One Model is shared by all samples of a
// task; per-call state lives in GenerateRequest.
type Model struct {
	api     API
	baseURL string
	cfg     GenerateConfig
	cache   *Cache
}

// NewModel wraps api with base config applied to every call. baseURL feeds
// the cache fingerprint so the same prompt against different endpoints
// never collides. cache may be nil to disable caching entirely.
func NewModel(api API, baseURL string, cfg GenerateConfig, cache *Cache) *Model {
	return &Model{api: api, baseURL: baseURL, cfg: cfg, cache: cache}
}

// Name returns the underlying provider's model name.
func (m *Model) Name() string { return m.api.Name() }

// API exposes the wrapped provider, mainly for token counting.
func (m *Model) API() API { return m.api }

// Config returns the model's base config.
func (m *Model) Config() GenerateConfig { return m.cfg }

// GenerateRequest carries one call's inputs and the sample context it
// charges against. Transcript and Scope may be nil (e.g. utility calls
// outside a sample).
type GenerateRequest struct {
	Messages   []ChatMessage
	Tools      []ToolInfo
	ToolInputs map[string]ToolModelInput
	Choice     ToolChoice
	Config     GenerateConfig

	Transcript *transcript.Transcript
	Scope      *limits.Scope
}

// Generate performs one completion call through the full pipeline. The
// returned Output always has usage populated on success; on provider
// failure the model event is completed with the error and the error is
// returned. A limits.ExceededError return means the call itself succeeded
// but pushed the sample over a token or cost limit.
func (m *Model) Generate(ctx context.Context, req GenerateRequest) (*Output, error) {
	cfg := m.cfg.Merge(req.Config)
	if cfg.MaxTokens == 0 {
		if mt, ok := m.api.(MaxTokenser); ok {
			cfg.MaxTokens = mt.MaxTokens()
		}
		if cfg.MaxTokens == 0 {
			cfg.MaxTokens = DefaultMaxTokens
		}
	}

	choice := req.Choice
	if choice == "" {
		choice = ToolChoiceAuto
	}
	tools := req.Tools
	if choice == ToolChoiceNone && !toolsRequired(m.api) {
		tools = nil
	}

	messages := shapeHistory(m.api, req.Messages, cfg, req.ToolInputs)
	policy := reasoningHistory(m.api, cfg)

	// Cache lookup happens before the connection permit: a hit costs no
	// endpoint capacity and records no usage.
	var fingerprint string
	if cfg.Cache && m.cache != nil {
		fp, err := Fingerprint(m.baseURL, cfg, messages, choice, tools, policy)
		if err != nil {
			return nil, err
		}
		fingerprint = fp
		if out, ok := m.cache.Get(fingerprint); ok {
			m.recordModelEvent(req, messages, tools, cfg, out, "read", 0, nil)
			return out, nil
		}
	}

	ref, hasEvent := m.appendPendingEvent(req, messages, tools, cfg)

	release, err := m.acquirePermit(ctx, cfg, req.Scope)
	if err != nil {
		m.completeEvent(req, ref, hasEvent, nil, "", 0, err)
		return nil, err
	}
	defer release()

	opts := m.retryOptions(cfg, req.Scope)
	start := time.Now()
	out, err := limits.Retry(ctx, opts, func(ctx context.Context) (*Output, error) {
		return m.api.Generate(ctx, messages, tools, choice, cfg)
	})
	elapsed := time.Since(start)

	if err != nil {
		m.completeEvent(req, ref, hasEvent, nil, "", elapsed, err)
		return nil, err
	}
	out.Time = elapsed
	if out.Usage.TotalTokens == 0 && out.Usage.InputTokens == 0 && out.Usage.OutputTokens == 0 {
		out.Usage = estimateUsage(m.api, messages, out)
	}

	cacheState := ""
	if fingerprint != "" {
		if perr := m.cache.Put(fingerprint, out); perr != nil {
			log.Printf("WARNING: failed to write generate cache entry: %v", perr)
		} else {
			cacheState = "write"
		}
	}
	m.completeEvent(req, ref, hasEvent, out, cacheState, elapsed, nil)

	// Usage lands on the scope before the limit check so the check sees
	// this call's tokens, then a violation surfaces immediately.
	if req.Scope != nil {
		req.Scope.RecordTokens(out.Usage.TotalTokens)
		if out.Usage.TotalCost != nil {
			req.Scope.RecordCost(*out.Usage.TotalCost)
		}
		if lerr := req.Scope.CheckTokens(); lerr != nil {
			return out, lerr
		}
		if lerr := req.Scope.CheckCost(); lerr != nil {
			return out, lerr
		}
	}
	return out, nil
}

// estimateUsage fills in usage for providers that report none, using
// provider-native counters when implemented and character-based
// estimates otherwise. Limit scopes would never trip on a zero-usage
// provider without it.
func estimateUsage(api API, input []ChatMessage, out *Output) Usage {
	in := CountMessageTokens(api, input)
	generated := 0
	for _, c := range out.Choices {
		generated += CountMessageTokens(api, []ChatMessage{c.Message})
	}
	return Usage{InputTokens: in, OutputTokens: generated, TotalTokens: in + generated}
}

// Compact asks the provider to rewrite the history into a shorter
// equivalent. Providers without native compaction report ok=false and
// return the input unchanged; compaction usage is charged to the scope.
func (m *Model) Compact(ctx context.Context, req GenerateRequest) ([]ChatMessage, bool, error) {
	c, ok := m.api.(Compacter)
	if !ok {
		return req.Messages, false, nil
	}
	cfg := m.cfg.Merge(req.Config)
	messages, usage, err := c.Compact(ctx, req.Messages, req.Tools, cfg, "")
	if err != nil {
		return nil, false, fmt.Errorf("compaction failed: %w", err)
	}
	if req.Scope != nil {
		req.Scope.RecordTokens(usage.TotalTokens)
	}
	return messages, true, nil
}

// acquirePermit takes a slot in the per-endpoint pool, crediting the wait
// to the scope's waiting clock.
func (m *Model) acquirePermit(ctx context.Context, cfg GenerateConfig, scope *limits.Scope) (func(), error) {
	pool := concurrency.Named(connectionKey(m.api), maxConnections(m.api, cfg))
	waitStart := time.Now()
	release, err := pool.Acquire(ctx)
	if scope != nil {
		scope.ReportWaiting(time.Since(waitStart))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire model connection: %w", err)
	}
	return release, nil
}

// retryOptions builds the call's retry policy from config plus provider
// hooks: the provider classifies transient errors, auth failures trigger a
// client reinit before the next attempt, and backoff waits are reported as
// waiting time.
func (m *Model) retryOptions(cfg GenerateConfig, scope *limits.Scope) limits.RetryOptions {
	opts := limits.DefaultRetryOptions()
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.AttemptTimeout > 0 {
		opts.AttemptTimeout = cfg.AttemptTimeout
	}

	retryable := shouldRetry(m.api)
	af, hasAuth := m.api.(AuthFailurer)
	ri, hasReinit := m.api.(Reiniter)
	opts.ShouldRetry = func(err error) bool {
		if hasAuth && hasReinit && af.IsAuthFailure(err) {
			return true
		}
		return retryable(err)
	}
	if hasAuth && hasReinit {
		opts.BeforeRetry = func(ctx context.Context, err error) error {
			if af.IsAuthFailure(err) {
				return ri.Reinit(ctx)
			}
			return nil
		}
	}
	if scope != nil {
		opts.OnWait = func(d time.Duration) { scope.ReportWaiting(d) }
	}
	return opts
}

// appendPendingEvent writes the model event in its pending state before the
// provider request goes out, so an interrupted run still shows the attempt.
func (m *Model) appendPendingEvent(req GenerateRequest, messages []ChatMessage, tools []ToolInfo, cfg GenerateConfig) (transcript.Ref, bool) {
	if req.Transcript == nil {
		return 0, false
	}
	ref := req.Transcript.Append(transcript.Event{
		Type: transcript.EventModel,
		Model: &transcript.ModelEvent{
			Model:   m.api.Name(),
			Input:   mustJSON(messages),
			Tools:   mustJSON(tools),
			Config:  mustJSON(cfg),
			Pending: true,
		},
	})
	return ref, true
}

// completeEvent finishes the pending event with either the output or the
// error. On failure a stack trace is captured for the traceback field.
func (m *Model) completeEvent(req GenerateRequest, ref transcript.Ref, hasEvent bool, out *Output, cacheState string, elapsed time.Duration, err error) {
	if !hasEvent {
		return
	}
	req.Transcript.Update(ref, func(e *transcript.Event) {
		if e.Model == nil {
			return
		}
		e.Model.Pending = false
		e.Model.Duration = elapsed
		e.Model.Cache = cacheState
		if err != nil {
			e.Model.Error = err.Error()
			e.Model.Traceback = string(debug.Stack())
			return
		}
		e.Model.Output = mustJSON(out)
	})
}

// recordModelEvent appends an already-complete model event (cache hits skip
// the pending state; there is no in-flight request to track).
func (m *Model) recordModelEvent(req GenerateRequest, messages []ChatMessage, tools []ToolInfo, cfg GenerateConfig, out *Output, cacheState string, elapsed time.Duration, err error) {
	if req.Transcript == nil {
		return
	}
	ev := &transcript.ModelEvent{
		Model:    m.api.Name(),
		Input:    mustJSON(messages),
		Tools:    mustJSON(tools),
		Config:   mustJSON(cfg),
		Cache:    cacheState,
		Duration: elapsed,
	}
	if err != nil {
		ev.Error = err.Error()
	} else {
		ev.Output = mustJSON(out)
	}
	req.Transcript.Append(transcript.Event{Type: transcript.EventModel, Model: ev})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return data
}
