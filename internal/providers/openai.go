package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/ChamsBouzaiene/verdict/internal/model"
)

// OpenAI adapts the OpenAI chat completions API (and any compatible
// endpoint) to model.API.
type OpenAI struct {
	client  *openai.Client
	modelID string
	baseURL string
	apiKey  string
}

// NewOpenAI creates an adapter for modelID. baseURL may point at any
// OpenAI-compatible endpoint; empty means api.openai.com.
func NewOpenAI(apiKey, modelID, baseURL string) *OpenAI {
	p := &OpenAI{modelID: modelID, baseURL: baseURL, apiKey: apiKey}
	p.initClient()
	return p
}

func (p *OpenAI) initClient() {
	config := openai.DefaultConfig(p.apiKey)
	if p.baseURL != "" {
		config.BaseURL = p.baseURL
	}
	p.client = openai.NewClientWithConfig(config)
}

func (p *OpenAI) Name() string { return p.modelID }

// ConnectionKey shares one endpoint semaphore across all models pointed
// at the same base URL.
func (p *OpenAI) ConnectionKey() string {
	if p.baseURL != "" {
		return "openai:" + p.baseURL
	}
	return "openai"
}

// ShouldRetry retries rate limits and server errors.
func (p *OpenAI) ShouldRetry(err error) bool { return retryableStatus(errStatus(err)) }

// IsAuthFailure reports 401/403.
func (p *OpenAI) IsAuthFailure(err error) bool { return authStatus(errStatus(err)) }

// Reinit rebuilds the client, picking up rotated credentials.
func (p *OpenAI) Reinit(ctx context.Context) error {
	p.initClient()
	return nil
}

// ToolResultImages is false: the chat completions API rejects image
// parts in tool messages, so the engine reflows them into user messages.
func (p *OpenAI) ToolResultImages() bool { return false }

func (p *OpenAI) Generate(ctx context.Context, messages []model.ChatMessage, tools []model.ToolInfo, choice model.ToolChoice, cfg model.GenerateConfig) (*model.Output, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.modelID,
		Messages: toOpenAIMessages(messages, cfg.SystemMessage),
	}

	for _, t := range tools {
		schema, err := toolSchema(t)
		if err != nil {
			return nil, err
		}
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = toOpenAIToolChoice(choice)
	}

	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		t := float32(*cfg.Temperature)
		req.Temperature = &t
	}
	if cfg.TopP != nil {
		req.TopP = float32(*cfg.TopP)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		status := 0
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.HTTPStatusCode
		}
		return nil, wrapAPIError(err, status)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from %s", p.modelID)
	}

	out := &model.Output{
		Model: resp.Model,
		Usage: model.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, fromOpenAIChoice(c))
	}
	return out, nil
}

// toolSchema round-trips ToolParams through JSON into the loose map the
// SDKs expect.
func toolSchema(t model.ToolInfo) (map[string]any, error) {
	raw, err := json.Marshal(t.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool schema for %s: %w", t.Name, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
	}
	return schema, nil
}

func toOpenAIMessages(messages []model.ChatMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})
		case model.RoleUser:
			if msg.HasImages() {
				out = append(out, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: toOpenAIParts(msg.Content),
				})
			} else {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Text(),
				})
			}
		case model.RoleAssistant:
			// The SDK serializes an empty string as null, which the API
			// rejects; a single space is semantically equivalent.
			content := msg.Text()
			if content == "" && len(msg.ToolCalls) == 0 {
				content = " "
			}
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function,
						Arguments: string(args),
					},
				})
			}
			out = append(out, m)
		case model.RoleTool:
			content := msg.Text()
			if content == "" {
				content = "{}"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.ToolCallID,
				Content:    content,
			})
		}
	}
	return out
}

func toOpenAIParts(content []model.Content) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, c := range content {
		switch c.Type {
		case model.ContentText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: c.Text,
			})
		case model.ContentImage:
			detail := openai.ImageURLDetailAuto
			switch c.Detail {
			case "low":
				detail = openai.ImageURLDetailLow
			case "high":
				detail = openai.ImageURLDetailHigh
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    c.Image,
					Detail: detail,
				},
			})
		}
	}
	return parts
}

func toOpenAIToolChoice(choice model.ToolChoice) any {
	if name, ok := choice.ForcedName(); ok {
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: name},
		}
	}
	switch choice {
	case model.ToolChoiceNone:
		return "none"
	case model.ToolChoiceAny:
		return "required"
	default:
		return "auto"
	}
}

func fromOpenAIChoice(c openai.ChatCompletionChoice) model.Choice {
	msg := model.AssistantMessage(c.Message.Content)
	for _, tc := range c.Message.ToolCalls {
		call := model.ToolCall{ID: tc.ID, Function: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
				call.Arguments = map[string]any{}
				call.ParseError = err.Error()
			}
		} else {
			call.Arguments = map[string]any{}
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	stop := model.StopReasonStop
	switch {
	case len(msg.ToolCalls) > 0:
		stop = model.StopReasonToolCalls
	case c.FinishReason == openai.FinishReasonLength:
		stop = model.StopReasonMaxTokens
	case c.FinishReason == openai.FinishReasonContentFilter:
		stop = model.StopReasonContentFilter
	}
	return model.Choice{Message: msg, StopReason: stop}
}
