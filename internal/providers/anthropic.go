package providers

import (
	"context"
	"encoding/json"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/ChamsBouzaiene/verdict/internal/model"
)

// Anthropic adapts the Anthropic messages API to model.API.
type Anthropic struct {
	client  *anthropic.Client
	modelID string
	apiKey  string
}

func NewAnthropic(apiKey, modelID string) *Anthropic {
	return &Anthropic{
		client:  anthropic.NewClient(apiKey),
		modelID: modelID,
		apiKey:  apiKey,
	}
}

func (p *Anthropic) Name() string { return p.modelID }

func (p *Anthropic) ConnectionKey() string { return "anthropic" }

// MaxTokens: the messages API requires max_tokens on every request.
func (p *Anthropic) MaxTokens() int { return 4096 }

func (p *Anthropic) ShouldRetry(err error) bool { return retryableStatus(errStatus(err)) }

func (p *Anthropic) IsAuthFailure(err error) bool { return authStatus(errStatus(err)) }

func (p *Anthropic) Reinit(ctx context.Context) error {
	p.client = anthropic.NewClient(p.apiKey)
	return nil
}

// The messages API enforces strict role alternation, so consecutive
// same-role messages must be merged before the call.
func (p *Anthropic) CollapseUserMessages() bool { return true }

func (p *Anthropic) CollapseAssistantMessages() bool { return true }

// AutoReasoningHistory: resending full reasoning blocks is unnecessary
// for Claude models; only the latest turn's reasoning matters.
func (p *Anthropic) ForceReasoningHistory() (model.ReasoningHistory, bool) {
	return "", false
}

func (p *Anthropic) AutoReasoningHistory() model.ReasoningHistory {
	return model.ReasoningHistoryLast
}

func (p *Anthropic) Generate(ctx context.Context, messages []model.ChatMessage, tools []model.ToolInfo, choice model.ToolChoice, cfg model.GenerateConfig) (*model.Output, error) {
	system, msgs := toAnthropicMessages(messages, cfg.SystemMessage)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.MaxTokens()
	}
	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(p.modelID),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		req.MultiSystem = system
	}
	if cfg.Temperature != nil {
		t := float32(*cfg.Temperature)
		req.Temperature = &t
	}
	if cfg.TopP != nil {
		tp := float32(*cfg.TopP)
		req.TopP = &tp
	}

	for _, t := range tools {
		schema, err := toolSchema(t)
		if err != nil {
			return nil, err
		}
		req.Tools = append(req.Tools, anthropic.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	if len(req.Tools) > 0 {
		if tc := toAnthropicToolChoice(choice); tc != nil {
			req.ToolChoice = tc
		}
	}

	resp, err := p.client.CreateMessages(ctx, req)
	if err != nil {
		return nil, wrapAPIError(err, 0)
	}

	msg := model.ChatMessage{Role: model.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				msg.Content = append(msg.Content, model.TextContent(*block.Text))
			}
		case anthropic.MessagesContentTypeToolUse:
			if block.MessageContentToolUse == nil {
				continue
			}
			tu := block.MessageContentToolUse
			call := model.ToolCall{ID: tu.ID, Function: tu.Name, Arguments: map[string]any{}}
			if len(tu.Input) > 0 {
				if err := json.Unmarshal(tu.Input, &call.Arguments); err != nil {
					call.Arguments = map[string]any{}
					call.ParseError = err.Error()
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
	}

	stop := model.StopReasonStop
	switch {
	case len(msg.ToolCalls) > 0:
		stop = model.StopReasonToolCalls
	case resp.StopReason == anthropic.MessagesStopReasonMaxTokens:
		stop = model.StopReasonMaxTokens
	}

	return &model.Output{
		Model: p.modelID,
		Choices: []model.Choice{
			{Message: msg, StopReason: stop},
		},
		Usage: model.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func toAnthropicMessages(messages []model.ChatMessage, system string) ([]anthropic.MessageSystemPart, []anthropic.Message) {
	var systemParts []anthropic.MessageSystemPart
	if system != "" {
		systemParts = append(systemParts, anthropic.MessageSystemPart{Type: "text", Text: system})
	}

	var out []anthropic.Message
	prevAssistantToolCalls := false
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{Type: "text", Text: msg.Text()})
			prevAssistantToolCalls = false
		case model.RoleUser:
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: toAnthropicContent(msg.Content),
			})
			prevAssistantToolCalls = false
		case model.RoleAssistant:
			var content []anthropic.MessageContent
			if text := msg.Text(); text != "" {
				content = append(content, anthropic.NewTextMessageContent(text))
			}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				content = append(content, anthropic.NewToolUseMessageContent(tc.ID, tc.Function, json.RawMessage(args)))
			}
			out = append(out, anthropic.Message{Role: anthropic.RoleAssistant, Content: content})
			prevAssistantToolCalls = len(msg.ToolCalls) > 0
		case model.RoleTool:
			// Tool results must follow an assistant turn with tool_use.
			if !prevAssistantToolCalls {
				continue
			}
			content := msg.Text()
			if content == "" {
				content = "{}"
			}
			out = append(out, anthropic.Message{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewToolResultMessageContent(msg.ToolCallID, content, msg.Error != nil),
				},
			})
		}
	}
	return systemParts, out
}

func toAnthropicContent(content []model.Content) []anthropic.MessageContent {
	var out []anthropic.MessageContent
	for _, c := range content {
		switch c.Type {
		case model.ContentText:
			out = append(out, anthropic.NewTextMessageContent(c.Text))
		case model.ContentImage:
			if mediaType, data, ok := parseDataURI(c.Image); ok {
				out = append(out, anthropic.NewImageMessageContent(
					anthropic.NewMessageContentSource(anthropic.MessagesContentSourceTypeBase64, mediaType, data)))
			} else {
				// Remote URLs are not supported by the messages API.
				out = append(out, anthropic.NewTextMessageContent("[image: "+c.Image+"]"))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewTextMessageContent(""))
	}
	return out
}

func toAnthropicToolChoice(choice model.ToolChoice) *anthropic.ToolChoice {
	if name, ok := choice.ForcedName(); ok {
		return &anthropic.ToolChoice{Type: "tool", Name: name}
	}
	switch choice {
	case model.ToolChoiceAny:
		return &anthropic.ToolChoice{Type: "any"}
	case model.ToolChoiceAuto:
		return &anthropic.ToolChoice{Type: "auto"}
	default:
		return nil
	}
}
