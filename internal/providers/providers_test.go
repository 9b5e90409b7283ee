package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/ChamsBouzaiene/verdict/internal/model"
)

func TestWrapAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
		auth      bool
	}{
		{"rate limited", errors.New("429 too many requests"), 0, true, false},
		{"server error", errors.New("upstream failed"), 500, true, false},
		{"unauthorized", errors.New("401 invalid api key"), 0, false, true},
		{"bad request", errors.New("400 malformed"), 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapAPIError(tt.err, tt.status)
			if got := retryableStatus(errStatus(wrapped)); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
			if got := authStatus(errStatus(wrapped)); got != tt.auth {
				t.Errorf("auth = %v, want %v", got, tt.auth)
			}
		})
	}
}

func TestRetryAfterHintParsed(t *testing.T) {
	err := wrapAPIError(errors.New("429 rate limited, Retry-After: 30"), 0)
	var ae *apiError
	if !errors.As(err, &ae) {
		t.Fatal("expected apiError")
	}
	if ae.RetryAfter() != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", ae.RetryAfter())
	}
}

func TestToOpenAIMessages(t *testing.T) {
	assistant := model.AssistantMessage("")
	assistant.ToolCalls = []model.ToolCall{
		{ID: "call_1", Function: "bash", Arguments: map[string]any{"cmd": "ls"}},
	}
	msgs := []model.ChatMessage{
		model.UserMessage("run ls"),
		assistant,
		model.ToolMessage("call_1", "bash", "a.txt", nil),
	}

	out := toOpenAIMessages(msgs, "be terse")
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "be terse" {
		t.Errorf("system message wrong: %+v", out[0])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls wrong: %+v", out[2])
	}
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "call_1" {
		t.Errorf("tool message wrong: %+v", out[3])
	}
}

func TestFromOpenAIChoiceParsesToolCalls(t *testing.T) {
	c := openai.ChatCompletionChoice{
		Message: openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{
				{
					ID:   "call_1",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "bash",
						Arguments: `{"cmd":"echo hi"}`,
					},
				},
				{
					ID:   "call_2",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "bash",
						Arguments: `{"cmd": truncated`,
					},
				},
			},
		},
	}
	got := fromOpenAIChoice(c)
	if got.StopReason != model.StopReasonToolCalls {
		t.Errorf("stop reason = %s", got.StopReason)
	}
	calls := got.Message.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Arguments["cmd"] != "echo hi" {
		t.Errorf("arguments not parsed: %+v", calls[0].Arguments)
	}
	if calls[1].ParseError == "" {
		t.Error("malformed arguments should set ParseError")
	}
}

func TestToAnthropicMessagesSkipsOrphanToolResults(t *testing.T) {
	msgs := []model.ChatMessage{
		model.SystemMessage("instructions"),
		model.UserMessage("hello"),
		// Orphan tool result with no preceding tool_use turn.
		model.ToolMessage("call_x", "bash", "output", nil),
	}
	system, out := toAnthropicMessages(msgs, "")
	if len(system) != 1 {
		t.Errorf("expected 1 system part, got %d", len(system))
	}
	if len(out) != 1 {
		t.Errorf("orphan tool result should be dropped, got %d messages", len(out))
	}
}

func TestParseDataURI(t *testing.T) {
	mediaType, data, ok := parseDataURI("data:image/png;base64,iVBORw0KGgo=")
	if !ok || mediaType != "image/png" || data != "iVBORw0KGgo=" {
		t.Errorf("parse failed: %s %s %v", mediaType, data, ok)
	}
	if _, _, ok := parseDataURI("https://example.com/x.png"); ok {
		t.Error("remote URL should not parse as data URI")
	}
}

func TestMockReplaysScript(t *testing.T) {
	mock := NewMock("mock/test", MockCompletion("first"), MockCompletion("second"))
	ctx := context.Background()

	out1, err := mock.Generate(ctx, nil, nil, model.ToolChoiceAuto, model.GenerateConfig{})
	if err != nil {
		t.Fatal(err)
	}
	out2, _ := mock.Generate(ctx, nil, nil, model.ToolChoiceAuto, model.GenerateConfig{})
	out3, _ := mock.Generate(ctx, nil, nil, model.ToolChoiceAuto, model.GenerateConfig{})

	if out1.Completion() != "first" || out2.Completion() != "second" {
		t.Errorf("script order wrong: %q %q", out1.Completion(), out2.Completion())
	}
	if out3.Completion() != "first" {
		t.Errorf("script should cycle, got %q", out3.Completion())
	}
	if mock.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", mock.Calls())
	}
}
