package model

import "time"

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopReasonStop          StopReason = "stop"
	StopReasonMaxTokens     StopReason = "max_tokens"
	StopReasonToolCalls     StopReason = "tool_calls"
	StopReasonContentFilter StopReason = "content_filter"
	StopReasonUnknown       StopReason = "unknown"
)

// Usage holds token accounting returned by providers. Addition is
// component-wise; optional fields stay nil until a component reports them.
type Usage struct {
	InputTokens          int      `json:"input_tokens"`
	OutputTokens         int      `json:"output_tokens"`
	TotalTokens          int      `json:"total_tokens"`
	InputTokensCacheRead *int     `json:"input_tokens_cache_read,omitempty"`
	InputTokensCacheWrite *int    `json:"input_tokens_cache_write,omitempty"`
	TotalCost            *float64 `json:"total_cost,omitempty"`
}

// Add returns the component-wise sum of u and v.
func (u Usage) Add(v Usage) Usage {
	sum := Usage{
		InputTokens:  u.InputTokens + v.InputTokens,
		OutputTokens: u.OutputTokens + v.OutputTokens,
		TotalTokens:  u.TotalTokens + v.TotalTokens,
	}
	sum.InputTokensCacheRead = addOptInt(u.InputTokensCacheRead, v.InputTokensCacheRead)
	sum.InputTokensCacheWrite = addOptInt(u.InputTokensCacheWrite, v.InputTokensCacheWrite)
	sum.TotalCost = addOptFloat(u.TotalCost, v.TotalCost)
	return sum
}

func addOptInt(a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	n := 0
	if a != nil {
		n += *a
	}
	if b != nil {
		n += *b
	}
	return &n
}

func addOptFloat(a, b *float64) *float64 {
	if a == nil && b == nil {
		return nil
	}
	f := 0.0
	if a != nil {
		f += *a
	}
	if b != nil {
		f += *b
	}
	return &f
}

// Choice is one completion alternative.
type Choice struct {
	Message    ChatMessage `json:"message"`
	StopReason StopReason  `json:"stop_reason"`
}

// Output is the normalized result of one generate call.
type Output struct {
	Model   string        `json:"model"`
	Choices []Choice      `json:"choices"`
	Usage   Usage         `json:"usage"`
	Time    time.Duration `json:"time,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Message returns the first choice's message.
func (o *Output) Message() ChatMessage {
	if len(o.Choices) == 0 {
		return ChatMessage{Role: RoleAssistant}
	}
	return o.Choices[0].Message
}

// Completion returns the first choice's text.
func (o *Output) Completion() string { return o.Message().Text() }

// ToolCalls returns the first choice's tool calls.
func (o *Output) ToolCalls() []ToolCall { return o.Message().ToolCalls }

// StopReason returns the first choice's stop reason.
func (o *Output) StopReason() StopReason {
	if len(o.Choices) == 0 {
		return StopReasonUnknown
	}
	return o.Choices[0].StopReason
}
