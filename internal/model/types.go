// Package model implements the generate pipeline: provider-agnostic chat
// messages, config resolution, history shaping, caching, retries, and
// transcript recording around a pluggable ModelAPI.
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentType discriminates message content parts.
type ContentType string

const (
	ContentText      ContentType = "text"
	ContentImage     ContentType = "image"
	ContentAudio     ContentType = "audio"
	ContentVideo     ContentType = "video"
	ContentDocument  ContentType = "document"
	ContentReasoning ContentType = "reasoning"
	ContentToolUse   ContentType = "tool_use"
)

// Content is one typed part of a message payload. Exactly the fields for
// its Type are set.
type Content struct {
	Type      ContentType `json:"type"`
	Text      string      `json:"text,omitempty"`
	Reasoning string      `json:"reasoning,omitempty"`
	Image     string      `json:"image,omitempty"`  // URL or data: URI
	Detail    string      `json:"detail,omitempty"` // image detail: "low" | "high" | "auto"
	Audio     string      `json:"audio,omitempty"`
	Video     string      `json:"video,omitempty"`
	Document  string      `json:"document,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
}

// TextContent builds a single text part.
func TextContent(s string) Content { return Content{Type: ContentText, Text: s} }

// ToolCallErrorType categorizes tool failures surfaced back to the model.
type ToolCallErrorType string

const (
	ToolErrParsing      ToolCallErrorType = "parsing"
	ToolErrTimeout      ToolCallErrorType = "timeout"
	ToolErrPermission   ToolCallErrorType = "permission"
	ToolErrFileNotFound ToolCallErrorType = "file_not_found"
	ToolErrIsADirectory ToolCallErrorType = "is_a_directory"
	ToolErrUnknown      ToolCallErrorType = "unknown"
)

// ToolCallError is attached to a tool message when the call failed. The
// model sees it and can recover.
type ToolCallError struct {
	Type    ToolCallErrorType `json:"type"`
	Message string            `json:"message"`
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID         string         `json:"id"`
	Function   string         `json:"function"`
	Arguments  map[string]any `json:"arguments"`
	ParseError string         `json:"parse_error,omitempty"`
}

// ChatMessage is the provider-agnostic message passed around. Tagged by
// Role: assistant messages may carry ToolCalls; tool messages carry the
// originating ToolCallID, Function, and an optional Error.
type ChatMessage struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    []Content      `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Function   string         `json:"function,omitempty"`
	Error      *ToolCallError `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message with a fresh id and a single text part.
func NewMessage(role Role, text string) ChatMessage {
	return ChatMessage{ID: uuid.NewString(), Role: role, Content: []Content{TextContent(text)}}
}

// UserMessage wraps text as a user message.
func UserMessage(text string) ChatMessage { return NewMessage(RoleUser, text) }

// SystemMessage wraps text as a system message.
func SystemMessage(text string) ChatMessage { return NewMessage(RoleSystem, text) }

// AssistantMessage wraps text as an assistant message.
func AssistantMessage(text string) ChatMessage { return NewMessage(RoleAssistant, text) }

// ToolMessage builds the tool-result message for one call.
func ToolMessage(callID, function, text string, terr *ToolCallError) ChatMessage {
	m := NewMessage(RoleTool, text)
	m.ToolCallID = callID
	m.Function = function
	m.Error = terr
	return m
}

// Text concatenates the message's text parts.
func (m ChatMessage) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Type == ContentText {
			out += c.Text
		}
	}
	return out
}

// HasImages reports whether any content part is an image.
func (m ChatMessage) HasImages() bool {
	for _, c := range m.Content {
		if c.Type == ContentImage {
			return true
		}
	}
	return false
}

// Validate checks role/field consistency.
func (m ChatMessage) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role: %s", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool messages must carry a tool_call_id")
	}
	return nil
}

// ToolParam is a JSON-schema-shaped parameter description.
type ToolParam struct {
	Type        string               `json:"type,omitempty"`
	Description string               `json:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Items       *ToolParam           `json:"items,omitempty"`
	Properties  map[string]ToolParam `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// ToolParams is the parameters object of a tool schema.
type ToolParams struct {
	Type       string               `json:"type"`
	Properties map[string]ToolParam `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`
}

// ToolInfo describes one tool to the model.
type ToolInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Parameters  ToolParams `json:"parameters"`
}

// ToolChoice directs the model's tool use: "auto", "none", "any", or a
// specific tool name prefixed with "tool:".
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
	ToolChoiceAny  ToolChoice = "any"
)

// ForcedTool returns a choice that forces the named tool.
func ForcedTool(name string) ToolChoice { return ToolChoice("tool:" + name) }

// ForcedName returns the forced tool name and true when the choice forces
// one specific tool.
func (c ToolChoice) ForcedName() (string, bool) {
	const prefix = "tool:"
	if len(c) > len(prefix) && string(c[:len(prefix)]) == prefix {
		return string(c[len(prefix):]), true
	}
	return "", false
}

// ToolModelInput transforms historical tool-result messages for one tool
// before they are sent to the provider (e.g. the computer tool drops old
// screenshots past a window).
type ToolModelInput func(msgs []ChatMessage) []ChatMessage
