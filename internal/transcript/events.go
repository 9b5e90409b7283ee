// Package transcript provides the per-sample append-only event log. Every
// action a sample takes (model calls, tool calls, scores, sandbox activity)
// is recorded as an Event in strict order; model events are written in a
// pending state before the provider call and completed in place afterward.
package transcript

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the event union.
type EventType string

const (
	EventSampleInit  EventType = "sample_init"
	EventState       EventType = "state"
	EventModel       EventType = "model"
	EventTool        EventType = "tool"
	EventScore       EventType = "score"
	EventSandbox     EventType = "sandbox"
	EventLogger      EventType = "logger"
	EventSpanBegin   EventType = "span_begin"
	EventSpanEnd     EventType = "span_end"
	EventError       EventType = "error"
	EventSampleLimit EventType = "sample_limit"
)

// Event is the envelope for one transcript entry. Exactly one payload
// pointer is set, matching Type. Events reference each other by id (span
// begin/end), never by pointer.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SpanID    string    `json:"span_id,omitempty"`

	SampleInit  *SampleInitEvent  `json:"sample_init,omitempty"`
	State       *StateEvent       `json:"state,omitempty"`
	Model       *ModelEvent       `json:"model,omitempty"`
	Tool        *ToolEvent        `json:"tool,omitempty"`
	Score       *ScoreEvent       `json:"score,omitempty"`
	Sandbox     *SandboxEvent     `json:"sandbox,omitempty"`
	Logger      *LoggerEvent      `json:"logger,omitempty"`
	SpanBegin   *SpanBeginEvent   `json:"span_begin_info,omitempty"`
	SpanEnd     *SpanEndEvent     `json:"span_end_info,omitempty"`
	Error       *ErrorEvent       `json:"error,omitempty"`
	SampleLimit *SampleLimitEvent `json:"sample_limit_info,omitempty"`
}

// SampleInitEvent records the sample's identity and input at start.
type SampleInitEvent struct {
	SampleID string          `json:"sample_id"`
	Epoch    int             `json:"epoch"`
	Input    json.RawMessage `json:"input,omitempty"`
	Target   string          `json:"target,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// StateEvent snapshots solver state.
type StateEvent struct {
	State json.RawMessage `json:"state"`
}

// ModelEvent records one generate call. Pending is true between the
// provider request being issued and its completion; every model event is
// eventually completed with either Output or Error set.
type ModelEvent struct {
	Model     string          `json:"model"`
	Input     json.RawMessage `json:"input,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Cache     string          `json:"cache,omitempty"` // "read" | "write" | ""
	Pending   bool            `json:"pending"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
}

// ToolEvent records one tool invocation.
type ToolEvent struct {
	CallID    string          `json:"call_id"`
	Function  string          `json:"function"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
}

// ScoreEvent records one scorer's verdict.
type ScoreEvent struct {
	Scorer      string  `json:"scorer"`
	Value       float64 `json:"value"`
	Answer      string  `json:"answer,omitempty"`
	Explanation string  `json:"explanation,omitempty"`
}

// SandboxEvent records sandbox lifecycle and exec activity.
type SandboxEvent struct {
	Action string `json:"action"` // "init" | "exec" | "read_file" | "write_file" | "teardown"
	Cmd    string `json:"cmd,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// LoggerEvent carries a log line emitted during the sample.
type LoggerEvent struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SpanBeginEvent opens a named span.
type SpanBeginEvent struct {
	Name string `json:"name"`
}

// SpanEndEvent closes the span with the matching id.
type SpanEndEvent struct {
	SpanID string `json:"span_id"`
}

// ErrorEvent records an uncaught sample error.
type ErrorEvent struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// SampleLimitEvent records the limit that terminated the sample.
type SampleLimitEvent struct {
	Kind  string  `json:"kind"`
	Limit float64 `json:"limit"`
	Value float64 `json:"value"`
}

func newEvent(typ EventType) Event {
	return Event{ID: uuid.NewString(), Type: typ, Timestamp: time.Now()}
}
