package tooling

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

func echoTool(name string, parallel bool) Tool {
	return Tool{
		Name:     name,
		Parallel: parallel,
		Parameters: model.ToolParams{
			Type: "object",
			Properties: map[string]model.ToolParam{
				"text": {Type: "string"},
			},
			Required: []string{"text"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestExecuteResultsInCallOrder(t *testing.T) {
	reg := Registry{}
	// slow finishes after fast; results must still come back in call order.
	reg.Register(Tool{
		Name:     "slow",
		Parallel: true,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow done", nil
		},
	})
	reg.Register(Tool{
		Name:     "fast",
		Parallel: true,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "fast done", nil
		},
	})

	calls := []model.ToolCall{
		{ID: "c1", Function: "slow", Arguments: map[string]any{}},
		{ID: "c2", Function: "fast", Arguments: map[string]any{}},
	}
	msgs, err := Execute(context.Background(), reg, calls, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].ToolCallID != "c1" || msgs[0].Text() != "slow done" {
		t.Errorf("first result out of order: %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "c2" || msgs[1].Text() != "fast done" {
		t.Errorf("second result out of order: %+v", msgs[1])
	}
}

func TestExecuteSerialWhenAnyToolForbidsParallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	track := func(ctx context.Context, args map[string]any) (string, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}
	reg := Registry{}
	reg.Register(Tool{Name: "a", Parallel: true, Fn: track})
	reg.Register(Tool{Name: "b", Parallel: false, Fn: track})

	calls := []model.ToolCall{
		{ID: "c1", Function: "a", Arguments: map[string]any{}},
		{ID: "c2", Function: "b", Arguments: map[string]any{}},
		{ID: "c3", Function: "a", Arguments: map[string]any{}},
	}
	if _, err := Execute(context.Background(), reg, calls, ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrency = %d, want 1 (serial fallback)", p)
	}
}

func TestExecuteUnknownToolIsParsingError(t *testing.T) {
	reg := Registry{}
	calls := []model.ToolCall{{ID: "c1", Function: "nope", Arguments: map[string]any{}}}
	msgs, err := Execute(context.Background(), reg, calls, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Error == nil || msgs[0].Error.Type != model.ToolErrParsing {
		t.Fatalf("want parsing error, got %+v", msgs[0].Error)
	}
	if !strings.Contains(msgs[0].Error.Message, "nope") {
		t.Errorf("error message should name the tool: %q", msgs[0].Error.Message)
	}
}

func TestExecuteCallParseError(t *testing.T) {
	reg := Registry{}
	reg.Register(echoTool("echo", true))
	calls := []model.ToolCall{{ID: "c1", Function: "echo", ParseError: "unbalanced json"}}
	msgs, err := Execute(context.Background(), reg, calls, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Error == nil || msgs[0].Error.Type != model.ToolErrParsing {
		t.Fatalf("want parsing error, got %+v", msgs[0].Error)
	}
}

func TestExecuteSchemaViolationIsParsingError(t *testing.T) {
	reg := Registry{}
	reg.Register(echoTool("echo", true))
	calls := []model.ToolCall{{ID: "c1", Function: "echo", Arguments: map[string]any{"wrong": 1}}}
	msgs, err := Execute(context.Background(), reg, calls, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Error == nil || msgs[0].Error.Type != model.ToolErrParsing {
		t.Fatalf("want parsing error, got %+v", msgs[0].Error)
	}
}

func TestExecuteCoercesStringScalars(t *testing.T) {
	reg := Registry{}
	var got map[string]any
	reg.Register(Tool{
		Name:     "typed",
		Parallel: true,
		Parameters: model.ToolParams{
			Type: "object",
			Properties: map[string]model.ToolParam{
				"count":   {Type: "integer"},
				"ratio":   {Type: "number"},
				"enabled": {Type: "boolean"},
				"label":   {Type: "string"},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			got = args
			return "ok", nil
		},
	})

	calls := []model.ToolCall{{ID: "c1", Function: "typed", Arguments: map[string]any{
		"count":   "5",
		"ratio":   "0.5",
		"enabled": "true",
		"label":   "x",
	}}}
	if _, err := Execute(context.Background(), reg, calls, ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	if got["count"] != int64(5) {
		t.Errorf("count = %v (%T)", got["count"], got["count"])
	}
	if got["ratio"] != 0.5 {
		t.Errorf("ratio = %v (%T)", got["ratio"], got["ratio"])
	}
	if got["enabled"] != true {
		t.Errorf("enabled = %v (%T)", got["enabled"], got["enabled"])
	}
	if got["label"] != "x" {
		t.Errorf("label = %v", got["label"])
	}
}

func TestExecuteTimeoutBecomesToolError(t *testing.T) {
	reg := Registry{}
	reg.Register(Tool{
		Name:     "hang",
		Parallel: true,
		Timeout:  20 * time.Millisecond,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	calls := []model.ToolCall{{ID: "c1", Function: "hang", Arguments: map[string]any{}}}
	msgs, err := Execute(context.Background(), reg, calls, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Error == nil || msgs[0].Error.Type != model.ToolErrTimeout {
		t.Fatalf("want timeout error, got %+v", msgs[0].Error)
	}
}

func TestExecuteFileErrorsMapped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ToolCallErrorType
	}{
		{"not found", fmt.Errorf("open x: %w", fs.ErrNotExist), model.ToolErrFileNotFound},
		{"permission", fmt.Errorf("open x: %w", fs.ErrPermission), model.ToolErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := Registry{}
			reg.Register(Tool{
				Name:     "fail",
				Parallel: true,
				Fn: func(ctx context.Context, args map[string]any) (string, error) {
					return "", tt.err
				},
			})
			calls := []model.ToolCall{{ID: "c1", Function: "fail", Arguments: map[string]any{}}}
			msgs, err := Execute(context.Background(), reg, calls, ExecOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if msgs[0].Error == nil || msgs[0].Error.Type != tt.want {
				t.Fatalf("want %s, got %+v", tt.want, msgs[0].Error)
			}
		})
	}
}

func TestExecuteUnexpectedErrorAborts(t *testing.T) {
	boom := errors.New("disk on fire")
	reg := Registry{}
	reg.Register(Tool{
		Name:     "explode",
		Parallel: true,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "", boom
		},
	})
	calls := []model.ToolCall{{ID: "c1", Function: "explode", Arguments: map[string]any{}}}
	_, err := Execute(context.Background(), reg, calls, ExecOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("unexpected error not propagated: %v", err)
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	reg := Registry{}
	reg.Register(Tool{
		Name:     "big",
		Parallel: true,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return strings.Repeat("x", 1000), nil
		},
	})
	calls := []model.ToolCall{{ID: "c1", Function: "big", Arguments: map[string]any{}}}
	msgs, err := Execute(context.Background(), reg, calls, ExecOptions{MaxOutput: 100})
	if err != nil {
		t.Fatal(err)
	}
	text := msgs[0].Text()
	if !strings.HasPrefix(text, strings.Repeat("x", 100)) {
		t.Error("truncation dropped leading content")
	}
	if !strings.Contains(text, "output truncated") {
		t.Error("truncation notice missing")
	}
	if strings.Count(text, "x") != 100 {
		t.Errorf("kept %d bytes, want 100", strings.Count(text, "x"))
	}
}

func TestExecuteRecordsToolEvents(t *testing.T) {
	reg := Registry{}
	reg.Register(echoTool("echo", true))
	tr := transcript.New()
	calls := []model.ToolCall{
		{ID: "c1", Function: "echo", Arguments: map[string]any{"text": "hi"}},
		{ID: "c2", Function: "missing", Arguments: map[string]any{}},
	}
	if _, err := Execute(context.Background(), reg, calls, ExecOptions{Transcript: tr}); err != nil {
		t.Fatal(err)
	}
	events := tr.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	byID := map[string]*transcript.ToolEvent{}
	for _, e := range events {
		if e.Type != transcript.EventTool || e.Tool == nil {
			t.Fatalf("non-tool event recorded: %+v", e)
		}
		byID[e.Tool.CallID] = e.Tool
	}
	if byID["c1"].Result != "hi" || byID["c1"].Error != "" {
		t.Errorf("success event wrong: %+v", byID["c1"])
	}
	if byID["c2"].ErrorType != string(model.ToolErrParsing) {
		t.Errorf("failure event wrong: %+v", byID["c2"])
	}
}
