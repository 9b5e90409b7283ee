package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

// ExecOptions configures one batch execution.
type ExecOptions struct {
	// Parallel enables concurrent dispatch when every called tool allows
	// it. Default (nil) is true.
	Parallel *bool

	// MaxOutput truncates each tool result to this many bytes. Zero
	// applies model.DefaultMaxToolOutput.
	MaxOutput int

	// Transcript receives one tool event per call; may be nil.
	Transcript *transcript.Transcript
}

// Execute runs a batch of tool calls from one assistant turn and returns
// the tool-result messages in call order, regardless of completion order.
// Recoverable failures (unknown tool, bad arguments, tool-typed errors)
// become error-bearing tool messages the model can react to; any other
// execution error aborts the batch and surfaces to the caller.
func Execute(ctx context.Context, reg Registry, calls []model.ToolCall, opts ExecOptions) ([]model.ChatMessage, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	maxOutput := opts.MaxOutput
	if maxOutput == 0 {
		maxOutput = model.DefaultMaxToolOutput
	}

	parallel := opts.Parallel == nil || *opts.Parallel
	if parallel {
		for _, call := range calls {
			t, ok := reg[call.Function]
			if ok && !t.Parallel {
				parallel = false
				break
			}
		}
	}

	results := make([]model.ChatMessage, len(calls))
	errs := make([]error, len(calls))

	run := func(i int, call model.ToolCall) {
		results[i], errs[i] = executeCall(ctx, reg, call, maxOutput, opts.Transcript)
	}

	if parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call model.ToolCall) {
				defer wg.Done()
				run(i, call)
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			run(i, call)
			if errs[i] != nil {
				break
			}
		}
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// executeCall runs one call end to end: parse-error check, schema
// validation, execution under the tool's timeout, truncation, and the
// transcript tool event.
func executeCall(ctx context.Context, reg Registry, call model.ToolCall, maxOutput int, tr *transcript.Transcript) (model.ChatMessage, error) {
	start := time.Now()

	finish := func(result string, terr *model.ToolCallError) model.ChatMessage {
		msg := model.ToolMessage(call.ID, call.Function, result, terr)
		if tr != nil {
			ev := &transcript.ToolEvent{
				CallID:    call.ID,
				Function:  call.Function,
				Arguments: mustJSON(call.Arguments),
				Result:    result,
				Duration:  time.Since(start),
			}
			if terr != nil {
				ev.Error = terr.Message
				ev.ErrorType = string(terr.Type)
				ev.Result = ""
			}
			tr.Append(transcript.Event{Type: transcript.EventTool, Tool: ev})
		}
		return msg
	}

	if call.ParseError != "" {
		terr := &model.ToolCallError{Type: model.ToolErrParsing, Message: call.ParseError}
		return finish("", terr), nil
	}

	t, ok := reg[call.Function]
	if !ok {
		terr := &model.ToolCallError{
			Type:    model.ToolErrParsing,
			Message: fmt.Sprintf("tool %q not found", call.Function),
		}
		return finish("", terr), nil
	}

	args := t.CoerceArgs(call.Arguments)
	if err := t.ValidateArgs(args); err != nil {
		var terr *model.ToolCallError
		if errors.As(err, &terr) {
			return finish("", terr), nil
		}
		return model.ChatMessage{}, err
	}

	tctx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	result, err := t.Fn(tctx, args)
	if err != nil {
		terr := classifyError(tctx, ctx, err)
		if terr == nil {
			return model.ChatMessage{}, fmt.Errorf("tool %s failed: %w", call.Function, err)
		}
		return finish("", terr), nil
	}

	return finish(truncate(result, maxOutput), nil), nil
}

// classifyError maps execution failures to the recoverable tool error
// kinds. Returns nil for errors that must abort the sample instead.
func classifyError(tctx, parent context.Context, err error) *model.ToolCallError {
	var terr *model.ToolCallError
	if errors.As(err, &terr) {
		return terr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		return &model.ToolCallError{Type: model.ToolErrTimeout, Message: "tool execution timed out"}
	case errors.Is(err, fs.ErrPermission):
		return &model.ToolCallError{Type: model.ToolErrPermission, Message: err.Error()}
	case errors.Is(err, fs.ErrNotExist):
		return &model.ToolCallError{Type: model.ToolErrFileNotFound, Message: err.Error()}
	}
	return nil
}

// truncate caps output at max bytes, appending a notice when content was
// dropped so the model knows the result is partial.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n\n[output truncated: %d of %d bytes shown]", max, len(s))
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return data
}
