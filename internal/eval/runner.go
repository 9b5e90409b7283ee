package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/verdict/internal/dataset"
	"github.com/ChamsBouzaiene/verdict/internal/limits"
	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/sandbox"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

// runSample executes one sample end to end: sandbox setup, solver, scoring,
// teardown, and EvalSample assembly. Limit violations and solver errors are
// converted into the sample's terminal state; only infrastructure failures
// that must abort the whole task are returned as errors (currently none —
// the scheduler applies fail-on-error policy over errored samples).
func runSample(ctx context.Context, task *Task, mdl *model.Model, sample dataset.Sample, parentScope *limits.Scope) *EvalSample {
	tr := transcript.New()
	scope := limits.NewScope(parentScope, task.Limits)

	es := &EvalSample{
		UUID:     uuid.NewString(),
		ID:       sample.ID,
		Epoch:    sample.Epoch,
		Input:    sample.Input,
		Target:   sample.Target,
		Metadata: sample.Metadata,
	}

	tr.Append(transcript.Event{
		Type: transcript.EventSampleInit,
		SampleInit: &transcript.SampleInitEvent{
			SampleID: sample.ID,
			Epoch:    sample.Epoch,
			Input:    mustJSON(sample.Input),
			Target:   sample.Target,
			Metadata: sample.Metadata,
		},
	})

	state := &TaskState{
		SampleID:   sample.ID,
		Epoch:      sample.Epoch,
		Input:      sample.Input,
		Target:     sample.Target,
		Metadata:   sample.Metadata,
		Messages:   append([]model.ChatMessage(nil), sample.Input...),
		Store:      NewStore(),
		Model:      mdl,
		Tools:      task.Tools,
		Transcript: tr,
		Scope:      scope,
	}

	env, err := setupSandbox(ctx, task, sample, tr)
	if err != nil {
		markErrored(es, tr, fmt.Errorf("sandbox setup failed: %w", err))
		finalize(es, state, tr, scope)
		return es
	}
	state.Sandbox = env
	defer teardownSandbox(task, sample, env, tr)

	if err := task.Solver(ctx, state); err != nil {
		handleSolverError(es, tr, ctx, err)
		finalize(es, state, tr, scope)
		return es
	}

	// Scorers run only on cleanly finished samples. A scorer failure
	// errors the sample and discards any scores already earned.
	for _, scorer := range task.Scorers {
		score, err := scorer.Score(ctx, state, sample.Target)
		if err != nil {
			es.Scores = nil
			markErrored(es, tr, fmt.Errorf("scorer %s failed: %w", scorer.Name(), err))
			finalize(es, state, tr, scope)
			return es
		}
		es.Scores = append(es.Scores, score)
		tr.Append(transcript.Event{
			Type: transcript.EventScore,
			Score: &transcript.ScoreEvent{
				Scorer:      score.Scorer,
				Value:       score.Value,
				Answer:      score.Answer,
				Explanation: score.Explanation,
			},
		})
	}

	finalize(es, state, tr, scope)
	return es
}

// handleSolverError distinguishes limit exits (clean termination) from
// real errors and cancellation.
func handleSolverError(es *EvalSample, tr *transcript.Transcript, ctx context.Context, err error) {
	var exceeded *limits.ExceededError
	if errors.As(err, &exceeded) {
		es.Limit = &SampleLimit{
			Kind:  string(exceeded.Kind),
			Limit: exceeded.Limit,
			Value: exceeded.Value,
		}
		tr.Append(transcript.Event{
			Type: transcript.EventSampleLimit,
			SampleLimit: &transcript.SampleLimitEvent{
				Kind:  string(exceeded.Kind),
				Limit: exceeded.Limit,
				Value: exceeded.Value,
			},
		})
		return
	}
	if ctx.Err() != nil {
		markErrored(es, tr, fmt.Errorf("cancelled: %w", ctx.Err()))
		return
	}
	markErrored(es, tr, err)
}

func markErrored(es *EvalSample, tr *transcript.Transcript, err error) {
	es.Error = &SampleError{
		Message:   err.Error(),
		Traceback: string(debug.Stack()),
	}
	tr.Append(transcript.Event{
		Type:  transcript.EventError,
		Error: &transcript.ErrorEvent{Message: err.Error(), Traceback: es.Error.Traceback},
	})
}

// finalize copies the run's outcome into the EvalSample: messages, events,
// usage summed over model events, and the sample's clocks.
func finalize(es *EvalSample, state *TaskState, tr *transcript.Transcript, scope *limits.Scope) {
	es.Messages = state.Messages
	es.Output = state.Output
	es.Events = tr.Events()
	es.Usage = sumUsage(es.Events)
	es.TotalTime = scope.WallTime()
	es.WorkingTime = scope.WorkingTime()
}

// sumUsage adds up usage across all completed model events, the source of
// truth for per-sample accounting.
func sumUsage(events []transcript.Event) model.Usage {
	var total model.Usage
	for _, e := range events {
		if e.Type != transcript.EventModel || e.Model == nil || len(e.Model.Output) == 0 {
			continue
		}
		var out model.Output
		if err := json.Unmarshal(e.Model.Output, &out); err != nil {
			continue
		}
		total = total.Add(out.Usage)
	}
	return total
}

func setupSandbox(ctx context.Context, task *Task, sample dataset.Sample, tr *transcript.Transcript) (sandbox.Environment, error) {
	if !task.Sandbox && !sample.Sandbox {
		return nil, nil
	}
	sctx, cancel := context.WithTimeout(ctx, sandboxTimeout)
	defer cancel()

	env, err := sandbox.New(sctx, task.SandboxConfig, sample.ID)
	if err != nil {
		return nil, err
	}
	if err := env.Init(sctx, sample.Files); err != nil {
		return nil, err
	}
	tr.Append(transcript.Event{
		Type:    transcript.EventSandbox,
		Sandbox: &transcript.SandboxEvent{Action: "init"},
	})
	return env, nil
}

// teardownSandbox releases the sample's environment. Failures are warnings,
// not sample errors.
func teardownSandbox(task *Task, sample dataset.Sample, env sandbox.Environment, tr *transcript.Transcript) {
	if env == nil || task.NoSandboxCleanup {
		return
	}
	tctx, cancel := context.WithTimeout(context.Background(), sandboxTimeout)
	defer cancel()
	if err := env.Teardown(tctx); err != nil {
		log.Printf("WARNING: sandbox teardown failed for sample %s: %v", sample.ID, err)
		tr.Append(transcript.Event{
			Type:    transcript.EventSandbox,
			Sandbox: &transcript.SandboxEvent{Action: "teardown", Error: err.Error()},
		})
		return
	}
	tr.Append(transcript.Event{
		Type:    transcript.EventSandbox,
		Sandbox: &transcript.SandboxEvent{Action: "teardown"},
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return data
}
