package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/verdict/internal/limits"
	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/tooling"
)

// Solver is one step of a sample's agent pipeline. It mutates state in
// place; setting state.Completed stops the pipeline early.
type Solver func(ctx context.Context, state *TaskState) error

// Chain composes solvers into a pipeline that runs until exhaustion or
// until a step marks the state completed.
func Chain(solvers ...Solver) Solver {
	return func(ctx context.Context, state *TaskState) error {
		for _, s := range solvers {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("solver cancelled: %w", err)
			}
			if err := s(ctx, state); err != nil {
				return err
			}
			if state.Completed {
				return nil
			}
		}
		return nil
	}
}

// SystemMessageSolver prepends a system message to the conversation.
func SystemMessageSolver(text string) Solver {
	return func(ctx context.Context, state *TaskState) error {
		state.Messages = append([]model.ChatMessage{model.SystemMessage(text)}, state.Messages...)
		return nil
	}
}

// GenerateSolver performs a single model call with no tool loop.
func GenerateSolver(cfg model.GenerateConfig) Solver {
	return func(ctx context.Context, state *TaskState) error {
		out, err := state.generate(ctx, cfg)
		if err != nil {
			return err
		}
		state.Output = out
		state.Messages = append(state.Messages, out.Message())
		return nil
	}
}

// GenerateLoop drives the generate / execute-tools cycle until the model
// stops calling tools, a limit trips, or maxMessages is reached. This is
// the default agent solver.
func GenerateLoop(cfg model.GenerateConfig, maxMessages int) Solver {
	return func(ctx context.Context, state *TaskState) error {
		for {
			out, err := state.generate(ctx, cfg)
			if err != nil {
				// A limit during generate ends the loop cleanly; the
				// runner records the SampleLimit event. Keep the output
				// of the final call when the limit fired after it.
				var exceeded *limits.ExceededError
				if errors.As(err, &exceeded) && out != nil {
					state.Output = out
					state.Messages = append(state.Messages, out.Message())
				}
				return err
			}
			state.Output = out
			msg := out.Message()
			state.Messages = append(state.Messages, msg)
			state.Scope.RecordMessages(1)

			if len(msg.ToolCalls) == 0 {
				return nil
			}

			toolMsgs, err := tooling.Execute(ctx, state.Tools, msg.ToolCalls, tooling.ExecOptions{
				Parallel:   cfg.ParallelToolCalls,
				MaxOutput:  cfg.MaxToolOutput,
				Transcript: state.Transcript,
			})
			if err != nil {
				return err
			}
			state.Messages = append(state.Messages, toolMsgs...)
			state.Scope.RecordMessages(len(toolMsgs))

			if err := state.Scope.CheckMessages(); err != nil {
				return err
			}
			if err := state.Scope.CheckTime(); err != nil {
				return err
			}
			if maxMessages > 0 && len(state.Messages) >= maxMessages {
				// Providers with native compaction get one chance to
				// shrink the history back under budget before the loop
				// gives up.
				compacted, ok, err := state.Model.Compact(ctx, model.GenerateRequest{
					Messages: state.Messages,
					Tools:    state.Tools.Infos(),
					Config:   cfg,
					Scope:    state.Scope,
				})
				if err != nil {
					return err
				}
				if !ok || len(compacted) >= maxMessages {
					return nil
				}
				state.Messages = compacted
			}
		}
	}
}
