// Package eval implements the sample runner and task scheduler: solvers
// drive the model through tool loops, scorers judge the final state, and a
// bounded worker pool executes samples across epochs with fail-on-error
// accounting.
package eval

import (
	"context"
	"sync"

	"github.com/ChamsBouzaiene/verdict/internal/limits"
	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/sandbox"
	"github.com/ChamsBouzaiene/verdict/internal/tooling"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

// Store is a mutable key/value bag shared across solver steps of one
// sample. Tool-use state (browser sessions, scratchpads) lives here.
type Store struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: map[string]any{}}
}

// Get returns the value under key and whether it exists.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Snapshot returns a shallow copy of the store contents.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// TaskState is the mutable state a solver pipeline operates on. One
// TaskState per sample; solvers mutate it in place.
type TaskState struct {
	SampleID string
	Epoch    int
	Input    []model.ChatMessage
	Target   string
	Metadata map[string]any

	Messages []model.ChatMessage
	Output   *model.Output
	Store    *Store

	Model      *model.Model
	Tools      tooling.Registry
	ToolChoice model.ToolChoice

	Transcript *transcript.Transcript
	Scope      *limits.Scope
	Sandbox    sandbox.Environment

	// Completed is set by a solver to stop the pipeline early.
	Completed bool
}

// generate runs one model call charged to this sample.
func (s *TaskState) generate(ctx context.Context, cfg model.GenerateConfig) (*model.Output, error) {
	var infos []model.ToolInfo
	var inputs map[string]model.ToolModelInput
	if len(s.Tools) > 0 {
		infos = s.Tools.Infos()
		inputs = s.Tools.ModelInputs()
	}
	return s.Model.Generate(ctx, model.GenerateRequest{
		Messages:   s.Messages,
		Tools:      infos,
		ToolInputs: inputs,
		Choice:     s.ToolChoice,
		Config:     cfg,
		Transcript: s.Transcript,
		Scope:      s.Scope,
	})
}
