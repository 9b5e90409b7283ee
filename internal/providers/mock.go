package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChamsBouzaiene/verdict/internal/model"
)

// Mock is a scripted provider for tests and dry runs: it replays a fixed
// sequence of outputs, cycling when exhausted. With no script it echoes
// a canned completion.
type Mock struct {
	modelID string

	mu      sync.Mutex
	outputs []*model.Output
	next    int
	calls   int
}

// NewMock creates a mock named modelID replaying outputs in order.
func NewMock(modelID string, outputs ...*model.Output) *Mock {
	if modelID == "" {
		modelID = "mock/default"
	}
	return &Mock{modelID: modelID, outputs: outputs}
}

// MockCompletion builds a plain text output, convenient for scripting.
func MockCompletion(text string) *model.Output {
	return &model.Output{
		Choices: []model.Choice{
			{Message: model.AssistantMessage(text), StopReason: model.StopReasonStop},
		},
		Usage: model.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func (p *Mock) Name() string { return p.modelID }

func (p *Mock) Generate(ctx context.Context, messages []model.ChatMessage, tools []model.ToolInfo, choice model.ToolChoice, cfg model.GenerateConfig) (*model.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	if len(p.outputs) == 0 {
		out := MockCompletion(fmt.Sprintf("mock response %d", p.calls))
		out.Model = p.modelID
		return out, nil
	}
	out := p.outputs[p.next%len(p.outputs)]
	p.next++
	clone := *out
	clone.Model = p.modelID
	return &clone, nil
}

// Calls reports how many generate calls the mock has served.
func (p *Mock) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
