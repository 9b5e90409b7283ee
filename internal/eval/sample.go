package eval

import (
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/dataset"
	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

// SampleLimit describes the limit that terminated a sample, if any.
type SampleLimit struct {
	Kind  string  `json:"kind"`
	Limit float64 `json:"limit"`
	Value float64 `json:"value"`
}

// SampleError captures an uncaught solver/scorer failure.
type SampleError struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// EvalSample is the persisted result of running one Sample.
type EvalSample struct {
	UUID     string              `json:"uuid"`
	ID       string              `json:"id"`
	Epoch    int                 `json:"epoch"`
	Input    []model.ChatMessage `json:"input"`
	Target   string              `json:"target,omitempty"`
	Metadata map[string]any      `json:"metadata,omitempty"`

	Messages []model.ChatMessage `json:"messages"`
	Output   *model.Output       `json:"output,omitempty"`
	Events   []transcript.Event  `json:"events"`
	Scores   []Score             `json:"scores,omitempty"`
	Error    *SampleError        `json:"error,omitempty"`
	Limit    *SampleLimit        `json:"limit,omitempty"`

	Usage       model.Usage   `json:"usage"`
	TotalTime   time.Duration `json:"total_time"`
	WorkingTime time.Duration `json:"working_time"`
}

// Errored reports whether the sample failed with an uncaught error.
func (s *EvalSample) Errored() bool { return s.Error != nil }

// Status summarizes a finished task.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// TaskResult aggregates one task's run.
type TaskResult struct {
	Task      string        `json:"task"`
	Model     string        `json:"model"`
	Status    Status        `json:"status"`
	Samples   []*EvalSample `json:"samples"`
	Usage     model.Usage   `json:"usage"`
	Started   time.Time     `json:"started"`
	Completed time.Time     `json:"completed"`

	// Reduced holds per-sample-id scores after epoch reduction; keyed by
	// sample id, one entry per scorer.
	Reduced map[string][]Score `json:"reduced,omitempty"`
}

// MeanScore averages the named scorer's reduced values across sample ids.
func (r *TaskResult) MeanScore(scorer string) float64 {
	sum, n := 0.0, 0
	for _, scores := range r.Reduced {
		for _, s := range scores {
			if s.Scorer == scorer {
				sum += s.Value
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ErrorCount counts errored samples.
func (r *TaskResult) ErrorCount() int {
	n := 0
	for _, s := range r.Samples {
		if s.Errored() {
			n++
		}
	}
	return n
}

// expandEpochs replicates the dataset's samples once per epoch, tagging
// each copy with its epoch number (1-based).
func expandEpochs(samples []dataset.Sample, epochs int) []dataset.Sample {
	if epochs <= 1 {
		out := make([]dataset.Sample, len(samples))
		for i, s := range samples {
			if s.Epoch == 0 {
				s.Epoch = 1
			}
			out[i] = s
		}
		return out
	}
	out := make([]dataset.Sample, 0, len(samples)*epochs)
	for epoch := 1; epoch <= epochs; epoch++ {
		for _, s := range samples {
			s.Epoch = epoch
			out = append(out, s)
		}
	}
	return out
}
