// Package dataset defines the sample source consumed by tasks.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/ChamsBouzaiene/verdict/internal/model"
)

// Sample is one input/target pair, the unit of parallel work. Immutable
// after creation.
type Sample struct {
	ID       string              `json:"id"`
	Epoch    int                 `json:"epoch"`
	Input    []model.ChatMessage `json:"input"`
	Target   string              `json:"target,omitempty"`
	Metadata map[string]any      `json:"metadata,omitempty"`
	Files    map[string][]byte   `json:"files,omitempty"`
	Sandbox  bool                `json:"sandbox,omitempty"`
}

// Dataset yields samples for a task.
type Dataset interface {
	Name() string
	Samples() []Sample
	Len() int
}

// MemoryDataset holds samples in memory.
type MemoryDataset struct {
	name    string
	samples []Sample
}

// NewMemoryDataset builds a dataset from explicit samples, filling missing
// ids with their ordinal position.
func NewMemoryDataset(name string, samples []Sample) *MemoryDataset {
	out := make([]Sample, len(samples))
	for i, s := range samples {
		if s.ID == "" {
			s.ID = fmt.Sprintf("%d", i+1)
		}
		out[i] = s
	}
	return &MemoryDataset{name: name, samples: out}
}

// FromInputs builds a dataset of plain text input/target pairs.
func FromInputs(name string, pairs map[string]string) *MemoryDataset {
	var samples []Sample
	for input, target := range pairs {
		samples = append(samples, Sample{
			Input:  []model.ChatMessage{model.UserMessage(input)},
			Target: target,
		})
	}
	return NewMemoryDataset(name, samples)
}

func (d *MemoryDataset) Name() string { return d.name }

func (d *MemoryDataset) Len() int { return len(d.samples) }

// Samples returns a copy of the sample list.
func (d *MemoryDataset) Samples() []Sample {
	out := make([]Sample, len(d.samples))
	copy(out, d.samples)
	return out
}

// Shuffle reorders samples deterministically by seed.
func (d *MemoryDataset) Shuffle(seed int64) {
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(d.samples), func(i, j int) {
		d.samples[i], d.samples[j] = d.samples[j], d.samples[i]
	})
}

// Limit truncates the dataset to at most n samples.
func (d *MemoryDataset) Limit(n int) {
	if n >= 0 && n < len(d.samples) {
		d.samples = d.samples[:n]
	}
}
