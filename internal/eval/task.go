package eval

import (
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/dataset"
	"github.com/ChamsBouzaiene/verdict/internal/limits"
	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/sandbox"
	"github.com/ChamsBouzaiene/verdict/internal/tooling"
)

// Task is a named bundle of dataset, solver, scorers, and config.
type Task struct {
	Name    string
	Dataset dataset.Dataset
	Solver  Solver
	Scorers []Scorer
	Tools   tooling.Registry

	// Config is the task-scoped generate config, merged under each
	// call's own config.
	Config model.GenerateConfig

	// Limits apply per sample.
	Limits limits.Config

	// Sandbox requests a sandbox for every sample; individual samples
	// can also request one via their Sandbox flag.
	Sandbox       bool
	SandboxConfig sandbox.Config

	// Epochs repeats the dataset N times (default 1). Reducer combines
	// each sample id's scores across epochs (default mean).
	Epochs  int
	Reducer Reducer

	// FailOnError controls task failure: nil tolerates everything,
	// true fails on the first errored sample, a float in (0,1) is the
	// tolerated fraction, >= 1 the tolerated absolute count.
	FailOnError *float64

	// NoSandboxCleanup leaves sandboxes running after samples finish.
	NoSandboxCleanup bool
}

// FailOnAny returns the FailOnError value meaning "any error fails".
func FailOnAny() *float64 { v := 0.0; return &v }

// FailOnFraction returns a FailOnError tolerating the given fraction.
func FailOnFraction(f float64) *float64 { return &f }

// FailOnCount returns a FailOnError tolerating the given absolute count.
func FailOnCount(n int) *float64 { v := float64(n); return &v }

// failed evaluates the fail-on-error policy against errored/total counts.
func (t *Task) failed(errored, total int) bool {
	if t.FailOnError == nil || errored == 0 {
		return false
	}
	threshold := *t.FailOnError
	switch {
	case threshold == 0:
		// FailOnAny: a single error fails the task.
		return true
	case threshold < 1:
		return float64(errored)/float64(total) > threshold
	default:
		return float64(errored) > threshold
	}
}

// sandboxTimeout bounds sandbox setup and teardown.
const sandboxTimeout = 5 * time.Minute
