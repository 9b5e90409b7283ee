// Package recorder persists eval and scan state durably. Eval logs are
// written in a versioned binary container or as plain JSON with lossless
// conversion between the two. Scan results go through a directory-based
// recorder that keeps hidden per-(transcript, scanner) intermediates until
// compaction into per-scanner sqlite artifacts.
package recorder

import (
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/eval"
)

// Format identifies an eval log encoding.
type Format string

const (
	FormatEval Format = "eval" // binary container
	FormatJSON Format = "json"
)

// Header carries the log's identity and config, written before any sample.
type Header struct {
	Task    string         `json:"task"`
	Model   string         `json:"model"`
	Created time.Time      `json:"created"`
	Config  map[string]any `json:"config,omitempty"`
	Status  eval.Status    `json:"status,omitempty"`
}

// Log is one eval log in memory: header plus all persisted samples.
type Log struct {
	Version int                `json:"version"`
	Header  Header             `json:"header"`
	Samples []*eval.EvalSample `json:"samples"`
}

// SampleKey identifies one recorded sample within a log.
type SampleKey struct {
	ID    string
	Epoch int
}

// Find returns the sample recorded under key, or nil.
func (l *Log) Find(key SampleKey) *eval.EvalSample {
	for _, s := range l.Samples {
		if s.ID == key.ID && s.Epoch == key.Epoch {
			return s
		}
	}
	return nil
}
