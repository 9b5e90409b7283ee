package recorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/eval"
)

// EvalRecorder is the live sink for a running eval: samples are buffered
// in memory and written out on every Flush, so a crash loses at most the
// samples since the last flush. It is the only writer for its path.
type EvalRecorder struct {
	mu     sync.Mutex
	path   string
	format Format
	log    *Log
	dirty  bool
}

// NewEvalRecorder creates a recorder writing to path. The format is
// derived from the path extension (.json → json, else binary eval).
func NewEvalRecorder(path string) *EvalRecorder {
	return &EvalRecorder{
		path:   path,
		format: DetectFormat(path),
		log:    &Log{Version: evalVersion},
	}
}

// Init writes the header before any sample is recorded.
func (r *EvalRecorder) Init(header Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if header.Created.IsZero() {
		header.Created = time.Now()
	}
	r.log.Header = header
	r.dirty = true
	return nil
}

// Resume loads an existing log from the recorder's path so already
// recorded samples are visible to IsRecorded.
func (r *EvalRecorder) Resume() (*Log, error) {
	log, err := ReadLog(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to resume log %s: %w", r.path, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = log
	r.dirty = false
	return log, nil
}

// IsRecorded reports whether a sample was already persisted under key.
func (r *EvalRecorder) IsRecorded(key SampleKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Find(key) != nil
}

// RecordSample buffers one finished sample. Duplicate keys replace the
// previous record (retry semantics).
func (r *EvalRecorder) RecordSample(task string, s *eval.EvalSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := SampleKey{ID: s.ID, Epoch: s.Epoch}
	for i, existing := range r.log.Samples {
		if existing.ID == key.ID && existing.Epoch == key.Epoch {
			r.log.Samples[i] = s
			r.dirty = true
			return nil
		}
	}
	r.log.Samples = append(r.log.Samples, s)
	r.dirty = true
	return nil
}

// Flush writes the buffered log to disk if anything changed.
func (r *EvalRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	if err := WriteLog(r.path, r.log, r.format); err != nil {
		return err
	}
	r.dirty = false
	return nil
}

// Complete stamps the final status, flushes, and returns the location.
func (r *EvalRecorder) Complete(status eval.Status) (string, error) {
	r.mu.Lock()
	r.log.Header.Status = status
	r.dirty = true
	r.mu.Unlock()
	if err := r.Flush(); err != nil {
		return "", err
	}
	return r.path, nil
}

// Location returns the recorder's output path.
func (r *EvalRecorder) Location() string { return r.path }
