package scan

import (
	"context"
	"fmt"

	"github.com/ChamsBouzaiene/verdict/internal/recorder"
	"github.com/ChamsBouzaiene/verdict/internal/registry"
)

// ScanFunc analyzes one transcript (already narrowed to the scanner's
// declared content) and emits result rows.
type ScanFunc func(ctx context.Context, t *Transcript) ([]recorder.ScanResult, error)

// Scanner is a post-hoc analyzer of completed transcripts.
type Scanner struct {
	// Name keys the scanner's artifact inside the scan directory.
	Name string

	// Content declares what the scanner reads; used for the union-of-
	// contents load and for in-memory narrowing before invocation.
	Content Content

	// Entry is the registration that produced this scanner, persisted in
	// the scan spec so resume can reconstruct it.
	Entry registry.Entry

	Fn ScanFunc
}

// CreateScanner instantiates a registered scanner by name.
func CreateScanner(name string, params registry.Params) (*Scanner, error) {
	obj, entry, err := registry.Create(registry.KindScanner, name, params)
	if err != nil {
		return nil, err
	}
	s, ok := obj.(*Scanner)
	if !ok {
		return nil, fmt.Errorf("registered scanner %q has type %T", name, obj)
	}
	s.Entry = entry
	if s.Name == "" {
		s.Name = name
	}
	return s, nil
}

// unionContent computes the single minimal filter covering every
// scanner, so each transcript is read from storage once.
func unionContent(scanners []*Scanner) Content {
	var union Content
	for _, s := range scanners {
		union = union.Union(s.Content)
	}
	return union
}
