package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/verdict/internal/recorder"
	"github.com/ChamsBouzaiene/verdict/internal/registry"
)

// Options configures one scan run.
type Options struct {
	// Name labels the scan; part of the scan directory name.
	Name string

	// ScansDir is the parent directory scan locations are created under.
	ScansDir string

	// Filter is an optional bleve query string applied to transcript ids
	// and metadata before scanning.
	Filter string

	// Shuffle, when non-nil, reorders transcripts with the given seed.
	Shuffle *int64

	// Limit, when positive, caps the number of transcripts scanned.
	Limit int

	Tags     []string
	Metadata map[string]any

	Pool PoolOptions
}

// Run executes scanners over a transcript collection: it snapshots the
// listing into a durable ScanSpec, drives the work pool, and compacts
// the results. The returned recorder points at the completed location.
func Run(ctx context.Context, source Transcripts, scanners []*Scanner, opts Options) (*recorder.ScanRecorder, error) {
	if len(scanners) == 0 {
		return nil, fmt.Errorf("no scanners given")
	}
	if opts.Name == "" {
		opts.Name = "scan"
	}

	infos, err := source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	if infos, err = FilterTranscripts(infos, opts.Filter); err != nil {
		return nil, err
	}
	if opts.Shuffle != nil {
		shuffleInfos(infos, *opts.Shuffle)
	}
	if opts.Limit > 0 && opts.Limit < len(infos) {
		infos = infos[:opts.Limit]
	}

	spec := recorder.ScanSpec{
		ScanID:      uuid.NewString()[:8],
		ScanName:    opts.Name,
		Created:     time.Now(),
		Transcripts: infos,
		Scanners:    map[string]registry.Entry{},
		Tags:        opts.Tags,
		Metadata:    opts.Metadata,
	}
	for _, s := range scanners {
		spec.Scanners[s.Name] = s.Entry
	}

	rec, err := recorder.NewScanRecorder(opts.ScansDir, spec)
	if err != nil {
		return nil, err
	}

	if err := runPool(ctx, source, scanners, rec, infos, opts.Pool); err != nil {
		return rec, err
	}
	if err := rec.Complete(ctx); err != nil {
		return rec, err
	}
	return rec, nil
}

// Resume re-enters an interrupted scan at location: the durable spec is
// re-read, scanners are reconstructed from the registry, and the pool
// runs over the snapshotted transcript listing. Pairs already recorded
// are skipped; resuming a completed scan performs no invocations.
//
// source may be nil, in which case transcripts are read back from the
// locations captured in the snapshot.
func Resume(ctx context.Context, location string, source Transcripts, pool PoolOptions) (*recorder.ScanRecorder, error) {
	rec, err := recorder.OpenScan(ctx, location)
	if err != nil {
		return nil, err
	}
	spec := rec.Spec()

	var scanners []*Scanner
	for name, entry := range spec.Scanners {
		s, err := CreateScanner(entry.Name, entry.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to reconstruct scanner %s: %w", name, err)
		}
		s.Name = name
		scanners = append(scanners, s)
	}

	if source == nil {
		source = NewLogTranscripts("")
	}

	if err := runPool(ctx, source, scanners, rec, spec.Transcripts, pool); err != nil {
		return rec, err
	}
	if err := rec.Complete(ctx); err != nil {
		return rec, err
	}
	return rec, nil
}
