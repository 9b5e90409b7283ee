package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ChamsBouzaiene/verdict/internal/recorder"
	"github.com/ChamsBouzaiene/verdict/internal/scan"
)

func runScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	logsDir := fs.String("logs", defaultLogDir(), "Directory of eval logs to scan")
	scannerList := fs.String("scanners", "", "Comma-separated scanner names (required)")
	name := fs.String("name", "", "Scan name (default: joined scanner names)")
	scansDir := fs.String("scans-dir", defaultScansDir(), "Parent directory for scan output")
	filter := fs.String("filter", "", "Query narrowing transcripts by id or metadata")
	shuffle := fs.Int64("shuffle", 0, "Shuffle transcripts with this seed (0: keep order)")
	limit := fs.Int("limit", 0, "Cap the number of transcripts scanned (0: all)")
	tags := fs.String("tags", "", "Comma-separated tags stored in the scan spec")
	maxTasks := fs.Int("max-tasks", envInt("VERDICT_MAX_TASKS", 4), "Concurrent scanner workers")
	queueSize := fs.Int("queue", 0, "Work queue size (0: 2x max-tasks)")
	follow := fs.Bool("follow", false, "Keep watching the log directory, scanning logs as they arrive")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *scannerList == "" {
		return usagef("-scanners is required")
	}
	scanners, err := buildScanners(*scannerList)
	if err != nil {
		return err
	}

	opts := scan.Options{
		Name:     *name,
		ScansDir: *scansDir,
		Filter:   *filter,
		Limit:    *limit,
		Pool: scan.PoolOptions{
			MaxTasks:     *maxTasks,
			MaxQueueSize: *queueSize,
			Progress: func(done, total int) {
				log.Printf("scan: %d/%d transcripts", done, total)
			},
		},
	}
	if *shuffle != 0 {
		opts.Shuffle = shuffle
	}
	if *tags != "" {
		opts.Tags = strings.Split(*tags, ",")
	}

	if *follow {
		return followScan(ctx, *logsDir, scanners, opts)
	}

	source := scan.NewLogTranscripts(*logsDir)
	rec, err := scan.Run(ctx, source, scanners, opts)
	if err != nil {
		return err
	}
	printScanSummary(ctx, rec, scanners)
	return nil
}

func runScanResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan-resume", flag.ExitOnError)
	location := fs.String("location", "", "Scan directory to finish (required)")
	maxTasks := fs.Int("max-tasks", envInt("VERDICT_MAX_TASKS", 4), "Concurrent scanner workers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *location == "" {
		return usagef("-location is required")
	}

	rec, err := scan.Resume(ctx, *location, nil, scan.PoolOptions{
		MaxTasks: *maxTasks,
		Progress: func(done, total int) {
			log.Printf("scan: %d/%d transcripts", done, total)
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("resumed scan complete: %s\n", rec.Location())
	return nil
}

// buildScanners resolves registered scanner names. Built-in scanners are
// registered by the scan package; task code can register more.
func buildScanners(list string) ([]*scan.Scanner, error) {
	var scanners []*scan.Scanner
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s, err := scan.CreateScanner(name, nil)
		if err != nil {
			return nil, err
		}
		scanners = append(scanners, s)
	}
	if len(scanners) == 0 {
		return nil, usagef("no scanners named")
	}
	return scanners, nil
}

// followScan scans whatever the log directory holds now, then keeps
// scanning new transcripts as logs land, until interrupted. Each batch
// produces its own scan directory.
func followScan(ctx context.Context, logsDir string, scanners []*scan.Scanner, opts scan.Options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	batches := make(chan []recorder.TranscriptInfo, 1)

	follower, err := scan.NewFollower(logsDir, func(infos []recorder.TranscriptInfo) {
		select {
		case batches <- infos:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	if err := follower.Start(ctx); err != nil {
		return err
	}
	defer follower.Stop()

	log.Printf("following %s, interrupt to stop", logsDir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case infos := <-batches:
			// Fresh reader per batch: a cached log would hide samples
			// appended since the last flush.
			source, err := loadBatch(ctx, scan.NewLogTranscripts(logsDir), logsDir, infos)
			if err != nil {
				log.Printf("WARNING: failed to load log batch: %v", err)
				continue
			}
			rec, err := scan.Run(ctx, source, scanners, opts)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			printScanSummary(ctx, rec, scanners)
		}
	}
}

// loadBatch materializes one follower batch so the scan sees exactly
// these transcripts rather than re-listing the directory.
func loadBatch(ctx context.Context, reader *scan.LogTranscripts, label string, infos []recorder.TranscriptInfo) (*scan.MemoryTranscripts, error) {
	items := make([]*scan.Transcript, 0, len(infos))
	for _, info := range infos {
		t, err := reader.Read(ctx, info, scan.ContentAll())
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return &scan.MemoryTranscripts{Label: label, Items: items}, nil
}

func printScanSummary(ctx context.Context, rec *recorder.ScanRecorder, scanners []*scan.Scanner) {
	fmt.Printf("scan complete: %s\n", rec.Location())
	for _, s := range scanners {
		results, err := rec.Results(ctx, s.Name)
		if err != nil {
			log.Printf("WARNING: failed to read %s results: %v", s.Name, err)
			continue
		}
		rows := 0
		for _, rs := range results {
			rows += len(rs)
		}
		fmt.Printf("  %s: %d results over %d transcripts\n", s.Name, rows, len(results))
	}
}
