package scan

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/recorder"
	"github.com/ChamsBouzaiene/verdict/internal/registry"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

func memoryCorpus(n int) *MemoryTranscripts {
	mt := &MemoryTranscripts{Label: "corpus"}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%03d", i)
		mt.Items = append(mt.Items, &Transcript{
			Info: recorder.TranscriptInfo{
				ID:       id,
				Source:   "memory://" + id,
				Metadata: map[string]any{"task": "arithmetic", "ordinal": i},
			},
			Messages: []model.ChatMessage{
				model.UserMessage("question " + id),
				model.AssistantMessage("answer " + id),
			},
			Events: []transcript.Event{
				{Type: transcript.EventModel, Model: &transcript.ModelEvent{Model: "mock"}},
			},
		})
	}
	return mt
}

func countingScanner(name string, count *atomic.Int64) *Scanner {
	return &Scanner{
		Name:    name,
		Content: Content{Messages: MessageSelect{All: true}},
		Entry:   registry.Entry{Kind: registry.KindScanner, Name: name},
		Fn: func(ctx context.Context, t *Transcript) ([]recorder.ScanResult, error) {
			count.Add(1)
			return []recorder.ScanResult{{Value: t.Info.ID}}, nil
		},
	}
}

func TestRunScansEveryTranscriptOnce(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	source := memoryCorpus(5)

	rec, err := Run(ctx, source, []*Scanner{countingScanner("counter", &calls)}, Options{
		Name:     "smoke",
		ScansDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("expected 5 invocations, got %d", calls.Load())
	}

	results, err := rec.Results(ctx, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Errorf("expected 5 transcripts in artifact, got %d", len(results))
	}
	if incomplete, _ := rec.Incomplete(); incomplete {
		t.Error("completed run left intermediates behind")
	}
}

func TestResumeSkipsRecordedPairs(t *testing.T) {
	// A scan over 100 transcripts with two scanners, interrupted after
	// scanner A recorded 50 and scanner B recorded 30. Resume must invoke
	// A 50 more times and B 70 more, for 200 rows with no duplicates.
	ctx := context.Background()
	registry.Reset()
	defer registry.Reset()

	const n = 100
	source := memoryCorpus(n)
	infos, _ := source.List(ctx)

	spec := recorder.ScanSpec{
		ScanID:      "resume01",
		ScanName:    "interrupted",
		Transcripts: infos,
		Scanners: map[string]registry.Entry{
			"scanner-a": {Kind: registry.KindScanner, Name: "scanner-a"},
			"scanner-b": {Kind: registry.KindScanner, Name: "scanner-b"},
		},
	}
	rec, err := recorder.NewScanRecorder(t.TempDir(), spec)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		rec.Record(infos[i].ID, "scanner-a", []recorder.ScanResult{{Value: infos[i].ID}})
	}
	for i := 0; i < 30; i++ {
		rec.Record(infos[i].ID, "scanner-b", []recorder.ScanResult{{Value: infos[i].ID}})
	}

	var callsA, callsB atomic.Int64
	registry.Register(registry.KindScanner, "scanner-a", func(params registry.Params) (any, error) {
		return countingScanner("scanner-a", &callsA), nil
	})
	registry.Register(registry.KindScanner, "scanner-b", func(params registry.Params) (any, error) {
		return countingScanner("scanner-b", &callsB), nil
	})

	resumed, err := Resume(ctx, rec.Location(), source, PoolOptions{MaxTasks: 8})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if callsA.Load() != 50 {
		t.Errorf("scanner-a: expected 50 remaining invocations, got %d", callsA.Load())
	}
	if callsB.Load() != 70 {
		t.Errorf("scanner-b: expected 70 remaining invocations, got %d", callsB.Load())
	}

	total := 0
	for _, name := range []string{"scanner-a", "scanner-b"} {
		results, err := resumed.Results(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != n {
			t.Errorf("%s: expected %d transcripts, got %d", name, n, len(results))
		}
		for id, rows := range results {
			if len(rows) != 1 {
				t.Errorf("%s: duplicate rows for %s: %d", name, id, len(rows))
			}
			total += len(rows)
		}
	}
	if total != 2*n {
		t.Errorf("expected %d rows total, got %d", 2*n, total)
	}

	// Resuming a completed scan performs no invocations.
	callsA.Store(0)
	callsB.Store(0)
	if _, err := Resume(ctx, rec.Location(), source, PoolOptions{}); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if callsA.Load() != 0 || callsB.Load() != 0 {
		t.Errorf("completed scan re-invoked scanners: a=%d b=%d", callsA.Load(), callsB.Load())
	}
}

func TestPoolPropagatesScannerError(t *testing.T) {
	ctx := context.Background()
	source := memoryCorpus(10)

	boom := &Scanner{
		Name:    "boom",
		Content: ContentAll(),
		Fn: func(ctx context.Context, t *Transcript) ([]recorder.ScanResult, error) {
			return nil, fmt.Errorf("scanner exploded")
		},
	}
	_, err := Run(ctx, source, []*Scanner{boom}, Options{Name: "fail", ScansDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error from failing scanner")
	}
}

func TestContentUnionAndNarrow(t *testing.T) {
	a := Content{Messages: MessageSelect{Roles: []model.Role{model.RoleAssistant}}}
	b := Content{
		Messages: MessageSelect{Roles: []model.Role{model.RoleUser, model.RoleAssistant}},
		Events:   EventSelect{Types: []transcript.EventType{transcript.EventModel}},
	}

	union := a.Union(b)
	if union.Messages.All {
		t.Error("union should not widen to all")
	}
	if len(union.Messages.Roles) != 2 {
		t.Errorf("expected 2 roles in union, got %v", union.Messages.Roles)
	}

	full := &Transcript{
		Messages: []model.ChatMessage{
			model.SystemMessage("sys"),
			model.UserMessage("hi"),
			model.AssistantMessage("hello"),
		},
		Events: []transcript.Event{
			{Type: transcript.EventModel, Model: &transcript.ModelEvent{Model: "mock"}},
			{Type: transcript.EventTool, Tool: &transcript.ToolEvent{Function: "bash"}},
		},
	}
	narrowed := full.Narrow(a)
	if len(narrowed.Messages) != 1 || narrowed.Messages[0].Role != model.RoleAssistant {
		t.Errorf("narrow kept wrong messages: %+v", narrowed.Messages)
	}
	if len(narrowed.Events) != 0 {
		t.Errorf("narrow should drop all events for zero selection, got %d", len(narrowed.Events))
	}

	if got := full.Narrow(ContentAll()); len(got.Messages) != 3 || len(got.Events) != 2 {
		t.Errorf("all filter should keep everything: %d msgs %d events", len(got.Messages), len(got.Events))
	}
}

func TestFilterTranscripts(t *testing.T) {
	infos := []recorder.TranscriptInfo{
		{ID: "t1", Metadata: map[string]any{"task": "arithmetic"}},
		{ID: "t2", Metadata: map[string]any{"task": "geometry"}},
		{ID: "t3", Metadata: map[string]any{"task": "arithmetic"}},
	}

	all, err := FilterTranscripts(infos, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("empty query should match all, got %d", len(all))
	}

	matched, err := FilterTranscripts(infos, "task:arithmetic")
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 2 || matched[0].ID != "t1" || matched[1].ID != "t3" {
		t.Errorf("unexpected filter result: %+v", matched)
	}
}

func TestShuffleAndLimit(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	source := memoryCorpus(20)
	seed := int64(7)

	rec, err := Run(ctx, source, []*Scanner{countingScanner("counter", &calls)}, Options{
		Name:     "limited",
		ScansDir: t.TempDir(),
		Shuffle:  &seed,
		Limit:    5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 5 {
		t.Errorf("limit not applied: %d invocations", calls.Load())
	}
	if got := len(rec.Spec().Transcripts); got != 5 {
		t.Errorf("spec snapshot should carry the limited listing, got %d", got)
	}
}

func TestParseSourceRef(t *testing.T) {
	path, key, err := parseSourceRef("/logs/run.eval#sample-1/2")
	if err != nil {
		t.Fatal(err)
	}
	if path != "/logs/run.eval" || key.ID != "sample-1" || key.Epoch != 2 {
		t.Errorf("parsed %q %+v", path, key)
	}
	if _, _, err := parseSourceRef("garbage"); err == nil {
		t.Error("expected error for malformed ref")
	}
}

func TestPoolBackpressure(t *testing.T) {
	// One slow worker and a queue of size 1: the producer must block
	// rather than buffer unboundedly, and all items must still complete.
	ctx := context.Background()
	var calls atomic.Int64
	slow := &Scanner{
		Name:    "slow",
		Content: ContentAll(),
		Fn: func(ctx context.Context, tr *Transcript) ([]recorder.ScanResult, error) {
			time.Sleep(5 * time.Millisecond)
			calls.Add(1)
			return []recorder.ScanResult{{Value: tr.Info.ID}}, nil
		},
	}
	_, err := Run(ctx, memoryCorpus(10), []*Scanner{slow}, Options{
		Name:     "slowpool",
		ScansDir: t.TempDir(),
		Pool:     PoolOptions{MaxTasks: 1, MaxQueueSize: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 10 {
		t.Errorf("expected 10 invocations, got %d", calls.Load())
	}
}
