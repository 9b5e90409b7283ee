package scan

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ChamsBouzaiene/verdict/internal/eval"
	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/recorder"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

func writeLogFixture(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	log := &recorder.Log{
		Version: 1,
		Header:  recorder.Header{Task: "arithmetic", Model: "mock/test"},
		Samples: []*eval.EvalSample{
			{
				UUID:  "u1",
				ID:    "s1",
				Epoch: 1,
				Messages: []model.ChatMessage{
					model.UserMessage("q"),
					model.AssistantMessage("a"),
				},
				Events: []transcript.Event{
					{Type: transcript.EventModel, Model: &transcript.ModelEvent{Model: "mock"}},
				},
			},
			{UUID: "u2", ID: "s2", Epoch: 1, Messages: []model.ChatMessage{model.UserMessage("q2")}},
		},
	}
	if err := recorder.WriteLog(path, log, recorder.FormatEval); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLogTranscriptsListAndRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeLogFixture(t, dir, "run.eval")

	lt := NewLogTranscripts(dir)
	infos, err := lt.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(infos))
	}
	if infos[0].ID != "u1" || infos[0].Metadata["task"] != "arithmetic" {
		t.Errorf("unexpected info: %+v", infos[0])
	}
	if infos[0].Source != path+"#s1/1" {
		t.Errorf("unexpected source ref: %s", infos[0].Source)
	}

	tr, err := lt.Read(ctx, infos[0], ContentAll())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(tr.Messages) != 2 || len(tr.Events) != 1 {
		t.Errorf("content not loaded: %d msgs %d events", len(tr.Messages), len(tr.Events))
	}

	// A narrower filter drops what the scanner did not ask for.
	onlyUser, err := lt.Read(ctx, infos[0], Content{Messages: MessageSelect{Roles: []model.Role{model.RoleUser}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyUser.Messages) != 1 || len(onlyUser.Events) != 0 {
		t.Errorf("filter not applied: %d msgs %d events", len(onlyUser.Messages), len(onlyUser.Events))
	}
}

func TestScanOverLogDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeLogFixture(t, dir, "run.eval")

	scanner := &Scanner{
		Name:    "echo",
		Content: ContentAll(),
		Fn: func(ctx context.Context, tr *Transcript) ([]recorder.ScanResult, error) {
			return []recorder.ScanResult{{Value: tr.Info.ID}}, nil
		},
	}
	rec, err := Run(ctx, NewLogTranscripts(dir), []*Scanner{scanner}, Options{
		Name:     "logscan",
		ScansDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, err := rec.Results(ctx, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 transcripts scanned, got %d", len(results))
	}
}
