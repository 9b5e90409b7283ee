// Package scan applies registered scanners to corpora of completed
// transcripts through a producer/worker pool with deduplication against
// prior runs and incremental, resumable recording.
package scan

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/recorder"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

// MessageSelect picks which messages a scanner wants. The zero value
// selects none.
type MessageSelect struct {
	All   bool         `json:"all,omitempty"`
	Roles []model.Role `json:"roles,omitempty"`
}

// EventSelect picks which events a scanner wants. The zero value selects
// none.
type EventSelect struct {
	All   bool                   `json:"all,omitempty"`
	Types []transcript.EventType `json:"types,omitempty"`
}

// Content declares what portion of a transcript a scanner reads. Storage
// is hit once per transcript with the union of all scanner contents;
// narrower per-scanner filters are applied in memory.
type Content struct {
	Messages MessageSelect `json:"messages"`
	Events   EventSelect   `json:"events"`
}

// ContentAll selects everything.
func ContentAll() Content {
	return Content{Messages: MessageSelect{All: true}, Events: EventSelect{All: true}}
}

// Union merges two content filters into the minimal filter satisfying both.
func (c Content) Union(other Content) Content {
	out := Content{}
	if c.Messages.All || other.Messages.All {
		out.Messages.All = true
	} else {
		out.Messages.Roles = unionSlices(c.Messages.Roles, other.Messages.Roles)
	}
	if c.Events.All || other.Events.All {
		out.Events.All = true
	} else {
		out.Events.Types = unionSlices(c.Events.Types, other.Events.Types)
	}
	return out
}

func unionSlices[T comparable](a, b []T) []T {
	seen := map[T]bool{}
	var out []T
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Transcript is one scannable item with its content loaded per filter.
type Transcript struct {
	Info     recorder.TranscriptInfo
	Messages []model.ChatMessage
	Events   []transcript.Event
}

// Narrow applies a scanner's own content filter to an already-loaded
// transcript, returning a filtered view.
func (t *Transcript) Narrow(content Content) *Transcript {
	out := &Transcript{Info: t.Info}
	switch {
	case content.Messages.All:
		out.Messages = t.Messages
	case len(content.Messages.Roles) > 0:
		want := map[model.Role]bool{}
		for _, r := range content.Messages.Roles {
			want[r] = true
		}
		for _, m := range t.Messages {
			if want[m.Role] {
				out.Messages = append(out.Messages, m)
			}
		}
	}
	switch {
	case content.Events.All:
		out.Events = t.Events
	case len(content.Events.Types) > 0:
		want := map[transcript.EventType]bool{}
		for _, typ := range content.Events.Types {
			want[typ] = true
		}
		for _, e := range t.Events {
			if want[e.Type] {
				out.Events = append(out.Events, e)
			}
		}
	}
	return out
}

// Transcripts is a lazy, countable collection of scannable items.
type Transcripts interface {
	// Name identifies the collection (used in the scan spec).
	Name() string
	// List enumerates the collection without loading content.
	List(ctx context.Context) ([]recorder.TranscriptInfo, error)
	// Read loads one transcript with the given content filter.
	Read(ctx context.Context, info recorder.TranscriptInfo, content Content) (*Transcript, error)
}

// LogTranscripts reads transcripts out of eval logs: every sample of
// every log under dir is one transcript. Logs are parsed once and cached
// for the lifetime of the collection.
type LogTranscripts struct {
	dir string

	mu   sync.Mutex
	logs map[string]*recorder.Log
}

// NewLogTranscripts creates a collection over the eval logs under dir.
// An empty dir is allowed; Read then resolves absolute source refs only
// (the resume path, where the snapshot carries full locations).
func NewLogTranscripts(dir string) *LogTranscripts {
	return &LogTranscripts{dir: dir, logs: map[string]*recorder.Log{}}
}

func (lt *LogTranscripts) Name() string { return lt.dir }

// List enumerates one TranscriptInfo per sample of every log under dir.
// Sources are encoded as "{log path}#{id}/{epoch}".
func (lt *LogTranscripts) List(ctx context.Context) ([]recorder.TranscriptInfo, error) {
	logs, err := recorder.ListLogs(lt.dir)
	if err != nil {
		return nil, err
	}
	var infos []recorder.TranscriptInfo
	for _, li := range logs {
		log, err := lt.load(li.Path)
		if err != nil {
			return nil, err
		}
		for _, s := range log.Samples {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			id := s.UUID
			if id == "" {
				id = fmt.Sprintf("%s-%d", s.ID, s.Epoch)
			}
			infos = append(infos, recorder.TranscriptInfo{
				ID:     id,
				Source: fmt.Sprintf("%s#%s/%d", li.Path, s.ID, s.Epoch),
				Metadata: map[string]any{
					"task":   log.Header.Task,
					"model":  log.Header.Model,
					"sample": s.ID,
					"epoch":  s.Epoch,
				},
			})
		}
	}
	return infos, nil
}

func (lt *LogTranscripts) Read(ctx context.Context, info recorder.TranscriptInfo, content Content) (*Transcript, error) {
	path, key, err := parseSourceRef(info.Source)
	if err != nil {
		return nil, err
	}
	log, err := lt.load(path)
	if err != nil {
		return nil, err
	}
	sample := log.Find(key)
	if sample == nil {
		return nil, fmt.Errorf("transcript %s not found in %s", info.ID, path)
	}
	full := &Transcript{Info: info, Messages: sample.Messages, Events: sample.Events}
	return full.Narrow(content), nil
}

func (lt *LogTranscripts) load(path string) (*recorder.Log, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if log, ok := lt.logs[path]; ok {
		return log, nil
	}
	log, err := recorder.ReadLog(path)
	if err != nil {
		return nil, err
	}
	lt.logs[path] = log
	return log, nil
}

func parseSourceRef(source string) (string, recorder.SampleKey, error) {
	hash := strings.LastIndex(source, "#")
	slash := strings.LastIndex(source, "/")
	if hash < 0 || slash < hash {
		return "", recorder.SampleKey{}, fmt.Errorf("malformed transcript source %q", source)
	}
	epoch, err := strconv.Atoi(source[slash+1:])
	if err != nil {
		return "", recorder.SampleKey{}, fmt.Errorf("malformed transcript source %q: %w", source, err)
	}
	return source[:hash], recorder.SampleKey{ID: source[hash+1 : slash], Epoch: epoch}, nil
}

// MemoryTranscripts is an in-memory collection, mainly for tests and
// programmatic corpora.
type MemoryTranscripts struct {
	Label string
	Items []*Transcript
}

func (mt *MemoryTranscripts) Name() string { return mt.Label }

func (mt *MemoryTranscripts) List(ctx context.Context) ([]recorder.TranscriptInfo, error) {
	infos := make([]recorder.TranscriptInfo, len(mt.Items))
	for i, t := range mt.Items {
		infos[i] = t.Info
	}
	return infos, nil
}

func (mt *MemoryTranscripts) Read(ctx context.Context, info recorder.TranscriptInfo, content Content) (*Transcript, error) {
	for _, t := range mt.Items {
		if t.Info.ID == info.ID {
			return t.Narrow(content), nil
		}
	}
	return nil, fmt.Errorf("transcript %s not found", info.ID)
}

// shuffleInfos reorders infos deterministically for a seed.
func shuffleInfos(infos []recorder.TranscriptInfo, seed int64) {
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(infos), func(i, j int) { infos[i], infos[j] = infos[j], infos[i] })
}
