package scan

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChamsBouzaiene/verdict/internal/recorder"
)

// Follower watches a log directory and reports transcripts from newly
// completed logs, so a long-running scan can trail an eval in progress.
// Events are debounced: a log rewritten several times in quick
// succession is reported once.
type Follower struct {
	dir      string
	source   *LogTranscripts
	onNew    func([]recorder.TranscriptInfo)
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]bool
	seen    map[string]bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFollower creates a follower over the logs under dir. onNew receives
// the transcripts of each log that appears or changes.
func NewFollower(dir string, onNew func([]recorder.TranscriptInfo)) (*Follower, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Follower{
		dir:      dir,
		source:   NewLogTranscripts(dir),
		onNew:    onNew,
		debounce: 500 * time.Millisecond,
		watcher:  watcher,
		pending:  map[string]bool{},
		seen:     map[string]bool{},
	}, nil
}

// Start begins watching. Transcripts already present are reported first
// so the caller never misses a log that completed before the watch began.
func (f *Follower) Start(ctx context.Context) error {
	if err := f.watcher.Add(f.dir); err != nil {
		return err
	}

	infos, err := f.source.List(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	for _, info := range infos {
		f.seen[info.ID] = true
	}
	f.mu.Unlock()
	if len(infos) > 0 && f.onNew != nil {
		f.onNew(infos)
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(2)
	go f.eventLoop(ctx)
	go f.debounceLoop(ctx)
	return nil
}

// Stop stops watching and waits for in-flight callbacks.
func (f *Follower) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	return f.watcher.Close()
}

func (f *Follower) eventLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := event.Name
			if !strings.HasSuffix(name, ".eval") && !strings.HasSuffix(name, ".json") {
				continue
			}
			f.mu.Lock()
			f.pending[name] = true
			f.mu.Unlock()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: log watcher error: %v", err)
		}
	}
}

func (f *Follower) debounceLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushPending(ctx)
		}
	}
}

// flushPending re-lists the directory and reports transcripts not seen
// before. Listing rather than reading single paths keeps the follower
// robust to renames from temp files.
func (f *Follower) flushPending(ctx context.Context) {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return
	}
	f.pending = map[string]bool{}
	f.mu.Unlock()

	// Logs are rewritten in place as evals progress; drop the cache so
	// the re-list sees current content.
	f.source = NewLogTranscripts(f.dir)
	infos, err := f.source.List(ctx)
	if err != nil {
		log.Printf("WARNING: failed to list logs while following: %v", err)
		return
	}

	var fresh []recorder.TranscriptInfo
	f.mu.Lock()
	for _, info := range infos {
		if !f.seen[info.ID] {
			f.seen[info.ID] = true
			fresh = append(fresh, info)
		}
	}
	f.mu.Unlock()

	if len(fresh) > 0 && f.onNew != nil {
		f.onNew(fresh)
	}
}
