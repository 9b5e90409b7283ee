package scan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/recorder"
)

// PoolOptions tunes the producer/worker pool.
type PoolOptions struct {
	// MaxTasks bounds concurrent workers (default 4). Workers are spawned
	// lazily as the producer posts items.
	MaxTasks int

	// MaxQueueSize bounds the work queue for backpressure (default
	// 2*MaxTasks).
	MaxQueueSize int

	// IdleTimeout is how long a worker polls an empty queue after the
	// producer has finished before exiting (default 1s).
	IdleTimeout time.Duration

	// Progress is called after each transcript is fully handled (scanned
	// or skipped); may be nil.
	Progress func(done, total int)
}

const (
	defaultPoolTasks   = 4
	defaultIdleTimeout = time.Second
)

type workItem struct {
	info    recorder.TranscriptInfo
	content Content
	pending []*Scanner
}

// runPool drives scanners over the listed transcripts. The producer
// skips (transcript, scanner) pairs the recorder already holds, so
// re-entering the pool resumes instead of repeating work. The first
// scanner or storage error cancels the pool and is returned wrapped.
func runPool(ctx context.Context, source Transcripts, scanners []*Scanner, rec *recorder.ScanRecorder, infos []recorder.TranscriptInfo, opts PoolOptions) error {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = defaultPoolTasks
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 2 * opts.MaxTasks
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	union := unionContent(scanners)
	total := len(infos)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan workItem, opts.MaxQueueSize)
	var producerDone atomic.Bool
	var done atomic.Int64
	var wg sync.WaitGroup
	var errOnce sync.Once
	var poolErr error

	fail := func(err error) {
		errOnce.Do(func() {
			poolErr = err
			cancel()
		})
	}

	bump := func() {
		d := int(done.Add(1))
		if opts.Progress != nil {
			opts.Progress(d, total)
		}
	}

	worker := func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-queue:
				if !ok {
					return
				}
				if err := handleItem(ctx, source, rec, item); err != nil {
					fail(err)
					return
				}
				bump()
			case <-time.After(opts.IdleTimeout):
				if producerDone.Load() {
					return
				}
			}
		}
	}

	// Producer: filter each transcript down to its unrecorded scanners
	// and post the remainder, spawning workers as items appear.
	spawned := 0
	for _, info := range infos {
		var pending []*Scanner
		for _, s := range scanners {
			if !rec.IsRecorded(info.ID, s.Name) {
				pending = append(pending, s)
			}
		}
		if len(pending) == 0 {
			bump()
			continue
		}

		if spawned < opts.MaxTasks {
			wg.Add(1)
			spawned++
			go worker()
		}

		select {
		case queue <- workItem{info: info, content: union, pending: pending}:
		case <-ctx.Done():
			producerDone.Store(true)
			close(queue)
			wg.Wait()
			if poolErr != nil {
				return fmt.Errorf("scan pool failed: %w", poolErr)
			}
			return ctx.Err()
		}
	}
	producerDone.Store(true)
	close(queue)
	wg.Wait()

	if poolErr != nil {
		return fmt.Errorf("scan pool failed: %w", poolErr)
	}
	return ctx.Err()
}

// handleItem loads the transcript once with the union filter, then runs
// each pending scanner over its own narrowed view. Every invocation is
// recorded durably before the next begins.
func handleItem(ctx context.Context, source Transcripts, rec *recorder.ScanRecorder, item workItem) error {
	t, err := source.Read(ctx, item.info, item.content)
	if err != nil {
		return fmt.Errorf("failed to read transcript %s: %w", item.info.ID, err)
	}
	for _, s := range item.pending {
		results, err := s.Fn(ctx, t.Narrow(s.Content))
		if err != nil {
			return fmt.Errorf("scanner %s failed on transcript %s: %w", s.Name, item.info.ID, err)
		}
		if err := rec.Record(item.info.ID, s.Name, results); err != nil {
			return err
		}
	}
	return nil
}
