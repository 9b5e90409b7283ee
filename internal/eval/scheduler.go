package eval

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/concurrency"
	"github.com/ChamsBouzaiene/verdict/internal/dataset"
	"github.com/ChamsBouzaiene/verdict/internal/limits"
	"github.com/ChamsBouzaiene/verdict/internal/model"
)

// SampleSink receives finished samples as they complete. The recorder
// implements it; a nil sink discards nothing durably.
type SampleSink interface {
	RecordSample(task string, sample *EvalSample) error
	Flush() error
}

// Options configures one Eval run.
type Options struct {
	// MaxSamples bounds concurrently running samples across all tasks
	// (default 4). Tasks compete for one shared budget.
	MaxSamples int

	// MaxTasks bounds concurrently running tasks (default 1).
	MaxTasks int

	// Limits is the process-wide limit scope config (usually only cost).
	Limits limits.Config

	// Sink receives samples as they complete; may be nil.
	Sink SampleSink

	// Progress is called after each sample completes; may be nil.
	Progress func(task string, done, total int)
}

const (
	defaultMaxSamples = 4
	defaultMaxTasks   = 1
)

// Eval runs tasks against mdl and returns one TaskResult per task, in task
// order. Sample failures are absorbed into results per each task's
// fail-on-error policy; Eval itself errors only on sink failures.
func Eval(ctx context.Context, tasks []*Task, mdl *model.Model, opts Options) ([]*TaskResult, error) {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = defaultMaxSamples
	}
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = defaultMaxTasks
	}

	rootScope := limits.NewScope(nil, opts.Limits)
	samplePermits := concurrency.NewPool(opts.MaxSamples)
	taskPermits := concurrency.NewPool(opts.MaxTasks)

	results := make([]*TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		release, err := taskPermits.Acquire(ctx)
		if err != nil {
			// Cancelled before this task started; mark it and the rest.
			for j := i; j < len(tasks); j++ {
				results[j] = &TaskResult{
					Task:   tasks[j].Name,
					Model:  mdl.Name(),
					Status: StatusCancelled,
				}
			}
			break
		}
		wg.Add(1)
		go func(i int, task *Task) {
			defer wg.Done()
			defer release()
			results[i] = runTask(ctx, task, mdl, rootScope, samplePermits, opts)
		}(i, task)
	}
	wg.Wait()

	var flushErr error
	if opts.Sink != nil {
		if err := opts.Sink.Flush(); err != nil {
			flushErr = fmt.Errorf("failed to flush recorder: %w", err)
		}
	}
	return results, flushErr
}

// runTask drains one task's sample queue through the shared permit pool.
// On cancellation the queue is drained without running the remaining
// samples; in-flight samples observe ctx and finish errored as cancelled.
func runTask(ctx context.Context, task *Task, mdl *model.Model, rootScope *limits.Scope, permits *concurrency.Pool, opts Options) *TaskResult {
	result := &TaskResult{
		Task:    task.Name,
		Model:   mdl.Name(),
		Started: time.Now(),
	}

	queue := expandEpochs(task.Dataset.Samples(), task.Epochs)
	total := len(queue)

	var mu sync.Mutex
	var done int
	samples := make([]*EvalSample, 0, total)
	cancelled := false

	var wg sync.WaitGroup
	for _, sample := range queue {
		release, err := permits.Acquire(ctx)
		if err != nil {
			// Cancelled: drain the remaining queue without running it.
			cancelled = true
			break
		}
		wg.Add(1)
		go func(sample dataset.Sample) {
			defer wg.Done()
			defer release()

			es := runSample(ctx, task, mdl, sample, rootScope)

			mu.Lock()
			samples = append(samples, es)
			done++
			d := done
			mu.Unlock()

			if opts.Sink != nil {
				if err := opts.Sink.RecordSample(task.Name, es); err != nil {
					log.Printf("WARNING: failed to record sample %s: %v", es.ID, err)
				}
			}
			if opts.Progress != nil {
				opts.Progress(task.Name, d, total)
			}
		}(sample)
	}
	wg.Wait()

	result.Samples = samples
	result.Completed = time.Now()
	for _, s := range samples {
		result.Usage = result.Usage.Add(s.Usage)
	}
	result.Reduced = reduceEpochs(task, samples)

	switch {
	case cancelled || ctx.Err() != nil:
		result.Status = StatusCancelled
	case task.failed(countErrored(samples), total):
		result.Status = StatusError
	default:
		result.Status = StatusSuccess
	}
	return result
}

// reduceEpochs groups each sample id's scores by scorer across epochs and
// applies the task's reducer. Reduction happens only after every epoch of
// that id has completed (guaranteed here: all samples are done).
func reduceEpochs(task *Task, samples []*EvalSample) map[string][]Score {
	reducer := task.Reducer
	if reducer == nil {
		reducer = MeanReducer
	}

	// id → scorer → scores across epochs
	byID := map[string]map[string][]Score{}
	for _, s := range samples {
		if s.Errored() {
			continue
		}
		if byID[s.ID] == nil {
			byID[s.ID] = map[string][]Score{}
		}
		for _, score := range s.Scores {
			byID[s.ID][score.Scorer] = append(byID[s.ID][score.Scorer], score)
		}
	}

	out := map[string][]Score{}
	for id, byScorer := range byID {
		for _, scores := range byScorer {
			out[id] = append(out[id], reducer(scores))
		}
	}
	return out
}

func countErrored(samples []*EvalSample) int {
	n := 0
	for _, s := range samples {
		if s.Errored() {
			n++
		}
	}
	return n
}
