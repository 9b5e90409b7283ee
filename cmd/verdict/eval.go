package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/dataset"
	"github.com/ChamsBouzaiene/verdict/internal/eval"
	"github.com/ChamsBouzaiene/verdict/internal/limits"
	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/providers"
	"github.com/ChamsBouzaiene/verdict/internal/recorder"
	"github.com/ChamsBouzaiene/verdict/internal/sandbox"
)

func runEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	datasetPath := fs.String("dataset", "", "Dataset file (JSON array or JSONL of samples)")
	taskName := fs.String("task", "", "Task name (default: dataset file name)")
	logPath := fs.String("log", "", "Eval log path (default: <log-dir>/<time>_<task>.eval)")
	logDir := fs.String("log-dir", defaultLogDir(), "Directory for eval logs")
	epochs := fs.Int("epochs", 1, "Times to repeat the dataset")
	reducerName := fs.String("reducer", "mean", "Epoch score reducer (mean, median, mode, max)")
	scorerName := fs.String("scorer", "match", "Scorer (match, match-exact, match-numeric)")
	system := fs.String("system", "", "System message prepended to every sample")
	maxTokens := fs.Int("max-tokens", 0, "Max completion tokens per generate call")
	temperature := fs.Float64("temperature", -1, "Sampling temperature (negative: provider default)")
	maxSamples := fs.Int("max-samples", envInt("VERDICT_MAX_SAMPLES", 4), "Concurrent samples across tasks")
	maxTasks := fs.Int("max-tasks", envInt("VERDICT_MAX_TASKS", 1), "Concurrent tasks")
	messageLimit := fs.Int("message-limit", 0, "Per-sample message limit (0: none)")
	tokenLimit := fs.Int("token-limit", 0, "Per-sample token limit (0: none)")
	timeLimit := fs.Duration("time-limit", envDuration("VERDICT_TIME_LIMIT", 0), "Per-sample wall-clock limit (0: none)")
	workingLimit := fs.Duration("working-limit", envDuration("VERDICT_WORKING_LIMIT", 0), "Per-sample working-time limit (0: none)")
	costLimit := fs.Float64("cost-limit", 0, "Run-wide cost limit in dollars (0: none)")
	failOnError := fs.String("fail-on-error", "", "Task failure policy: empty, 'any', a fraction, or a count")
	maxSubprocs := fs.Int("max-subprocesses", 0, "Concurrent sandbox commands across all samples (0: VERDICT_MAX_SUBPROCESSES or 16)")
	useCache := fs.Bool("cache", false, "Cache generate calls on disk")
	cacheDir := fs.String("cache-dir", defaultCacheDir(), "Generate cache directory")
	limit := fs.Int("limit", 0, "Cap the number of dataset samples (0: all)")
	shuffle := fs.Int64("shuffle", 0, "Shuffle the dataset with this seed (0: keep order)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *datasetPath == "" {
		return usagef("-dataset is required")
	}
	name := *taskName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(*datasetPath), filepath.Ext(*datasetPath))
	}

	ds, err := loadDataset(*datasetPath, name)
	if err != nil {
		return err
	}
	if *shuffle != 0 {
		ds.Shuffle(*shuffle)
	}
	if *limit > 0 {
		ds.Limit(*limit)
	}

	scorer, err := scorerByName(*scorerName)
	if err != nil {
		return usagef("%v", err)
	}
	reducer, err := eval.ReducerByName(*reducerName)
	if err != nil {
		return usagef("%v", err)
	}
	failPolicy, err := parseFailOnError(*failOnError)
	if err != nil {
		return usagef("%v", err)
	}

	api, modelID, err := providers.NewFromEnv()
	if err != nil {
		return err
	}

	var cache *model.Cache
	if *useCache {
		cache, err = model.NewCache(*cacheDir)
		if err != nil {
			return err
		}
	}

	cfg := model.GenerateConfig{
		MaxTokens:     *maxTokens,
		SystemMessage: *system,
		Cache:         *useCache,
	}
	if *temperature >= 0 {
		cfg.Temperature = temperature
	}
	// The model id stands in for the endpoint in cache fingerprints so
	// different models never share entries.
	mdl := model.NewModel(api, modelID, cfg, cache)

	// Samples flagged sandbox in the dataset get an environment built from
	// this config; the flag overrides the environment's subprocess cap.
	sandboxCfg := sandbox.DefaultConfig()
	if *maxSubprocs > 0 {
		sandboxCfg.MaxSubprocesses = *maxSubprocs
	}

	task := &eval.Task{
		Name:          name,
		Dataset:       ds,
		Solver:        eval.GenerateSolver(model.GenerateConfig{}),
		Scorers:       []eval.Scorer{scorer},
		Epochs:        *epochs,
		Reducer:       reducer,
		SandboxConfig: sandboxCfg,
		Limits: limits.Config{
			Messages:    *messageLimit,
			Tokens:      *tokenLimit,
			Time:        *timeLimit,
			WorkingTime: *workingLimit,
		},
		FailOnError: failPolicy,
	}

	path := *logPath
	if path == "" {
		stamp := time.Now().Format("2006-01-02T15-04-05")
		path = filepath.Join(*logDir, fmt.Sprintf("%s_%s.eval", stamp, name))
	}
	rec := recorder.NewEvalRecorder(path)
	if err := rec.Init(recorder.Header{
		Task:  name,
		Model: modelID,
		Config: map[string]any{
			"dataset": *datasetPath,
			"epochs":  *epochs,
			"scorer":  *scorerName,
			"reducer": *reducerName,
		},
	}); err != nil {
		return err
	}

	log.Printf("evaluating %s: %d samples x %d epochs against %s", name, ds.Len(), *epochs, modelID)

	results, err := eval.Eval(ctx, []*eval.Task{task}, mdl, eval.Options{
		MaxSamples: *maxSamples,
		MaxTasks:   *maxTasks,
		Limits:     limits.Config{Cost: *costLimit},
		Sink:       rec,
		Progress: func(task string, done, total int) {
			log.Printf("%s: %d/%d samples", task, done, total)
		},
	})
	if err != nil {
		if _, cerr := rec.Complete(eval.StatusError); cerr != nil {
			log.Printf("WARNING: failed to finalize log: %v", cerr)
		}
		return err
	}

	result := results[0]
	location, err := rec.Complete(result.Status)
	if err != nil {
		return err
	}

	fmt.Printf("task:    %s (%s)\n", result.Task, result.Status)
	fmt.Printf("samples: %d (%d errored)\n", len(result.Samples), result.ErrorCount())
	fmt.Printf("score:   %.3f (%s, %s over %d epochs)\n",
		result.MeanScore(scorer.Name()), scorer.Name(), *reducerName, *epochs)
	fmt.Printf("tokens:  %d in / %d out\n", result.Usage.InputTokens, result.Usage.OutputTokens)
	fmt.Printf("log:     %s\n", location)

	if result.Status == eval.StatusError {
		return errEvalFailed
	}
	return nil
}

// runScore replays scorers over a finished log, replacing the recorded
// scores in place (or writing to -out).
func runScore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	logPath := fs.String("log", "", "Eval log to re-score")
	out := fs.String("out", "", "Output path (default: overwrite the input log)")
	scorerName := fs.String("scorer", "match", "Scorer (match, match-exact, match-numeric)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *logPath == "" {
		return usagef("-log is required")
	}
	scorer, err := scorerByName(*scorerName)
	if err != nil {
		return usagef("%v", err)
	}

	lg, err := recorder.ReadLog(*logPath)
	if err != nil {
		return err
	}

	sum, n := 0.0, 0
	for _, s := range lg.Samples {
		if s.Errored() {
			continue
		}
		state := &eval.TaskState{
			SampleID: s.ID,
			Epoch:    s.Epoch,
			Input:    s.Input,
			Target:   s.Target,
			Metadata: s.Metadata,
			Messages: s.Messages,
			Output:   s.Output,
		}
		score, err := scorer.Score(ctx, state, s.Target)
		if err != nil {
			return fmt.Errorf("scoring sample %s/%d: %w", s.ID, s.Epoch, err)
		}
		s.Scores = replaceScore(s.Scores, score)
		sum += score.Value
		n++
	}

	dst := *out
	if dst == "" {
		dst = *logPath
	}
	if err := recorder.WriteLog(dst, lg, recorder.DetectFormat(dst)); err != nil {
		return err
	}

	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}
	fmt.Printf("rescored %d samples with %s: mean %.3f\n", n, scorer.Name(), mean)
	fmt.Printf("log: %s\n", dst)
	return nil
}

// replaceScore swaps out any previous score from the same scorer.
func replaceScore(scores []eval.Score, score eval.Score) []eval.Score {
	for i, s := range scores {
		if s.Scorer == score.Scorer {
			scores[i] = score
			return scores
		}
	}
	return append(scores, score)
}

func scorerByName(name string) (eval.Scorer, error) {
	switch name {
	case "match":
		return eval.MatchScorer{}, nil
	case "match-exact":
		return eval.MatchScorer{Exact: true}, nil
	case "match-numeric":
		return eval.MatchScorer{Numeric: true}, nil
	default:
		return nil, fmt.Errorf("unknown scorer: %s (supported: match, match-exact, match-numeric)", name)
	}
}

func parseFailOnError(s string) (*float64, error) {
	switch s {
	case "":
		return nil, nil
	case "any":
		return eval.FailOnAny(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return nil, fmt.Errorf("invalid -fail-on-error value: %q", s)
	}
	return eval.FailOnFraction(f), nil
}

// datasetRecord is the on-disk sample shape: input is a plain prompt
// string, everything else optional.
type datasetRecord struct {
	ID       string         `json:"id"`
	Input    string         `json:"input"`
	Target   string         `json:"target"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Sandbox  bool           `json:"sandbox,omitempty"`
}

func (r datasetRecord) sample() dataset.Sample {
	return dataset.Sample{
		ID:       r.ID,
		Input:    []model.ChatMessage{model.UserMessage(r.Input)},
		Target:   r.Target,
		Metadata: r.Metadata,
		Sandbox:  r.Sandbox,
	}
}

// loadDataset reads a JSON array or JSONL file of dataset records.
func loadDataset(path, name string) (*dataset.MemoryDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}

	var records []datasetRecord
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
		}
	} else {
		scanner := bufio.NewScanner(strings.NewReader(trimmed))
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var r datasetRecord
			if err := json.Unmarshal([]byte(text), &r); err != nil {
				return nil, fmt.Errorf("failed to parse dataset %s line %d: %w", path, line, err)
			}
			records = append(records, r)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
		}
	}

	samples := make([]dataset.Sample, len(records))
	for i, r := range records {
		samples[i] = r.sample()
	}
	return dataset.NewMemoryDataset(name, samples), nil
}
