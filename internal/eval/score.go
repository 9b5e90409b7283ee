package eval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ChamsBouzaiene/verdict/internal/registry"
)

// Score is one scorer's verdict on a finished sample.
type Score struct {
	Scorer      string         `json:"scorer"`
	Value       float64        `json:"value"`
	Answer      string         `json:"answer,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Scorer evaluates a final TaskState against the sample target. Scorers
// are independent; each runs once per sample.
type Scorer interface {
	Name() string
	Score(ctx context.Context, state *TaskState, target string) (Score, error)
}

// MatchScorer scores 1.0 when the completion contains the target.
type MatchScorer struct {
	// Numeric extracts the last number from the completion and compares
	// it numerically to the target.
	Numeric bool
	// Exact requires the whole (trimmed) completion to equal the target.
	Exact bool
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

func (m MatchScorer) Name() string { return "match" }

func (m MatchScorer) Score(ctx context.Context, state *TaskState, target string) (Score, error) {
	completion := ""
	if state.Output != nil {
		completion = state.Output.Completion()
	}

	if m.Numeric {
		want, err := strconv.ParseFloat(strings.TrimSpace(target), 64)
		if err != nil {
			return Score{}, fmt.Errorf("numeric match target %q is not a number: %w", target, err)
		}
		nums := numberPattern.FindAllString(completion, -1)
		if len(nums) == 0 {
			return Score{Scorer: m.Name(), Value: 0, Answer: completion, Explanation: "no number in completion"}, nil
		}
		answer := nums[len(nums)-1]
		got, err := strconv.ParseFloat(answer, 64)
		if err != nil {
			return Score{Scorer: m.Name(), Value: 0, Answer: answer}, nil
		}
		value := 0.0
		if got == want {
			value = 1.0
		}
		return Score{Scorer: m.Name(), Value: value, Answer: answer}, nil
	}

	if m.Exact {
		value := 0.0
		if strings.TrimSpace(completion) == strings.TrimSpace(target) {
			value = 1.0
		}
		return Score{Scorer: m.Name(), Value: value, Answer: completion}, nil
	}

	value := 0.0
	if strings.Contains(completion, target) {
		value = 1.0
	}
	return Score{Scorer: m.Name(), Value: value, Answer: completion}, nil
}

// Reducer combines the scores a sample earned across epochs into one.
type Reducer func(scores []Score) Score

// MeanReducer averages score values.
func MeanReducer(scores []Score) Score {
	out := reduceBase(scores)
	if len(scores) == 0 {
		return out
	}
	sum := 0.0
	for _, s := range scores {
		sum += s.Value
	}
	out.Value = sum / float64(len(scores))
	return out
}

// MedianReducer takes the median score value.
func MedianReducer(scores []Score) Score {
	out := reduceBase(scores)
	if len(scores) == 0 {
		return out
	}
	vals := values(scores)
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		out.Value = vals[n/2]
	} else {
		out.Value = (vals[n/2-1] + vals[n/2]) / 2
	}
	return out
}

// ModeReducer takes the most common score value; ties break toward the
// smaller value.
func ModeReducer(scores []Score) Score {
	out := reduceBase(scores)
	if len(scores) == 0 {
		return out
	}
	counts := map[float64]int{}
	for _, s := range scores {
		counts[s.Value]++
	}
	best, bestCount := 0.0, -1
	vals := make([]float64, 0, len(counts))
	for v := range counts {
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	for _, v := range vals {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	out.Value = best
	return out
}

// MaxReducer takes the best score across epochs.
func MaxReducer(scores []Score) Score {
	out := reduceBase(scores)
	if len(scores) == 0 {
		return out
	}
	best := scores[0].Value
	for _, s := range scores[1:] {
		if s.Value > best {
			best = s.Value
		}
	}
	out.Value = best
	return out
}

// AtLeastKReducer scores 1.0 when at least k epochs scored >= threshold.
func AtLeastKReducer(k int, threshold float64) Reducer {
	return func(scores []Score) Score {
		out := reduceBase(scores)
		n := 0
		for _, s := range scores {
			if s.Value >= threshold {
				n++
			}
		}
		if n >= k {
			out.Value = 1.0
		}
		return out
	}
}

// ReducerByName resolves the named epoch reducer.
func ReducerByName(name string) (Reducer, error) {
	switch name {
	case "", "mean":
		return MeanReducer, nil
	case "median":
		return MedianReducer, nil
	case "mode":
		return ModeReducer, nil
	case "max":
		return MaxReducer, nil
	default:
		if strings.HasPrefix(name, "at_least_") {
			k, err := strconv.Atoi(strings.TrimPrefix(name, "at_least_"))
			if err == nil && k > 0 {
				return AtLeastKReducer(k, 1.0), nil
			}
		}
		return nil, fmt.Errorf("unknown epochs reducer %q", name)
	}
}

func reduceBase(scores []Score) Score {
	if len(scores) == 0 {
		return Score{}
	}
	return Score{Scorer: scores[0].Scorer}
}

func values(scores []Score) []float64 {
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = s.Value
	}
	return out
}

func init() {
	registry.Register(registry.KindScorer, "match", func(params registry.Params) (any, error) {
		numeric, _ := params["numeric"].(bool)
		exact, _ := params["exact"].(bool)
		return MatchScorer{Numeric: numeric, Exact: exact}, nil
	})
}
