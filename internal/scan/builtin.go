package scan

import (
	"context"
	"strings"

	"github.com/ChamsBouzaiene/verdict/internal/model"
	"github.com/ChamsBouzaiene/verdict/internal/recorder"
	"github.com/ChamsBouzaiene/verdict/internal/registry"
	"github.com/ChamsBouzaiene/verdict/internal/transcript"
)

// Built-in scanners, available by name from the registry.

// messageCountScanner emits one row per transcript with the message
// count and a per-role breakdown.
func messageCountScanner() *Scanner {
	return &Scanner{
		Name:    "message-count",
		Content: Content{Messages: MessageSelect{All: true}},
		Fn: func(ctx context.Context, t *Transcript) ([]recorder.ScanResult, error) {
			byRole := map[string]any{}
			for _, m := range t.Messages {
				role := string(m.Role)
				if n, ok := byRole[role].(int); ok {
					byRole[role] = n + 1
				} else {
					byRole[role] = 1
				}
			}
			return []recorder.ScanResult{{
				Value:    len(t.Messages),
				Metadata: byRole,
			}}, nil
		},
	}
}

// toolErrorsScanner emits one row per failed tool call.
func toolErrorsScanner() *Scanner {
	return &Scanner{
		Name: "tool-errors",
		Content: Content{
			Events: EventSelect{Types: []transcript.EventType{transcript.EventTool}},
		},
		Fn: func(ctx context.Context, t *Transcript) ([]recorder.ScanResult, error) {
			var out []recorder.ScanResult
			for _, e := range t.Events {
				if e.Tool == nil || e.Tool.Error == "" {
					continue
				}
				out = append(out, recorder.ScanResult{
					Value:       1,
					Answer:      e.Tool.Function,
					Explanation: e.Tool.Error,
					Metadata: map[string]any{
						"call_id":    e.Tool.CallID,
						"error_type": e.Tool.ErrorType,
					},
				})
			}
			return out, nil
		},
	}
}

// limitHitsScanner emits one row per limit that terminated a sample.
func limitHitsScanner() *Scanner {
	return &Scanner{
		Name: "limit-hits",
		Content: Content{
			Events: EventSelect{Types: []transcript.EventType{transcript.EventSampleLimit}},
		},
		Fn: func(ctx context.Context, t *Transcript) ([]recorder.ScanResult, error) {
			var out []recorder.ScanResult
			for _, e := range t.Events {
				if e.SampleLimit == nil {
					continue
				}
				out = append(out, recorder.ScanResult{
					Value:  e.SampleLimit.Value,
					Answer: e.SampleLimit.Kind,
					Metadata: map[string]any{
						"limit": e.SampleLimit.Limit,
					},
				})
			}
			return out, nil
		},
	}
}

// refusalScanner flags assistant messages containing common refusal
// phrasings; crude, but a useful first pass over large runs.
func refusalScanner() *Scanner {
	phrases := []string{
		"I can't help with",
		"I cannot help with",
		"I'm unable to",
		"I won't be able to",
	}
	return &Scanner{
		Name:    "refusals",
		Content: Content{Messages: MessageSelect{Roles: []model.Role{model.RoleAssistant}}},
		Fn: func(ctx context.Context, t *Transcript) ([]recorder.ScanResult, error) {
			var out []recorder.ScanResult
			for _, m := range t.Messages {
				text := m.Text()
				for _, p := range phrases {
					if containsFold(text, p) {
						out = append(out, recorder.ScanResult{
							Value:       1,
							Answer:      p,
							Explanation: clip(text, 200),
						})
						break
					}
				}
			}
			return out, nil
		},
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	for name, build := range map[string]func() *Scanner{
		"message-count": messageCountScanner,
		"tool-errors":   toolErrorsScanner,
		"limit-hits":    limitHitsScanner,
		"refusals":      refusalScanner,
	} {
		build := build
		registry.Register(registry.KindScanner, name, func(params registry.Params) (any, error) {
			return build(), nil
		})
	}
}
