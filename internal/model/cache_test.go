package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFingerprintStability(t *testing.T) {
	cfg := GenerateConfig{MaxTokens: 100, SystemMessage: "sys"}
	msgs := []ChatMessage{UserMessage("hello")}
	tools := []ToolInfo{{Name: "bash"}}

	fp1, err := Fingerprint("https://a", cfg, msgs, ToolChoiceAuto, tools, ReasoningHistoryAll)
	if err != nil {
		t.Fatal(err)
	}

	// Same logical call with a fresh message id hashes identically.
	fp2, err := Fingerprint("https://a", cfg, []ChatMessage{UserMessage("hello")}, ToolChoiceAuto, tools, ReasoningHistoryAll)
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Error("message ids leaked into the fingerprint")
	}

	// Connection options must not split the cache.
	noisy := cfg
	noisy.MaxRetries = 9
	noisy.MaxConnections = 3
	noisy.Cache = true
	fp3, err := Fingerprint("https://a", noisy, msgs, ToolChoiceAuto, tools, ReasoningHistoryAll)
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp3 {
		t.Error("connection options changed the fingerprint")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	cfg := GenerateConfig{MaxTokens: 100}
	msgs := []ChatMessage{UserMessage("hello")}
	base, _ := Fingerprint("https://a", cfg, msgs, ToolChoiceAuto, nil, ReasoningHistoryAll)

	tests := []struct {
		name string
		fp   func() (string, error)
	}{
		{"base url", func() (string, error) {
			return Fingerprint("https://b", cfg, msgs, ToolChoiceAuto, nil, ReasoningHistoryAll)
		}},
		{"messages", func() (string, error) {
			return Fingerprint("https://a", cfg, []ChatMessage{UserMessage("bye")}, ToolChoiceAuto, nil, ReasoningHistoryAll)
		}},
		{"tool choice", func() (string, error) {
			return Fingerprint("https://a", cfg, msgs, ToolChoiceAny, nil, ReasoningHistoryAll)
		}},
		{"tools", func() (string, error) {
			return Fingerprint("https://a", cfg, msgs, ToolChoiceAuto, []ToolInfo{{Name: "bash"}}, ReasoningHistoryAll)
		}},
		{"policy", func() (string, error) {
			return Fingerprint("https://a", cfg, msgs, ToolChoiceAuto, nil, ReasoningHistoryNone)
		}},
		{"semantic config", func() (string, error) {
			c := cfg
			c.MaxTokens = 200
			return Fingerprint("https://a", c, msgs, ToolChoiceAuto, nil, ReasoningHistoryAll)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp, err := tt.fp()
			if err != nil {
				t.Fatal(err)
			}
			if fp == base {
				t.Errorf("%s did not change the fingerprint", tt.name)
			}
		})
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := cache.Get("missing"); ok {
		t.Error("miss reported as hit")
	}

	out := &Output{Model: "m", Choices: []Choice{{Message: AssistantMessage("hi"), StopReason: StopReasonStop}}}
	if err := cache.Put("abc123", out); err != nil {
		t.Fatal(err)
	}
	got, ok := cache.Get("abc123")
	if !ok {
		t.Fatal("stored entry not found")
	}
	if got.Completion() != "hi" {
		t.Errorf("completion = %q", got.Completion())
	}

	fps, err := cache.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(fps) != 1 || fps[0] != "abc123" {
		t.Errorf("List() = %v", fps)
	}

	if err := cache.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Get("abc123"); ok {
		t.Error("entry survived Clear")
	}
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a torn write: valid path, truncated JSON.
	if err := os.WriteFile(filepath.Join(dir, "deadbeef.json"), []byte(`{"fingerprint": "dead`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Get("deadbeef"); ok {
		t.Error("corrupt entry returned as hit")
	}
}
