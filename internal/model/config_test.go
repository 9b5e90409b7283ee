package model

import (
	"testing"
	"time"
)

func TestGenerateConfigMerge(t *testing.T) {
	temp := 0.7
	base := GenerateConfig{
		MaxTokens:     1024,
		SystemMessage: "base system",
		MaxRetries:    3,
		Extra:         map[string]any{"a": 1, "b": 2},
	}
	over := GenerateConfig{
		Temperature:    &temp,
		SystemMessage:  "override system",
		AttemptTimeout: 30 * time.Second,
		Cache:          true,
		Extra:          map[string]any{"b": 3, "c": 4},
	}

	got := base.Merge(over)

	if got.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want base 1024", got.MaxTokens)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("Temperature not taken from override")
	}
	if got.SystemMessage != "override system" {
		t.Errorf("SystemMessage = %q, want override", got.SystemMessage)
	}
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want base 3", got.MaxRetries)
	}
	if !got.Cache {
		t.Error("Cache flag not merged")
	}
	if got.Extra["a"] != 1 || got.Extra["b"] != 3 || got.Extra["c"] != 4 {
		t.Errorf("Extra merged wrong: %v", got.Extra)
	}
	if base.Extra["b"] != 2 {
		t.Error("Merge mutated the base Extra map")
	}
}

func TestGenerateConfigMergeZeroOverride(t *testing.T) {
	base := GenerateConfig{MaxTokens: 512, MaxConnections: 4}
	got := base.Merge(GenerateConfig{})
	if got.MaxTokens != 512 || got.MaxConnections != 4 {
		t.Errorf("zero override changed base: %+v", got)
	}
}

func TestConnectionlessStripsConnectionOptions(t *testing.T) {
	cfg := GenerateConfig{
		MaxTokens:      256,
		MaxRetries:     7,
		AttemptTimeout: time.Minute,
		MaxConnections: 20,
		Cache:          true,
	}
	got := cfg.connectionless()
	if got.MaxRetries != 0 || got.AttemptTimeout != 0 || got.MaxConnections != 0 || got.Cache {
		t.Errorf("connection options survived: %+v", got)
	}
	if got.MaxTokens != 256 {
		t.Errorf("semantic option stripped: MaxTokens = %d", got.MaxTokens)
	}
}
