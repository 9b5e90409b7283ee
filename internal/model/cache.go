package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cache stores serialized Outputs on disk keyed by call fingerprint.
// Entries are shared process-wide; writers are idempotent (last write wins
// over identical content) via atomic temp-file rename. A partial or corrupt
// read is treated as a miss, so readers may race with writers safely.
type Cache struct {
	dir string
}

// NewCache opens (creating if needed) a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// fingerprintInput is the canonical payload hashed into a cache key.
// Connection options are excluded so that retry/pool settings don't split
// the cache.
type fingerprintInput struct {
	BaseURL    string           `json:"base_url"`
	Config     GenerateConfig   `json:"config"`
	Messages   []ChatMessage    `json:"messages"`
	ToolChoice ToolChoice       `json:"tool_choice"`
	Tools      []ToolInfo       `json:"tools"`
	Policy     ReasoningHistory `json:"policy"`
}

// Fingerprint computes the stable hash identifying one cacheable call.
func Fingerprint(baseURL string, cfg GenerateConfig, messages []ChatMessage, choice ToolChoice, tools []ToolInfo, policy ReasoningHistory) (string, error) {
	// Message ids are fresh per construction; exclude them so logically
	// identical calls hash identically.
	stripped := make([]ChatMessage, len(messages))
	for i, m := range messages {
		m.ID = ""
		stripped[i] = m
	}
	data, err := json.Marshal(fingerprintInput{
		BaseURL:    baseURL,
		Config:     cfg.connectionless(),
		Messages:   stripped,
		ToolChoice: choice,
		Tools:      tools,
		Policy:     policy,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal fingerprint input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type cacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	Output      *Output   `json:"output"`
}

func (c *Cache) path(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".json")
}

// Get returns the cached output for fingerprint, or (nil, false) on miss.
func (c *Cache) Get(fingerprint string) (*Output, bool) {
	data, err := os.ReadFile(c.path(fingerprint))
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Partial write or corruption: a miss, never an error.
		return nil, false
	}
	if entry.Output == nil {
		return nil, false
	}
	return entry.Output, true
}

// Put stores output under fingerprint via temp-file rename so concurrent
// writers never expose a partial entry.
func (c *Cache) Put(fingerprint string, output *Output) error {
	data, err := json.MarshalIndent(cacheEntry{
		Fingerprint: fingerprint,
		CreatedAt:   time.Now(),
		Output:      output,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close cache temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path(fingerprint)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish cache entry: %w", err)
	}
	return nil
}

// List returns all cached fingerprints.
func (c *Cache) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		out = append(out, name[:len(name)-len(".json")])
	}
	return out, nil
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	fps, err := c.List()
	if err != nil {
		return err
	}
	for _, fp := range fps {
		if err := os.Remove(c.path(fp)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove cache entry %s: %w", fp, err)
		}
	}
	return nil
}

// Prune removes entries older than maxAge, returning how many were removed.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	fps, err := c.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, fp := range fps {
		info, err := os.Stat(c.path(fp))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(c.path(fp)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
