package main

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt parses an integer environment value, warning on garbage.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARNING: %s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

// envDuration parses a duration environment value ("30s", "5m").
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARNING: %s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}

// defaultLogDir is where eval logs are written unless overridden.
func defaultLogDir() string { return envOr("VERDICT_LOG_DIR", "./logs") }

// defaultScansDir is where scan directories are created.
func defaultScansDir() string { return envOr("VERDICT_SCANS_DIR", "./scans") }

// defaultCacheDir resolves the generate-cache location, preferring the
// platform user cache directory.
func defaultCacheDir() string {
	if v := os.Getenv("VERDICT_CACHE_DIR"); v != "" {
		return v
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "./.verdict-cache"
	}
	return filepath.Join(base, "verdict", "model")
}
