package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Mode selects the environment implementation.
type Mode string

const (
	// ModeDocker uses Docker containers for isolation.
	ModeDocker Mode = "docker"
	// ModeHost runs commands in a host directory (no isolation).
	ModeHost Mode = "host"
	// ModeAuto selects Docker if available, otherwise falls back to host.
	ModeAuto Mode = "auto"
)

// Config holds sandbox settings for one task.
type Config struct {
	Mode            Mode
	Image           string        // Docker image (docker mode)
	CPU             string        // CPU limit (e.g. "2")
	Memory          string        // memory limit (e.g. "1g")
	ExecTimeout     time.Duration // default per-command timeout
	MaxSubprocesses int           // concurrent commands across all samples (<=0: default)
}

const (
	defaultExecTimeout     = 2 * time.Minute
	defaultMaxSubprocesses = 16
)

// DefaultConfig reads sandbox settings from the environment.
func DefaultConfig() Config {
	modeStr := strings.ToLower(os.Getenv("VERDICT_SANDBOX_MODE"))
	if modeStr == "" {
		modeStr = "auto"
	}

	var mode Mode
	switch modeStr {
	case "docker":
		mode = ModeDocker
	case "host":
		mode = ModeHost
	case "auto":
		mode = ModeAuto
	default:
		log.Printf("WARNING: Unknown VERDICT_SANDBOX_MODE value '%s', defaulting to 'auto'", modeStr)
		mode = ModeAuto
	}

	execTimeout := defaultExecTimeout
	if timeoutStr := os.Getenv("VERDICT_EXEC_TIMEOUT"); timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil && d > 0 {
			execTimeout = d
		} else {
			log.Printf("WARNING: Invalid VERDICT_EXEC_TIMEOUT value '%s', using default 2m", timeoutStr)
		}
	}

	maxSubprocs := defaultMaxSubprocesses
	if subprocStr := os.Getenv("VERDICT_MAX_SUBPROCESSES"); subprocStr != "" {
		if n, err := strconv.Atoi(subprocStr); err == nil && n > 0 {
			maxSubprocs = n
		} else {
			log.Printf("WARNING: Invalid VERDICT_MAX_SUBPROCESSES value '%s', using default %d", subprocStr, defaultMaxSubprocesses)
		}
	}

	return Config{
		Mode:            mode,
		Image:           getEnvOrDefault("VERDICT_SANDBOX_IMAGE", "python:3.12-slim"),
		CPU:             getEnvOrDefault("VERDICT_SANDBOX_CPU", "2"),
		Memory:          getEnvOrDefault("VERDICT_SANDBOX_MEMORY", "1g"),
		ExecTimeout:     execTimeout,
		MaxSubprocesses: maxSubprocs,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// IsDockerAvailable checks whether the Docker daemon is reachable.
func IsDockerAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "ps")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// New creates an environment for one sample per config:
//   - "docker": use Docker, fall back to host with a warning if unavailable
//   - "host": host directory, no isolation
//   - "auto": Docker if available, otherwise host
//
// The returned environment is not yet initialized; call Init.
func New(ctx context.Context, cfg Config, sampleID string) (Environment, error) {
	switch cfg.Mode {
	case ModeDocker:
		if !IsDockerAvailable(ctx) {
			log.Printf("WARNING: Docker mode requested but Docker is not available. Falling back to host environment.")
			return newHostEnv(cfg, sampleID)
		}
		env, err := newDockerEnv(cfg, sampleID)
		if err != nil {
			log.Printf("WARNING: Failed to create Docker environment: %v. Falling back to host environment.", err)
			return newHostEnv(cfg, sampleID)
		}
		return env, nil

	case ModeHost:
		log.Printf("WARNING: Using host environment (no sandboxing). This is insecure and should only be used for development.")
		return newHostEnv(cfg, sampleID)

	case ModeAuto:
		if IsDockerAvailable(ctx) {
			env, err := newDockerEnv(cfg, sampleID)
			if err != nil {
				log.Printf("WARNING: Docker available but failed to create environment: %v. Falling back to host.", err)
				return newHostEnv(cfg, sampleID)
			}
			return env, nil
		}
		log.Printf("WARNING: Docker not available. Using host environment (no sandboxing). This is insecure.")
		return newHostEnv(cfg, sampleID)

	default:
		return nil, fmt.Errorf("unknown sandbox mode: %s", cfg.Mode)
	}
}
