// Package sandbox provides isolated execution environments for samples.
// Docker containers are the primary implementation; a host-rooted fallback
// exists for development. Each sample gets its own environment, torn down
// when the sample completes.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/concurrency"
)

// ExecResult captures one command's output. A nonzero exit code is a
// normal result, not an error.
type ExecResult struct {
	Stdout   string
	Stderr   string
	Code     int
	TimedOut bool
}

// Success reports whether the command exited zero.
func (r ExecResult) Success() bool { return r.Code == 0 && !r.TimedOut }

// ExecOptions configures one Exec call.
type ExecOptions struct {
	Cwd     string            // working directory inside the environment
	Env     map[string]string // extra environment variables
	Input   string            // stdin
	Timeout time.Duration     // <=0 uses the environment default
}

// ErrTimeout is returned (wrapped) when a command exceeds its deadline.
// The accompanying ExecResult has TimedOut set and carries partial output.
var ErrTimeout = errors.New("command timed out")

// ErrOutputLimit is returned when a command produces more output than the
// environment is willing to buffer.
var ErrOutputLimit = errors.New("command output exceeded limit")

// ConnectionInfo describes how a human can attach to the environment.
type ConnectionInfo struct {
	Type    string // "docker" | "host"
	Command string // e.g. "docker exec -it <id> bash"
}

// Environment is the per-sample sandbox contract. Implementations are safe
// for concurrent use within one sample (parallel tool calls).
type Environment interface {
	// Init prepares the environment (starts the container, creates the
	// working directory) and writes any initial files.
	Init(ctx context.Context, files map[string][]byte) error

	// Exec runs a command and returns its result. The returned error is
	// non-nil only for infrastructure failures and timeouts; command
	// failure is reported through ExecResult.Code.
	Exec(ctx context.Context, cmd []string, opts ExecOptions) (ExecResult, error)

	// ReadFile reads a file relative to the environment's working dir.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes a file relative to the environment's working dir.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Connection describes how to attach for debugging.
	Connection() ConnectionInfo

	// Teardown releases the environment's resources.
	Teardown(ctx context.Context) error
}

// maxExecOutput bounds how much stdout/stderr one command may produce.
const maxExecOutput = 10 * 1024 * 1024

// subprocessPoolName identifies the process-wide pool bounding concurrent
// sandbox commands; all environments share it regardless of mode.
const subprocessPoolName = "subprocesses"

// subprocessPermit takes a slot in the shared subprocess pool. The wait is
// not counted against the command's exec timeout.
func subprocessPermit(ctx context.Context, cfg Config) (func(), error) {
	size := cfg.MaxSubprocesses
	if size <= 0 {
		size = defaultMaxSubprocesses
	}
	release, err := concurrency.Named(subprocessPoolName, size).Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire subprocess slot: %w", err)
	}
	return release, nil
}
