//go:build !windows
// +build !windows

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// hostEnv runs commands in a temp directory on the host. No isolation;
// exists for development and for machines without Docker.
type hostEnv struct {
	cfg      Config
	sampleID string
	root     string
}

func newHostEnv(cfg Config, sampleID string) (*hostEnv, error) {
	return &hostEnv{cfg: cfg, sampleID: sampleID}, nil
}

func (h *hostEnv) Init(ctx context.Context, files map[string][]byte) error {
	root, err := os.MkdirTemp("", "verdict-sample-")
	if err != nil {
		return fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	h.root = root
	for name, data := range files {
		if err := h.WriteFile(ctx, name, data); err != nil {
			return fmt.Errorf("failed to write initial file %s: %w", name, err)
		}
	}
	return nil
}

func (h *hostEnv) Exec(ctx context.Context, cmdline []string, opts ExecOptions) (ExecResult, error) {
	if h.root == "" {
		return ExecResult{}, fmt.Errorf("sandbox not initialized")
	}
	if len(cmdline) == 0 {
		return ExecResult{}, fmt.Errorf("empty command")
	}

	release, err := subprocessPermit(ctx, h.cfg)
	if err != nil {
		return ExecResult{}, err
	}
	defer release()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = h.cfg.ExecTimeout
		if timeout <= 0 {
			timeout = defaultExecTimeout
		}
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.Dir = h.root
	if opts.Cwd != "" {
		dir, err := h.resolve(opts.Cwd)
		if err != nil {
			return ExecResult{}, err
		}
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}
	// New process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-cctx.Done():
			if cmd.Process != nil {
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	res := ExecResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if stdoutBuf.Len()+stderrBuf.Len() > maxExecOutput {
		return res, ErrOutputLimit
	}

	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.Code = 1
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.Code = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("command failed: %w", waitErr)
	}
	return res, nil
}

func (h *hostEnv) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrInvalid)
	}
	return os.ReadFile(full)
}

func (h *hostEnv) WriteFile(ctx context.Context, path string, data []byte) error {
	full, err := h.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(full, data, 0644)
}

func (h *hostEnv) Connection() ConnectionInfo {
	return ConnectionInfo{Type: "host", Command: "cd " + h.root}
}

func (h *hostEnv) Teardown(ctx context.Context) error {
	if h.root == "" {
		return nil
	}
	if err := os.RemoveAll(h.root); err != nil {
		return fmt.Errorf("failed to remove sandbox directory: %w", err)
	}
	h.root = ""
	return nil
}

// resolve joins path against the root and rejects escapes.
func (h *hostEnv) resolve(path string) (string, error) {
	if h.root == "" {
		return "", fmt.Errorf("sandbox not initialized")
	}
	full := filepath.Join(h.root, path)
	rel, err := filepath.Rel(h.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sandbox: %w", path, fs.ErrPermission)
	}
	return full, nil
}
