//go:build !windows
// +build !windows

package sandbox

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/verdict/internal/concurrency"
)

func newTestEnv(t *testing.T) *hostEnv {
	t.Helper()
	env, err := newHostEnv(Config{ExecTimeout: 30 * time.Second}, "sample-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.Teardown(context.Background()) })
	return env
}

func TestHostEnvExec(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Exec(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Stdout != "out\n" || res.Stderr != "err\n" {
		t.Errorf("streams wrong: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if res.Code != 3 {
		t.Errorf("exit code = %d, want 3 (nonzero exit is a result, not an error)", res.Code)
	}
}

func TestHostEnvExecTimeout(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Exec(context.Background(), []string{"sleep", "10"}, ExecOptions{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if !res.TimedOut {
		t.Error("result missing TimedOut flag")
	}
}

func TestHostEnvExecStdinAndEnv(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Exec(context.Background(), []string{"sh", "-c", "cat; printf %s \"$GREETING\""}, ExecOptions{
		Input: "piped ",
		Env:   map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "piped hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestHostEnvFileRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.WriteFile(ctx, "sub/dir/data.txt", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	data, err := env.ReadFile(ctx, "sub/dir/data.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("read back %q", data)
	}
}

func TestHostEnvReadMissingFile(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ReadFile(context.Background(), "nope.txt")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("want fs.ErrNotExist, got %v", err)
	}
}

func TestHostEnvPathEscapeRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ReadFile(context.Background(), "../../etc/passwd"); !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("escape not rejected: %v", err)
	}
	if err := env.WriteFile(context.Background(), "../outside.txt", []byte("x")); !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("escape write not rejected: %v", err)
	}
}

func TestHostEnvInitFiles(t *testing.T) {
	env, err := newHostEnv(Config{}, "sample-2")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := env.Init(ctx, map[string][]byte{"input.txt": []byte("seed")}); err != nil {
		t.Fatal(err)
	}
	defer env.Teardown(ctx)

	data, err := env.ReadFile(ctx, "input.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "seed" {
		t.Errorf("initial file content = %q", data)
	}
}

func TestHostEnvExecWaitsForSubprocessSlot(t *testing.T) {
	concurrency.Reset()
	t.Cleanup(concurrency.Reset)

	env, err := newHostEnv(Config{ExecTimeout: 30 * time.Second, MaxSubprocesses: 1}, "sample-cap")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.Teardown(context.Background()) })

	// Hold the only slot so the command cannot start.
	release, err := concurrency.Named(subprocessPoolName, 1).Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.Exec(context.Background(), []string{"true"}, ExecOptions{})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Exec ran while the subprocess slot was held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Exec() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Exec still blocked after the slot was released")
	}
}

func TestHostEnvExecSlotWaitHonorsCancel(t *testing.T) {
	concurrency.Reset()
	t.Cleanup(concurrency.Reset)

	env := newTestEnv(t)
	release, err := concurrency.Named(subprocessPoolName, 1).Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := env.Exec(ctx, []string{"true"}, ExecOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context.DeadlineExceeded while waiting for a slot, got %v", err)
	}
}
