package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
)

const dockerWorkdir = "/workspace"

// dockerEnv is a per-sample container. The container runs an idle process
// for the sample's lifetime; each Exec is a docker exec inside it, so state
// (files, installed packages) persists between commands.
type dockerEnv struct {
	client      *client.Client
	cfg         Config
	sampleID    string
	containerID string
}

func newDockerEnv(cfg Config, sampleID string) (*dockerEnv, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon not accessible: %w", err)
	}

	return &dockerEnv{client: cli, cfg: cfg, sampleID: sampleID}, nil
}

func (d *dockerEnv) Init(ctx context.Context, files map[string][]byte) error {
	if err := d.ensureImage(ctx, d.cfg.Image); err != nil {
		return fmt.Errorf("failed to ensure image %s: %w", d.cfg.Image, err)
	}

	containerConfig := &container.Config{
		Image:      d.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: dockerWorkdir,
		Env:        []string{"HOME=/tmp"},
		Labels:     map[string]string{"verdict.sample": d.sampleID},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   parseMemory(d.cfg.Memory),
			NanoCPUs: parseCPU(d.cfg.CPU) * 1e9,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
			},
		},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=100m",
		},
	}

	createResp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	d.containerID = createResp.ID

	if err := d.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	if _, err := d.Exec(ctx, []string{"mkdir", "-p", dockerWorkdir}, ExecOptions{}); err != nil {
		return fmt.Errorf("failed to create workdir: %w", err)
	}
	for name, data := range files {
		if err := d.WriteFile(ctx, name, data); err != nil {
			return fmt.Errorf("failed to write initial file %s: %w", name, err)
		}
	}
	return nil
}

func (d *dockerEnv) Exec(ctx context.Context, cmd []string, opts ExecOptions) (ExecResult, error) {
	if d.containerID == "" {
		return ExecResult{}, fmt.Errorf("sandbox not initialized")
	}

	release, err := subprocessPermit(ctx, d.cfg)
	if err != nil {
		return ExecResult{}, err
	}
	defer release()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.cfg.ExecTimeout
		if timeout <= 0 {
			timeout = defaultExecTimeout
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workdir := dockerWorkdir
	if opts.Cwd != "" {
		workdir = path.Join(dockerWorkdir, opts.Cwd)
	}
	var env []string
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	execResp, err := d.client.ContainerExecCreate(execCtx, d.containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		Env:          env,
		AttachStdin:  opts.Input != "",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	if opts.Input != "" {
		if _, err := attach.Conn.Write([]byte(opts.Input)); err != nil {
			return ExecResult{}, fmt.Errorf("failed to write stdin: %w", err)
		}
		attach.CloseWrite()
	}

	type streamed struct {
		stdout, stderr string
		err            error
	}
	done := make(chan streamed, 1)
	go func() {
		stdout, stderr, err := demuxStreams(attach.Reader)
		done <- streamed{stdout, stderr, err}
	}()

	select {
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
		return ExecResult{TimedOut: true, Code: 1, Stderr: "command timed out"},
			fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case s := <-done:
		if s.err != nil {
			return ExecResult{}, s.err
		}
		inspect, err := d.client.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
		}
		return ExecResult{Stdout: s.stdout, Stderr: s.stderr, Code: inspect.ExitCode}, nil
	}
}

func (d *dockerEnv) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	if d.containerID == "" {
		return nil, fmt.Errorf("sandbox not initialized")
	}
	full := path.Join(dockerWorkdir, filePath)
	reader, _, err := d.client.CopyFromContainer(ctx, d.containerID, full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive for %s: %w", filePath, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("no regular file at %s", filePath)
}

func (d *dockerEnv) WriteFile(ctx context.Context, filePath string, data []byte) error {
	if d.containerID == "" {
		return fmt.Errorf("sandbox not initialized")
	}
	dir := path.Dir(path.Join(dockerWorkdir, filePath))
	if _, err := d.Exec(ctx, []string{"mkdir", "-p", dir}, ExecOptions{}); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: path.Base(filePath),
		Mode: 0644,
		Size: int64(len(data)),
	}); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar: %w", err)
	}

	if err := d.client.CopyToContainer(ctx, d.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy %s into container: %w", filePath, err)
	}
	return nil
}

func (d *dockerEnv) Connection() ConnectionInfo {
	return ConnectionInfo{
		Type:    "docker",
		Command: fmt.Sprintf("docker exec -it %s bash", d.containerID),
	}
}

func (d *dockerEnv) Teardown(ctx context.Context) error {
	if d.containerID == "" {
		return nil
	}
	removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(removeCtx, d.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	d.containerID = ""
	return nil
}

// ensureImage pulls the image if it is not present locally.
func (d *dockerEnv) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// demuxStreams splits Docker's multiplexed stream into stdout and stderr.
// Frame format: [STREAM_TYPE (1 byte)][RESERVED (3 bytes)][SIZE (4 bytes
// big-endian)][payload].
func demuxStreams(reader io.Reader) (stdout, stderr string, err error) {
	var stdoutBuf, stderrBuf strings.Builder
	header := make([]byte, 8)
	total := 0

	for {
		if _, rerr := io.ReadFull(reader, header); rerr != nil {
			if rerr == io.EOF || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			return "", "", fmt.Errorf("failed to read stream header: %w", rerr)
		}

		streamType := header[0]
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size <= 0 {
			continue
		}
		total += size
		if total > maxExecOutput {
			return stdoutBuf.String(), stderrBuf.String(), ErrOutputLimit
		}

		payload := make([]byte, size)
		if _, rerr := io.ReadFull(reader, payload); rerr != nil {
			return "", "", fmt.Errorf("failed to read stream payload: %w", rerr)
		}
		switch streamType {
		case 1:
			stdoutBuf.Write(payload)
		case 2:
			stderrBuf.Write(payload)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

// parseMemory parses a memory string (e.g. "1g", "512m") to bytes.
func parseMemory(memStr string) int64 {
	memStr = strings.ToLower(strings.TrimSpace(memStr))
	if memStr == "" {
		return 1024 * 1024 * 1024
	}

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(memStr, "g"):
		multiplier = 1024 * 1024 * 1024
		memStr = strings.TrimSuffix(memStr, "g")
	case strings.HasSuffix(memStr, "m"):
		multiplier = 1024 * 1024
		memStr = strings.TrimSuffix(memStr, "m")
	case strings.HasSuffix(memStr, "k"):
		multiplier = 1024
		memStr = strings.TrimSuffix(memStr, "k")
	}

	var value int64
	fmt.Sscanf(memStr, "%d", &value)
	return value * multiplier
}

// parseCPU parses a CPU string (e.g. "2", "1.5") to whole CPUs.
func parseCPU(cpuStr string) int64 {
	cpuStr = strings.TrimSpace(cpuStr)
	if cpuStr == "" {
		return 2
	}
	var value float64
	fmt.Sscanf(cpuStr, "%f", &value)
	if value <= 0 {
		return 2
	}
	return int64(value)
}
