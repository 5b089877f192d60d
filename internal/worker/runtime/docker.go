package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	dockerStopTimeoutSeconds = 5
	dockerLogTail            = "200"
)

// DockerConfig holds configuration for the Docker runtime.
type DockerConfig struct {
	// Host overrides DOCKER_HOST, e.g. tcp://127.0.0.1:2375.
	Host string
	// APIVersion pins the Engine API version instead of negotiating it.
	APIVersion string
	// DefaultImage is used for test cases that do not name one.
	DefaultImage string
	// CPULimit in cores and MemoryLimitMB cap each test container; zero
	// leaves the daemon default.
	CPULimit      float64
	MemoryLimitMB int64
	// Network attaches test containers to a user-defined network so they
	// can reach the system under test.
	Network string
	Logger  *slog.Logger
}

// DockerRuntime runs each test-case attempt in its own container.
type DockerRuntime struct {
	client *client.Client
	config DockerConfig
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
}

// NewDockerRuntime connects to the Docker daemon. The connection is lazy;
// errors surface on the first Start.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DockerRuntime{client: cli, config: cfg}, nil
}

// Start pulls the image when missing, then creates and starts the container.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	img := opts.Image
	if img == "" {
		img = d.config.DefaultImage
	}
	if img == "" {
		return nil, fmt.Errorf("image is required")
	}

	if err := d.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image:  img,
		Cmd:    opts.Command,
		Env:    envList(opts.Env),
		Labels: opts.labels(),
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(d.config.CPULimit * 1e9),
			Memory:   d.config.MemoryLimitMB << 20,
		},
	}
	if d.config.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.config.Network)
	}

	created, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(opts.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range created.Warnings {
		d.config.Logger.Warn("docker warning", "container_id", created.ID, "warning", w)
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	d.config.Logger.Debug("started container", "container_id", created.ID, "image", img)

	return &DockerHandle{client: d.client, containerID: created.ID}, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	d.config.Logger.Info("pulling image", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// containerName suffixes the job id since a reclaimed job reuses it while
// the earlier container may still exist.
func containerName(name string) string {
	if name == "" {
		return ""
	}
	return "suiteplane-" + strings.ToLower(name) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Wait blocks until the container stops. A cancelled ctx stops it.
func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return ExitResult{ExitCode: int(status.StatusCode), Error: fmt.Errorf("%s", status.Error.Message)}, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			_ = h.Stop(context.Background())
			return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
		}
		return ExitResult{ExitCode: -1, Error: err}, err
	case <-ctx.Done():
		_ = h.Stop(context.Background())
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop sends SIGTERM and kills the container after a short grace period.
func (h *DockerHandle) Stop(ctx context.Context) error {
	timeout := dockerStopTimeoutSeconds
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

// StreamLogs returns the tail of the container output with stdout and
// stderr interleaved.
func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	rc, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       dockerLogTail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}

	// Without a TTY the daemon multiplexes both streams into one.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// Cleanup removes the container.
func (h *DockerHandle) Cleanup() error {
	return h.client.ContainerRemove(context.Background(), h.containerID, container.RemoveOptions{Force: true})
}
