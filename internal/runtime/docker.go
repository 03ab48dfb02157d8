package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig configures the Docker Engine API adapter.
type DockerConfig struct {
	// Endpoint is the engine address: unix:///var/run/docker.sock,
	// npipe:////./pipe/docker_engine, or tcp://host:2375. Empty = standard
	// environment resolution (DOCKER_HOST et al.).
	Endpoint string
}

// DockerEngine implements Engine against the Docker Engine API. All calls are
// thin pass-throughs with normalized error surfaces; the API client is safe
// for concurrent use, so no additional locking is held here.
type DockerEngine struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerEngine connects to the Docker Engine at cfg.Endpoint. The
// connection is lazy — reachability is only verified by Ping.
func NewDockerEngine(cfg DockerConfig, logger *slog.Logger) (*DockerEngine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Endpoint != "" {
		opts = append(opts, client.WithHost(cfg.Endpoint))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &DockerEngine{cli: cli, logger: logger}, nil
}

// EnsureImage pulls the image if it is not present locally. The pull stream
// is drained so the call blocks until the image is fully available.
func (e *DockerEngine) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}

	e.logger.Info("pulling image", slog.String("image", ref))
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("reading pull stream for %s: %w", ref, err)
	}
	return nil
}

func (e *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	hostCfg := &container.HostConfig{
		AutoRemove: spec.AutoRemove,
		Resources: container.Resources{
			Memory:   spec.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(spec.CPULimit * 1e9),
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Labels: spec.Labels,
		Tty:    false,
	}, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// Attach hijacks the container's output stream and demultiplexes it. stdcopy
// writes frames sequentially in production order, which is what gives the
// engine its per-scan event ordering guarantee.
func (e *DockerEngine) Attach(ctx context.Context, id string, stdout, stderr io.Writer) error {
	resp, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("attaching to container %s: %w", id, err)
	}
	defer resp.Close()

	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		done <- copyErr
	}()

	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return fmt.Errorf("streaming container %s output: %w", id, err)
		}
		return nil
	case <-ctx.Done():
		resp.Close()
		return ctx.Err()
	}
}

func (e *DockerEngine) Start(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) Wait(ctx context.Context, id string) <-chan WaitResult {
	out := make(chan WaitResult, 1)
	waitCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	go func() {
		select {
		case resp := <-waitCh:
			var err error
			if resp.Error != nil {
				err = fmt.Errorf("container wait: %s", resp.Error.Message)
			}
			out <- WaitResult{ExitCode: resp.StatusCode, Err: err}
		case err := <-errCh:
			out <- WaitResult{Err: fmt.Errorf("waiting for container %s: %w", id, err)}
		}
	}()
	return out
}

// Stop is best-effort: a container that already exited or was auto-removed is
// not a failure, so errors are logged and swallowed.
func (e *DockerEngine) Stop(ctx context.Context, id string, grace time.Duration) {
	secs := int(grace.Seconds())
	if err := e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if !errdefs.IsNotFound(err) {
			e.logger.Warn("container stop failed",
				slog.String("container_id", shortID(id)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Remove force-deletes the container. Same best-effort contract as Stop.
func (e *DockerEngine) Remove(ctx context.Context, id string) {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		e.logger.Warn("container remove failed",
			slog.String("container_id", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker engine unreachable: %w", err)
	}
	return nil
}

// List returns containers whose name starts with namePrefix, running or not.
func (e *DockerEngine) List(ctx context.Context, namePrefix string) ([]ContainerInfo, error) {
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(summaries))
	for _, c := range summaries {
		infos = append(infos, ContainerInfo{
			ID:      c.ID,
			Name:    containerName(c),
			Created: time.Unix(c.Created, 0),
			Running: c.State == "running",
		})
	}
	return infos, nil
}

func (e *DockerEngine) Mode() Mode { return ModeReal }

func (e *DockerEngine) Close() error { return e.cli.Close() }

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
