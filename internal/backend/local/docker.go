package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// stopGrace is how long a container gets to exit on SIGTERM before the
// hard kill.
const stopGrace = 15 * time.Second

// dockerRuntime drives the Docker Engine API.
type dockerRuntime struct {
	cli *client.Client
	log *slog.Logger
}

func newDockerRuntime(log *slog.Logger) (*dockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerRuntime{cli: cli, log: log}, nil
}

// Ping checks the daemon is reachable.
func (d *dockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (d *dockerRuntime) Close() error { return d.cli.Close() }

func (d *dockerRuntime) Start(ctx context.Context, spec containerSpec, stdout, stderr io.Writer) (process, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		User:         spec.User,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		AutoRemove: true,
		Mounts:     mounts,
		Resources:  container.Resources{Memory: spec.Memory},
	}, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	attach, err := d.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("attach container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	p := &dockerProcess{
		cli:    d.cli,
		id:     created.ID,
		name:   spec.Name,
		attach: attach,
		log:    d.log,
		demux:  make(chan struct{}),
	}
	go func() {
		defer close(p.demux)
		// Attach stream is multiplexed when the container has no TTY.
		if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && ctx.Err() == nil {
			d.log.Debug("container stream ended", "container", spec.Name, "error", err)
		}
	}()
	return p, nil
}

type dockerProcess struct {
	cli    *client.Client
	id     string
	name   string
	attach types.HijackedResponse
	log    *slog.Logger
	demux  chan struct{}
}

func (p *dockerProcess) Stdin() io.WriteCloser { return hijackStdin{p.attach} }

// hijackStdin writes to the attach connection; Close sends the half-close
// that the agent reads as end-of-stdin.
type hijackStdin struct{ attach types.HijackedResponse }

func (h hijackStdin) Write(b []byte) (int, error) { return h.attach.Conn.Write(b) }
func (h hijackStdin) Close() error                { return h.attach.CloseWrite() }

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := p.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		// Drain the demux goroutine so the parser sees every byte before
		// the caller computes the session result.
		select {
		case <-p.demux:
		case <-time.After(2 * time.Second):
		}
		p.attach.Close()
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container %s: %s", p.name, status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		p.attach.Close()
		return -1, fmt.Errorf("wait container %s: %w", p.name, err)
	case <-ctx.Done():
		p.attach.Close()
		return -1, ctx.Err()
	}
}

func (p *dockerProcess) Stop(ctx context.Context) error {
	grace := int(stopGrace.Seconds())
	if err := p.cli.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &grace}); err != nil {
		p.log.Warn("container stop failed, killing", "container", p.name, "error", err)
		if err := p.cli.ContainerKill(ctx, p.id, "KILL"); err != nil {
			return fmt.Errorf("kill container %s: %w", p.name, err)
		}
	}
	return nil
}
