package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// appleRuntime shells out to the `container` CLI on macOS hosts without a
// Docker daemon. One `container run --rm` per agent session.
type appleRuntime struct {
	log *slog.Logger
}

func newAppleRuntime(log *slog.Logger) *appleRuntime {
	return &appleRuntime{log: log}
}

// Ping checks the CLI is present.
func (a *appleRuntime) Ping(ctx context.Context) error {
	if _, err := exec.LookPath("container"); err != nil {
		return fmt.Errorf("apple container CLI not found: %w", err)
	}
	return nil
}

func (a *appleRuntime) Start(ctx context.Context, spec containerSpec, stdout, stderr io.Writer) (process, error) {
	args := []string{"run", "--rm", "-i", "--name", spec.Name}
	if spec.Memory > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", spec.Memory))
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	for _, m := range spec.Mounts {
		opt := fmt.Sprintf("type=bind,src=%s,dst=%s", m.Source, m.Target)
		if m.ReadOnly {
			opt += ",readonly"
		}
		args = append(args, "--mount", opt)
	}
	for _, kv := range spec.Env {
		args = append(args, "--env", kv)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	// Detach the command from ctx: stopping is this runtime's job, with a
	// grace period ctx cancellation would not honor.
	cmd := exec.Command("container", args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	p := &appleProcess{name: spec.Name, cmd: cmd, stdin: stdin, log: a.log, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

type appleProcess struct {
	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *slog.Logger

	once sync.Once
	done chan struct{}
	exit int
	err  error
}

func (p *appleProcess) reap() {
	err := p.cmd.Wait()
	p.exit = p.cmd.ProcessState.ExitCode()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			p.err = err
		}
	}
	close(p.done)
}

func (p *appleProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *appleProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exit, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *appleProcess) Stop(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		// `container stop` is graceful; fall back to killing the CLI
		// process after the grace period.
		stop := exec.CommandContext(ctx, "container", "stop", p.name)
		if stopErr := stop.Run(); stopErr != nil {
			p.log.Warn("container stop failed", "container", p.name, "error", stopErr)
		}
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			err = p.cmd.Process.Kill()
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
