package local

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// containerSpec describes one agent container run.
type containerSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    []string // KEY=VALUE
	User   string   // "uid:gid", empty for the image default
	Memory int64    // bytes, 0 for unlimited
	Mounts []bindMount
}

// process is a live container with attached stdio.
type process interface {
	// Stdin returns the agent's stdin. Closing it signals end-of-input.
	Stdin() io.WriteCloser
	// Wait blocks until exit and returns the exit code. A non-nil error
	// means the wait itself failed, not that the agent exited non-zero.
	Wait(ctx context.Context) (int, error)
	// Stop terminates the container: graceful, then hard kill after the
	// stop grace period.
	Stop(ctx context.Context) error
}

// runtime starts agent containers. Stdout and stderr are pumped into the
// given writers until the process exits.
type runtime interface {
	Start(ctx context.Context, spec containerSpec, stdout, stderr io.Writer) (process, error)
}

// parseMemory converts "2g" / "512m" / plain bytes into a byte count.
func parseMemory(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad memory limit %q: %w", s, err)
	}
	return n * mult, nil
}
