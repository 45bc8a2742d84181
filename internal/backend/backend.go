// Package backend defines the agent execution substrate: a uniform
// contract for running one agent session against a group workspace and
// streaming its framed output back, implemented by a local container
// runtime and several remote substrates. Selection is per group with a
// configured default.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agentio"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// idleGrace pads the wall-clock budget past the idle timeout so an idle
// session is reaped by the parser's idle path, not the hard deadline.
const idleGrace = 30 * time.Second

// RunTimeout derives the wall-clock budget for one agent session: the
// group's container override when set, else the backend default, floored
// at the idle timeout plus grace.
func RunTimeout(cfg *config.Config, group store.RegisteredGroup) time.Duration {
	timeout := time.Duration(cfg.Backend.TimeoutMS) * time.Millisecond
	if group.Container != nil && group.Container.TimeoutMS > 0 {
		timeout = time.Duration(group.Container.TimeoutMS) * time.Millisecond
	}
	if floor := time.Duration(cfg.Backend.IdleTimeoutMS)*time.Millisecond + idleGrace; timeout < floor {
		timeout = floor
	}
	return timeout
}

// AgentProcess is a handle on a live agent, given to the observer so the
// caller can cancel the session out-of-band.
type AgentProcess interface {
	// Stop terminates the agent: graceful first, hard kill on a deadline.
	Stop(ctx context.Context) error
}

// ProcessObserver learns about the spawned process. OnProcess is called
// exactly once per run, strictly before any OnOutput.
type ProcessObserver interface {
	OnProcess(p AgentProcess, name string)
}

// OutputConsumer receives streamed agent outputs in arrival order. A
// returned error is surfaced after the run as the consumer error; it does
// not abort the agent.
type OutputConsumer interface {
	OnOutput(out agentio.Output) error
}

// RunObserver bundles the two run callbacks.
type RunObserver interface {
	ProcessObserver
	OutputConsumer
}

// Backend runs agents for group workspaces. Deterministic agent failures
// (spawn failure, timeout, non-zero exit without output) come back as
// Output{Status:"error"} with a nil Go error; a non-nil error means the
// substrate itself is unusable and the run is retryable.
type Backend interface {
	Name() string

	RunAgent(ctx context.Context, group store.RegisteredGroup, input agentio.Input, obs RunObserver) (agentio.Output, error)

	// SendMessage forwards text to a running agent's input lane. Returns
	// false when no agent is active for the folder.
	SendMessage(ctx context.Context, folder, text string) bool

	// CloseStdin signals end-of-input on the given lane (ipc.InputDir or
	// ipc.InputTaskDir; empty means the default lane).
	CloseStdin(ctx context.Context, folder, subdir string) error

	// WriteIpcData places a file into the agent-visible IPC tree.
	WriteIpcData(ctx context.Context, folder, filename string, data []byte) error

	// ReadFile and WriteFile access the group workspace as the agent sees
	// it (local disk, remote sandbox filesystem, or object store).
	ReadFile(ctx context.Context, folder, rel string) ([]byte, error)
	WriteFile(ctx context.Context, folder, rel string, data []byte) error

	// Initialize prepares the substrate. Idempotent; called at startup and
	// again when a run reports the substrate unusable.
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Observer is a func-field RunObserver for callers that do not want a
// dedicated type.
type Observer struct {
	Process func(p AgentProcess, name string)
	Output  func(out agentio.Output) error
}

func (o *Observer) OnProcess(p AgentProcess, name string) {
	if o.Process != nil {
		o.Process(p, name)
	}
}

func (o *Observer) OnOutput(out agentio.Output) error {
	if o.Output != nil {
		return o.Output(out)
	}
	return nil
}

// Deps is everything a backend constructor may need.
type Deps struct {
	Config *config.Config
	IPC    *ipc.Namespace
	Log    *slog.Logger
}

// Constructor builds one backend instance.
type Constructor func(deps Deps) (Backend, error)

// Registry maps backend names onto constructors and caches instances.
// Variants are registered explicitly by the command wiring; there is no
// import-side-effect registration.
type Registry struct {
	deps Deps

	mu        sync.Mutex
	ctors     map[string]Constructor
	instances map[string]Backend
}

// NewRegistry builds an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Registry{
		deps:      deps,
		ctors:     make(map[string]Constructor),
		instances: make(map[string]Backend),
	}
}

// Register installs a constructor under a name. Last registration wins.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = c
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the named backend, constructing and initializing it on first
// use.
func (r *Registry) Get(ctx context.Context, name string) (Backend, error) {
	r.mu.Lock()
	if b, ok := r.instances[name]; ok {
		r.mu.Unlock()
		return b, nil
	}
	ctor, ok := r.ctors[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", name)
	}

	b, err := ctor(r.deps)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	if err := b.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("backend %q initialize: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Lost a construction race; prefer the instance already stored.
	if existing, ok := r.instances[name]; ok {
		_ = b.Shutdown(ctx)
		return existing, nil
	}
	r.instances[name] = b
	return b, nil
}

// ForGroup resolves the backend for a group: its selector when set, else
// the configured default.
func (r *Registry) ForGroup(ctx context.Context, g *store.RegisteredGroup) (Backend, error) {
	name := r.deps.Config.Backend.Default
	if g != nil && g.Backend != "" {
		name = g.Backend
	}
	return r.Get(ctx, name)
}

// Shutdown stops every constructed backend, keeping the first error.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	instances := make([]Backend, 0, len(r.instances))
	for _, b := range r.instances {
		instances = append(instances, b)
	}
	r.instances = make(map[string]Backend)
	r.mu.Unlock()

	var first error
	for _, b := range instances {
		if err := b.Shutdown(ctx); err != nil && first == nil {
			first = fmt.Errorf("shutdown backend %s: %w", b.Name(), err)
		}
	}
	return first
}
