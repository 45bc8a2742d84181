// Package local runs agents in containers on the host, via the Docker
// Engine API or the Apple container CLI. One container per session,
// stdin-fed input, framed stdout streamed through the output parser.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agentio"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Name is the registry key for this backend.
const Name = "local"

type pinger interface {
	Ping(ctx context.Context) error
}

// Local is the local-container backend.
type Local struct {
	cfg    *config.Config
	ns     *ipc.Namespace
	rt     runtime
	policy *mountPolicy
	log    *slog.Logger

	mu      sync.Mutex
	running map[string]*activeRun // keyed by group folder
}

type activeRun struct {
	proc     process
	inputDir string // host path of the active input lane
}

// New builds the local backend for the configured runtime.
func New(deps backend.Deps) (backend.Backend, error) {
	log := deps.Log.With("backend", Name)
	var rt runtime
	switch deps.Config.Backend.Runtime {
	case "", "docker":
		d, err := newDockerRuntime(log)
		if err != nil {
			return nil, err
		}
		rt = d
	case "apple-container":
		rt = newAppleRuntime(log)
	default:
		return nil, fmt.Errorf("unknown container runtime %q", deps.Config.Backend.Runtime)
	}
	return &Local{
		cfg:     deps.Config,
		ns:      deps.IPC,
		rt:      rt,
		policy:  newMountPolicy(deps.Config.Backend.AllowedMounts),
		log:     log,
		running: make(map[string]*activeRun),
	}, nil
}

func (l *Local) Name() string { return Name }

// Initialize verifies the container runtime is reachable.
func (l *Local) Initialize(ctx context.Context) error {
	if p, ok := l.rt.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Shutdown stops every running agent.
func (l *Local) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	runs := make([]*activeRun, 0, len(l.running))
	for _, r := range l.running {
		runs = append(runs, r)
	}
	l.mu.Unlock()

	var first error
	for _, r := range runs {
		if err := r.proc.Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	if c, ok := l.rt.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	return first
}

// RunAgent runs one agent session for the group and streams its output.
func (l *Local) RunAgent(ctx context.Context, group store.RegisteredGroup, input agentio.Input, obs backend.RunObserver) (agentio.Output, error) {
	folder := group.Folder
	paths, err := l.preparePaths(folder)
	if err != nil {
		return agentio.Output{}, err
	}
	if group.ServerFolder != "" {
		if !platform.ValidFolder(group.ServerFolder) {
			return agentio.ErrorOutput(fmt.Sprintf("invalid server folder %q", group.ServerFolder)), nil
		}
		paths.serverDir = filepath.Join(l.cfg.GroupsDir(), group.ServerFolder)
		if err := os.MkdirAll(paths.serverDir, 0o755); err != nil {
			return agentio.Output{}, fmt.Errorf("prepare server folder: %w", err)
		}
	}

	lane := ipc.InputDir
	if input.IsScheduledTask {
		lane = ipc.InputTaskDir
	}
	inputDir := l.ns.Dir(folder, lane)

	runCtx, cancel := context.WithTimeout(ctx, backend.RunTimeout(l.cfg, group))
	defer cancel()

	var procMu sync.Mutex
	var proc process
	stopOnce := sync.Once{}
	stopProc := func() {
		stopOnce.Do(func() {
			procMu.Lock()
			p := proc
			procMu.Unlock()
			if p == nil {
				return
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopGrace+5*time.Second)
			defer stopCancel()
			if err := p.Stop(stopCtx); err != nil {
				l.log.Warn("agent stop failed", "group", folder, "error", err)
			}
		})
	}

	parser := agentio.NewParser(agentio.ParserConfig{
		MaxOutputSize:  l.cfg.Backend.MaxOutputSize,
		StartupTimeout: time.Duration(l.cfg.Backend.StartupTimeoutMS) * time.Millisecond,
		IdleTimeout:    time.Duration(l.cfg.Backend.IdleTimeoutMS) * time.Millisecond,
		OnTimeout:      stopProc,
		OnOutput:       obs.OnOutput,
		Log:            l.log.With("group", folder),
	})
	defer parser.Cleanup()

	var extra []store.Mount
	if group.Container != nil {
		extra = group.Container.Mounts
	}
	mounts, err := buildMounts(mountSpec{
		GroupDir:     paths.groupDir,
		IPCDir:       l.ns.GroupDir(folder),
		InputDir:     inputDir,
		EnvFile:      paths.envFile,
		SessionDir:   paths.sessionDir,
		ProjectRoot:  l.cfg.Backend.ProjectRoot,
		GlobalFolder: l.cfg.Backend.GlobalFolder,
		ServerDir:    paths.serverDir,
		RunnerDir:    l.cfg.Backend.AgentRunnerDir,
		IsMain:       group.IsMain(),
		Extra:        extra,
	}, l.policy)
	if err != nil {
		// Misconfigured group, not a broken substrate.
		return agentio.ErrorOutput(err.Error()), nil
	}

	memory, err := parseMemory(l.cfg.Backend.Memory)
	if err != nil {
		return agentio.Output{}, err
	}

	name := fmt.Sprintf("nanoclaw-%s-%d", platform.Slugify(folder), time.Now().UnixMilli())
	spec := containerSpec{
		Name:   name,
		Image:  l.cfg.Backend.Image,
		User:   containerUser(),
		Memory: memory,
		Mounts: mounts,
		Env: []string{
			"NANOCLAW_GROUP=" + folder,
			"NANOCLAW_IPC_DIR=" + targetIPC,
		},
	}

	started, err := l.rt.Start(runCtx, spec, parser.StdoutWriter(), parser.StderrWriter())
	if err != nil {
		return agentio.Output{}, fmt.Errorf("spawn agent: %w", err)
	}
	procMu.Lock()
	proc = started
	procMu.Unlock()

	l.mu.Lock()
	l.running[folder] = &activeRun{proc: started, inputDir: inputDir}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.running, folder)
		l.mu.Unlock()
	}()

	obs.OnProcess(procHandle{stop: stopProc}, name)

	payload, err := json.Marshal(input)
	if err != nil {
		return agentio.Output{}, fmt.Errorf("marshal agent input: %w", err)
	}
	stdin := started.Stdin()
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		l.log.Warn("agent stdin write failed", "group", folder, "error", err)
	}
	if err := stdin.Close(); err != nil {
		l.log.Debug("agent stdin close", "group", folder, "error", err)
	}

	exitCode, waitErr := started.Wait(runCtx)
	if runCtx.Err() != nil {
		// Overall deadline; the process may still be alive.
		stopProc()
		exitCode, waitErr = -1, nil
	}

	parser.Cleanup()
	select {
	case <-parser.OutputChain():
	case <-time.After(10 * time.Second):
		l.log.Warn("output consumer slow at session end", "group", folder)
	}

	out := parser.SessionResult(exitCode, waitErr)
	if err := parser.ConsumerErr(); err != nil {
		l.log.Warn("output consumer error", "group", folder, "error", err)
	}
	return out, nil
}

type procHandle struct{ stop func() }

func (h procHandle) Stop(context.Context) error {
	h.stop()
	return nil
}

// SendMessage drops text into the running agent's input lane. Returns
// false when no agent is active for the folder.
func (l *Local) SendMessage(_ context.Context, folder, text string) bool {
	l.mu.Lock()
	run, ok := l.running[folder]
	l.mu.Unlock()
	if !ok {
		return false
	}
	payload, err := json.Marshal(map[string]string{"type": "message", "text": text})
	if err != nil {
		return false
	}
	name := fmt.Sprintf("%d.json", time.Now().UnixNano())
	if err := platform.AtomicWrite(filepath.Join(run.inputDir, name), payload, 0o644); err != nil {
		l.log.Warn("input lane write failed", "group", folder, "error", err)
		return false
	}
	return true
}

// CloseStdin drops the end-of-input sentinel on the given lane.
func (l *Local) CloseStdin(_ context.Context, folder, subdir string) error {
	return l.ns.WriteClose(folder, subdir)
}

// WriteIpcData places a file into the group's IPC tree. The filename may
// carry a subdirectory (e.g. "responses/r1.json").
func (l *Local) WriteIpcData(_ context.Context, folder, filename string, data []byte) error {
	path, err := platform.SafeJoin(l.ns.GroupDir(folder), filename)
	if err != nil {
		return fmt.Errorf("ipc data %s/%s: %w", folder, filename, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return platform.AtomicWrite(path, data, 0o644)
}

// ReadFile reads from the group workspace.
func (l *Local) ReadFile(_ context.Context, folder, rel string) ([]byte, error) {
	path, err := platform.SafeJoin(filepath.Join(l.cfg.GroupsDir(), folder), rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes into the group workspace.
func (l *Local) WriteFile(_ context.Context, folder, rel string, data []byte) error {
	path, err := platform.SafeJoin(filepath.Join(l.cfg.GroupsDir(), folder), rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return platform.AtomicWrite(path, data, 0o644)
}

type runPaths struct {
	groupDir   string
	sessionDir string
	serverDir  string
	envFile    string
}

func (l *Local) preparePaths(folder string) (runPaths, error) {
	if !platform.ValidFolder(folder) {
		return runPaths{}, fmt.Errorf("run agent: %w: %q", platform.ErrBadFolder, folder)
	}
	if err := l.ns.EnsureGroup(folder); err != nil {
		return runPaths{}, err
	}

	p := runPaths{
		groupDir:   filepath.Join(l.cfg.GroupsDir(), folder),
		sessionDir: filepath.Join(l.cfg.DataDirExpanded(), "sessions", folder),
	}
	for _, dir := range []string{p.groupDir, p.sessionDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return runPaths{}, fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	envDir := filepath.Join(l.cfg.DataDirExpanded(), "env", folder)
	if err := os.MkdirAll(envDir, 0o700); err != nil {
		return runPaths{}, fmt.Errorf("prepare %s: %w", envDir, err)
	}
	envFile, err := writeEnvFile(envDir)
	if err != nil {
		return runPaths{}, err
	}
	p.envFile = envFile
	return p, nil
}

// containerUser returns "uid:gid" when the host user should be propagated
// into the container. Root and the image's own default user (1000) run as
// the image defines.
func containerUser() string {
	uid := os.Getuid()
	if uid <= 0 || uid == 1000 {
		return ""
	}
	return fmt.Sprintf("%d:%d", uid, os.Getgid())
}
