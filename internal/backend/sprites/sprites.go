// Package sprites runs agents in persistent Sprites sandboxes: one
// long-lived sandbox per group folder, provisioned on first use, with
// agent sessions streamed over the provider's exec API.
package sprites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
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
const Name = "sprites"

// Sandbox-side layout mirrors the local container targets.
const (
	remoteWorkspace = "/workspace"
	remoteIPC       = "/workspace/ipc"
	remoteInput     = "/workspace/ipc/input"
	remoteInputTask = "/workspace/ipc/input-task"
	remoteMarker    = "/workspace/.nanoclaw-provisioned"
	remoteRunner    = "/app/agent-runner/run"
)

// Sprites is the persistent-sandbox backend.
type Sprites struct {
	cfg   *config.Config
	ns    *ipc.Namespace
	api   *apiClient
	cache *backend.UploadCache
	log   *slog.Logger

	mu          sync.Mutex
	provisioned map[string]bool // sandbox name -> provisioning checked
	running     map[string]string
}

// New builds the backend.
func New(deps backend.Deps) (backend.Backend, error) {
	cc := deps.Config.Backend.Cloud
	if cc.SpritesToken == "" {
		return nil, fmt.Errorf("sprites: SPRITES_TOKEN not set")
	}
	return &Sprites{
		cfg:         deps.Config,
		ns:          deps.IPC,
		api:         newAPIClient(cc.SpritesToken, cc.SpritesURL),
		cache:       backend.NewUploadCache(),
		log:         deps.Log.With("backend", Name),
		provisioned: make(map[string]bool),
		running:     make(map[string]string),
	}, nil
}

func (s *Sprites) Name() string { return Name }

func (s *Sprites) Initialize(_ context.Context) error { return nil }
func (s *Sprites) Shutdown(_ context.Context) error   { return nil }

func sandboxName(folder string) string { return "nanoclaw-" + platform.Slugify(folder) }

// ensureSandbox creates and provisions the group's sandbox on first use.
// The provisioning marker makes re-runs after a sandbox recreate cheap
// and idempotent.
func (s *Sprites) ensureSandbox(ctx context.Context, folder string) (string, error) {
	name := sandboxName(folder)

	_, err := s.api.GetSandbox(ctx, name)
	if errors.Is(err, errNotFound) {
		if err := s.api.CreateSandbox(ctx, name, s.cfg.Backend.Image); err != nil {
			return "", err
		}
		s.cache.Forget(name)
	} else if err != nil {
		return "", err
	}
	if err := s.api.waitReady(ctx, name, 2*time.Minute); err != nil {
		return "", err
	}

	s.mu.Lock()
	checked := s.provisioned[name]
	s.mu.Unlock()
	if checked {
		return name, nil
	}

	if _, err := s.api.ReadFile(ctx, name, remoteMarker); errors.Is(err, errNotFound) {
		for _, dir := range []string{remoteInput, remoteInputTask, remoteIPC + "/responses", remoteIPC + "/tasks", remoteIPC + "/messages"} {
			if _, err := s.api.Exec(ctx, name, []string{"mkdir", "-p", dir}, discard, discard); err != nil {
				return "", fmt.Errorf("sprites: provision %s: %w", dir, err)
			}
		}
		if err := s.api.WriteFile(ctx, name, remoteMarker, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.provisioned[name] = true
	s.mu.Unlock()
	return name, nil
}

func discard([]byte) {}

// RunAgent uploads the input, execs the agent runner, and streams its
// framed stdout through the parser.
func (s *Sprites) RunAgent(ctx context.Context, group store.RegisteredGroup, input agentio.Input, obs backend.RunObserver) (agentio.Output, error) {
	folder := group.Folder
	name, err := s.ensureSandbox(ctx, folder)
	if err != nil {
		return agentio.Output{}, err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return agentio.Output{}, fmt.Errorf("marshal agent input: %w", err)
	}
	inputPath := remoteWorkspace + "/input.json"
	if err := s.upload(ctx, name, inputPath, payload); err != nil {
		return agentio.Output{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, backend.RunTimeout(s.cfg, group))
	defer cancel()

	parser := agentio.NewParser(agentio.ParserConfig{
		MaxOutputSize:  s.cfg.Backend.MaxOutputSize,
		StartupTimeout: time.Duration(s.cfg.Backend.StartupTimeoutMS) * time.Millisecond,
		IdleTimeout:    time.Duration(s.cfg.Backend.IdleTimeoutMS) * time.Millisecond,
		OnTimeout:      cancel,
		OnOutput:       obs.OnOutput,
		Log:            s.log.With("group", folder),
	})
	defer parser.Cleanup()

	s.mu.Lock()
	s.running[folder] = name
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, folder)
		s.mu.Unlock()
	}()

	obs.OnProcess(sandboxHandle{cancel: cancel}, name)

	lane := "input"
	if input.IsScheduledTask {
		lane = "input-task"
	}
	exitCode, execErr := s.api.Exec(runCtx, name,
		[]string{remoteRunner, "--input", inputPath, "--ipc", remoteIPC, "--lane", lane},
		parser.FeedStdout, parser.FeedStderr)
	if execErr != nil && runCtx.Err() == nil {
		return agentio.Output{}, execErr
	}

	parser.Cleanup()
	select {
	case <-parser.OutputChain():
	case <-time.After(10 * time.Second):
		s.log.Warn("output consumer slow at session end", "group", folder)
	}
	return parser.SessionResult(exitCode, nil), nil
}

type sandboxHandle struct{ cancel context.CancelFunc }

func (h sandboxHandle) Stop(context.Context) error {
	h.cancel()
	return nil
}

// upload writes a file into the sandbox, skipping when the cached hash
// matches.
func (s *Sprites) upload(ctx context.Context, sandbox, remotePath string, data []byte) error {
	if !s.cache.Changed(sandbox, remotePath, data) {
		return nil
	}
	if err := s.api.WriteFile(ctx, sandbox, remotePath, data); err != nil {
		return err
	}
	s.cache.Record(sandbox, remotePath, data)
	return nil
}

// SendMessage drops text into the sandbox's input lane.
func (s *Sprites) SendMessage(ctx context.Context, folder, text string) bool {
	s.mu.Lock()
	name, ok := s.running[folder]
	s.mu.Unlock()
	if !ok {
		return false
	}
	payload, err := json.Marshal(map[string]string{"type": "message", "text": text})
	if err != nil {
		return false
	}
	remote := path.Join(remoteInput, fmt.Sprintf("%d.json", time.Now().UnixNano()))
	if err := s.api.WriteFile(ctx, name, remote, payload); err != nil {
		s.log.Warn("input lane write failed", "group", folder, "error", err)
		return false
	}
	return true
}

// CloseStdin drops the end-of-input sentinel on the remote lane.
func (s *Sprites) CloseStdin(ctx context.Context, folder, subdir string) error {
	if subdir == "" {
		subdir = "input"
	}
	name := sandboxName(folder)
	return s.api.WriteFile(ctx, name, path.Join(remoteIPC, subdir, ipc.CloseSentinel), []byte("1"))
}

// WriteIpcData mirrors the file into both the host tree and the sandbox.
func (s *Sprites) WriteIpcData(ctx context.Context, folder, filename string, data []byte) error {
	hostPath, err := platform.SafeJoin(s.ns.GroupDir(folder), filename)
	if err != nil {
		return err
	}
	if err := platform.AtomicWrite(hostPath, data, 0o644); err != nil {
		return err
	}
	return s.upload(ctx, sandboxName(folder), path.Join(remoteIPC, filename), data)
}

// ReadFile downloads from the sandbox workspace, updating the cache so a
// later identical upload is skipped.
func (s *Sprites) ReadFile(ctx context.Context, folder, rel string) ([]byte, error) {
	name := sandboxName(folder)
	data, err := s.api.ReadFile(ctx, name, path.Join(remoteWorkspace, rel))
	if err != nil {
		return nil, err
	}
	s.cache.Record(name, path.Join(remoteWorkspace, rel), data)
	return data, nil
}

// WriteFile uploads into the sandbox workspace.
func (s *Sprites) WriteFile(ctx context.Context, folder, rel string, data []byte) error {
	return s.upload(ctx, sandboxName(folder), path.Join(remoteWorkspace, rel), data)
}
