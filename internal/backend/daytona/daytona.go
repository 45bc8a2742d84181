// Package daytona runs agents in persistent Daytona sandboxes: one
// sandbox per group folder, provisioned on first use. Daytona's exec API
// has no streaming endpoint, so agent output is polled from session
// command logs and fed to the parser incrementally.
package daytona

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
const Name = "daytona"

const (
	remoteWorkspace = "/workspace"
	remoteIPC       = "/workspace/ipc"
	remoteMarker    = "/workspace/.nanoclaw-provisioned"
	remoteRunner    = "/app/agent-runner/run"

	logPollInterval = time.Second
	sessionName     = "nanoclaw"
)

// Daytona is the persistent-sandbox backend.
type Daytona struct {
	cfg   *config.Config
	ns    *ipc.Namespace
	api   *apiClient
	cache *backend.UploadCache
	log   *slog.Logger

	mu          sync.Mutex
	sandboxIDs  map[string]string // folder -> sandbox id
	provisioned map[string]bool
	running     map[string]string
}

// New builds the backend.
func New(deps backend.Deps) (backend.Backend, error) {
	cc := deps.Config.Backend.Cloud
	if cc.DaytonaKey == "" {
		return nil, fmt.Errorf("daytona: DAYTONA_API_KEY not set")
	}
	return &Daytona{
		cfg:         deps.Config,
		ns:          deps.IPC,
		api:         newAPIClient(cc.DaytonaKey, cc.DaytonaURL),
		cache:       backend.NewUploadCache(),
		log:         deps.Log.With("backend", Name),
		sandboxIDs:  make(map[string]string),
		provisioned: make(map[string]bool),
		running:     make(map[string]string),
	}, nil
}

func (d *Daytona) Name() string { return Name }

func (d *Daytona) Initialize(_ context.Context) error { return nil }
func (d *Daytona) Shutdown(_ context.Context) error   { return nil }

func sandboxLabel(folder string) string { return "nanoclaw-" + platform.Slugify(folder) }

// ensureSandbox finds or creates the group's sandbox and provisions it
// once, keyed by the on-sandbox marker file.
func (d *Daytona) ensureSandbox(ctx context.Context, folder string) (string, error) {
	d.mu.Lock()
	if id, ok := d.sandboxIDs[folder]; ok && d.provisioned[id] {
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	label := sandboxLabel(folder)
	sb, err := d.api.FindSandbox(ctx, label)
	if errors.Is(err, errNotFound) {
		sb, err = d.api.CreateSandbox(ctx, label, d.cfg.Backend.Image)
		if err != nil {
			return "", err
		}
		d.cache.Forget(sb.ID)
	} else if err != nil {
		return "", err
	}
	if err := d.api.WaitReady(ctx, sb.ID, 2*time.Minute); err != nil {
		return "", err
	}
	if err := d.api.CreateSession(ctx, sb.ID, sessionName); err != nil {
		return "", err
	}

	if _, err := d.api.DownloadFile(ctx, sb.ID, remoteMarker); errors.Is(err, errNotFound) {
		mkdir := fmt.Sprintf("mkdir -p %s/input %s/input-task %s/responses %s/tasks %s/messages",
			remoteIPC, remoteIPC, remoteIPC, remoteIPC, remoteIPC)
		cmdID, err := d.api.ExecuteAsync(ctx, sb.ID, sessionName, mkdir)
		if err != nil {
			return "", fmt.Errorf("daytona: provision: %w", err)
		}
		if _, err := d.waitCommand(ctx, sb.ID, cmdID, time.Minute); err != nil {
			return "", fmt.Errorf("daytona: provision: %w", err)
		}
		if err := d.api.UploadFile(ctx, sb.ID, remoteMarker, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	d.mu.Lock()
	d.sandboxIDs[folder] = sb.ID
	d.provisioned[sb.ID] = true
	d.mu.Unlock()
	return sb.ID, nil
}

func (d *Daytona) waitCommand(ctx context.Context, sandboxID, cmdID string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		info, err := d.api.CommandStatus(ctx, sandboxID, sessionName, cmdID)
		if err == nil && info.ExitCode != nil {
			return *info.ExitCode, nil
		}
		if time.Now().After(deadline) {
			return -1, fmt.Errorf("command %s still running after %s", cmdID, timeout)
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(logPollInterval):
		}
	}
}

// RunAgent uploads the input, starts the runner in the exec session, and
// polls command logs into the parser until exit.
func (d *Daytona) RunAgent(ctx context.Context, group store.RegisteredGroup, input agentio.Input, obs backend.RunObserver) (agentio.Output, error) {
	folder := group.Folder
	id, err := d.ensureSandbox(ctx, folder)
	if err != nil {
		return agentio.Output{}, err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return agentio.Output{}, fmt.Errorf("marshal agent input: %w", err)
	}
	inputPath := remoteWorkspace + "/input.json"
	if err := d.upload(ctx, id, inputPath, payload); err != nil {
		return agentio.Output{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, backend.RunTimeout(d.cfg, group))
	defer cancel()

	parser := agentio.NewParser(agentio.ParserConfig{
		MaxOutputSize:  d.cfg.Backend.MaxOutputSize,
		StartupTimeout: time.Duration(d.cfg.Backend.StartupTimeoutMS) * time.Millisecond,
		IdleTimeout:    time.Duration(d.cfg.Backend.IdleTimeoutMS) * time.Millisecond,
		OnTimeout:      cancel,
		OnOutput:       obs.OnOutput,
		Log:            d.log.With("group", folder),
	})
	defer parser.Cleanup()

	lane := "input"
	if input.IsScheduledTask {
		lane = "input-task"
	}
	command := fmt.Sprintf("%s --input %s --ipc %s --lane %s", remoteRunner, inputPath, remoteIPC, lane)
	cmdID, err := d.api.ExecuteAsync(runCtx, id, sessionName, command)
	if err != nil {
		return agentio.Output{}, err
	}

	d.mu.Lock()
	d.running[folder] = id
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, folder)
		d.mu.Unlock()
	}()

	obs.OnProcess(sessionHandle{cancel: cancel}, sandboxLabel(folder))

	// Logs are cumulative; feed only the delta each poll.
	var seen int
	exitCode := -1
	for {
		logs, logErr := d.api.CommandLogs(runCtx, id, sessionName, cmdID)
		if logErr == nil && len(logs) > seen {
			parser.FeedStdout([]byte(logs[seen:]))
			seen = len(logs)
		}
		info, stErr := d.api.CommandStatus(runCtx, id, sessionName, cmdID)
		if stErr == nil && info.ExitCode != nil {
			exitCode = *info.ExitCode
			// One final drain: logs written between the last poll and exit.
			if logs, err := d.api.CommandLogs(runCtx, id, sessionName, cmdID); err == nil && len(logs) > seen {
				parser.FeedStdout([]byte(logs[seen:]))
			}
			break
		}
		if runCtx.Err() != nil {
			break
		}
		select {
		case <-runCtx.Done():
		case <-time.After(logPollInterval):
		}
		if runCtx.Err() != nil {
			break
		}
	}

	parser.Cleanup()
	select {
	case <-parser.OutputChain():
	case <-time.After(10 * time.Second):
		d.log.Warn("output consumer slow at session end", "group", folder)
	}
	return parser.SessionResult(exitCode, nil), nil
}

type sessionHandle struct{ cancel context.CancelFunc }

func (h sessionHandle) Stop(context.Context) error {
	h.cancel()
	return nil
}

func (d *Daytona) upload(ctx context.Context, sandboxID, remotePath string, data []byte) error {
	if !d.cache.Changed(sandboxID, remotePath, data) {
		return nil
	}
	if err := d.api.UploadFile(ctx, sandboxID, remotePath, data); err != nil {
		return err
	}
	d.cache.Record(sandboxID, remotePath, data)
	return nil
}

func (d *Daytona) sandboxFor(folder string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.sandboxIDs[folder]
	return id, ok
}

// SendMessage drops text into the sandbox's input lane.
func (d *Daytona) SendMessage(ctx context.Context, folder, text string) bool {
	d.mu.Lock()
	id, ok := d.running[folder]
	d.mu.Unlock()
	if !ok {
		return false
	}
	payload, err := json.Marshal(map[string]string{"type": "message", "text": text})
	if err != nil {
		return false
	}
	remote := path.Join(remoteIPC, "input", fmt.Sprintf("%d.json", time.Now().UnixNano()))
	if err := d.api.UploadFile(ctx, id, remote, payload); err != nil {
		d.log.Warn("input lane write failed", "group", folder, "error", err)
		return false
	}
	return true
}

// CloseStdin drops the end-of-input sentinel on the remote lane.
func (d *Daytona) CloseStdin(ctx context.Context, folder, subdir string) error {
	id, ok := d.sandboxFor(folder)
	if !ok {
		return nil
	}
	if subdir == "" {
		subdir = "input"
	}
	return d.api.UploadFile(ctx, id, path.Join(remoteIPC, subdir, ipc.CloseSentinel), []byte("1"))
}

// WriteIpcData mirrors the file into both the host tree and the sandbox.
func (d *Daytona) WriteIpcData(ctx context.Context, folder, filename string, data []byte) error {
	hostPath, err := platform.SafeJoin(d.ns.GroupDir(folder), filename)
	if err != nil {
		return err
	}
	if err := platform.AtomicWrite(hostPath, data, 0o644); err != nil {
		return err
	}
	id, ok := d.sandboxFor(folder)
	if !ok {
		return nil
	}
	return d.upload(ctx, id, path.Join(remoteIPC, filename), data)
}

// ReadFile downloads from the sandbox workspace.
func (d *Daytona) ReadFile(ctx context.Context, folder, rel string) ([]byte, error) {
	id, ok := d.sandboxFor(folder)
	if !ok {
		return nil, fmt.Errorf("daytona: no sandbox for %s", folder)
	}
	data, err := d.api.DownloadFile(ctx, id, path.Join(remoteWorkspace, rel))
	if err != nil {
		return nil, err
	}
	d.cache.Record(id, path.Join(remoteWorkspace, rel), data)
	return data, nil
}

// WriteFile uploads into the sandbox workspace.
func (d *Daytona) WriteFile(ctx context.Context, folder, rel string, data []byte) error {
	id, ok := d.sandboxFor(folder)
	if !ok {
		return fmt.Errorf("daytona: no sandbox for %s", folder)
	}
	return d.upload(ctx, id, path.Join(remoteWorkspace, rel), data)
}
