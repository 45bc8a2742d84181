// Package hetzner runs each agent session on a throwaway Hetzner Cloud
// VM. The VM boots via cloud-init, pulls the agent image, and exchanges
// all I/O through the S3 inbox/outbox plane; the server is deleted when
// the session ends.
package hetzner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/nextlevelbuilder/nanoclaw/internal/agentio"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend/s3box"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Name is the registry key for this backend.
const Name = "hetzner"

const (
	sshKeyName       = "nanoclaw-agent"
	defaultType      = "cpx21"
	defaultImage     = "docker-ce"
	provisionTimeout = 5 * time.Minute
)

// Hetzner is the ephemeral-VM backend.
type Hetzner struct {
	cfg *config.Config
	ns  *ipc.Namespace
	cli *hcloud.Client
	box *s3box.Box
	log *slog.Logger

	mu      sync.Mutex
	running map[string]string // folder -> agent id
}

// New builds the backend. The S3 box is created lazily in Initialize so a
// configured-but-unused backend does not require B2 credentials.
func New(deps backend.Deps) (backend.Backend, error) {
	cc := deps.Config.Backend.Cloud
	if cc.HetznerToken == "" {
		return nil, fmt.Errorf("hetzner: HETZNER_TOKEN not set")
	}
	return &Hetzner{
		cfg:     deps.Config,
		ns:      deps.IPC,
		cli:     hcloud.NewClient(hcloud.WithToken(cc.HetznerToken)),
		log:     deps.Log.With("backend", Name),
		running: make(map[string]string),
	}, nil
}

func (h *Hetzner) Name() string { return Name }

// Initialize connects the S3 plane and ensures the agent SSH key exists
// both on disk and in the Hetzner project.
func (h *Hetzner) Initialize(ctx context.Context) error {
	if h.box == nil {
		box, err := s3box.New(ctx, h.cfg.Backend.Cloud)
		if err != nil {
			return err
		}
		h.box = box
	}

	kp, err := ensureKeyPair(filepath.Join(h.cfg.DataDirExpanded(), "hetzner"))
	if err != nil {
		return err
	}
	existing, _, err := h.cli.SSHKey.GetByName(ctx, sshKeyName)
	if err != nil {
		return fmt.Errorf("hetzner ssh key lookup: %w", err)
	}
	if existing == nil {
		_, _, err = h.cli.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
			Name:      sshKeyName,
			PublicKey: kp.PublicAuth,
		})
		if err != nil {
			return fmt.Errorf("hetzner ssh key create: %w", err)
		}
	}
	return nil
}

func (h *Hetzner) Shutdown(_ context.Context) error { return nil }

// RunAgent provisions a VM, feeds the input through the inbox, streams
// outbox objects, and deletes the VM when the session ends.
func (h *Hetzner) RunAgent(ctx context.Context, group store.RegisteredGroup, input agentio.Input, obs backend.RunObserver) (agentio.Output, error) {
	cc := h.cfg.Backend.Cloud
	agentID := fmt.Sprintf("%s-%d", platform.Slugify(group.Folder), time.Now().UnixMilli())
	serverName := "nanoclaw-" + agentID

	h.mu.Lock()
	h.running[group.Folder] = agentID
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.running, group.Folder)
		h.mu.Unlock()
	}()

	if err := h.stageWorkspace(ctx, group.Folder); err != nil {
		return agentio.Output{}, fmt.Errorf("stage workspace: %w", err)
	}
	if err := h.box.PutInput(ctx, agentID, input); err != nil {
		return agentio.Output{}, err
	}

	key, _, err := h.cli.SSHKey.GetByName(ctx, sshKeyName)
	if err != nil || key == nil {
		return agentio.Output{}, fmt.Errorf("hetzner ssh key missing: %w", err)
	}
	serverType := cc.HetznerType
	if serverType == "" {
		serverType = defaultType
	}
	osImage := cc.HetznerImage
	if osImage == "" {
		osImage = defaultImage
	}

	result, _, err := h.cli.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       serverName,
		ServerType: &hcloud.ServerType{Name: serverType},
		Image:      &hcloud.Image{Name: osImage},
		SSHKeys:    []*hcloud.SSHKey{key},
		UserData:   h.cloudInit(agentID, group.Folder),
		Labels:     map[string]string{"app": "nanoclaw", "group": group.Folder},
	})
	if err != nil {
		return agentio.Output{}, fmt.Errorf("hetzner server create: %w", err)
	}
	server := result.Server
	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, _, err := h.cli.Server.DeleteWithResult(delCtx, server); err != nil {
			h.log.Error("hetzner server delete failed", "server", serverName, "error", err)
		}
		if err := h.box.Cleanup(delCtx, agentID); err != nil {
			h.log.Warn("s3 cleanup failed", "agent", agentID, "error", err)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, provisionTimeout)
	err = h.cli.Action.WaitFor(waitCtx, result.Action)
	cancel()
	if err != nil {
		return agentio.Output{}, fmt.Errorf("hetzner server provisioning: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	obs.OnProcess(vmHandle{cancel: cancelRun}, serverName)

	out, err := h.box.DrainOutbox(runCtx, agentID, backend.RunTimeout(h.cfg, group), obs.OnOutput)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			// Cancelled through the handle, not by the caller.
			return agentio.ErrorOutput("agent cancelled"), nil
		}
		return agentio.Output{}, err
	}
	if err := h.harvestWorkspace(ctx, group.Folder); err != nil {
		h.log.Warn("workspace harvest failed", "group", group.Folder, "error", err)
	}
	return out, nil
}

// stageWorkspace uploads the group's host workspace tree into the agent's
// S3 workspace keys before the VM boots.
func (h *Hetzner) stageWorkspace(ctx context.Context, folder string) error {
	root := filepath.Join(h.cfg.GroupsDir(), folder)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return h.WriteFile(ctx, folder, filepath.ToSlash(rel), data)
	})
}

// harvestWorkspace copies the agent's workspace keys back onto the host
// before teardown, so the agent's file changes survive the VM.
func (h *Hetzner) harvestWorkspace(ctx context.Context, folder string) error {
	agentID, ok := h.agentFor(folder)
	if !ok {
		return nil
	}
	rels, err := h.box.ListWorkspace(ctx, agentID)
	if err != nil {
		return err
	}
	root := filepath.Join(h.cfg.GroupsDir(), folder)
	for _, rel := range rels {
		data, err := h.ReadFile(ctx, folder, rel)
		if err != nil {
			return err
		}
		dst, err := platform.SafeJoin(root, filepath.FromSlash(rel))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := platform.AtomicWrite(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

type vmHandle struct{ cancel context.CancelFunc }

func (v vmHandle) Stop(context.Context) error {
	v.cancel()
	return nil
}

// cloudInit renders the user data that bootstraps the agent container
// with the S3 credentials and its agent id.
func (h *Hetzner) cloudInit(agentID, folder string) string {
	cc := h.cfg.Backend.Cloud
	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.WriteString("runcmd:\n")
	b.WriteString(fmt.Sprintf("  - docker pull %s\n", h.cfg.Backend.Image))
	b.WriteString(fmt.Sprintf(
		"  - docker run -d --name agent -e AGENT_ID=%s -e GROUP_FOLDER=%s -e S3_ENDPOINT=%s -e S3_BUCKET=%s -e S3_KEY_ID=%s -e S3_APP_KEY=%s %s\n",
		agentID, folder, cc.B2Endpoint, cc.B2Bucket, cc.B2KeyID, cc.B2AppKey, h.cfg.Backend.Image,
	))
	return b.String()
}

// SendMessage forwards text through the inbox of the folder's running
// agent.
func (h *Hetzner) SendMessage(ctx context.Context, folder, text string) bool {
	h.mu.Lock()
	agentID, ok := h.running[folder]
	h.mu.Unlock()
	if !ok {
		return false
	}
	if err := h.box.PutInbox(ctx, agentID, s3box.InboxMessage{Type: "user_message", Text: text}); err != nil {
		h.log.Warn("inbox write failed", "agent", agentID, "error", err)
		return false
	}
	return true
}

// CloseStdin sends the close action through the inbox.
func (h *Hetzner) CloseStdin(ctx context.Context, folder, _ string) error {
	h.mu.Lock()
	agentID, ok := h.running[folder]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return h.box.PutInbox(ctx, agentID, s3box.InboxMessage{Type: "system", Action: "close"})
}

// WriteIpcData mirrors the file into the sync plane and the host tree.
func (h *Hetzner) WriteIpcData(ctx context.Context, folder, filename string, data []byte) error {
	path, err := platform.SafeJoin(h.ns.GroupDir(folder), filename)
	if err != nil {
		return err
	}
	if err := platform.AtomicWrite(path, data, 0o644); err != nil {
		return err
	}
	h.mu.Lock()
	agentID, ok := h.running[folder]
	h.mu.Unlock()
	if ok {
		return h.box.WriteSync(ctx, agentID, filename, data)
	}
	return nil
}

func (h *Hetzner) agentFor(folder string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.running[folder]
	return id, ok
}

// ReadFile fetches from the live agent's workspace keys.
func (h *Hetzner) ReadFile(ctx context.Context, folder, rel string) ([]byte, error) {
	agentID, ok := h.agentFor(folder)
	if !ok {
		return nil, fmt.Errorf("hetzner: no agent running for %s", folder)
	}
	return h.box.ReadWorkspace(ctx, agentID, rel)
}

// WriteFile stores into the live agent's workspace keys.
func (h *Hetzner) WriteFile(ctx context.Context, folder, rel string, data []byte) error {
	agentID, ok := h.agentFor(folder)
	if !ok {
		return fmt.Errorf("hetzner: no agent running for %s", folder)
	}
	return h.box.WriteWorkspace(ctx, agentID, rel, data)
}
