// Package railway runs each agent session as a throwaway Railway service
// created through Railway's GraphQL API. All agent I/O goes through the
// S3 inbox/outbox plane; the service is deleted when the session ends.
package railway

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agentio"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend/s3box"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Name is the registry key for this backend.
const Name = "railway"

// Railway is the ephemeral-service backend.
type Railway struct {
	cfg *config.Config
	ns  *ipc.Namespace
	api *apiClient
	box *s3box.Box
	log *slog.Logger

	mu      sync.Mutex
	running map[string]string // folder -> agent id
}

// New builds the backend.
func New(deps backend.Deps) (backend.Backend, error) {
	cc := deps.Config.Backend.Cloud
	if cc.RailwayToken == "" || cc.RailwayProject == "" {
		return nil, fmt.Errorf("railway: RAILWAY_TOKEN and RAILWAY_PROJECT_ID are required")
	}
	return &Railway{
		cfg:     deps.Config,
		ns:      deps.IPC,
		api:     newAPIClient(cc.RailwayToken),
		log:     deps.Log.With("backend", Name),
		running: make(map[string]string),
	}, nil
}

func (r *Railway) Name() string { return Name }

// Initialize connects the S3 plane and verifies the project is reachable.
func (r *Railway) Initialize(ctx context.Context) error {
	if r.box == nil {
		box, err := s3box.New(ctx, r.cfg.Backend.Cloud)
		if err != nil {
			return err
		}
		r.box = box
	}
	return r.api.CheckProject(ctx, r.cfg.Backend.Cloud.RailwayProject)
}

func (r *Railway) Shutdown(_ context.Context) error { return nil }

// RunAgent creates a service, feeds input through the inbox, streams the
// outbox, and deletes the service when the session ends.
func (r *Railway) RunAgent(ctx context.Context, group store.RegisteredGroup, input agentio.Input, obs backend.RunObserver) (agentio.Output, error) {
	cc := r.cfg.Backend.Cloud
	agentID := fmt.Sprintf("%s-%d", platform.Slugify(group.Folder), time.Now().UnixMilli())
	serviceName := "nanoclaw-" + agentID

	r.mu.Lock()
	r.running[group.Folder] = agentID
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, group.Folder)
		r.mu.Unlock()
	}()

	if err := r.stageWorkspace(ctx, group.Folder); err != nil {
		return agentio.Output{}, fmt.Errorf("stage workspace: %w", err)
	}
	if err := r.box.PutInput(ctx, agentID, input); err != nil {
		return agentio.Output{}, err
	}

	serviceID, err := r.api.CreateService(ctx, createServiceInput{
		ProjectID: cc.RailwayProject,
		Name:      serviceName,
		Image:     r.cfg.Backend.Image,
		Env: map[string]string{
			"AGENT_ID":     agentID,
			"GROUP_FOLDER": group.Folder,
			"S3_ENDPOINT":  cc.B2Endpoint,
			"S3_BUCKET":    cc.B2Bucket,
			"S3_KEY_ID":    cc.B2KeyID,
			"S3_APP_KEY":   cc.B2AppKey,
		},
	})
	if err != nil {
		return agentio.Output{}, fmt.Errorf("railway service create: %w", err)
	}
	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.api.DeleteService(delCtx, serviceID); err != nil {
			r.log.Error("railway service delete failed", "service", serviceName, "error", err)
		}
		if err := r.box.Cleanup(delCtx, agentID); err != nil {
			r.log.Warn("s3 cleanup failed", "agent", agentID, "error", err)
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	obs.OnProcess(serviceHandle{cancel: cancelRun}, serviceName)

	out, err := r.box.DrainOutbox(runCtx, agentID, backend.RunTimeout(r.cfg, group), obs.OnOutput)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return agentio.ErrorOutput("agent cancelled"), nil
		}
		return agentio.Output{}, err
	}
	if err := r.harvestWorkspace(ctx, group.Folder); err != nil {
		r.log.Warn("workspace harvest failed", "group", group.Folder, "error", err)
	}
	return out, nil
}

// stageWorkspace uploads the group's host workspace tree into the agent's
// S3 workspace keys before the service starts.
func (r *Railway) stageWorkspace(ctx context.Context, folder string) error {
	root := filepath.Join(r.cfg.GroupsDir(), folder)
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
		return r.WriteFile(ctx, folder, filepath.ToSlash(rel), data)
	})
}

// harvestWorkspace copies the agent's workspace keys back onto the host
// before teardown, so the agent's file changes survive the service.
func (r *Railway) harvestWorkspace(ctx context.Context, folder string) error {
	agentID, ok := r.agentFor(folder)
	if !ok {
		return nil
	}
	rels, err := r.box.ListWorkspace(ctx, agentID)
	if err != nil {
		return err
	}
	root := filepath.Join(r.cfg.GroupsDir(), folder)
	for _, rel := range rels {
		data, err := r.ReadFile(ctx, folder, rel)
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

type serviceHandle struct{ cancel context.CancelFunc }

func (s serviceHandle) Stop(context.Context) error {
	s.cancel()
	return nil
}

// SendMessage forwards text through the inbox.
func (r *Railway) SendMessage(ctx context.Context, folder, text string) bool {
	r.mu.Lock()
	agentID, ok := r.running[folder]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := r.box.PutInbox(ctx, agentID, s3box.InboxMessage{Type: "user_message", Text: text}); err != nil {
		r.log.Warn("inbox write failed", "agent", agentID, "error", err)
		return false
	}
	return true
}

// CloseStdin sends the close action through the inbox.
func (r *Railway) CloseStdin(ctx context.Context, folder, _ string) error {
	r.mu.Lock()
	agentID, ok := r.running[folder]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.box.PutInbox(ctx, agentID, s3box.InboxMessage{Type: "system", Action: "close"})
}

// WriteIpcData mirrors the file into the sync plane and the host tree.
func (r *Railway) WriteIpcData(ctx context.Context, folder, filename string, data []byte) error {
	path, err := platform.SafeJoin(r.ns.GroupDir(folder), filename)
	if err != nil {
		return err
	}
	if err := platform.AtomicWrite(path, data, 0o644); err != nil {
		return err
	}
	r.mu.Lock()
	agentID, ok := r.running[folder]
	r.mu.Unlock()
	if ok {
		return r.box.WriteSync(ctx, agentID, filename, data)
	}
	return nil
}

func (r *Railway) agentFor(folder string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.running[folder]
	return id, ok
}

// ReadFile fetches from the live agent's workspace keys.
func (r *Railway) ReadFile(ctx context.Context, folder, rel string) ([]byte, error) {
	agentID, ok := r.agentFor(folder)
	if !ok {
		return nil, fmt.Errorf("railway: no agent running for %s", folder)
	}
	return r.box.ReadWorkspace(ctx, agentID, rel)
}

// WriteFile stores into the live agent's workspace keys.
func (r *Railway) WriteFile(ctx context.Context, folder, rel string, data []byte) error {
	agentID, ok := r.agentFor(folder)
	if !ok {
		return fmt.Errorf("railway: no agent running for %s", folder)
	}
	return r.box.WriteWorkspace(ctx, agentID, rel, data)
}
