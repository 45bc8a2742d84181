package groups

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Registry is the in-memory view of registered groups: read-many,
// write-rare. Writes go through the store first, then update the cache, so
// readers always see committed state.
type Registry struct {
	store store.GroupStore

	mu       sync.RWMutex
	byJID    map[string]store.RegisteredGroup
	byFolder map[string]string
}

// NewRegistry builds an empty registry over the given store.
func NewRegistry(gs store.GroupStore) *Registry {
	return &Registry{
		store:    gs,
		byJID:    make(map[string]store.RegisteredGroup),
		byFolder: make(map[string]string),
	}
}

// Load replaces the cache with the store's current contents.
func (r *Registry) Load(ctx context.Context) error {
	gs, err := r.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJID = make(map[string]store.RegisteredGroup, len(gs))
	r.byFolder = make(map[string]string, len(gs))
	for _, g := range gs {
		r.byJID[g.JID] = g
		r.byFolder[g.Folder] = g.JID
	}
	return nil
}

// Register validates and upserts a group. The folder must be a safe slug
// and must not belong to a different JID.
func (r *Registry) Register(ctx context.Context, g store.RegisteredGroup) error {
	if g.JID == "" {
		return fmt.Errorf("register group: empty jid")
	}
	if !platform.ValidFolder(g.Folder) {
		return fmt.Errorf("register group %s: %w: %q", g.JID, platform.ErrBadFolder, g.Folder)
	}
	if g.TriggerPattern != "" {
		if _, err := CompileTrigger(g.TriggerPattern); err != nil {
			return fmt.Errorf("register group %s: bad trigger: %w", g.JID, err)
		}
		g.TriggerPattern = NormalizeTrigger(g.TriggerPattern)
	}
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byFolder[g.Folder]; ok && owner != g.JID {
		return fmt.Errorf("register group %s: folder %q already owned by %s", g.JID, g.Folder, owner)
	}
	if prev, ok := r.byJID[g.JID]; ok && prev.Folder != g.Folder {
		return fmt.Errorf("register group %s: folder change %q -> %q not allowed", g.JID, prev.Folder, g.Folder)
	}
	if err := r.store.RegisterGroup(ctx, g); err != nil {
		return err
	}
	r.byJID[g.JID] = g
	r.byFolder[g.Folder] = g.JID
	return nil
}

// Rename updates the display name only.
func (r *Registry) Rename(ctx context.Context, jid, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byJID[jid]
	if !ok {
		return store.ErrNotFound
	}
	if err := r.store.RenameGroup(ctx, jid, name); err != nil {
		return err
	}
	g.Name = name
	r.byJID[jid] = g
	return nil
}

// Deregister removes a group. Its folder and IPC namespace on disk are the
// caller's to clean up.
func (r *Registry) Deregister(ctx context.Context, jid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byJID[jid]
	if !ok {
		return store.ErrNotFound
	}
	if err := r.store.DeleteGroup(ctx, jid); err != nil {
		return err
	}
	delete(r.byJID, jid)
	delete(r.byFolder, g.Folder)
	return nil
}

// ByJID returns the group registered for jid, or nil.
func (r *Registry) ByJID(jid string) *store.RegisteredGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.byJID[jid]; ok {
		return &g
	}
	return nil
}

// ByFolder returns the group owning folder, or nil.
func (r *Registry) ByFolder(folder string) *store.RegisteredGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jid, ok := r.byFolder[folder]
	if !ok {
		return nil
	}
	g := r.byJID[jid]
	return &g
}

// FolderForJID returns the folder registered for jid.
func (r *Registry) FolderForJID(jid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byJID[jid]
	if !ok {
		return "", false
	}
	return g.Folder, true
}

// IsMain reports whether folder names the privileged main group.
func (r *Registry) IsMain(folder string) bool { return folder == store.MainFolder }

// List returns a snapshot sorted by registration time.
func (r *Registry) List() []store.RegisteredGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.RegisteredGroup, 0, len(r.byJID))
	for _, g := range r.byJID {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].JID < out[j].JID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// JIDs returns every registered JID.
func (r *Registry) JIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byJID))
	for jid := range r.byJID {
		out = append(out, jid)
	}
	sort.Strings(out)
	return out
}
