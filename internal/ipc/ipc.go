// Package ipc implements the per-group IPC namespace between host and
// agent: message/task/input/response subtrees, atomic file exchange, the
// task watcher with per-group authorization, message-reference validation,
// and the snapshot files the agent reads instead of querying the host.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
)

// Namespace subtree names. Every group gets an independent tree; there is
// no global IPC root.
const (
	MessagesDir  = "messages"
	TasksDir     = "tasks"
	InputDir     = "input"
	InputTaskDir = "input-task"
	ResponsesDir = "responses"

	// CloseSentinel in an input dir signals end-of-input to a running agent.
	CloseSentinel = "_close"
)

// Snapshot file names, refreshed before each agent spawn.
const (
	RecentMessagesFile = "recent_messages.json"
	GroupsFile         = "groups.json"
	TasksFile          = "tasks.json"
)

// ErrUnauthorized is returned when a task's source group may not act on
// its target chat.
var ErrUnauthorized = errors.New("ipc: task not authorized for source group")

// Namespace roots the per-group IPC trees under one data directory.
type Namespace struct {
	root string
}

// NewNamespace builds a namespace rooted at root (usually <dataDir>/ipc).
func NewNamespace(root string) *Namespace {
	return &Namespace{root: root}
}

// Root returns the namespace root directory.
func (n *Namespace) Root() string { return n.root }

// GroupDir returns the IPC tree root for a group folder.
func (n *Namespace) GroupDir(folder string) string {
	return filepath.Join(n.root, folder)
}

// Dir returns a subtree path for a group.
func (n *Namespace) Dir(folder, sub string) string {
	return filepath.Join(n.root, folder, sub)
}

// EnsureGroup creates the group's subtrees. Idempotent.
func (n *Namespace) EnsureGroup(folder string) error {
	if !platform.ValidFolder(folder) {
		return fmt.Errorf("ensure ipc namespace: %w: %q", platform.ErrBadFolder, folder)
	}
	for _, sub := range []string{MessagesDir, TasksDir, InputDir, InputTaskDir, ResponsesDir} {
		if err := os.MkdirAll(n.Dir(folder, sub), 0o755); err != nil {
			return fmt.Errorf("ensure ipc namespace %s/%s: %w", folder, sub, err)
		}
	}
	return nil
}

// RemoveGroup deletes a group's whole IPC tree. Used on deregistration.
func (n *Namespace) RemoveGroup(folder string) error {
	if !platform.ValidFolder(folder) {
		return fmt.Errorf("remove ipc namespace: %w: %q", platform.ErrBadFolder, folder)
	}
	return os.RemoveAll(n.GroupDir(folder))
}

// WriteFile atomically places a file in a group subtree (tmp + rename, so
// consumers never see a partial file).
func (n *Namespace) WriteFile(folder, sub, name string, data []byte) error {
	path, err := platform.SafeJoin(n.Dir(folder, sub), name)
	if err != nil {
		return fmt.Errorf("ipc write %s/%s/%s: %w", folder, sub, name, err)
	}
	return platform.AtomicWrite(path, data, 0o644)
}

// WriteJSON marshals v and atomically writes it into a group subtree.
func (n *Namespace) WriteJSON(folder, sub, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc marshal %s: %w", name, err)
	}
	return n.WriteFile(folder, sub, name, data)
}

// WriteSnapshot atomically places a snapshot file at the group root.
func (n *Namespace) WriteSnapshot(folder, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc marshal snapshot %s: %w", name, err)
	}
	path, err := platform.SafeJoin(n.GroupDir(folder), name)
	if err != nil {
		return fmt.Errorf("ipc snapshot %s/%s: %w", folder, name, err)
	}
	return platform.AtomicWrite(path, data, 0o644)
}

// WriteClose drops the end-of-input sentinel into the given input lane
// (InputDir or InputTaskDir).
func (n *Namespace) WriteClose(folder, sub string) error {
	if sub == "" {
		sub = InputDir
	}
	return n.WriteFile(folder, sub, CloseSentinel, []byte("1"))
}

// ListGroups returns the group folders that currently have an IPC tree.
func (n *Namespace) ListGroups() ([]string, error) {
	entries, err := os.ReadDir(n.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list ipc groups: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && platform.ValidFolder(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
