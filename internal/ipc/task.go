package ipc

import (
	"encoding/json"
	"fmt"
)

// Task is the common envelope of an IPC task file. Type-specific fields
// stay in Raw for the handler to decode.
type Task struct {
	Type       string `json:"type"`
	ChatJID    string `json:"chatJid,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`

	// SourceGroup is the folder whose tasks/ directory the file came from.
	// Set by the watcher, never trusted from the payload.
	SourceGroup string `json:"-"`
	// Raw is the full task JSON.
	Raw json.RawMessage `json:"-"`
}

// ParseTask decodes the envelope, keeping the raw payload.
func ParseTask(data []byte, sourceGroup string) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("parse ipc task: %w", err)
	}
	if t.Type == "" {
		return Task{}, fmt.Errorf("parse ipc task: missing type")
	}
	t.SourceGroup = sourceGroup
	t.Raw = append(json.RawMessage(nil), data...)
	return t, nil
}

// Decode unmarshals the full payload into a type-specific struct.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Raw, v); err != nil {
		return fmt.Errorf("decode %s task: %w", t.Type, err)
	}
	return nil
}

// GroupResolver is the slice of the group registry the IPC plane needs for
// authorization.
type GroupResolver interface {
	FolderForJID(jid string) (string, bool)
	IsMain(folder string) bool
}

// Authorize enforces the per-group gate: the main group may target any
// chat; any other group may only target the chat whose registered folder
// is the source group itself.
func Authorize(r GroupResolver, t Task) error {
	if r.IsMain(t.SourceGroup) {
		return nil
	}
	if t.ChatJID == "" {
		return fmt.Errorf("%w: %s task from %q carries no chatJid", ErrUnauthorized, t.Type, t.SourceGroup)
	}
	folder, ok := r.FolderForJID(t.ChatJID)
	if !ok {
		return fmt.Errorf("%w: chat %q is not registered", ErrUnauthorized, t.ChatJID)
	}
	if folder != t.SourceGroup {
		return fmt.Errorf("%w: %q may not target chat %q (owned by %q)", ErrUnauthorized, t.SourceGroup, t.ChatJID, folder)
	}
	return nil
}
