// Package store defines the persistence surface: registered groups, the
// append-only message log, per-chat processing cursors, agent sessions,
// discovered chats, and scheduled tasks. Engines live in the sqlite and pg
// subpackages.
package store

import (
	"time"
)

// MainFolder is the folder slug of the privileged group. IPC tasks from the
// main group may target any chat and invoke admin actions.
const MainFolder = "main"

// Mount is an additional bind mount requested by a group's container
// config. Sources are validated against the backend's mount policy.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// ContainerOverrides carries per-group container tweaks.
type ContainerOverrides struct {
	TimeoutMS int     `json:"timeoutMs,omitempty"`
	Mounts    []Mount `json:"mounts,omitempty"`
}

// RegisteredGroup maps a chat JID onto its workspace and behaviour.
// Folder is a filesystem-safe slug, globally unique.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	ServerFolder    string
	TriggerPattern  string
	RequiresTrigger *bool
	AddedAt         time.Time
	Backend         string
	Container       *ContainerOverrides
}

// IsMain reports whether the group is the privileged main group.
func (g *RegisteredGroup) IsMain() bool { return g.Folder == MainFolder }

// Message is one entry of the per-chat append-only log. (ChatJID, ID) is
// unique. SourceTimestamp carries the platform-native numeric timestamp
// when the channel provides one.
type Message struct {
	ID              string
	ChatJID         string
	Sender          string
	SenderName      string
	Content         string
	Timestamp       time.Time
	SourceTimestamp *float64
	IsFromMe        bool
	IsBot           bool
}

// Chat is a discovered chat (registered or not), fed by channel metadata
// events and used for group listings.
type Chat struct {
	JID             string
	Name            string
	Channel         string
	IsGroup         bool
	LastMessageTime time.Time
}

// Scheduled task states.
const (
	TaskStatusActive = "active"
	TaskStatusPaused = "paused"
	TaskStatusDone   = "done"
)

// ScheduledTask is a recurring (cron expression) or one-shot (RFC3339
// timestamp) prompt delivered to a chat's agent on the scheduled-task lane.
type ScheduledTask struct {
	ID          string
	ChatJID     string
	GroupFolder string
	Prompt      string
	Schedule    string
	Status      string
	CreatedAt   time.Time
	LastRun     *time.Time
	NextRun     *time.Time
}
