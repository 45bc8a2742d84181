package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// GroupStore persists registered groups.
type GroupStore interface {
	// RegisterGroup upserts by JID. Folder uniqueness is enforced.
	RegisterGroup(ctx context.Context, g RegisteredGroup) error
	GroupByJID(ctx context.Context, jid string) (*RegisteredGroup, error)
	GroupByFolder(ctx context.Context, folder string) (*RegisteredGroup, error)
	ListGroups(ctx context.Context) ([]RegisteredGroup, error)
	RenameGroup(ctx context.Context, jid, name string) error
	DeleteGroup(ctx context.Context, jid string) error
}

// MessageStore persists the per-chat message log.
type MessageStore interface {
	// InsertMessage is idempotent on (chat_jid, id).
	InsertMessage(ctx context.Context, m Message) error
	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(ctx context.Context, chatJID string, limit int) ([]Message, error)
	// MessagesSince returns messages strictly newer than since, oldest first.
	MessagesSince(ctx context.Context, chatJID string, since time.Time) ([]Message, error)
}

// CursorStore tracks the last-processed timestamp per chat.
type CursorStore interface {
	// Cursor returns the zero time when the chat has no cursor yet.
	Cursor(ctx context.Context, chatJID string) (time.Time, error)
	SetCursor(ctx context.Context, chatJID string, t time.Time) error
}

// SessionStore maps group folders to agent session ids.
type SessionStore interface {
	// SessionID returns "" when the folder has no session yet.
	SessionID(ctx context.Context, folder string) (string, error)
	SetSessionID(ctx context.Context, folder, id string) error
}

// ChatStore tracks discovered chats for listings and auto-registration.
type ChatStore interface {
	UpsertChat(ctx context.Context, c Chat) error
	ListChats(ctx context.Context) ([]Chat, error)
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t ScheduledTask) error
	TaskByID(ctx context.Context, id string) (*ScheduledTask, error)
	// ListTasks scopes to one group folder, or all when folder is "".
	ListTasks(ctx context.Context, folder string) ([]ScheduledTask, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	MarkTaskRun(ctx context.Context, id string, last time.Time, next *time.Time) error
	// DueTasks returns active tasks whose next run is at or before now.
	DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error)
}

// Store bundles every persistence concern over one engine connection.
type Store interface {
	GroupStore
	MessageStore
	CursorStore
	SessionStore
	ChatStore
	TaskStore
	io.Closer
}
