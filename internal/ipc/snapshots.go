package ipc

import (
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// snapshotContentCap truncates message content in recent_messages.json.
const snapshotContentCap = 200

// RecentMessage is one entry of the recent_messages.json snapshot.
type RecentMessage struct {
	SourceTimestamp *float64 `json:"source_timestamp,omitempty"`
	SenderID        string   `json:"sender_id"`
	SenderName      string   `json:"sender_name,omitempty"`
	Content         string   `json:"content"`
	Timestamp       string   `json:"timestamp"`
	IsFromMe        bool     `json:"is_from_me"`
}

// RecentMessagesSnapshot is the recent_messages.json shape. The agent
// reads this instead of querying the host, so reference validation is
// anchored to a consistent view.
type RecentMessagesSnapshot struct {
	Messages []RecentMessage `json:"messages"`
	LastSync string          `json:"lastSync"`
}

// GroupInfo is one entry of the groups.json snapshot, filtered to what the
// source group is authorized to see.
type GroupInfo struct {
	JID    string `json:"jid"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
	IsMain bool   `json:"is_main,omitempty"`
}

// TaskInfo is one entry of the tasks.json snapshot.
type TaskInfo struct {
	ID       string `json:"id"`
	ChatJID  string `json:"chatJid"`
	Prompt   string `json:"prompt"`
	Schedule string `json:"schedule"`
	Status   string `json:"status"`
	NextRun  string `json:"nextRun,omitempty"`
}

// BuildRecentMessages converts store messages (newest first, as returned
// by RecentMessages) into the snapshot shape, oldest first.
func BuildRecentMessages(msgs []store.Message, now time.Time) RecentMessagesSnapshot {
	out := RecentMessagesSnapshot{
		Messages: make([]RecentMessage, 0, len(msgs)),
		LastSync: now.UTC().Format(time.RFC3339),
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		content := truncateContent(m.Content, snapshotContentCap)
		out.Messages = append(out.Messages, RecentMessage{
			SourceTimestamp: m.SourceTimestamp,
			SenderID:        m.Sender,
			SenderName:      m.SenderName,
			Content:         content,
			Timestamp:       m.Timestamp.UTC().Format(time.RFC3339),
			IsFromMe:        m.IsFromMe,
		})
	}
	return out
}

// truncateContent cuts content to at most max bytes, stepping back to the
// previous rune boundary so the JSON snapshot stays valid UTF-8.
func truncateContent(content string, max int) string {
	if len(content) <= max {
		return content
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

// BuildGroups filters registered groups to what sourceFolder may see: the
// main group sees everything, others see only themselves.
func BuildGroups(all []store.RegisteredGroup, sourceFolder string, isMain bool) []GroupInfo {
	var out []GroupInfo
	for _, g := range all {
		if !isMain && g.Folder != sourceFolder {
			continue
		}
		out = append(out, GroupInfo{
			JID:    g.JID,
			Name:   g.Name,
			Folder: g.Folder,
			IsMain: g.IsMain(),
		})
	}
	return out
}

// BuildTasks converts scheduled tasks into the snapshot shape.
func BuildTasks(tasks []store.ScheduledTask) []TaskInfo {
	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		info := TaskInfo{
			ID:       t.ID,
			ChatJID:  t.ChatJID,
			Prompt:   t.Prompt,
			Schedule: t.Schedule,
			Status:   t.Status,
		}
		if t.NextRun != nil {
			info.NextRun = t.NextRun.UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return out
}
