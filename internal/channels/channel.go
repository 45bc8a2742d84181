// Package channels defines the channel-adapter contract and the shared
// machinery every adapter uses: the reconnect watchdog with circuit
// breaker, inbound dedup, message splitting, and typing rate limits.
// Concrete adapters (whatsapp, signal, slack, telegram, discord) live in
// subpackages.
package channels

import (
	"context"
)

// SendReceipt is what a channel returns from a successful send. Timestamp
// is the platform-native message timestamp when the transport reports one;
// nil otherwise (asynchronous sends).
type SendReceipt struct {
	Timestamp *float64
}

// Channel is the adapter contract. OwnsJID predicates partition the JID
// space: exactly one registered channel owns any given JID.
type Channel interface {
	Name() string
	OwnsJID(jid string) bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// SendMessage splits text exceeding the per-channel cap into multiple
	// sends. Failure is returned to the caller; the queue treats it as a
	// run failure and retries.
	SendMessage(ctx context.Context, jid, text string) (*SendReceipt, error)

	// SetTyping is best-effort; adapters without a typing surface no-op.
	SetTyping(ctx context.Context, jid string, on bool) error
}

// MessageRef identifies a previously delivered message for channel actions
// (react, edit, delete, receipt). Timestamp is the platform-native id the
// channel handed out (Slack ts, Signal timestamp, …).
type MessageRef struct {
	Author    string
	Timestamp string
}

// ActionChannel is the optional channel-specific action surface. IPC tasks
// targeting a channel without the relevant capability are rejected.
type ActionChannel interface {
	Channel
	React(ctx context.Context, jid string, ref MessageRef, emoji string, remove bool) error
	EditMessage(ctx context.Context, jid string, ref MessageRef, newText string) error
	DeleteMessage(ctx context.Context, jid string, ref MessageRef) error
	SendReadReceipt(ctx context.Context, jid string, ref MessageRef) error
	SendPoll(ctx context.Context, jid, question string, options []string) error
}

// FindChannel returns the first channel owning jid, or nil. All outbound
// paths route through this lookup.
func FindChannel(chs []Channel, jid string) Channel {
	for _, c := range chs {
		if c.OwnsJID(jid) {
			return c
		}
	}
	return nil
}
