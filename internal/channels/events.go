package channels

import "time"

// NewMessage is one inbound user message as delivered by a channel.
type NewMessage struct {
	ID         string
	Sender     string
	SenderName string
	Content    string
	Timestamp  time.Time
	// SourceTimestamp is the platform-native numeric timestamp (e.g. the
	// Slack "1704067200.000099" ts) when the channel has one.
	SourceTimestamp *float64
	IsFromMe        bool
	IsBot           bool
}

// ChatMetadata announces a chat the channel can see, registered or not.
// Used for chat discovery and auto-registration.
type ChatMetadata struct {
	JID       string
	Timestamp time.Time
	Name      string
	Channel   string
	IsGroup   bool
}

// Events is the inbound surface every channel reports into. Registered at
// channel construction; implementations must be safe for concurrent use.
type Events interface {
	// OnChatMetadata fires for every inbound event's chat, before OnMessage.
	OnChatMetadata(meta ChatMetadata)
	// OnMessage fires when the chat is registered (or registerable and the
	// channel auto-registers).
	OnMessage(jid string, msg NewMessage)
}
