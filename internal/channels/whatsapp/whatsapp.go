// Package whatsapp connects to a WhatsApp bridge process over WebSocket.
// The bridge speaks the actual WhatsApp protocol; this adapter exchanges
// JSON frames with it and translates them into channel events.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/media"
)

// MessageCap is WhatsApp's effective text limit.
const MessageCap = 65536

const handshakeTimeout = 10 * time.Second

// Channel is the WhatsApp adapter. JIDs are WhatsApp-native:
// <id>@g.us for groups, <number>@s.whatsapp.net for direct chats.
type Channel struct {
	cfg config.WhatsAppConfig
	log *slog.Logger

	ev         channels.Events
	onRecovery func() error
	fatal      func(string)

	dedupe *channels.DedupeCache
	typing *channels.TypingLimiter
	recon  *channels.Reconnector

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
}

// New builds the adapter. Bind must be called before Connect.
func New(cfg config.WhatsAppConfig, log *slog.Logger) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp: bridge_url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		log:    log.With("channel", "whatsapp"),
		dedupe: channels.NewDedupeCache(),
		typing: channels.NewTypingLimiter(),
	}, nil
}

// Bind wires the inbound event sink and the watchdog hooks.
func (c *Channel) Bind(ev channels.Events, onRecovery func() error, fatal func(string)) {
	c.ev = ev
	c.onRecovery = onRecovery
	c.fatal = fatal
}

func (c *Channel) Name() string { return "whatsapp" }

func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@s.whatsapp.net")
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the bridge, starts the read loop, and arms the watchdog.
func (c *Channel) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		cancel()
		return err
	}

	c.recon = channels.NewReconnector(channels.ReconnectConfig{
		Channel:    "whatsapp",
		Restart:    func(context.Context) error { return c.dial() },
		OnRecovery: c.onRecovery,
		Fatal:      c.fatal,
		Log:        c.log,
	})
	go c.recon.Run(runCtx)
	go c.readLoop(runCtx)
	return nil
}

func (c *Channel) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	return nil
}

func (c *Channel) dial() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// bridgeFrame is the JSON envelope exchanged with the bridge.
type bridgeFrame struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	From      string   `json:"from,omitempty"`
	FromName  string   `json:"from_name,omitempty"`
	Chat      string   `json:"chat,omitempty"`
	ChatName  string   `json:"chat_name,omitempty"`
	To        string   `json:"to,omitempty"`
	Content   string   `json:"content,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"` // unix seconds
	FromMe    bool     `json:"from_me,omitempty"`
	State     string   `json:"state,omitempty"` // typing frames
	Media     []string `json:"media,omitempty"`
}

func (c *Channel) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			// The watchdog owns reconnection; just wait for a fresh conn.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("bridge read failed", "error", err)
			c.mu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()
			continue
		}
		c.recon.MarkEvent()

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("malformed bridge frame dropped", "error", err)
			continue
		}
		if frame.Type == "message" {
			c.handleMessage(frame)
		}
	}
}

func (c *Channel) handleMessage(f bridgeFrame) {
	if f.From == "" && !f.FromMe {
		return
	}
	jid := f.Chat
	if jid == "" {
		jid = f.From
	}
	if f.ID != "" && c.dedupe.Seen("whatsapp:"+f.ID) {
		return
	}

	ts := time.Now().UTC()
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0).UTC()
	}

	if c.ev == nil {
		return
	}
	c.ev.OnChatMetadata(channels.ChatMetadata{
		JID:       jid,
		Timestamp: ts,
		Name:      f.ChatName,
		Channel:   "whatsapp",
		IsGroup:   strings.HasSuffix(jid, "@g.us"),
	})

	content := f.Content
	for _, m := range f.Media {
		content += "\n[media: " + c.normalizeMedia(m) + "]"
	}
	c.ev.OnMessage(jid, channels.NewMessage{
		ID:         f.ID,
		Sender:     f.From,
		SenderName: f.FromName,
		Content:    content,
		Timestamp:  ts,
		IsFromMe:   f.FromMe,
	})
}

// normalizeMedia downsizes an image the bridge wrote to disk before the
// path reaches the message log. Non-images and failures keep the original.
func (c *Channel) normalizeMedia(path string) string {
	if !media.IsImagePath(path) {
		return path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("media read failed", "path", path, "error", err)
		return path
	}
	out, ext, err := media.Normalize(data, path)
	if err != nil {
		c.log.Warn("media normalize failed", "path", path, "error", err)
		return path
	}
	if len(out) == len(data) && ext == strings.ToLower(filepath.Ext(path)) {
		return path
	}
	norm := strings.TrimSuffix(path, filepath.Ext(path)) + ext
	if err := os.WriteFile(norm, out, 0o644); err != nil {
		c.log.Warn("media write failed", "path", norm, "error", err)
		return path
	}
	return norm
}

// SendMessage writes one or more message frames to the bridge. The bridge
// acks asynchronously, so no platform timestamp comes back.
func (c *Channel) SendMessage(_ context.Context, jid, text string) (*channels.SendReceipt, error) {
	for _, chunk := range channels.SplitMessage(text, MessageCap) {
		if err := c.write(bridgeFrame{Type: "message", To: jid, Content: chunk}); err != nil {
			return nil, err
		}
	}
	return &channels.SendReceipt{}, nil
}

func (c *Channel) SetTyping(_ context.Context, jid string, on bool) error {
	if on && !c.typing.Allow(jid) {
		return nil
	}
	state := "composing"
	if !on {
		state = "paused"
	}
	return c.write(bridgeFrame{Type: "typing", To: jid, State: state})
}

func (c *Channel) write(f bridgeFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to whatsapp bridge: %w", err)
	}
	return nil
}
