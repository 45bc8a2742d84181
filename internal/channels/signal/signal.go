// Package signal adapts a signal-cli REST daemon: envelopes stream in over
// the daemon's receive WebSocket, outbound traffic goes through its REST
// API.
package signal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// MessageCap is Signal's text limit.
const MessageCap = 2000

const jidPrefix = "signal:"

// Channel is the Signal adapter. JIDs are "signal:<number>" for direct
// chats and "signal:group:<id>" for groups, where <id> is signal-cli's
// internal group id.
type Channel struct {
	cfg  config.SignalConfig
	log  *slog.Logger
	http *http.Client

	ev         channels.Events
	onRecovery func() error
	fatal      func(string)

	dedupe *channels.DedupeCache
	typing *channels.TypingLimiter
	recon  *channels.Reconnector

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	cancel    context.CancelFunc
}

// New builds the adapter. Bind must be called before Connect.
func New(cfg config.SignalConfig, log *slog.Logger) (*Channel, error) {
	if cfg.RESTURL == "" || cfg.Number == "" {
		return nil, fmt.Errorf("signal: rest_url and number are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		log:    log.With("channel", "signal"),
		http:   &http.Client{Timeout: 30 * time.Second},
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

func (c *Channel) Name() string            { return "signal" }
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// GroupJID converts signal-cli's internal group id (itself base64) into
// the adapter's JID: "signal:group:<internal id>". The REST addressing
// form, which wraps the id in another base64 layer, is produced only in
// recipient.
func GroupJID(internalID string) string {
	return jidPrefix + "group:" + internalID
}

// recipient translates a JID into what the REST API accepts: numbers
// pass through, group ids become "group." + base64(internal id).
func recipient(jid string) string {
	id := strings.TrimPrefix(jid, jidPrefix)
	if internal, ok := strings.CutPrefix(id, "group:"); ok {
		return "group." + base64.StdEncoding.EncodeToString([]byte(internal))
	}
	return id
}

func isGroup(jid string) bool {
	return strings.HasPrefix(strings.TrimPrefix(jid, jidPrefix), "group:")
}

func (c *Channel) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.dial(runCtx); err != nil {
		cancel()
		return err
	}

	c.recon = channels.NewReconnector(channels.ReconnectConfig{
		Channel:    "signal",
		Restart:    func(ctx context.Context) error { return c.dial(ctx) },
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
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "shutdown")
		c.ws = nil
	}
	c.connected = false
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	wsURL := strings.Replace(c.cfg.RESTURL, "http", "ws", 1) + "/v1/receive/" + c.cfg.Number
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial signal receive socket: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "replaced")
	}
	c.ws = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("receive socket connected", "number", c.cfg.Number)
	return nil
}

// envelope is the signal-cli receive payload, reduced to what the adapter
// reads.
type envelope struct {
	Envelope struct {
		Source     string `json:"source"`
		SourceName string `json:"sourceName"`
		Timestamp  int64  `json:"timestamp"` // unix ms
		DataMessage *struct {
			Message   string `json:"message"`
			Timestamp int64  `json:"timestamp"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
	Account string `json:"account"`
}

func (c *Channel) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		conn := c.ws
		c.mu.Unlock()
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("receive socket read failed", "error", err)
			c.mu.Lock()
			if c.ws == conn {
				_ = c.ws.Close(websocket.StatusInternalError, "read failed")
				c.ws = nil
				c.connected = false
			}
			c.mu.Unlock()
			continue
		}
		c.recon.MarkEvent()

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed envelope dropped", "error", err)
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Channel) handleEnvelope(env envelope) {
	dm := env.Envelope.DataMessage
	if dm == nil || dm.Message == "" || c.ev == nil {
		return
	}

	jid := jidPrefix + env.Envelope.Source
	group := false
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		jid = GroupJID(dm.GroupInfo.GroupID)
		group = true
	}

	msTS := dm.Timestamp
	if msTS == 0 {
		msTS = env.Envelope.Timestamp
	}
	key := fmt.Sprintf("signal:%s:%d", env.Envelope.Source, msTS)
	if c.dedupe.Seen(key) {
		return
	}

	ts := time.UnixMilli(msTS).UTC()
	src := float64(msTS)
	c.ev.OnChatMetadata(channels.ChatMetadata{
		JID:       jid,
		Timestamp: ts,
		Channel:   "signal",
		IsGroup:   group,
	})
	c.ev.OnMessage(jid, channels.NewMessage{
		ID:              strconv.FormatInt(msTS, 10),
		Sender:          env.Envelope.Source,
		SenderName:      env.Envelope.SourceName,
		Content:         dm.Message,
		Timestamp:       ts,
		SourceTimestamp: &src,
		IsFromMe:        env.Envelope.Source == c.cfg.Number,
	})
}

// rest performs one JSON call against the daemon.
func (c *Channel) rest(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("signal: marshal %s: %w", path, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.RESTURL+path, rd)
	if err != nil {
		return fmt.Errorf("signal: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("signal: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("signal: decode %s: %w", path, err)
		}
	}
	return nil
}

// SendMessage posts to /v2/send. The daemon returns the message timestamp,
// which becomes the reference id for later actions.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) (*channels.SendReceipt, error) {
	var last *float64
	for _, chunk := range channels.SplitMessage(text, MessageCap) {
		var resp struct {
			Timestamp int64 `json:"timestamp"`
		}
		err := c.rest(ctx, http.MethodPost, "/v2/send", map[string]any{
			"number":     c.cfg.Number,
			"recipients": []string{recipient(jid)},
			"message":    chunk,
		}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.Timestamp > 0 {
			ts := float64(resp.Timestamp)
			last = &ts
		}
	}
	return &channels.SendReceipt{Timestamp: last}, nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, on bool) error {
	if on && !c.typing.Allow(jid) {
		return nil
	}
	method := http.MethodPut
	if !on {
		method = http.MethodDelete
	}
	return c.rest(ctx, method, "/v1/typing-indicator/"+c.cfg.Number, map[string]any{
		"recipient": recipient(jid),
	}, nil)
}

func (c *Channel) React(ctx context.Context, jid string, ref channels.MessageRef, emoji string, remove bool) error {
	ts, err := strconv.ParseInt(ref.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("signal: reaction target %q is not a timestamp", ref.Timestamp)
	}
	method := http.MethodPost
	if remove {
		method = http.MethodDelete
	}
	return c.rest(ctx, method, "/v1/reactions/"+c.cfg.Number, map[string]any{
		"recipient":    recipient(jid),
		"reaction":     emoji,
		"target_author": ref.Author,
		"timestamp":    ts,
	}, nil)
}

func (c *Channel) SendReadReceipt(ctx context.Context, jid string, ref channels.MessageRef) error {
	if isGroup(jid) {
		return fmt.Errorf("signal: read receipts are direct-chat only")
	}
	ts, err := strconv.ParseInt(ref.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("signal: receipt target %q is not a timestamp", ref.Timestamp)
	}
	return c.rest(ctx, http.MethodPost, "/v1/receipts/"+c.cfg.Number, map[string]any{
		"recipient":    recipient(jid),
		"receipt_type": "read",
		"timestamp":    ts,
	}, nil)
}

func (c *Channel) EditMessage(context.Context, string, channels.MessageRef, string) error {
	return fmt.Errorf("signal: message editing is not supported")
}

func (c *Channel) DeleteMessage(ctx context.Context, jid string, ref channels.MessageRef) error {
	ts, err := strconv.ParseInt(ref.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("signal: delete target %q is not a timestamp", ref.Timestamp)
	}
	return c.rest(ctx, http.MethodDelete, "/v1/remote-delete/"+c.cfg.Number, map[string]any{
		"recipient": recipient(jid),
		"timestamp": ts,
	}, nil)
}

func (c *Channel) SendPoll(context.Context, string, string, []string) error {
	return fmt.Errorf("signal: polls are not supported")
}
