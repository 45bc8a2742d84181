// Package slack adapts Slack through Socket Mode: events stream over the
// socket, outbound calls go through the Web API.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// MessageCap is Slack's text limit per message.
const MessageCap = 40000

const jidPrefix = "slack:"

// Channel is the Slack adapter. JIDs are "slack:<channel id>"; message ids
// are Slack's ts strings, which double as the platform timestamp.
type Channel struct {
	cfg config.SlackConfig
	log *slog.Logger

	ev         channels.Events
	onRecovery func() error
	fatal      func(string)

	dedupe *channels.DedupeCache
	typing *channels.TypingLimiter
	recon  *channels.Reconnector

	api     *slack.Client
	sock    *socketmode.Client
	botID   string
	botName string
	teamID  string

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

// New builds the adapter. Bind must be called before Connect.
func New(cfg config.SlackConfig, log *slog.Logger) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot and app tokens are required")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack: app token must start with xapp-")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		log:    log.With("channel", "slack"),
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

func (c *Channel) Name() string            { return "slack" }
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

func channelID(jid string) string { return strings.TrimPrefix(jid, jidPrefix) }

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Connect(ctx context.Context) error {
	c.api = slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botID = auth.UserID
	c.botName = auth.User
	c.teamID = auth.TeamID

	c.sock = socketmode.New(c.api)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	c.recon = channels.NewReconnector(channels.ReconnectConfig{
		Channel: "slack",
		// socketmode reconnects internally; a stale transport means that
		// machinery wedged, so rebuild the whole client.
		Restart:    c.restart,
		OnRecovery: c.onRecovery,
		Fatal:      c.fatal,
		Log:        c.log,
	})
	go c.recon.Run(runCtx)
	go c.eventLoop(runCtx)
	go func() {
		if err := c.sock.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Error("socket mode stopped", "error", err)
		}
	}()

	c.log.Info("socket mode connected", "bot", c.botID, "team", c.teamID)
	return nil
}

func (c *Channel) restart(ctx context.Context) error {
	c.sock = socketmode.New(c.api)
	go func() {
		if err := c.sock.RunContext(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("socket mode stopped", "error", err)
		}
	}()
	go c.eventLoop(ctx)
	return nil
}

func (c *Channel) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected = false
	return nil
}

func (c *Channel) eventLoop(ctx context.Context) {
	sock := c.sock
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sock.Events:
			if !ok {
				return
			}
			c.recon.MarkEvent()
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				sock.Ack(*evt.Request)
				c.handleEvent(apiEvent)
			case socketmode.EventTypeConnected:
				c.log.Debug("socket connected")
			case socketmode.EventTypeDisconnect:
				c.log.Debug("socket disconnect notice")
			}
		}
	}
}

func (c *Channel) handleEvent(evt slackevents.EventsAPIEvent) {
	if evt.Type != slackevents.CallbackEvent || c.ev == nil {
		return
	}
	inner, ok := evt.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Edits, deletions, and bot chatter from other apps carry subtypes.
	if inner.SubType != "" && inner.SubType != "file_share" {
		return
	}
	if inner.TimeStamp == "" || c.dedupe.Seen("slack:"+inner.Channel+":"+inner.TimeStamp) {
		return
	}

	jid := jidPrefix + inner.Channel
	ts := parseSlackTS(inner.TimeStamp)
	src := tsFloat(inner.TimeStamp)

	c.ev.OnChatMetadata(channels.ChatMetadata{
		JID:       jid,
		Timestamp: ts,
		Channel:   "slack",
		IsGroup:   strings.HasPrefix(inner.Channel, "C") || strings.HasPrefix(inner.Channel, "G"),
	})
	c.ev.OnMessage(jid, channels.NewMessage{
		ID:              inner.TimeStamp,
		Sender:          inner.User,
		Content:         channels.RewriteMention(inner.Text, c.botName, "<@"+c.botID+">"),
		Timestamp:       ts,
		SourceTimestamp: src,
		IsFromMe:        inner.User == c.botID,
		IsBot:           inner.BotID != "",
	})
}

// parseSlackTS converts "1704067200.000099" into a time.
func parseSlackTS(ts string) time.Time {
	f := tsFloat(ts)
	if f == nil {
		return time.Now().UTC()
	}
	sec := int64(*f)
	nsec := int64((*f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func tsFloat(ts string) *float64 {
	var f float64
	if _, err := fmt.Sscanf(ts, "%f", &f); err != nil {
		return nil
	}
	return &f
}

// SendMessage posts via the Web API and returns the ts of the last chunk.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) (*channels.SendReceipt, error) {
	var last *float64
	for _, chunk := range channels.SplitMessage(text, MessageCap) {
		_, ts, err := c.api.PostMessageContext(ctx, channelID(jid), slack.MsgOptionText(chunk, false))
		if err != nil {
			return nil, fmt.Errorf("slack post to %s: %w", jid, err)
		}
		last = tsFloat(ts)
	}
	return &channels.SendReceipt{Timestamp: last}, nil
}

// SetTyping is a no-op: classic bot typing indicators are not exposed to
// Socket Mode apps.
func (c *Channel) SetTyping(context.Context, string, bool) error { return nil }

func (c *Channel) React(ctx context.Context, jid string, ref channels.MessageRef, emoji string, remove bool) error {
	item := slack.ItemRef{Channel: channelID(jid), Timestamp: ref.Timestamp}
	name := strings.Trim(emoji, ":")
	if remove {
		if err := c.api.RemoveReactionContext(ctx, name, item); err != nil {
			return fmt.Errorf("slack remove reaction: %w", err)
		}
		return nil
	}
	if err := c.api.AddReactionContext(ctx, name, item); err != nil {
		return fmt.Errorf("slack add reaction: %w", err)
	}
	return nil
}

func (c *Channel) EditMessage(ctx context.Context, jid string, ref channels.MessageRef, newText string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channelID(jid), ref.Timestamp, slack.MsgOptionText(newText, false))
	if err != nil {
		return fmt.Errorf("slack edit message: %w", err)
	}
	return nil
}

func (c *Channel) DeleteMessage(ctx context.Context, jid string, ref channels.MessageRef) error {
	if _, _, err := c.api.DeleteMessageContext(ctx, channelID(jid), ref.Timestamp); err != nil {
		return fmt.Errorf("slack delete message: %w", err)
	}
	return nil
}

// SendReadReceipt marks the channel read up to the referenced message.
func (c *Channel) SendReadReceipt(ctx context.Context, jid string, ref channels.MessageRef) error {
	if err := c.api.MarkConversationContext(ctx, channelID(jid), ref.Timestamp); err != nil {
		return fmt.Errorf("slack mark conversation: %w", err)
	}
	return nil
}

func (c *Channel) SendPoll(context.Context, string, string, []string) error {
	return fmt.Errorf("slack: polls require a workspace app, not supported")
}
