// Package telegram adapts the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// MessageCap is Telegram's text limit per message.
const MessageCap = 4096

const jidPrefix = "tg:"

// Channel is the Telegram adapter. JIDs are "tg:<chat id>"; message ids
// are the numeric Telegram message ids.
type Channel struct {
	cfg config.TelegramConfig
	log *slog.Logger
	bot *telego.Bot

	ev         channels.Events
	onRecovery func() error
	fatal      func(string)

	dedupe *channels.DedupeCache
	typing *channels.TypingLimiter
	recon  *channels.Reconnector

	botID   int64
	botName string

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	pollStop  context.CancelFunc
}

// New builds the adapter. Bind must be called before Connect.
func New(cfg config.TelegramConfig, log *slog.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		log:    log.With("channel", "telegram"),
		bot:    bot,
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

func (c *Channel) Name() string            { return "telegram" }
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

func chatID(jid string) (telego.ChatID, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(jid, jidPrefix), 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("telegram: bad jid %q", jid)
	}
	return telego.ChatID{ID: id}, nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Connect(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	c.botID = me.ID
	c.botName = me.Username

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	if err := c.startPolling(runCtx); err != nil {
		cancel()
		return err
	}

	c.recon = channels.NewReconnector(channels.ReconnectConfig{
		Channel:    "telegram",
		Restart:    c.restartPolling,
		OnRecovery: c.onRecovery,
		Fatal:      c.fatal,
		Log:        c.log,
	})
	go c.recon.Run(runCtx)

	c.log.Info("long polling started", "bot", me.Username)
	return nil
}

func (c *Channel) startPolling(ctx context.Context) error {
	pollCtx, stop := context.WithCancel(ctx)
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		stop()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	c.mu.Lock()
	if c.pollStop != nil {
		c.pollStop()
	}
	c.pollStop = stop
	c.mu.Unlock()

	go func() {
		for upd := range updates {
			c.recon.MarkEvent()
			if upd.Message != nil {
				c.handleMessage(upd.Message)
			}
		}
	}()
	return nil
}

func (c *Channel) restartPolling(ctx context.Context) error {
	return c.startPolling(ctx)
}

func (c *Channel) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollStop != nil {
		c.pollStop()
		c.pollStop = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected = false
	return nil
}

func (c *Channel) handleMessage(m *telego.Message) {
	if c.ev == nil || m.Text == "" {
		return
	}
	key := fmt.Sprintf("tg:%d:%d", m.Chat.ID, m.MessageID)
	if c.dedupe.Seen(key) {
		return
	}

	jid := jidPrefix + strconv.FormatInt(m.Chat.ID, 10)
	ts := time.Unix(m.Date, 0).UTC()
	src := float64(m.MessageID)

	name := m.Chat.Title
	var sender, senderName string
	if m.From != nil {
		sender = strconv.FormatInt(m.From.ID, 10)
		senderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if name == "" {
			name = senderName
		}
	}

	c.ev.OnChatMetadata(channels.ChatMetadata{
		JID:       jid,
		Timestamp: ts,
		Name:      name,
		Channel:   "telegram",
		IsGroup:   m.Chat.Type != telego.ChatTypePrivate,
	})
	c.ev.OnMessage(jid, channels.NewMessage{
		ID:              strconv.Itoa(m.MessageID),
		Sender:          sender,
		SenderName:      senderName,
		Content:         channels.RewriteMention(m.Text, c.botName, "@"+c.botName),
		Timestamp:       ts,
		SourceTimestamp: &src,
		IsFromMe:        m.From != nil && m.From.ID == c.botID,
		IsBot:           m.From != nil && m.From.IsBot && m.From.ID != c.botID,
	})
}

func (c *Channel) SendMessage(ctx context.Context, jid, text string) (*channels.SendReceipt, error) {
	id, err := chatID(jid)
	if err != nil {
		return nil, err
	}
	var last *float64
	for _, chunk := range channels.SplitMessage(text, MessageCap) {
		msg, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{ChatID: id, Text: chunk})
		if err != nil {
			return nil, fmt.Errorf("telegram send to %s: %w", jid, err)
		}
		ts := float64(msg.MessageID)
		last = &ts
	}
	return &channels.SendReceipt{Timestamp: last}, nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, on bool) error {
	if !on || !c.typing.Allow(jid) {
		return nil
	}
	id, err := chatID(jid)
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, &telego.SendChatActionParams{ChatID: id, Action: telego.ChatActionTyping})
}

func messageID(ref channels.MessageRef) (int, error) {
	id, err := strconv.Atoi(ref.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("telegram: target %q is not a message id", ref.Timestamp)
	}
	return id, nil
}

func (c *Channel) React(ctx context.Context, jid string, ref channels.MessageRef, emoji string, remove bool) error {
	id, err := chatID(jid)
	if err != nil {
		return err
	}
	msgID, err := messageID(ref)
	if err != nil {
		return err
	}
	var reaction []telego.ReactionType
	if !remove {
		reaction = []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}}
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    id,
		MessageID: msgID,
		Reaction:  reaction,
	})
}

func (c *Channel) EditMessage(ctx context.Context, jid string, ref channels.MessageRef, newText string) error {
	id, err := chatID(jid)
	if err != nil {
		return err
	}
	msgID, err := messageID(ref)
	if err != nil {
		return err
	}
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    id,
		MessageID: msgID,
		Text:      newText,
	})
	return err
}

func (c *Channel) DeleteMessage(ctx context.Context, jid string, ref channels.MessageRef) error {
	id, err := chatID(jid)
	if err != nil {
		return err
	}
	msgID, err := messageID(ref)
	if err != nil {
		return err
	}
	return c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: id, MessageID: msgID})
}

// SendReadReceipt is a no-op: the Bot API has no read-receipt surface.
func (c *Channel) SendReadReceipt(context.Context, string, channels.MessageRef) error { return nil }

func (c *Channel) SendPoll(ctx context.Context, jid, question string, options []string) error {
	id, err := chatID(jid)
	if err != nil {
		return err
	}
	opts := make([]telego.InputPollOption, 0, len(options))
	for _, o := range options {
		opts = append(opts, telego.InputPollOption{Text: o})
	}
	_, err = c.bot.SendPoll(ctx, &telego.SendPollParams{ChatID: id, Question: question, Options: opts})
	return err
}
