// Package discord adapts the Discord gateway through discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// MessageCap is Discord's text limit per message.
const MessageCap = 2000

const jidPrefix = "discord:"

// Channel is the Discord adapter. JIDs are "discord:<channel id>";
// message ids are Discord snowflakes.
type Channel struct {
	cfg     config.DiscordConfig
	log     *slog.Logger
	session *discordgo.Session

	ev         channels.Events
	onRecovery func() error
	fatal      func(string)

	dedupe *channels.DedupeCache
	typing *channels.TypingLimiter
	recon  *channels.Reconnector

	botID   string
	botName string

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

// New builds the adapter. Bind must be called before Connect.
func New(cfg config.DiscordConfig, log *slog.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		log:     log.With("channel", "discord"),
		session: session,
		dedupe:  channels.NewDedupeCache(),
		typing:  channels.NewTypingLimiter(),
	}, nil
}

// Bind wires the inbound event sink and the watchdog hooks.
func (c *Channel) Bind(ev channels.Events, onRecovery func() error, fatal func(string)) {
	c.ev = ev
	c.onRecovery = onRecovery
	c.fatal = fatal
}

func (c *Channel) Name() string            { return "discord" }
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

func channelID(jid string) string { return strings.TrimPrefix(jid, jidPrefix) }

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Connect(ctx context.Context) error {
	c.session.AddHandler(c.onMessageCreate)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botID = c.session.State.User.ID
		c.botName = c.session.State.User.Username
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	c.recon = channels.NewReconnector(channels.ReconnectConfig{
		Channel: "discord",
		Restart: func(context.Context) error {
			_ = c.session.Close()
			return c.session.Open()
		},
		OnRecovery: c.onRecovery,
		Fatal:      c.fatal,
		Log:        c.log,
	})
	go c.recon.Run(runCtx)

	c.log.Info("gateway connected", "bot", c.botID)
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
	return c.session.Close()
}

func (c *Channel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if c.recon != nil {
		c.recon.MarkEvent()
	}
	if c.ev == nil || m.Author == nil || m.Content == "" {
		return
	}
	if c.dedupe.Seen("discord:" + m.ID) {
		return
	}

	jid := jidPrefix + m.ChannelID
	ts := m.Timestamp.UTC()

	c.ev.OnChatMetadata(channels.ChatMetadata{
		JID:       jid,
		Timestamp: ts,
		Channel:   "discord",
		IsGroup:   m.GuildID != "",
	})

	senderName := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		senderName = m.Member.Nick
	}
	c.ev.OnMessage(jid, channels.NewMessage{
		ID:         m.ID,
		Sender:     m.Author.ID,
		SenderName: senderName,
		Content:    channels.RewriteMention(m.Content, c.botName, "<@"+c.botID+">", "<@!"+c.botID+">"),
		Timestamp:  ts,
		IsFromMe:   m.Author.ID == c.botID,
		IsBot:      m.Author.Bot && m.Author.ID != c.botID,
	})
}

func (c *Channel) SendMessage(_ context.Context, jid, text string) (*channels.SendReceipt, error) {
	for _, chunk := range channels.SplitMessage(text, MessageCap) {
		if _, err := c.session.ChannelMessageSend(channelID(jid), chunk); err != nil {
			return nil, fmt.Errorf("discord send to %s: %w", jid, err)
		}
	}
	// Snowflake ids exceed float64 precision; the stored message id is the
	// reference, not a numeric timestamp.
	return &channels.SendReceipt{}, nil
}

func (c *Channel) SetTyping(_ context.Context, jid string, on bool) error {
	if !on || !c.typing.Allow(jid) {
		return nil
	}
	return c.session.ChannelTyping(channelID(jid))
}

func (c *Channel) React(_ context.Context, jid string, ref channels.MessageRef, emoji string, remove bool) error {
	if remove {
		return c.session.MessageReactionRemove(channelID(jid), ref.Timestamp, emoji, "@me")
	}
	return c.session.MessageReactionAdd(channelID(jid), ref.Timestamp, emoji)
}

func (c *Channel) EditMessage(_ context.Context, jid string, ref channels.MessageRef, newText string) error {
	_, err := c.session.ChannelMessageEdit(channelID(jid), ref.Timestamp, newText)
	return err
}

func (c *Channel) DeleteMessage(_ context.Context, jid string, ref channels.MessageRef) error {
	return c.session.ChannelMessageDelete(channelID(jid), ref.Timestamp)
}

// SendReadReceipt is a no-op: bots have no read-state surface.
func (c *Channel) SendReadReceipt(context.Context, string, channels.MessageRef) error { return nil }

func (c *Channel) SendPoll(_ context.Context, jid, question string, options []string) error {
	answers := make([]discordgo.PollAnswer, 0, len(options))
	for _, o := range options {
		answers = append(answers, discordgo.PollAnswer{Media: &discordgo.PollMedia{Text: o}})
	}
	_, err := c.session.ChannelMessageSendComplex(channelID(jid), &discordgo.MessageSend{
		Poll: &discordgo.Poll{
			Question: discordgo.PollMedia{Text: question},
			Answers:  answers,
			Duration: 24,
		},
	})
	return err
}
