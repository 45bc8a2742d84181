package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager owns the ordered channel list and routes outbound messages to
// the owning channel. Channels are registered explicitly at construction
// time; there is no registration by import side effect.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	log      *slog.Logger
}

// NewManager builds a manager over an explicit channel list.
func NewManager(chs []Channel, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{channels: chs, log: log.With("component", "channels")}
}

// Channels returns a snapshot of the channel list.
func (m *Manager) Channels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, len(m.channels))
	copy(out, m.channels)
	return out
}

// ByName returns the channel with the given name, or nil.
func (m *Manager) ByName(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.channels {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Owner returns the channel owning jid, or nil.
func (m *Manager) Owner(jid string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return FindChannel(m.channels, jid)
}

// OwnsAny reports whether some channel owns jid. Used to filter registered
// chats down to currently addressable ones.
func (m *Manager) OwnsAny(jid string) bool { return m.Owner(jid) != nil }

// ConnectAll connects every channel concurrently. A channel that fails to
// connect is logged and skipped; the orchestrator stays up on the rest.
func (m *Manager) ConnectAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.Channels() {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				m.log.Error("channel connect failed", "channel", c.Name(), "error", err)
				return
			}
			m.log.Info("channel connected", "channel", c.Name())
		}(c)
	}
	wg.Wait()
}

// DisconnectAll disconnects every channel concurrently and returns the
// first error.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.Channels() {
		g.Go(func() error {
			if err := c.Disconnect(ctx); err != nil {
				m.log.Warn("channel disconnect failed", "channel", c.Name(), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Send routes text to the channel owning jid.
func (m *Manager) Send(ctx context.Context, jid, text string) (*SendReceipt, error) {
	c := m.Owner(jid)
	if c == nil {
		return nil, fmt.Errorf("no channel owns jid %q", jid)
	}
	return c.SendMessage(ctx, jid, text)
}

// SetTyping routes a typing update to the owning channel. Best-effort.
func (m *Manager) SetTyping(ctx context.Context, jid string, on bool) {
	c := m.Owner(jid)
	if c == nil {
		return
	}
	if err := c.SetTyping(ctx, jid, on); err != nil {
		m.log.Debug("typing update failed", "channel", c.Name(), "jid", jid, "error", err)
	}
}
