package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
)

// Reconnect defaults. Stream transports do go stale without an error; the
// watchdog is the host-owned recovery path (library-internal retries are
// kept to at most one).
const (
	DefaultStaleThreshold    = 12 * time.Minute
	DefaultWatchdogInterval  = 60 * time.Second
	DefaultReconnectBase     = 5 * time.Second
	DefaultReconnectAttempts = 5
	reconnectJitter          = 0.2
)

// ReconnectConfig wires a channel's transport into the shared watchdog.
type ReconnectConfig struct {
	Channel           string
	StaleThreshold    time.Duration
	WatchdogInterval  time.Duration
	BaseDelay         time.Duration
	MaxAttempts       int
	// Restart stops the transport and starts it again. An error leaves the
	// attempt counter incremented for the next watchdog tick.
	Restart func(ctx context.Context) error
	// OnRecovery fires after a successful reconnect. Errors are caught and
	// logged, never propagated.
	OnRecovery func() error
	// Fatal is the process-exit hook invoked when the breaker opens.
	Fatal func(reason string)
	Log   *slog.Logger
}

// Reconnector tracks transport liveness for one channel and drives the
// stale-detection reconnect state machine.
type Reconnector struct {
	cfg ReconnectConfig
	log *slog.Logger

	mu             sync.Mutex
	lastEvent      time.Time
	isReconnecting bool
	attempt        int
	breakerOpen    bool
}

// NewReconnector builds a reconnector with defaults filled in.
func NewReconnector(cfg ReconnectConfig) *Reconnector {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultReconnectBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultReconnectAttempts
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Reconnector{
		cfg:       cfg,
		log:       cfg.Log.With("channel", cfg.Channel),
		lastEvent: time.Now(),
	}
}

// MarkEvent records transport liveness. Call on every inbound event and on
// any transport heartbeat.
func (r *Reconnector) MarkEvent() {
	r.mu.Lock()
	r.lastEvent = time.Now()
	r.mu.Unlock()
}

// LastEvent returns the time of the most recent transport event.
func (r *Reconnector) LastEvent() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEvent
}

// BreakerOpen reports whether the circuit breaker has opened.
func (r *Reconnector) BreakerOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakerOpen
}

// Run is the watchdog loop. Blocks until ctx is done; start it on its own
// goroutine after the transport connects.
func (r *Reconnector) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.check(ctx)
		}
	}
}

func (r *Reconnector) check(ctx context.Context) {
	r.mu.Lock()
	stale := time.Since(r.lastEvent) > r.cfg.StaleThreshold
	if !stale {
		r.mu.Unlock()
		return
	}
	if r.isReconnecting {
		r.mu.Unlock()
		r.log.Info("reconnect_skipped", "reason", "in_flight")
		return
	}
	if r.breakerOpen {
		r.mu.Unlock()
		return
	}
	r.attempt++
	attempt := r.attempt
	if attempt > r.cfg.MaxAttempts {
		r.breakerOpen = true
		r.mu.Unlock()
		r.log.Error("breaker_open", "attempts", attempt-1)
		if r.cfg.Fatal != nil {
			r.cfg.Fatal("channel " + r.cfg.Channel + " reconnect attempts exhausted")
		}
		return
	}
	r.isReconnecting = true
	r.mu.Unlock()

	delay := platform.Backoff(r.cfg.BaseDelay, attempt, reconnectJitter)
	r.log.Warn("transport stale, reconnecting", "attempt", attempt, "delay", delay)

	select {
	case <-ctx.Done():
		r.mu.Lock()
		r.isReconnecting = false
		r.mu.Unlock()
		return
	case <-time.After(delay):
	}

	err := r.cfg.Restart(ctx)

	r.mu.Lock()
	r.isReconnecting = false
	if err != nil {
		r.mu.Unlock()
		r.log.Warn("reconnect failed", "attempt", attempt, "error", err)
		return
	}
	r.attempt = 0
	r.lastEvent = time.Now()
	r.mu.Unlock()

	r.log.Info("reconnected", "attempt", attempt)
	if r.cfg.OnRecovery != nil {
		if err := r.cfg.OnRecovery(); err != nil {
			r.log.Error("recovery callback failed", "error", err)
		}
	}
}
