package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// typingMinGap is the minimum spacing between ephemeral status updates for
// one chat.
const typingMinGap = 4 * time.Second

// TypingLimiter rate-limits per-chat typing/status updates so adapters
// never spam the provider's ephemeral-event API.
type TypingLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTypingLimiter builds an empty limiter set.
func NewTypingLimiter() *TypingLimiter {
	return &TypingLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a typing update for jid may be sent now.
func (t *TypingLimiter) Allow(jid string) bool {
	t.mu.Lock()
	lim, ok := t.limiters[jid]
	if !ok {
		lim = rate.NewLimiter(rate.Every(typingMinGap), 1)
		t.limiters[jid] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
