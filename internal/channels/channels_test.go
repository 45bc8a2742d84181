package channels

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSplitMessageBoundaries(t *testing.T) {
	const limit = 100
	tests := []struct {
		name   string
		length int
		want   int
	}{
		{"exactly at cap", limit, 1},
		{"cap plus one", limit + 1, 2},
		{"three caps plus one", 3*limit + 1, 4},
		{"empty-ish", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := strings.Repeat("a", tt.length)
			chunks := SplitMessage(text, limit)
			if len(chunks) != tt.want {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.want)
			}
			var total int
			for _, c := range chunks {
				if len([]rune(c)) > limit {
					t.Errorf("chunk exceeds cap: %d", len(c))
				}
				total += len([]rune(c))
			}
			if total != tt.length {
				t.Errorf("reassembled length = %d, want %d", total, tt.length)
			}
		})
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	text := strings.Repeat("x", 80) + "\n" + strings.Repeat("y", 30)
	chunks := SplitMessage(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Errorf("first chunk should end at the newline, got %q tail", chunks[0][len(chunks[0])-5:])
	}
}

func TestRewriteMention(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		bot    string
		tokens []string
		want   string
	}{
		{
			name: "slack mention at head",
			text: "<@U0BOT> summarize today", bot: "andy",
			tokens: []string{"<@U0BOT>"},
			want:   "@andy summarize today",
		},
		{
			name: "discord nick mention mid-text",
			text: "hey <@!4242> got a minute?", bot: "andy",
			tokens: []string{"<@4242>", "<@!4242>"},
			want:   "@andy hey @andy got a minute?",
		},
		{
			name: "telegram mention already leading",
			text: "@andy_bot remind me tomorrow", bot: "andy_bot",
			tokens: []string{"@andy_bot"},
			want:   "@andy_bot remind me tomorrow",
		},
		{
			name: "no mention passes through",
			text: "just chatting about <@U0OTHER>", bot: "andy",
			tokens: []string{"<@U0BOT>"},
			want:   "just chatting about <@U0OTHER>",
		},
		{
			name: "case-insensitive leading check",
			text: "<@U0BOT> ping", bot: "Andy",
			tokens: []string{"<@U0BOT>"},
			want:   "@Andy ping",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RewriteMention(tt.text, tt.bot, tt.tokens...)
			if got != tt.want {
				t.Errorf("RewriteMention(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

// The rewritten text must satisfy the anchored trigger gate whenever the
// bot was mentioned anywhere in the original.
func TestRewriteMentionSatisfiesTriggerAnchor(t *testing.T) {
	re := regexp.MustCompile(`(?i)^@andy\b`)
	inputs := []string{
		"<@U0BOT> hello",
		"could <@U0BOT> take a look",
		"tail mention <@U0BOT>",
	}
	for _, in := range inputs {
		got := RewriteMention(in, "andy", "<@U0BOT>")
		if !re.MatchString(got) {
			t.Errorf("RewriteMention(%q) = %q, does not match the trigger anchor", in, got)
		}
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache()
	d.ttl = 50 * time.Millisecond

	if d.Seen("slack:C1:1704067200.000099") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.Seen("slack:C1:1704067200.000099") {
		t.Fatal("second sighting within TTL not deduped")
	}
	time.Sleep(80 * time.Millisecond)
	if d.Seen("slack:C1:1704067200.000099") {
		t.Fatal("key not readmitted after TTL")
	}
}

func TestDedupeCacheBounded(t *testing.T) {
	d := NewDedupeCache()
	d.max = 10
	for i := 0; i < 100; i++ {
		d.Seen(strings.Repeat("k", i+1))
	}
	if n := d.Len(); n > 10 {
		t.Errorf("cache size = %d, want <= 10", n)
	}
}

func TestReconnectorStaleTriggersRestart(t *testing.T) {
	var mu sync.Mutex
	var restarts, recoveries int

	r := NewReconnector(ReconnectConfig{
		Channel:          "test",
		StaleThreshold:   10 * time.Millisecond,
		WatchdogInterval: 10 * time.Millisecond,
		BaseDelay:        time.Millisecond,
		MaxAttempts:      5,
		Restart: func(context.Context) error {
			mu.Lock()
			restarts++
			mu.Unlock()
			return nil
		},
		OnRecovery: func() error {
			mu.Lock()
			recoveries++
			mu.Unlock()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := restarts >= 1 && recoveries >= 1
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("restarts = %d, recoveries = %d, want >= 1 each", restarts, recoveries)
}

func TestReconnectorBreakerOpensAndFatals(t *testing.T) {
	fatal := make(chan string, 1)
	r := NewReconnector(ReconnectConfig{
		Channel:          "test",
		StaleThreshold:   time.Millisecond,
		WatchdogInterval: time.Millisecond,
		BaseDelay:        time.Microsecond,
		MaxAttempts:      2,
		Restart:          func(context.Context) error { return context.DeadlineExceeded },
		Fatal: func(reason string) {
			select {
			case fatal <- reason:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case <-fatal:
	case <-time.After(2 * time.Second):
		t.Fatal("breaker never opened")
	}
	if !r.BreakerOpen() {
		t.Error("BreakerOpen() = false after fatal")
	}
}

func TestReconnectorHealthySkips(t *testing.T) {
	r := NewReconnector(ReconnectConfig{
		Channel:          "test",
		StaleThreshold:   time.Hour,
		WatchdogInterval: time.Millisecond,
		Restart: func(context.Context) error {
			t.Error("restart called on healthy transport")
			return nil
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Run(ctx)
}

type fakeChannel struct {
	name   string
	prefix string
}

func (f *fakeChannel) Name() string                            { return f.name }
func (f *fakeChannel) OwnsJID(jid string) bool                 { return strings.HasPrefix(jid, f.prefix) }
func (f *fakeChannel) Connect(context.Context) error           { return nil }
func (f *fakeChannel) Disconnect(context.Context) error        { return nil }
func (f *fakeChannel) IsConnected() bool                       { return true }
func (f *fakeChannel) SetTyping(context.Context, string, bool) error { return nil }
func (f *fakeChannel) SendMessage(context.Context, string, string) (*SendReceipt, error) {
	return &SendReceipt{}, nil
}

func TestFindChannelPartition(t *testing.T) {
	chs := []Channel{
		&fakeChannel{name: "slack", prefix: "slack:"},
		&fakeChannel{name: "whatsapp", prefix: ""},
	}
	tests := []struct {
		jid  string
		want string
	}{
		{"slack:C123", "slack"},
		{"123456@g.us", "whatsapp"},
	}
	for _, tt := range tests {
		c := FindChannel(chs, tt.jid)
		if c == nil || c.Name() != tt.want {
			t.Errorf("FindChannel(%q) = %v, want %s", tt.jid, c, tt.want)
		}
	}
}
