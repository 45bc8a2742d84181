package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueCoalescesWhileActive(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	var runs atomic.Int64
	q := New(func(ctx context.Context, jid string) Result {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return Ok()
	}, Config{MaxConcurrent: 2, RetryBaseDelay: time.Millisecond})
	defer q.Drain(time.Second)

	q.EnqueueMessageCheck("chat-1")
	<-started

	// Requests during the active run collapse into one pending flag.
	q.EnqueueMessageCheck("chat-1")
	q.EnqueueMessageCheck("chat-1")
	q.EnqueueMessageCheck("chat-1")
	if !q.HasPending("chat-1") {
		t.Fatal("expected pending work while run is active")
	}

	close(release)
	<-started
	waitFor(t, "follow-up run to finish", func() bool {
		return runs.Load() == 2 && q.Stats().ActiveGroups == 0
	})
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2 (one active + one coalesced)", got)
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	var mu sync.Mutex
	cur, peak := 0, 0
	release := make(chan struct{})
	q := New(func(ctx context.Context, jid string) Result {
		mu.Lock()
		cur++
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		<-release
		mu.Lock()
		cur--
		mu.Unlock()
		return Ok()
	}, Config{MaxConcurrent: 1, RetryBaseDelay: time.Millisecond})

	q.EnqueueMessageCheck("chat-a")
	q.EnqueueMessageCheck("chat-b")
	q.EnqueueMessageCheck("chat-c")
	time.Sleep(50 * time.Millisecond)
	close(release)
	waitFor(t, "all runs to finish", func() bool { return q.Stats().ActiveGroups == 0 })

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak)
	}
	if got := q.Stats().RunsStarted; got != 3 {
		t.Fatalf("runs started = %d, want 3", got)
	}
}

func TestFailedRunRetriesThenSucceeds(t *testing.T) {
	var runs atomic.Int64
	q := New(func(ctx context.Context, jid string) Result {
		if runs.Add(1) <= 2 {
			return Fail(errors.New("transient"))
		}
		return Ok()
	}, Config{MaxConcurrent: 2, MaxRetries: 5, RetryBaseDelay: time.Millisecond})
	defer q.Drain(time.Second)

	q.EnqueueMessageCheck("chat-1")
	waitFor(t, "retries to succeed", func() bool {
		return runs.Load() == 3 && q.RetryCount("chat-1") == 0 && q.Stats().ActiveGroups == 0
	})
	if got := q.Stats().RunsFailed; got != 2 {
		t.Fatalf("runs failed = %d, want 2", got)
	}
}

func TestExhaustionDropsAndGatesRecovery(t *testing.T) {
	var dropped atomic.Int64
	var droppedJID atomic.Value
	var runs atomic.Int64
	q := New(func(ctx context.Context, jid string) Result {
		runs.Add(1)
		return Fail(errors.New("poison"))
	}, Config{
		MaxConcurrent:  2,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		ExhaustedGate:  time.Hour,
		OnExhaustionDrop: func(jid string) {
			droppedJID.Store(jid)
			dropped.Add(1)
		},
	})
	defer q.Drain(time.Second)

	q.EnqueueMessageCheck("chat-1")
	waitFor(t, "exhaustion drop", func() bool { return dropped.Load() == 1 })
	if got := droppedJID.Load(); got != "chat-1" {
		t.Fatalf("dropped jid = %v, want chat-1", got)
	}
	// 1 initial + 2 retries.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if got := q.RetryCount("chat-1"); got != 0 {
		t.Fatalf("retry count after drop = %d, want 0", got)
	}
	if got := q.Stats().ExhaustionDrops; got != 1 {
		t.Fatalf("exhaustion drops = %d, want 1", got)
	}

	// Recovery enqueues are gated after exhaustion; user messages are not.
	before := runs.Load()
	q.EnqueueRecovery("chat-1")
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != before {
		t.Fatal("recovery enqueue ran despite exhaustion gate")
	}
	q.EnqueueMessageCheck("chat-1")
	waitFor(t, "message check to run through the gate", func() bool { return runs.Load() > before })
}

func TestAbortCancelsScheduledRetry(t *testing.T) {
	var runs atomic.Int64
	q := New(func(ctx context.Context, jid string) Result {
		runs.Add(1)
		return Fail(errors.New("down"))
	}, Config{MaxConcurrent: 2, MaxRetries: 5, RetryBaseDelay: time.Hour})
	defer q.Drain(time.Second)

	q.EnqueueMessageCheck("chat-1")
	waitFor(t, "retry to be scheduled", func() bool { return q.RetryCount("chat-1") == 1 })

	if err := q.Abort("chat-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	waitFor(t, "chat to go idle", func() bool { return q.Stats().ActiveGroups == 0 })
	if q.HasPending("chat-1") {
		t.Fatal("pending work survived abort")
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (retry cancelled)", got)
	}
}

func TestAbortKillsInFlightSession(t *testing.T) {
	var killed atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})
	q := New(func(ctx context.Context, jid string) Result {
		close(started)
		<-release
		return Ok()
	}, Config{MaxConcurrent: 2, RetryBaseDelay: time.Millisecond})
	defer q.Drain(time.Second)

	q.EnqueueMessageCheck("chat-1")
	<-started
	q.SetSession("chat-1", &Session{
		Name: "nanoclaw-chat-1",
		Kill: func() error {
			killed.Store(true)
			close(release)
			return nil
		},
	})

	if name, ok := q.SessionName("chat-1"); !ok || name != "nanoclaw-chat-1" {
		t.Fatalf("session name = %q/%v", name, ok)
	}
	if err := q.Abort("chat-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !killed.Load() {
		t.Fatal("abort did not invoke the session kill")
	}
	waitFor(t, "run to finish", func() bool { return q.Stats().ActiveGroups == 0 })
}

func TestPanickingRunCountsAsFailure(t *testing.T) {
	var runs atomic.Int64
	q := New(func(ctx context.Context, jid string) Result {
		if runs.Add(1) == 1 {
			panic("bad chat")
		}
		return Ok()
	}, Config{MaxConcurrent: 2, MaxRetries: 5, RetryBaseDelay: time.Millisecond})
	defer q.Drain(time.Second)

	q.EnqueueMessageCheck("chat-1")
	waitFor(t, "retry after panic", func() bool {
		return runs.Load() == 2 && q.Stats().ActiveGroups == 0
	})
	if got := q.Stats().RunsFailed; got != 1 {
		t.Fatalf("runs failed = %d, want 1", got)
	}
}

func TestDrainWaitsForActiveRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	q := New(func(ctx context.Context, jid string) Result {
		close(started)
		<-release
		return Ok()
	}, Config{MaxConcurrent: 2, RetryBaseDelay: time.Millisecond})

	q.EnqueueMessageCheck("chat-1")
	<-started
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()
	if err := q.Drain(2 * time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// New work is refused while draining.
	q.EnqueueMessageCheck("chat-2")
	time.Sleep(20 * time.Millisecond)
	if got := q.Stats().ActiveGroups; got != 0 {
		t.Fatalf("active groups after drain = %d, want 0", got)
	}
}
