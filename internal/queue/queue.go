// Package queue schedules per-chat agent work: strict single-flight per
// JID, a global concurrency cap across chats, exponential retry with
// jitter, and exhaustion handling that commits a cursor so poisoned
// messages are not retried forever.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
)

// Tag classifies one run of a chat's work.
type Tag int

const (
	// Processed: work was done successfully.
	Processed Tag = iota
	// Empty: nothing to do. Counts as success.
	Empty
	// Failed: the run failed and is eligible for retry.
	Failed
)

// Result is the tagged outcome of a RunFunc invocation.
type Result struct {
	Tag Tag
	Err error
}

// Ok reports successful work.
func Ok() Result { return Result{Tag: Processed} }

// NoWork reports an empty run.
func NoWork() Result { return Result{Tag: Empty} }

// Fail reports a failed run.
func Fail(err error) Result { return Result{Tag: Failed, Err: err} }

// RunFunc drains all buffered messages for the chat up to the current
// cursor in one invocation.
type RunFunc func(ctx context.Context, jid string) Result

// Session is the weak reference a group holds to its in-flight backend
// handle, enough to identify and kill it.
type Session struct {
	Name string
	Kill func() error
}

// ErrDraining is returned by Drain-time enqueues.
var ErrDraining = errors.New("queue: draining")

// Config tunes the queue. Zero fields take the documented defaults.
type Config struct {
	MaxConcurrent    int           // global cap, default 2
	MaxRetries       int           // default 5
	RetryBaseDelay   time.Duration // default 5s
	RetryJitter      float64       // default 0.2
	ExhaustedGate    time.Duration // bounds post-recovery replay, default 0
	OnExhaustionDrop func(jid string)
	Log              *slog.Logger
}

// Stats is a point-in-time view for the admin surface.
type Stats struct {
	ActiveGroups    int
	PendingGroups   int
	RunsStarted     int64
	RunsFailed      int64
	ExhaustionDrops int64
}

type groupState struct {
	active     bool
	pending    bool
	retryCount int
	retryTimer *time.Timer
	gateUntil  time.Time
	session    *Session
}

// GroupQueue owns all per-chat scheduling state.
type GroupQueue struct {
	cfg Config
	run RunFunc
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	groups   map[string]*groupState
	sem      chan struct{}
	draining bool

	runsStarted     atomic.Int64
	runsFailed      atomic.Int64
	exhaustionDrops atomic.Int64
}

// New builds a queue. Runs start when EnqueueMessageCheck is called; there
// is no separate start step.
func New(run RunFunc, cfg Config) *GroupQueue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &GroupQueue{
		cfg:    cfg,
		run:    run,
		log:    cfg.Log.With("component", "queue"),
		ctx:    ctx,
		cancel: cancel,
		groups: make(map[string]*groupState),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *GroupQueue) state(jid string) *groupState {
	st, ok := q.groups[jid]
	if !ok {
		st = &groupState{}
		q.groups[jid] = st
	}
	return st
}

// EnqueueMessageCheck requests a run for jid. While a run is active the
// request coalesces into a single pending flag.
func (q *GroupQueue) EnqueueMessageCheck(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return
	}
	st := q.state(jid)
	if st.active {
		st.pending = true
		return
	}
	st.active = true
	go q.runGroup(jid)
}

// EnqueueRecovery is the channel-reconnect entry point: like
// EnqueueMessageCheck, but skipped while the chat's exhaustion gate holds.
func (q *GroupQueue) EnqueueRecovery(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return
	}
	st := q.state(jid)
	if !st.gateUntil.IsZero() && time.Now().Before(st.gateUntil) {
		q.log.Info("recovery enqueue skipped: exhaustion gate", "jid", jid, "until", st.gateUntil)
		return
	}
	if st.active {
		st.pending = true
		return
	}
	st.active = true
	go q.runGroup(jid)
}

func (q *GroupQueue) runGroup(jid string) {
	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		q.mu.Lock()
		q.state(jid).active = false
		q.cond.Broadcast()
		q.mu.Unlock()
		return
	}
	q.runsStarted.Add(1)
	res := q.invoke(jid)
	<-q.sem

	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(jid)

	switch res.Tag {
	case Processed, Empty:
		st.retryCount = 0
		if st.pending && !q.draining {
			st.pending = false
			go q.runGroup(jid)
			return
		}
		st.active = false
		q.cond.Broadcast()

	case Failed:
		q.runsFailed.Add(1)
		if q.draining {
			st.active = false
			q.cond.Broadcast()
			return
		}
		if st.retryCount < q.cfg.MaxRetries {
			st.retryCount++
			delay := platform.Backoff(q.cfg.RetryBaseDelay, st.retryCount, q.cfg.RetryJitter)
			q.log.Warn("chat run failed, scheduling retry",
				"jid", jid, "attempt", st.retryCount, "max", q.cfg.MaxRetries, "delay", delay, "error", res.Err)
			st.retryTimer = time.AfterFunc(delay, func() {
				q.mu.Lock()
				q.state(jid).retryTimer = nil
				stop := q.draining
				q.mu.Unlock()
				if stop {
					q.mu.Lock()
					q.state(jid).active = false
					q.cond.Broadcast()
					q.mu.Unlock()
					return
				}
				q.runGroup(jid)
			})
			return
		}

		// Retries exhausted: drop atomically, then tell the owner to
		// commit the exhaustion cursor.
		q.exhaustionDrops.Add(1)
		st.pending = false
		st.retryCount = 0
		st.active = false
		if q.cfg.ExhaustedGate > 0 {
			st.gateUntil = time.Now().Add(q.cfg.ExhaustedGate)
		}
		q.cond.Broadcast()
		drop := q.cfg.OnExhaustionDrop
		q.log.Error("chat retries exhausted, dropping buffered work", "jid", jid, "error", res.Err)
		if drop != nil {
			q.mu.Unlock()
			drop(jid)
			q.mu.Lock()
		}
	}
}

// invoke runs the chat's work, converting panics into failures so one bad
// chat cannot take the scheduler down.
func (q *GroupQueue) invoke(jid string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(fmt.Errorf("run panicked: %v", r))
		}
	}()
	return q.run(q.ctx, jid)
}

// SetSession records the in-flight backend handle for jid.
func (q *GroupQueue) SetSession(jid string, s *Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(jid).session = s
}

// ClearSession drops the handle after a run finishes.
func (q *GroupQueue) ClearSession(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(jid).session = nil
}

// SessionName returns the container/session name currently running for
// jid, if any.
func (q *GroupQueue) SessionName(jid string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.groups[jid]; st != nil && st.session != nil {
		return st.session.Name, true
	}
	return "", false
}

// Abort kills the in-flight backend process for jid (if any), cancels any
// scheduled retry, and clears buffered work.
func (q *GroupQueue) Abort(jid string) error {
	q.mu.Lock()
	st := q.state(jid)
	st.pending = false
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
		st.active = false
		q.cond.Broadcast()
	}
	var kill func() error
	if st.session != nil {
		kill = st.session.Kill
	}
	q.mu.Unlock()

	if kill == nil {
		return nil
	}
	if err := kill(); err != nil {
		return fmt.Errorf("abort %s: %w", jid, err)
	}
	return nil
}

// Drain stops accepting work and waits up to timeout for in-flight runs to
// finish. Scheduled retries are cancelled.
func (q *GroupQueue) Drain(timeout time.Duration) error {
	q.mu.Lock()
	q.draining = true
	for jid, st := range q.groups {
		if st.retryTimer != nil {
			st.retryTimer.Stop()
			st.retryTimer = nil
			st.active = false
			_ = jid
		}
	}
	q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.activeLocked() > 0 && time.Now().Before(deadline) {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()

	// Wake the waiter at the deadline in case nothing else does.
	wake := time.AfterFunc(timeout, func() { q.cond.Broadcast() })
	defer wake.Stop()

	select {
	case <-done:
	case <-time.After(timeout + 100*time.Millisecond):
	}
	q.cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.activeLocked(); n > 0 {
		return fmt.Errorf("queue drain timed out with %d active chats", n)
	}
	return nil
}

func (q *GroupQueue) activeLocked() int {
	n := 0
	for _, st := range q.groups {
		if st.active {
			n++
		}
	}
	return n
}

// RetryCount exposes the current retry counter for jid.
func (q *GroupQueue) RetryCount(jid string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.groups[jid]; st != nil {
		return st.retryCount
	}
	return 0
}

// HasPending reports whether jid has coalesced work waiting.
func (q *GroupQueue) HasPending(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.groups[jid]
	return st != nil && st.pending
}

// Stats snapshots queue counters.
func (q *GroupQueue) Stats() Stats {
	q.mu.Lock()
	active, pending := 0, 0
	for _, st := range q.groups {
		if st.active {
			active++
		}
		if st.pending {
			pending++
		}
	}
	q.mu.Unlock()
	return Stats{
		ActiveGroups:    active,
		PendingGroups:   pending,
		RunsStarted:     q.runsStarted.Load(),
		RunsFailed:      q.runsFailed.Load(),
		ExhaustionDrops: q.exhaustionDrops.Load(),
	}
}
