package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agentio"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// memStore is a full in-memory store.Store.
type memStore struct {
	mu       sync.Mutex
	groups   map[string]store.RegisteredGroup
	messages []store.Message
	cursors  map[string]time.Time
	sessions map[string]string
	chats    map[string]store.Chat
	tasks    map[string]store.ScheduledTask
}

func newMemStore() *memStore {
	return &memStore{
		groups:   make(map[string]store.RegisteredGroup),
		cursors:  make(map[string]time.Time),
		sessions: make(map[string]string),
		chats:    make(map[string]store.Chat),
		tasks:    make(map[string]store.ScheduledTask),
	}
}

func (s *memStore) RegisterGroup(_ context.Context, g store.RegisteredGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.JID] = g
	return nil
}

func (s *memStore) GroupByJID(_ context.Context, jid string) (*store.RegisteredGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[jid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (s *memStore) GroupByFolder(_ context.Context, folder string) (*store.RegisteredGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.Folder == folder {
			return &g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ListGroups(_ context.Context) ([]store.RegisteredGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RegisteredGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *memStore) RenameGroup(_ context.Context, jid, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[jid]
	if !ok {
		return store.ErrNotFound
	}
	g.Name = name
	s.groups[jid] = g
	return nil
}

func (s *memStore) DeleteGroup(_ context.Context, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, jid)
	return nil
}

func (s *memStore) InsertMessage(_ context.Context, m store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.messages {
		if old.ChatJID == m.ChatJID && old.ID == m.ID {
			return nil
		}
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) RecentMessages(_ context.Context, jid string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.ChatJID == jid {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MessagesSince(_ context.Context, jid string, since time.Time) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.ChatJID == jid && m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memStore) Cursor(_ context.Context, jid string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[jid], nil
}

func (s *memStore) SetCursor(_ context.Context, jid string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[jid] = t
	return nil
}

func (s *memStore) SessionID(_ context.Context, folder string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[folder], nil
}

func (s *memStore) SetSessionID(_ context.Context, folder, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[folder] = id
	return nil
}

func (s *memStore) UpsertChat(_ context.Context, c store.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.JID] = c
	return nil
}

func (s *memStore) ListChats(_ context.Context) ([]store.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) CreateTask(_ context.Context, t store.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *memStore) TaskByID(_ context.Context, id string) (*store.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *memStore) ListTasks(_ context.Context, folder string) ([]store.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ScheduledTask
	for _, t := range s.tasks {
		if folder == "" || t.GroupFolder == folder {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) UpdateTaskStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	s.tasks[id] = t
	return nil
}

func (s *memStore) MarkTaskRun(_ context.Context, id string, last time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if !last.IsZero() {
		t.LastRun = &last
	}
	t.NextRun = next
	s.tasks[id] = t
	return nil
}

func (s *memStore) DueTasks(_ context.Context, now time.Time) ([]store.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ScheduledTask
	for _, t := range s.tasks {
		if t.Status == store.TaskStatusActive && t.NextRun != nil && !t.NextRun.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

// fakeChannel owns every "test:" JID and records sends and actions.
type fakeChannel struct {
	mu        sync.Mutex
	sent      []string
	reactions []string
	edits     []string
	ts        float64
}

func (c *fakeChannel) Name() string            { return "test" }
func (c *fakeChannel) OwnsJID(jid string) bool { return len(jid) > 5 && jid[:5] == "test:" }

func (c *fakeChannel) Connect(context.Context) error    { return nil }
func (c *fakeChannel) Disconnect(context.Context) error { return nil }
func (c *fakeChannel) IsConnected() bool                { return true }

func (c *fakeChannel) SendMessage(_ context.Context, jid, text string) (*channels.SendReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.ts++
	ts := c.ts
	return &channels.SendReceipt{Timestamp: &ts}, nil
}

func (c *fakeChannel) SetTyping(context.Context, string, bool) error { return nil }

func (c *fakeChannel) React(_ context.Context, _ string, ref channels.MessageRef, emoji string, remove bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions = append(c.reactions, ref.Timestamp+":"+emoji)
	return nil
}

func (c *fakeChannel) EditMessage(_ context.Context, _ string, ref channels.MessageRef, newText string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, ref.Timestamp+":"+newText)
	return nil
}

func (c *fakeChannel) DeleteMessage(context.Context, string, channels.MessageRef) error { return nil }
func (c *fakeChannel) SendReadReceipt(context.Context, string, channels.MessageRef) error {
	return nil
}
func (c *fakeChannel) SendPoll(context.Context, string, string, []string) error { return nil }

// scriptBackend returns queued outputs in order, default success.
type scriptBackend struct {
	mu        sync.Mutex
	outputs   []agentio.Output
	inputs    []agentio.Input
	stopped   bool
	onProcess func()
}

type scriptProcess struct{ b *scriptBackend }

func (p scriptProcess) Stop(context.Context) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.b.stopped = true
	return nil
}

func (b *scriptBackend) Name() string { return "local" }

func (b *scriptBackend) RunAgent(_ context.Context, _ store.RegisteredGroup, input agentio.Input, obs backend.RunObserver) (agentio.Output, error) {
	b.mu.Lock()
	b.inputs = append(b.inputs, input)
	var out agentio.Output
	if len(b.outputs) > 0 {
		out = b.outputs[0]
		b.outputs = b.outputs[1:]
	} else {
		out = agentio.SuccessOutput("done")
	}
	b.mu.Unlock()

	obs.OnProcess(scriptProcess{b}, "agent-test")
	if b.onProcess != nil {
		b.onProcess()
	}
	if err := obs.OnOutput(out); err != nil {
		return agentio.Output{}, err
	}
	return out, nil
}

func (b *scriptBackend) SendMessage(context.Context, string, string) bool           { return false }
func (b *scriptBackend) CloseStdin(context.Context, string, string) error           { return nil }
func (b *scriptBackend) WriteIpcData(context.Context, string, string, []byte) error { return nil }
func (b *scriptBackend) ReadFile(context.Context, string, string) ([]byte, error)   { return nil, nil }
func (b *scriptBackend) WriteFile(context.Context, string, string, []byte) error    { return nil }
func (b *scriptBackend) Initialize(context.Context) error                           { return nil }
func (b *scriptBackend) Shutdown(context.Context) error                             { return nil }

type fixture struct {
	o   *Orchestrator
	st  *memStore
	ch  *fakeChannel
	be  *scriptBackend
	cfg *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	st := newMemStore()
	reg := groups.NewRegistry(st)
	ns := ipc.NewNamespace(cfg.IPCDir())

	be := &scriptBackend{}
	backends := backend.NewRegistry(backend.Deps{Config: cfg, IPC: ns})
	backends.Register("local", func(backend.Deps) (backend.Backend, error) { return be, nil })

	ch := &fakeChannel{}
	mgr := channels.NewManager([]channels.Channel{ch}, nil)

	o := New(Options{
		Config:   cfg,
		Store:    st,
		Registry: reg,
		IPC:      ns,
		Backends: backends,
		Channels: mgr,
		Fatal:    func(string) {},
	})
	return &fixture{o: o, st: st, ch: ch, be: be, cfg: cfg}
}

func (f *fixture) register(t *testing.T, jid, folder, trigger string) {
	t.Helper()
	ctx := context.Background()
	g := store.RegisteredGroup{JID: jid, Name: folder, Folder: folder, TriggerPattern: trigger}
	if err := f.o.reg.Register(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := f.o.ns.EnsureGroup(folder); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) addMessage(t *testing.T, jid, sender, content string, at time.Time) {
	t.Helper()
	err := f.st.InsertMessage(context.Background(), store.Message{
		ID:      content + at.String(),
		ChatJID: jid,
		Sender:  sender, SenderName: sender,
		Content:   content,
		Timestamp: at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestProcessChatDeliversAgentOutput(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	now := time.Now().UTC()
	f.addMessage(t, "test:fam", "alice", "@andy what's for dinner", now)

	res := f.o.processChat(context.Background(), "test:fam")
	if res.Tag != queue.Processed || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if len(f.ch.sent) != 1 || f.ch.sent[0] != "done" {
		t.Fatalf("sent = %v", f.ch.sent)
	}

	// The delivered reply is persisted as a bot message.
	msgs, _ := f.st.RecentMessages(context.Background(), "test:fam", 10)
	var bot int
	for _, m := range msgs {
		if m.IsBot {
			bot++
		}
	}
	if bot != 1 {
		t.Errorf("bot messages = %d, want 1", bot)
	}

	// Cursor advanced past the handled message.
	cur, _ := f.st.Cursor(context.Background(), "test:fam")
	if cur.Before(now) {
		t.Errorf("cursor = %v, want >= %v", cur, now)
	}
}

func TestProcessChatUntriggeredConsumesWithoutRun(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	now := time.Now().UTC()
	f.addMessage(t, "test:fam", "alice", "just chatting", now)

	res := f.o.processChat(context.Background(), "test:fam")
	if res.Tag != queue.Empty || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if len(f.be.inputs) != 0 {
		t.Error("agent ran without a trigger")
	}
	cur, _ := f.st.Cursor(context.Background(), "test:fam")
	if cur.Before(now) {
		t.Errorf("cursor not advanced: %v", cur)
	}

	// The consumed message does not re-trigger a later run.
	res = f.o.processChat(context.Background(), "test:fam")
	if res.Tag != queue.Empty || res.Err != nil {
		t.Fatalf("second result = %+v", res)
	}
}

func TestProcessChatMainGroupNeedsNoTrigger(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:main", store.MainFolder, "")
	f.addMessage(t, "test:main", "owner", "hello", time.Now().UTC())

	res := f.o.processChat(context.Background(), "test:main")
	if res.Tag != queue.Processed {
		t.Fatalf("result = %+v", res)
	}
	if len(f.be.inputs) != 1 || !f.be.inputs[0].IsMain {
		t.Fatalf("inputs = %+v", f.be.inputs)
	}
}

func TestProcessChatAgentErrorFails(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "")
	req := false
	g := f.o.reg.ByJID("test:fam")
	g.RequiresTrigger = &req
	_ = f.o.reg.Register(context.Background(), *g)

	now := time.Now().UTC()
	f.addMessage(t, "test:fam", "alice", "hi", now)
	f.be.outputs = []agentio.Output{agentio.ErrorOutput("agent blew up")}

	res := f.o.processChat(context.Background(), "test:fam")
	if res.Tag != queue.Failed || res.Err == nil {
		t.Fatal("agent error did not fail the run")
	}
	// Cursor stays put so a retry re-reads the messages.
	cur, _ := f.st.Cursor(context.Background(), "test:fam")
	if !cur.IsZero() {
		t.Errorf("cursor advanced on failure: %v", cur)
	}
}

func TestSessionKillYieldsKilledOutput(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:main", store.MainFolder, "")

	// Abort as soon as the process handle is visible, the way a user kill
	// lands mid-run.
	f.be.onProcess = func() {
		if err := f.o.queue.Abort("test:main"); err != nil {
			t.Errorf("Abort: %v", err)
		}
	}

	g := f.o.reg.ByJID("test:main")
	out, err := f.o.runAgentSession(context.Background(), g, "long job", false)
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsError() || out.Error != "Agent was killed" {
		t.Fatalf("output = %+v, want the killed-session error", out)
	}
	if !f.be.stopped {
		t.Error("process was not stopped")
	}

	// Session handle is cleared once the run returns.
	if name, ok := f.o.queue.SessionName("test:main"); ok {
		t.Fatalf("session not cleared after run: %q", name)
	}
}

func TestProcessChatKilledSessionDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	now := time.Now().UTC()
	f.addMessage(t, "test:fam", "alice", "@andy summarize the week", now)

	f.be.onProcess = func() {
		if err := f.o.queue.Abort("test:fam"); err != nil {
			t.Errorf("Abort: %v", err)
		}
	}

	res := f.o.processChat(context.Background(), "test:fam")
	if res.Tag != queue.Empty || res.Err != nil {
		t.Fatalf("result = %+v, want terminal no-work for a killed session", res)
	}

	// The cursor stays put so the next inbound message re-drains the chat.
	cur, _ := f.st.Cursor(context.Background(), "test:fam")
	if !cur.IsZero() {
		t.Errorf("cursor advanced on kill: %v", cur)
	}
}

func TestOnExhaustionDropClampsCursor(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	f.cfg.Queue.ExhaustedGateMS = int((2 * time.Hour).Milliseconds())

	before := time.Now().UTC()
	f.o.onExhaustionDrop("test:fam")

	cur, _ := f.st.Cursor(context.Background(), "test:fam")
	want := before.Add(-2 * time.Hour)
	if cur.Before(want.Add(-time.Minute)) || cur.After(before) {
		t.Errorf("cursor = %v, want about %v", cur, want)
	}
}

func TestOnExhaustionDropAdvancesPastBufferedMessages(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	f.cfg.Queue.ExhaustedGateMS = int((2 * time.Hour).Milliseconds())

	// The message that exhausted its retries is fresher than now-gate; the
	// committed cursor must still move past it or the next drain replays it.
	poisoned := time.Now().UTC().Add(-time.Minute)
	if err := f.st.InsertMessage(context.Background(), store.Message{
		ID: "m-poison", ChatJID: "test:fam", Sender: "u1",
		Content: "@andy crash please", Timestamp: poisoned,
	}); err != nil {
		t.Fatal(err)
	}

	f.o.onExhaustionDrop("test:fam")

	cur, _ := f.st.Cursor(context.Background(), "test:fam")
	if cur.Before(poisoned) {
		t.Fatalf("cursor = %v, want at or past the newest buffered message %v", cur, poisoned)
	}
	msgs, _ := f.st.MessagesSince(context.Background(), "test:fam", cur)
	if len(msgs) != 0 {
		t.Errorf("messages still ahead of cursor after drop: %v", msgs)
	}
}

func TestRunScheduledTaskUsesTaskLane(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")

	err := f.o.runScheduledTask(context.Background(), store.ScheduledTask{
		ID: "t1", ChatJID: "test:fam", GroupFolder: "family", Prompt: "daily recap",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.be.inputs) != 1 {
		t.Fatalf("inputs = %d", len(f.be.inputs))
	}
	in := f.be.inputs[0]
	if !in.IsScheduledTask || in.Prompt != "daily recap" {
		t.Errorf("input = %+v", in)
	}
	if len(f.ch.sent) != 1 {
		t.Errorf("scheduled output not delivered: %v", f.ch.sent)
	}
}

func buildTask(t *testing.T, source string, payload map[string]any) ipc.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	task, err := ipc.ParseTask(data, source)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestHandleSendMessageWritesResponseAfterSend(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")

	task := buildTask(t, "family", map[string]any{
		"type": "send_message", "chatJid": "test:fam",
		"text": "hi there", "responseId": "r1",
	})
	if err := f.o.handleSendMessage(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if len(f.ch.sent) != 1 || f.ch.sent[0] != "hi there" {
		t.Fatalf("sent = %v", f.ch.sent)
	}

	var resp ipc.SendResponse
	if err := f.o.ns.AwaitResponse(context.Background(), "family", "r1", &resp, time.Second); err != nil {
		t.Fatal(err)
	}
	if resp.Timestamp == nil {
		t.Error("response missing channel timestamp")
	}
}

func TestScheduleAndListTasksViaIPC(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")

	task := buildTask(t, "family", map[string]any{
		"type": "schedule_task", "chatJid": "test:fam",
		"prompt": "recap", "schedule": "0 9 * * *", "responseId": "r1",
	})
	if err := f.o.handleScheduleTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	var created struct {
		Success bool   `json:"success"`
		TaskID  string `json:"taskId"`
	}
	if err := f.o.ns.AwaitResponse(context.Background(), "family", "r1", &created, time.Second); err != nil {
		t.Fatal(err)
	}
	if !created.Success || created.TaskID == "" {
		t.Fatalf("response = %+v", created)
	}

	list := buildTask(t, "family", map[string]any{
		"type": "list_tasks", "chatJid": "test:fam", "responseId": "r2",
	})
	if err := f.o.handleListTasks(context.Background(), list); err != nil {
		t.Fatal(err)
	}
	var listed struct {
		Tasks []ipc.TaskInfo `json:"tasks"`
	}
	if err := f.o.ns.AwaitResponse(context.Background(), "family", "r2", &listed, time.Second); err != nil {
		t.Fatal(err)
	}
	if len(listed.Tasks) != 1 || listed.Tasks[0].ID != created.TaskID {
		t.Fatalf("tasks = %+v", listed.Tasks)
	}
}

func TestTaskStatusCrossGroupRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	f.register(t, "test:work", "work", "@andy")
	f.register(t, "test:main", store.MainFolder, "")

	created, err := f.o.tasksSvc.Create(context.Background(), "test:fam", "family", "recap", "0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}

	foreign := buildTask(t, "work", map[string]any{
		"type": "pause_task", "chatJid": "test:work", "taskId": created.ID,
	})
	h := f.o.taskStatusHandler("pause", f.o.tasksSvc.Pause)
	if err := h(context.Background(), foreign); err == nil {
		t.Fatal("foreign group paused another group's task")
	}

	// The main group may.
	admin := buildTask(t, store.MainFolder, map[string]any{
		"type": "pause_task", "taskId": created.ID,
	})
	if err := h(context.Background(), admin); err != nil {
		t.Fatal(err)
	}
	got, _ := f.st.TaskByID(context.Background(), created.ID)
	if got.Status != store.TaskStatusPaused {
		t.Errorf("status = %s", got.Status)
	}
}

func TestHandleRegisterGroupMainOnly(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:main", store.MainFolder, "")
	f.register(t, "test:fam", "family", "@andy")

	fromFam := buildTask(t, "family", map[string]any{
		"type": "register_group", "chatJid": "test:new",
		"name": "New", "folder": "newgroup",
	})
	if err := f.o.handleRegisterGroup(context.Background(), fromFam); err == nil {
		t.Fatal("non-main group registered a group")
	}

	fromMain := buildTask(t, store.MainFolder, map[string]any{
		"type": "register_group", "chatJid": "test:new",
		"name": "New", "folder": "newgroup", "trigger": "@andy",
	})
	if err := f.o.handleRegisterGroup(context.Background(), fromMain); err != nil {
		t.Fatal(err)
	}
	if f.o.reg.ByJID("test:new") == nil {
		t.Error("group not registered")
	}
}

func TestReactionHandlerValidatesReference(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	f.addMessage(t, "test:fam", "alice", "react to me", time.Now().UTC())
	msgs, _ := f.st.RecentMessages(context.Background(), "test:fam", 1)
	target := msgs[0]

	h := f.o.reactionHandler(false)

	bad := buildTask(t, "family", map[string]any{
		"type": "signal_react", "chatJid": "test:fam",
		"targetAuthor": "bob", "targetTimestamp": target.ID, "emoji": "👍",
	})
	if err := h(context.Background(), bad); err == nil {
		t.Fatal("wrong author accepted")
	}

	good := buildTask(t, "family", map[string]any{
		"type": "signal_react", "chatJid": "test:fam",
		"targetAuthor": "alice", "targetTimestamp": target.ID, "emoji": "👍",
	})
	if err := h(context.Background(), good); err != nil {
		t.Fatal(err)
	}
	if len(f.ch.reactions) != 1 {
		t.Fatalf("reactions = %v", f.ch.reactions)
	}
}

func TestEditMessageOwnOnly(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	now := time.Now().UTC()
	f.addMessage(t, "test:fam", "alice", "their message", now)
	_ = f.st.InsertMessage(context.Background(), store.Message{
		ID: "bot-1", ChatJID: "test:fam", Content: "my message",
		Timestamp: now.Add(time.Second), IsFromMe: true, IsBot: true,
	})

	theirs := buildTask(t, "family", map[string]any{
		"type": "edit_message", "chatJid": "test:fam",
		"targetTimestamp": "their message" + now.String(), "newText": "hacked",
	})
	if err := f.o.handleEditMessage(context.Background(), theirs); err == nil {
		t.Fatal("edited someone else's message")
	}

	mine := buildTask(t, "family", map[string]any{
		"type": "edit_message", "chatJid": "test:fam",
		"targetTimestamp": "bot-1", "newText": "fixed",
	})
	if err := f.o.handleEditMessage(context.Background(), mine); err != nil {
		t.Fatal(err)
	}
	if len(f.ch.edits) != 1 {
		t.Fatalf("edits = %v", f.ch.edits)
	}
}

func TestChatMetadataAutoRegistersWhatsAppGroups(t *testing.T) {
	f := newFixture(t)
	f.cfg.Channels.WhatsApp.AutoRegisterTrigger = "andy"
	ev := f.o.Events()

	ev.OnChatMetadata(channels.ChatMetadata{
		JID:       "123@g.us",
		Name:      "Family Chat",
		Channel:   "whatsapp",
		IsGroup:   true,
		Timestamp: time.Now().UTC(),
	})

	g := f.o.reg.ByJID("123@g.us")
	if g == nil {
		t.Fatal("discovered group chat was not registered")
	}
	if g.Folder != "family-chat" {
		t.Errorf("folder = %q, want family-chat", g.Folder)
	}
	if g.TriggerPattern != "@andy" {
		t.Errorf("trigger = %q, want @andy", g.TriggerPattern)
	}

	// Direct chats and channels without the knob stay unregistered.
	ev.OnChatMetadata(channels.ChatMetadata{
		JID: "555@s.whatsapp.net", Channel: "whatsapp", IsGroup: false,
		Timestamp: time.Now().UTC(),
	})
	ev.OnChatMetadata(channels.ChatMetadata{
		JID: "slack:C042", Channel: "slack", IsGroup: true,
		Timestamp: time.Now().UTC(),
	})
	if f.o.reg.ByJID("555@s.whatsapp.net") != nil || f.o.reg.ByJID("slack:C042") != nil {
		t.Error("auto-registration leaked past whatsapp groups")
	}
}

func TestAutoRegisterResolvesFolderCollision(t *testing.T) {
	f := newFixture(t)
	f.cfg.Channels.WhatsApp.AutoRegisterTrigger = "andy"
	f.register(t, "test:existing", "family-chat", "@andy")

	f.o.Events().OnChatMetadata(channels.ChatMetadata{
		JID: "123@g.us", Name: "Family Chat", Channel: "whatsapp", IsGroup: true,
		Timestamp: time.Now().UTC(),
	})

	g := f.o.reg.ByJID("123@g.us")
	if g == nil {
		t.Fatal("colliding chat was not registered")
	}
	if g.Folder != "family-chat-2" {
		t.Errorf("folder = %q, want family-chat-2", g.Folder)
	}
}

func TestEventsEnqueueOnlyRegisteredUserMessages(t *testing.T) {
	f := newFixture(t)
	f.register(t, "test:fam", "family", "@andy")
	ev := f.o.Events()

	ev.OnMessage("test:fam", channels.NewMessage{
		ID: "m1", Sender: "alice", Content: "@andy hi", Timestamp: time.Now().UTC(),
	})
	ev.OnMessage("test:unknown", channels.NewMessage{
		ID: "m2", Sender: "alice", Content: "hi", Timestamp: time.Now().UTC(),
	})

	msgs, _ := f.st.RecentMessages(context.Background(), "test:fam", 10)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	// Both messages are logged; only the registered chat is queued.
	other, _ := f.st.RecentMessages(context.Background(), "test:unknown", 10)
	if len(other) != 1 {
		t.Fatalf("unregistered chat message not logged")
	}
}
