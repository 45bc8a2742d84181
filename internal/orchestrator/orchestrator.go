// Package orchestrator wires the system together: channel events feed the
// message log and the per-chat queue; queue runs drive agent sessions
// against the group's backend; the IPC watcher serves the running agents;
// the tasks service fires scheduled prompts.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nanoclaw/internal/backend"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/platform"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tasks"
)

// Orchestrator owns the run loop of the whole system.
type Orchestrator struct {
	cfg      *config.Config
	st       store.Store
	reg      *groups.Registry
	ns       *ipc.Namespace
	watcher  *ipc.Watcher
	backends *backend.Registry
	queue    *queue.GroupQueue
	mgr      *channels.Manager
	tasksSvc *tasks.Service
	log      *slog.Logger
	fatal    func(reason string)
}

// Options configures New.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Registry *groups.Registry
	IPC      *ipc.Namespace
	Backends *backend.Registry
	Channels *channels.Manager
	Log      *slog.Logger
	// Fatal terminates the process. Defaults to a logged os.Exit(1).
	Fatal func(reason string)
}

// New wires the orchestrator. Channels must have been constructed with
// this orchestrator's Events() surface.
func New(opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	fatal := opts.Fatal
	if fatal == nil {
		fatal = func(reason string) {
			log.Error("fatal", "reason", reason)
			os.Exit(1)
		}
	}

	o := &Orchestrator{
		cfg:      opts.Config,
		st:       opts.Store,
		reg:      opts.Registry,
		ns:       opts.IPC,
		backends: opts.Backends,
		mgr:      opts.Channels,
		log:      log.With("component", "orchestrator"),
		fatal:    fatal,
	}

	o.queue = queue.New(o.processChat, queue.Config{
		MaxConcurrent:    opts.Config.Queue.MaxConcurrent,
		MaxRetries:       opts.Config.Queue.MaxRetries,
		RetryBaseDelay:   opts.Config.RetryBaseDelay(),
		ExhaustedGate:    opts.Config.ExhaustedGate(),
		OnExhaustionDrop: o.onExhaustionDrop,
		Log:              log,
	})

	o.tasksSvc = tasks.New(opts.Store, o.runScheduledTask, log)

	o.watcher = ipc.NewWatcher(opts.IPC, opts.Registry, ipc.DefaultPollInterval, log)
	o.registerHandlers()
	return o
}

// Queue exposes the scheduler (admin surface, tests).
func (o *Orchestrator) Queue() *queue.GroupQueue { return o.queue }

// Tasks exposes the scheduled-task service.
func (o *Orchestrator) Tasks() *tasks.Service { return o.tasksSvc }

// Fatal is the single process-terminating hook, also handed to channel
// reconnectors as their breaker-open action.
func (o *Orchestrator) Fatal(reason string) { o.fatal(reason) }

// Start loads groups, initializes every backend the groups reference,
// connects channels, and starts the IPC watcher and task scheduler. Blocks
// until ctx is done, then shuts down.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.reg.Load(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}
	for _, g := range o.reg.List() {
		if err := o.ns.EnsureGroup(g.Folder); err != nil {
			return fmt.Errorf("orchestrator start: %w", err)
		}
	}

	// Fail fast when a referenced backend cannot initialize: a substrate
	// that is unusable at startup is one of the two fatal conditions.
	for _, name := range o.referencedBackends() {
		if _, err := o.backends.Get(ctx, name); err != nil {
			return fmt.Errorf("orchestrator start: %w", err)
		}
	}

	o.mgr.ConnectAll(ctx)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.watcher.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		o.tasksSvc.Run(runCtx)
		return nil
	})

	// Kick every registered chat once so messages that arrived while the
	// host was down get processed.
	for _, jid := range o.reg.JIDs() {
		o.queue.EnqueueMessageCheck(jid)
	}

	<-runCtx.Done()
	_ = g.Wait()
	return o.shutdown()
}

func (o *Orchestrator) referencedBackends() []string {
	seen := map[string]bool{o.cfg.Backend.Default: true}
	for _, g := range o.reg.List() {
		if g.Backend != "" {
			seen[g.Backend] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func (o *Orchestrator) shutdown() error {
	drainTimeout := time.Duration(o.cfg.Queue.DrainTimeoutSec) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	if err := o.queue.Drain(drainTimeout); err != nil {
		o.log.Warn("queue drain incomplete", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.mgr.DisconnectAll(ctx); err != nil {
		o.log.Warn("channel disconnect incomplete", "error", err)
	}
	if err := o.backends.Shutdown(ctx); err != nil {
		o.log.Warn("backend shutdown incomplete", "error", err)
		return err
	}
	return nil
}

// AvailableGroups returns registered groups whose JID some connected
// channel owns.
func (o *Orchestrator) AvailableGroups() []store.RegisteredGroup {
	var out []store.RegisteredGroup
	for _, g := range o.reg.List() {
		if o.mgr.OwnsAny(g.JID) {
			out = append(out, g)
		}
	}
	return out
}

// Events returns the inbound surface channels deliver into.
func (o *Orchestrator) Events() channels.Events { return events{o} }

// OnRecovery returns the per-channel recovery hook: re-enqueue only the
// chats the recovered channel owns.
func (o *Orchestrator) OnRecovery(ch channels.Channel) func() error {
	return func() error {
		for _, jid := range o.reg.JIDs() {
			if ch.OwnsJID(jid) {
				o.queue.EnqueueRecovery(jid)
			}
		}
		return nil
	}
}

type events struct{ o *Orchestrator }

// OnChatMetadata records the chat for listings and refreshes the display
// name of a registered group when it changed.
func (e events) OnChatMetadata(meta channels.ChatMetadata) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.o.st.UpsertChat(ctx, store.Chat{
		JID:             meta.JID,
		Name:            meta.Name,
		Channel:         meta.Channel,
		IsGroup:         meta.IsGroup,
		LastMessageTime: meta.Timestamp,
	}); err != nil {
		e.o.log.Warn("chat upsert failed", "jid", meta.JID, "error", err)
	}
	g := e.o.reg.ByJID(meta.JID)
	if g == nil {
		e.o.maybeAutoRegister(ctx, meta)
		return
	}
	if meta.Name != "" && g.Name != meta.Name {
		if err := e.o.reg.Rename(ctx, meta.JID, meta.Name); err != nil {
			e.o.log.Warn("group rename failed", "jid", meta.JID, "error", err)
		}
	}
}

// maybeAutoRegister turns a newly discovered group chat into a registered
// group on channels configured for it. The folder is slugged from the
// chat name (JID as fallback) and suffixed until free.
func (o *Orchestrator) maybeAutoRegister(ctx context.Context, meta channels.ChatMetadata) {
	trigger := o.autoRegisterTrigger(meta.Channel)
	if trigger == "" || !meta.IsGroup {
		return
	}
	base := platform.Slugify(meta.Name)
	if base == "" {
		base = platform.Slugify(meta.JID)
	}
	if base == "" || base == store.MainFolder {
		return
	}
	folder := base
	for i := 2; o.reg.ByFolder(folder) != nil; i++ {
		folder = fmt.Sprintf("%s-%d", base, i)
	}

	name := meta.Name
	if name == "" {
		name = meta.JID
	}
	if err := o.reg.Register(ctx, store.RegisteredGroup{
		JID:            meta.JID,
		Name:           name,
		Folder:         folder,
		TriggerPattern: trigger,
	}); err != nil {
		o.log.Warn("auto-register failed", "jid", meta.JID, "error", err)
		return
	}
	if err := o.ns.EnsureGroup(folder); err != nil {
		o.log.Warn("auto-register workspace failed", "jid", meta.JID, "folder", folder, "error", err)
		return
	}
	o.log.Info("chat auto-registered", "jid", meta.JID, "folder", folder, "channel", meta.Channel)
}

// autoRegisterTrigger returns the configured auto-registration trigger for
// a channel, empty when the channel does not auto-register.
func (o *Orchestrator) autoRegisterTrigger(channel string) string {
	if channel == "whatsapp" {
		return o.cfg.Channels.WhatsApp.AutoRegisterTrigger
	}
	return ""
}

// OnMessage appends the message to the log and requests a queue run when
// the chat is registered.
func (e events) OnMessage(jid string, msg channels.NewMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.o.st.InsertMessage(ctx, store.Message{
		ID:              msg.ID,
		ChatJID:         jid,
		Sender:          msg.Sender,
		SenderName:      msg.SenderName,
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
		SourceTimestamp: msg.SourceTimestamp,
		IsFromMe:        msg.IsFromMe,
		IsBot:           msg.IsBot,
	}); err != nil {
		e.o.log.Warn("message insert failed", "jid", jid, "error", err)
		return
	}
	if msg.IsFromMe || msg.IsBot {
		return
	}
	if e.o.reg.ByJID(jid) != nil {
		e.o.queue.EnqueueMessageCheck(jid)
	}
}
