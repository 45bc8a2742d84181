package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/agentio"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
)

// processChat is the queue's RunFunc: drain everything newer than the
// chat's cursor in one agent session.
func (o *Orchestrator) processChat(ctx context.Context, jid string) queue.Result {
	g := o.reg.ByJID(jid)
	if g == nil {
		return queue.NoWork()
	}

	cursor, err := o.st.Cursor(ctx, jid)
	if err != nil {
		return queue.Fail(fmt.Errorf("cursor %s: %w", jid, err))
	}
	msgs, err := o.st.MessagesSince(ctx, jid, cursor)
	if err != nil {
		return queue.Fail(fmt.Errorf("messages since %s: %w", jid, err))
	}
	// The bot's own messages never start a run.
	user := msgs[:0:0]
	for _, m := range msgs {
		if !m.IsFromMe && !m.IsBot {
			user = append(user, m)
		}
	}
	if len(user) == 0 {
		return queue.NoWork()
	}
	newest := msgs[len(msgs)-1].Timestamp

	if !o.triggered(g, user) {
		// Untriggered chatter is consumed without an agent run.
		if err := o.st.SetCursor(ctx, jid, newest); err != nil {
			return queue.Fail(fmt.Errorf("cursor advance %s: %w", jid, err))
		}
		return queue.NoWork()
	}

	out, runErr := o.runAgentSession(ctx, g, o.buildPrompt(g, user), false)
	if runErr != nil {
		return queue.Fail(runErr)
	}
	if out.IsKilled() {
		// The user stopped this run. The cursor stays put and no retry is
		// scheduled; the next inbound message re-arms the chat.
		return queue.NoWork()
	}
	if out.IsError() {
		return queue.Fail(errors.New(out.Error))
	}

	if err := o.st.SetCursor(ctx, jid, newest); err != nil {
		return queue.Fail(fmt.Errorf("cursor advance %s: %w", jid, err))
	}
	return queue.Ok()
}

// triggered applies the trigger gate: at least one drained message must
// carry the mention when the group requires it.
func (o *Orchestrator) triggered(g *store.RegisteredGroup, msgs []store.Message) bool {
	if !groups.RequiresTrigger(g) {
		return true
	}
	for _, m := range msgs {
		if groups.Matches(g, m.Content) {
			return true
		}
	}
	return false
}

// buildPrompt renders the drained messages as the agent prompt, one line
// per message, trigger mention stripped.
func (o *Orchestrator) buildPrompt(g *store.RegisteredGroup, msgs []store.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := m.SenderName
		if name == "" {
			name = m.Sender
		}
		fmt.Fprintf(&b, "[%s] %s", name, groups.StripTrigger(g, m.Content))
	}
	return b.String()
}

// runAgentSession refreshes the group's IPC snapshots, runs one agent
// session, routes streamed results to the owning channel, and persists the
// new session id. A session killed through Abort comes back as the
// documented error output without scheduling a retry.
func (o *Orchestrator) runAgentSession(ctx context.Context, g *store.RegisteredGroup, prompt string, scheduled bool) (agentio.Output, error) {
	jid := g.JID
	if err := o.refreshSnapshots(ctx, g); err != nil {
		return agentio.Output{}, err
	}

	sessionID, err := o.st.SessionID(ctx, g.Folder)
	if err != nil {
		return agentio.Output{}, fmt.Errorf("session id %s: %w", g.Folder, err)
	}
	input := agentio.Input{
		Prompt:          prompt,
		SessionID:       sessionID,
		GroupFolder:     g.Folder,
		ChatJID:         jid,
		ChatName:        g.Name,
		IsMain:          g.IsMain(),
		IsScheduledTask: scheduled,
	}

	be, err := o.backends.ForGroup(ctx, g)
	if err != nil {
		return agentio.Output{}, err
	}

	ctx, span := tracing.AgentSession(ctx, g.Folder, be.Name())
	defer span.End()

	var killed atomic.Bool
	obs := &backend.Observer{
		Process: func(p backend.AgentProcess, name string) {
			o.queue.SetSession(jid, &queue.Session{
				Name: name,
				Kill: func() error {
					killed.Store(true)
					stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					return p.Stop(stopCtx)
				},
			})
		},
		Output: func(out agentio.Output) error {
			return o.routeOutput(ctx, jid, out)
		},
	}

	o.mgr.SetTyping(ctx, jid, true)
	out, runErr := be.RunAgent(ctx, *g, input, obs)
	o.mgr.SetTyping(ctx, jid, false)
	o.queue.ClearSession(jid)

	if killed.Load() {
		return agentio.KilledOutput(), nil
	}
	if runErr != nil {
		return agentio.Output{}, runErr
	}
	if out.NewSessionID != "" && out.NewSessionID != sessionID {
		if err := o.st.SetSessionID(ctx, g.Folder, out.NewSessionID); err != nil {
			o.log.Warn("session id persist failed", "folder", g.Folder, "error", err)
		}
	}
	return out, nil
}

// routeOutput delivers one streamed agent output to the chat and records
// the bot message so later reference validation can see it.
func (o *Orchestrator) routeOutput(ctx context.Context, jid string, out agentio.Output) error {
	if out.Result == nil || *out.Result == "" {
		return nil
	}
	chName := ""
	if ch := o.mgr.Owner(jid); ch != nil {
		chName = ch.Name()
	}
	ctx, span := tracing.ChannelSend(ctx, chName, jid)
	defer span.End()
	receipt, err := o.mgr.Send(ctx, jid, *out.Result)
	if err != nil {
		return fmt.Errorf("deliver output to %s: %w", jid, err)
	}
	o.recordBotMessage(ctx, jid, *out.Result, receipt)
	return nil
}

func (o *Orchestrator) recordBotMessage(ctx context.Context, jid, text string, receipt *channels.SendReceipt) {
	m := store.Message{
		ID:        uuid.NewString(),
		ChatJID:   jid,
		Content:   text,
		Timestamp: time.Now().UTC(),
		IsFromMe:  true,
		IsBot:     true,
	}
	if receipt != nil && receipt.Timestamp != nil {
		m.SourceTimestamp = receipt.Timestamp
		m.ID = formatSourceTimestamp(*receipt.Timestamp)
	}
	if err := o.st.InsertMessage(ctx, m); err != nil {
		o.log.Warn("bot message insert failed", "jid", jid, "error", err)
	}
}

// formatSourceTimestamp renders a platform timestamp the way the platform
// hands it out (Slack-style fractional seconds keep their precision).
func formatSourceTimestamp(ts float64) string {
	if ts == float64(int64(ts)) {
		return fmt.Sprintf("%d", int64(ts))
	}
	return fmt.Sprintf("%.6f", ts)
}

// refreshSnapshots rewrites the group's snapshot files before each spawn.
func (o *Orchestrator) refreshSnapshots(ctx context.Context, g *store.RegisteredGroup) error {
	cap := o.cfg.Queue.SnapshotMessageCap
	if cap <= 0 {
		cap = 50
	}
	msgs, err := o.st.RecentMessages(ctx, g.JID, cap)
	if err != nil {
		return fmt.Errorf("recent messages %s: %w", g.JID, err)
	}
	if err := o.ns.WriteSnapshot(g.Folder, ipc.RecentMessagesFile, ipc.BuildRecentMessages(msgs, time.Now())); err != nil {
		return err
	}

	isMain := g.IsMain()
	if err := o.ns.WriteSnapshot(g.Folder, ipc.GroupsFile, ipc.BuildGroups(o.reg.List(), g.Folder, isMain)); err != nil {
		return err
	}

	scope := g.Folder
	if isMain {
		scope = ""
	}
	tasksList, err := o.tasksSvc.List(ctx, scope)
	if err != nil {
		return fmt.Errorf("tasks for %s: %w", g.Folder, err)
	}
	return o.ns.WriteSnapshot(g.Folder, ipc.TasksFile, ipc.BuildTasks(tasksList))
}

// onExhaustionDrop commits the exhaustion cursor: buffered messages are
// dropped by advancing past the newest of them. A positive recovery gate
// may push the cursor further back, but never in front of a message that
// just exhausted its retries, or the next drain would replay it.
func (o *Orchestrator) onExhaustionDrop(jid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	target := time.Now().UTC()
	if gate := o.cfg.ExhaustedGate(); gate > 0 {
		target = target.Add(-gate)
	}
	if msgs, err := o.st.RecentMessages(ctx, jid, 1); err != nil {
		o.log.Error("exhaustion cursor lookup failed", "jid", jid, "error", err)
	} else if len(msgs) > 0 && msgs[0].Timestamp.After(target) {
		target = msgs[0].Timestamp
	}
	if err := o.st.SetCursor(ctx, jid, target); err != nil {
		o.log.Error("exhaustion cursor commit failed", "jid", jid, "error", err)
	}
}

// runScheduledTask is the tasks-service runner: one scheduled-lane agent
// session for the owning chat.
func (o *Orchestrator) runScheduledTask(ctx context.Context, t store.ScheduledTask) error {
	g := o.reg.ByJID(t.ChatJID)
	if g == nil {
		return fmt.Errorf("scheduled task %s: chat %s not registered", t.ID, t.ChatJID)
	}
	out, err := o.runAgentSession(ctx, g, t.Prompt, true)
	if err != nil {
		return err
	}
	if out.IsKilled() {
		o.log.Info("scheduled task session killed", "task", t.ID, "jid", t.ChatJID)
		return nil
	}
	if out.IsError() {
		return errors.New(out.Error)
	}
	return nil
}
