package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// taskResult is the generic IPC response shape for handlers that only
// report success or failure.
type taskResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func okResult() taskResult          { return taskResult{Success: true} }
func errResult(err error) taskResult { return taskResult{Error: err.Error()} }

// registerHandlers installs every IPC task type on the watcher. The
// watcher has already authorized the task against its source group when a
// handler runs; handlers enforce the remaining per-type rules.
func (o *Orchestrator) registerHandlers() {
	w := o.watcher
	w.Register("send_message", o.handleSendMessage)
	w.Register("schedule_task", o.handleScheduleTask)
	w.Register("pause_task", o.taskStatusHandler("pause", o.tasksSvc.Pause))
	w.Register("resume_task", o.taskStatusHandler("resume", o.tasksSvc.Resume))
	w.Register("cancel_task", o.taskStatusHandler("cancel", o.tasksSvc.Cancel))
	w.Register("list_tasks", o.handleListTasks)
	w.Register("register_group", o.handleRegisterGroup)
	w.Register("sync_group_metadata", o.handleSyncGroupMetadata)
	w.Register("signal_react", o.reactionHandler(false))
	w.Register("signal_remove_reaction", o.reactionHandler(true))
	w.Register("edit_message", o.handleEditMessage)
	w.Register("delete_message", o.handleDeleteMessage)
	w.Register("send_receipt", o.handleSendReceipt)
	w.Register("send_poll", o.handleSendPoll)
}

// respond writes the response file when the task asked for one. Responses
// are written strictly after the action completed.
func (o *Orchestrator) respond(t ipc.Task, v any) {
	if t.ResponseID == "" {
		return
	}
	if err := o.ns.WriteResponse(t.SourceGroup, t.ResponseID, v); err != nil {
		o.log.Warn("ipc response write failed", "group", t.SourceGroup, "type", t.Type, "error", err)
	}
}

func (o *Orchestrator) handleSendMessage(ctx context.Context, t ipc.Task) error {
	var req struct {
		ChatJID string `json:"chatJid"`
		Text    string `json:"text"`
		Message string `json:"message"` // historical field name, same meaning
	}
	if err := t.Decode(&req); err != nil {
		o.respond(t, ipc.SendResponse{Error: err.Error()})
		return err
	}
	text := req.Text
	if text == "" {
		text = req.Message
	}
	if text == "" {
		err := fmt.Errorf("send_message from %q: empty text", t.SourceGroup)
		o.respond(t, ipc.SendResponse{Error: err.Error()})
		return err
	}
	jid, err := o.targetJID(t, req.ChatJID)
	if err != nil {
		o.respond(t, ipc.SendResponse{Error: err.Error()})
		return err
	}

	receipt, err := o.mgr.Send(ctx, jid, text)
	if err != nil {
		o.respond(t, ipc.SendResponse{Error: err.Error()})
		return fmt.Errorf("send_message to %s: %w", jid, err)
	}
	o.recordBotMessage(ctx, jid, text, receipt)

	resp := ipc.SendResponse{}
	if receipt != nil {
		resp.Timestamp = receipt.Timestamp
	}
	o.respond(t, resp)
	return nil
}

// targetJID resolves the chat a task acts on: the payload's chatJid when
// present, the source group's own chat otherwise.
func (o *Orchestrator) targetJID(t ipc.Task, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	g := o.reg.ByFolder(t.SourceGroup)
	if g == nil {
		return "", fmt.Errorf("%s task: source group %q is not registered", t.Type, t.SourceGroup)
	}
	return g.JID, nil
}

func (o *Orchestrator) handleScheduleTask(ctx context.Context, t ipc.Task) error {
	var req struct {
		ChatJID  string `json:"chatJid"`
		Prompt   string `json:"prompt"`
		Schedule string `json:"schedule"`
	}
	if err := t.Decode(&req); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	jid, err := o.targetJID(t, req.ChatJID)
	if err != nil {
		o.respond(t, errResult(err))
		return err
	}
	g := o.reg.ByJID(jid)
	if g == nil {
		err := fmt.Errorf("schedule_task: chat %q is not registered", jid)
		o.respond(t, errResult(err))
		return err
	}

	task, err := o.tasksSvc.Create(ctx, g.JID, g.Folder, req.Prompt, req.Schedule)
	if err != nil {
		o.respond(t, errResult(err))
		return err
	}
	o.respond(t, struct {
		Success bool   `json:"success"`
		TaskID  string `json:"taskId"`
		NextRun string `json:"nextRun,omitempty"`
	}{
		Success: true,
		TaskID:  task.ID,
		NextRun: formatNextRun(task.NextRun),
	})
	return nil
}

func formatNextRun(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// taskStatusHandler builds the pause/resume/cancel handlers. Non-main
// groups may only act on their own tasks.
func (o *Orchestrator) taskStatusHandler(verb string, apply func(context.Context, string) error) ipc.Handler {
	return func(ctx context.Context, t ipc.Task) error {
		var req struct {
			TaskID string `json:"taskId"`
		}
		if err := t.Decode(&req); err != nil {
			o.respond(t, errResult(err))
			return err
		}
		if req.TaskID == "" {
			err := fmt.Errorf("%s_task from %q: missing taskId", verb, t.SourceGroup)
			o.respond(t, errResult(err))
			return err
		}
		if err := o.authorizeTask(ctx, t.SourceGroup, req.TaskID); err != nil {
			o.respond(t, errResult(err))
			return err
		}
		if err := apply(ctx, req.TaskID); err != nil {
			o.respond(t, errResult(err))
			return err
		}
		o.respond(t, okResult())
		return nil
	}
}

// authorizeTask rejects cross-group task manipulation: only the main group
// may touch tasks owned by another folder.
func (o *Orchestrator) authorizeTask(ctx context.Context, sourceFolder, taskID string) error {
	if o.reg.IsMain(sourceFolder) {
		return nil
	}
	task, err := o.st.TaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	if task.GroupFolder != sourceFolder {
		return fmt.Errorf("%w: task %s belongs to %q", ipc.ErrUnauthorized, taskID, task.GroupFolder)
	}
	return nil
}

func (o *Orchestrator) handleListTasks(ctx context.Context, t ipc.Task) error {
	scope := t.SourceGroup
	if o.reg.IsMain(t.SourceGroup) {
		scope = ""
	}
	tasksList, err := o.tasksSvc.List(ctx, scope)
	if err != nil {
		o.respond(t, errResult(err))
		return err
	}
	o.respond(t, struct {
		Success bool           `json:"success"`
		Tasks   []ipc.TaskInfo `json:"tasks"`
	}{Success: true, Tasks: ipc.BuildTasks(tasksList)})
	return nil
}

// handleRegisterGroup is the main group's admin action: register (or
// update) a chat as an agent group and create its workspace.
func (o *Orchestrator) handleRegisterGroup(ctx context.Context, t ipc.Task) error {
	if !o.reg.IsMain(t.SourceGroup) {
		err := fmt.Errorf("%w: register_group requires the main group", ipc.ErrUnauthorized)
		o.respond(t, errResult(err))
		return err
	}
	var req struct {
		ChatJID         string `json:"chatJid"`
		Name            string `json:"name"`
		Folder          string `json:"folder"`
		Trigger         string `json:"trigger,omitempty"`
		RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`
		Backend         string `json:"backend,omitempty"`
	}
	if err := t.Decode(&req); err != nil {
		o.respond(t, errResult(err))
		return err
	}

	g := store.RegisteredGroup{
		JID:             req.ChatJID,
		Name:            req.Name,
		Folder:          req.Folder,
		TriggerPattern:  req.Trigger,
		RequiresTrigger: req.RequiresTrigger,
		Backend:         req.Backend,
	}
	if err := o.reg.Register(ctx, g); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	if err := o.ns.EnsureGroup(req.Folder); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	o.log.Info("group registered", "jid", req.ChatJID, "folder", req.Folder)
	o.respond(t, okResult())
	return nil
}

// handleSyncGroupMetadata refreshes registered group names from the chat
// metadata the channels have reported, then rewrites the caller's
// groups.json so the agent sees the update within the same session.
func (o *Orchestrator) handleSyncGroupMetadata(ctx context.Context, t ipc.Task) error {
	chats, err := o.st.ListChats(ctx)
	if err != nil {
		o.respond(t, errResult(err))
		return err
	}
	byJID := make(map[string]store.Chat, len(chats))
	for _, c := range chats {
		byJID[c.JID] = c
	}
	for _, g := range o.reg.List() {
		c, ok := byJID[g.JID]
		if !ok || c.Name == "" || c.Name == g.Name {
			continue
		}
		if err := o.reg.Rename(ctx, g.JID, c.Name); err != nil {
			o.log.Warn("group rename failed", "jid", g.JID, "error", err)
		}
	}

	isMain := o.reg.IsMain(t.SourceGroup)
	if err := o.ns.WriteSnapshot(t.SourceGroup, ipc.GroupsFile, ipc.BuildGroups(o.reg.List(), t.SourceGroup, isMain)); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	o.respond(t, okResult())
	return nil
}

// messageRef is the common payload of channel action tasks.
type messageRef struct {
	ChatJID         string `json:"chatJid"`
	TargetAuthor    string `json:"targetAuthor,omitempty"`
	TargetTimestamp string `json:"targetTimestamp"`
}

// resolveAction validates the message reference against the chat's recent
// messages and returns the owning channel's action surface.
func (o *Orchestrator) resolveAction(ctx context.Context, t ipc.Task, ref messageRef, mode ipc.RefMode) (channels.ActionChannel, string, channels.MessageRef, error) {
	var zero channels.MessageRef
	jid, err := o.targetJID(t, ref.ChatJID)
	if err != nil {
		return nil, "", zero, err
	}
	limit := o.cfg.Queue.SnapshotMessageCap
	if limit <= 0 {
		limit = 50
	}
	msgs, err := o.st.RecentMessages(ctx, jid, limit)
	if err != nil {
		return nil, "", zero, fmt.Errorf("recent messages %s: %w", jid, err)
	}
	m, err := ipc.ValidateReference(msgs, mode, ref.TargetAuthor, ref.TargetTimestamp)
	if err != nil {
		return nil, "", zero, err
	}

	ch := o.mgr.Owner(jid)
	if ch == nil {
		return nil, "", zero, fmt.Errorf("no channel owns jid %q", jid)
	}
	ac, ok := ch.(channels.ActionChannel)
	if !ok {
		return nil, "", zero, fmt.Errorf("channel %q does not support %s", ch.Name(), t.Type)
	}
	return ac, jid, channels.MessageRef{Author: m.Sender, Timestamp: m.ID}, nil
}

// reactionHandler builds the signal_react / signal_remove_reaction pair.
// Reactions reference any author's message, matched exactly.
func (o *Orchestrator) reactionHandler(remove bool) ipc.Handler {
	return func(ctx context.Context, t ipc.Task) error {
		var req struct {
			messageRef
			Emoji string `json:"emoji"`
		}
		if err := t.Decode(&req); err != nil {
			o.respond(t, errResult(err))
			return err
		}
		ac, jid, ref, err := o.resolveAction(ctx, t, req.messageRef, ipc.RefExact)
		if err != nil {
			o.respond(t, errResult(err))
			return err
		}
		if err := ac.React(ctx, jid, ref, req.Emoji, remove); err != nil {
			o.respond(t, errResult(err))
			return err
		}
		o.respond(t, okResult())
		return nil
	}
}

// handleEditMessage edits one of the bot's own messages.
func (o *Orchestrator) handleEditMessage(ctx context.Context, t ipc.Task) error {
	var req struct {
		messageRef
		NewText string `json:"newText"`
	}
	if err := t.Decode(&req); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	if req.NewText == "" {
		err := fmt.Errorf("edit_message from %q: empty newText", t.SourceGroup)
		o.respond(t, errResult(err))
		return err
	}
	ac, jid, ref, err := o.resolveAction(ctx, t, req.messageRef, ipc.RefOwn)
	if err != nil {
		o.respond(t, errResult(err))
		return err
	}
	if err := ac.EditMessage(ctx, jid, ref, req.NewText); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	o.respond(t, okResult())
	return nil
}

// handleDeleteMessage deletes one of the bot's own messages.
func (o *Orchestrator) handleDeleteMessage(ctx context.Context, t ipc.Task) error {
	var req messageRef
	if err := t.Decode(&req); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	ac, jid, ref, err := o.resolveAction(ctx, t, req, ipc.RefOwn)
	if err != nil {
		o.respond(t, errResult(err))
		return err
	}
	if err := ac.DeleteMessage(ctx, jid, ref); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	o.respond(t, okResult())
	return nil
}

// handleSendReceipt marks any referenced message as read.
func (o *Orchestrator) handleSendReceipt(ctx context.Context, t ipc.Task) error {
	var req messageRef
	if err := t.Decode(&req); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	ac, jid, ref, err := o.resolveAction(ctx, t, req, ipc.RefAny)
	if err != nil {
		o.respond(t, errResult(err))
		return err
	}
	if err := ac.SendReadReceipt(ctx, jid, ref); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	o.respond(t, okResult())
	return nil
}

func (o *Orchestrator) handleSendPoll(ctx context.Context, t ipc.Task) error {
	var req struct {
		ChatJID  string   `json:"chatJid"`
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := t.Decode(&req); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	if req.Question == "" || len(req.Options) < 2 {
		err := fmt.Errorf("send_poll from %q: need a question and at least two options", t.SourceGroup)
		o.respond(t, errResult(err))
		return err
	}
	jid, err := o.targetJID(t, req.ChatJID)
	if err != nil {
		o.respond(t, errResult(err))
		return err
	}
	ch := o.mgr.Owner(jid)
	if ch == nil {
		err := fmt.Errorf("no channel owns jid %q", jid)
		o.respond(t, errResult(err))
		return err
	}
	ac, ok := ch.(channels.ActionChannel)
	if !ok {
		err := fmt.Errorf("channel %q does not support send_poll", ch.Name())
		o.respond(t, errResult(err))
		return err
	}
	if err := ac.SendPoll(ctx, jid, req.Question, req.Options); err != nil {
		o.respond(t, errResult(err))
		return err
	}
	o.respond(t, okResult())
	return nil
}
