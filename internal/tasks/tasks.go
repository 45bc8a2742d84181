// Package tasks runs scheduled agent prompts: cron expressions or
// one-shot timestamps, persisted in the store, ticked once per minute.
// Due tasks are handed to the runner as scheduled-task lane work.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// TickInterval is the scheduler resolution.
const TickInterval = time.Minute

// Runner executes one due task. Implemented by the orchestrator, which
// enqueues a scheduled-task lane run for the owning chat.
type Runner func(ctx context.Context, t store.ScheduledTask) error

// Service owns scheduled-task lifecycle and the minute tick.
type Service struct {
	store store.TaskStore
	run   Runner
	cron  *gronx.Gronx
	log   *slog.Logger
	now   func() time.Time
}

// New builds the service.
func New(ts store.TaskStore, run Runner, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: ts,
		run:   run,
		cron:  gronx.New(),
		log:   log.With("component", "tasks"),
		now:   time.Now,
	}
}

// Create validates the schedule, computes the first run, and persists the
// task. Returns the stored task.
func (s *Service) Create(ctx context.Context, chatJID, folder, prompt, schedule string) (*store.ScheduledTask, error) {
	if prompt == "" {
		return nil, fmt.Errorf("schedule task: empty prompt")
	}
	next, err := s.nextRun(schedule, s.now())
	if err != nil {
		return nil, err
	}
	t := store.ScheduledTask{
		ID:          uuid.NewString(),
		ChatJID:     chatJID,
		GroupFolder: folder,
		Prompt:      prompt,
		Schedule:    schedule,
		Status:      store.TaskStatusActive,
		CreatedAt:   s.now().UTC(),
		NextRun:     next,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// nextRun computes the next execution time: cron via gronx, otherwise the
// schedule must be a one-shot RFC3339 timestamp.
func (s *Service) nextRun(schedule string, after time.Time) (*time.Time, error) {
	if s.cron.IsValid(schedule) {
		next, err := gronx.NextTickAfter(schedule, after, false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", schedule, err)
		}
		return &next, nil
	}
	at, err := time.Parse(time.RFC3339, schedule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q is neither cron nor RFC3339", schedule)
	}
	if at.Before(after) {
		return nil, fmt.Errorf("one-shot schedule %q is in the past", schedule)
	}
	return &at, nil
}

// Pause stops an active task. Idempotent on already-paused tasks.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, store.TaskStatusPaused)
}

// Resume reactivates a paused task, recomputing its next run so missed
// ticks do not fire in a burst.
func (s *Service) Resume(ctx context.Context, id string) error {
	t, err := s.store.TaskByID(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == store.TaskStatusDone {
		return fmt.Errorf("resume task %s: already done", id)
	}
	next, err := s.nextRun(t.Schedule, s.now())
	if err != nil {
		return err
	}
	var last time.Time
	if t.LastRun != nil {
		last = *t.LastRun
	}
	if err := s.store.MarkTaskRun(ctx, id, last, next); err != nil {
		return err
	}
	return s.setStatus(ctx, id, store.TaskStatusActive)
}

// Cancel finishes a task permanently.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, store.TaskStatusDone)
}

// List returns the tasks visible to a group folder ("" for all).
func (s *Service) List(ctx context.Context, folder string) ([]store.ScheduledTask, error) {
	return s.store.ListTasks(ctx, folder)
}

func (s *Service) setStatus(ctx context.Context, id, status string) error {
	if err := s.store.UpdateTaskStatus(ctx, id, status); err != nil {
		return fmt.Errorf("task %s -> %s: %w", id, status, err)
	}
	return nil
}

// Run ticks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.TickOnce(ctx)
		}
	}
}

// TickOnce runs every due task and advances its next run. Cron tasks stay
// active; one-shots finish.
func (s *Service) TickOnce(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.log.Warn("due-task query failed", "error", err)
		return
	}
	for _, t := range due {
		if err := s.run(ctx, t); err != nil {
			s.log.Warn("scheduled task run failed", "task", t.ID, "chat_jid", t.ChatJID, "error", err)
			// Next-run still advances: a failing task must not re-fire
			// every tick.
		}
		s.advance(ctx, t, now)
	}
}

func (s *Service) advance(ctx context.Context, t store.ScheduledTask, ranAt time.Time) {
	if s.cron.IsValid(t.Schedule) {
		next, err := gronx.NextTickAfter(t.Schedule, ranAt, false)
		if err != nil {
			s.log.Warn("cron advance failed", "task", t.ID, "error", err)
			return
		}
		if err := s.store.MarkTaskRun(ctx, t.ID, ranAt.UTC(), &next); err != nil {
			s.log.Warn("task run mark failed", "task", t.ID, "error", err)
		}
		return
	}
	// One-shot: finished.
	if err := s.store.MarkTaskRun(ctx, t.ID, ranAt.UTC(), nil); err != nil {
		s.log.Warn("task run mark failed", "task", t.ID, "error", err)
	}
	if err := s.store.UpdateTaskStatus(ctx, t.ID, store.TaskStatusDone); err != nil {
		s.log.Warn("task status update failed", "task", t.ID, "error", err)
	}
}
