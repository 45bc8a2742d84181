package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]store.ScheduledTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]store.ScheduledTask)}
}

func (f *fakeTaskStore) CreateTask(_ context.Context, t store.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeTaskStore) TaskByID(_ context.Context, id string) (*store.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTaskStore) ListTasks(_ context.Context, folder string) ([]store.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ScheduledTask
	for _, t := range f.tasks {
		if folder == "" || t.GroupFolder == folder {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) UpdateTaskStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	f.tasks[id] = t
	return nil
}

func (f *fakeTaskStore) MarkTaskRun(_ context.Context, id string, last time.Time, next *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if !last.IsZero() {
		t.LastRun = &last
	}
	t.NextRun = next
	f.tasks[id] = t
	return nil
}

func (f *fakeTaskStore) DueTasks(_ context.Context, now time.Time) ([]store.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ScheduledTask
	for _, t := range f.tasks {
		if t.Status == store.TaskStatusActive && t.NextRun != nil && !t.NextRun.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func newTestService(fs *fakeTaskStore, run Runner, now time.Time) *Service {
	s := New(fs, run, nil)
	s.now = func() time.Time { return now }
	return s
}

func TestCreateCronTask(t *testing.T) {
	fs := newFakeTaskStore()
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	s := newTestService(fs, nil, now)

	task, err := s.Create(context.Background(), "tg:1", "family", "daily recap", "0 9 * * *")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != store.TaskStatusActive {
		t.Errorf("status = %s", task.Status)
	}
	if task.NextRun == nil {
		t.Fatal("next run not computed")
	}
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if !task.NextRun.Equal(want) {
		t.Errorf("next run = %v, want %v", task.NextRun, want)
	}
}

func TestCreateOneShotTask(t *testing.T) {
	fs := newFakeTaskStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(fs, nil, now)

	at := "2025-06-01T15:00:00Z"
	task, err := s.Create(context.Background(), "tg:1", "family", "reminder", at)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.NextRun == nil || !task.NextRun.Equal(time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("next run = %v", task.NextRun)
	}

	if _, err := s.Create(context.Background(), "tg:1", "family", "late", "2025-01-01T00:00:00Z"); err == nil {
		t.Error("past one-shot accepted")
	}
	if _, err := s.Create(context.Background(), "tg:1", "family", "junk", "whenever"); err == nil {
		t.Error("unparseable schedule accepted")
	}
}

func TestTickRunsDueAndAdvances(t *testing.T) {
	fs := newFakeTaskStore()
	now := time.Date(2025, 6, 1, 9, 0, 30, 0, time.UTC)
	var ran []string
	s := newTestService(fs, func(_ context.Context, t store.ScheduledTask) error {
		ran = append(ran, t.ID)
		return nil
	}, now)

	due := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	notDue := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	fs.tasks["cron"] = store.ScheduledTask{ID: "cron", Schedule: "0 9 * * *", Status: store.TaskStatusActive, NextRun: &due}
	fs.tasks["shot"] = store.ScheduledTask{ID: "shot", Schedule: due.Format(time.RFC3339), Status: store.TaskStatusActive, NextRun: &due}
	fs.tasks["later"] = store.ScheduledTask{ID: "later", Schedule: "0 10 * * *", Status: store.TaskStatusActive, NextRun: &notDue}
	fs.tasks["paused"] = store.ScheduledTask{ID: "paused", Schedule: "0 9 * * *", Status: store.TaskStatusPaused, NextRun: &due}

	s.TickOnce(context.Background())

	if len(ran) != 2 {
		t.Fatalf("ran %v, want the two due tasks", ran)
	}

	cron := fs.tasks["cron"]
	if cron.NextRun == nil || !cron.NextRun.After(now) {
		t.Errorf("cron next run not advanced: %v", cron.NextRun)
	}
	if cron.Status != store.TaskStatusActive {
		t.Errorf("cron status = %s", cron.Status)
	}

	shot := fs.tasks["shot"]
	if shot.Status != store.TaskStatusDone {
		t.Errorf("one-shot status = %s, want done", shot.Status)
	}
	if shot.NextRun != nil {
		t.Errorf("one-shot next run = %v, want nil", shot.NextRun)
	}
}

func TestPauseResume(t *testing.T) {
	fs := newFakeTaskStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(fs, nil, now)

	task, err := s.Create(context.Background(), "tg:1", "family", "p", "*/5 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Pause(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	if fs.tasks[task.ID].Status != store.TaskStatusPaused {
		t.Error("pause did not persist")
	}
	if err := s.Resume(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	got := fs.tasks[task.ID]
	if got.Status != store.TaskStatusActive {
		t.Error("resume did not persist")
	}
	if got.NextRun == nil || !got.NextRun.After(now) {
		t.Errorf("resume next run = %v", got.NextRun)
	}

	if err := s.Cancel(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	if fs.tasks[task.ID].Status != store.TaskStatusDone {
		t.Error("cancel did not persist")
	}
	if err := s.Resume(context.Background(), task.ID); err == nil {
		t.Error("resumed a done task")
	}
}
