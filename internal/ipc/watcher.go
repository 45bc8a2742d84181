package ipc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the task-scan period. The fsnotify watcher only
// wakes a scan early; polling remains the correctness contract.
const DefaultPollInterval = time.Second

// Handler processes one task. Handlers run on the watcher goroutine;
// long-running work belongs on the handler's own goroutine.
type Handler func(ctx context.Context, t Task) error

// Watcher scans every group's messages/ and tasks/ subtrees, authorizes
// each file against its source group, and dispatches by task type.
// Files are consumed: read, dispatched, deleted (process-once).
type Watcher struct {
	ns       *Namespace
	resolver GroupResolver
	interval time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	wake chan struct{}
}

// NewWatcher builds a watcher; handlers are registered before Run.
func NewWatcher(ns *Namespace, resolver GroupResolver, interval time.Duration, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		ns:       ns,
		resolver: resolver,
		interval: interval,
		log:      log.With("component", "ipc"),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Register installs the handler for a task type. Last registration wins.
func (w *Watcher) Register(taskType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = h
}

// Run scans until ctx is done. An fsnotify watcher on the namespace root
// wakes the next scan early when task files land.
func (w *Watcher) Run(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsw.Close()
		w.armNotify(fsw)
		go w.notifyLoop(ctx, fsw)
	} else {
		w.log.Warn("fsnotify unavailable, polling only", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.ScanOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
		if fsw != nil {
			// New groups appear at runtime; re-arm each pass.
			w.armNotify(fsw)
		}
	}
}

func (w *Watcher) armNotify(fsw *fsnotify.Watcher) {
	folders, err := w.ns.ListGroups()
	if err != nil {
		return
	}
	for _, folder := range folders {
		for _, sub := range []string{TasksDir, MessagesDir} {
			// Duplicate adds are cheap no-ops inside fsnotify.
			_ = fsw.Add(w.ns.Dir(folder, sub))
		}
	}
}

func (w *Watcher) notifyLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// ScanOnce performs one pass over every group's task and message dirs.
func (w *Watcher) ScanOnce(ctx context.Context) {
	folders, err := w.ns.ListGroups()
	if err != nil {
		w.log.Warn("ipc scan failed", "error", err)
		return
	}
	for _, folder := range folders {
		w.scanDir(ctx, folder, TasksDir)
		w.scanDir(ctx, folder, MessagesDir)
	}
}

func (w *Watcher) scanDir(ctx context.Context, folder, sub string) {
	dir := w.ns.Dir(folder, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Groups can be deregistered between list and scan.
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			// Another consumer, or the producer's rename raced us.
			continue
		}
		w.consume(ctx, folder, sub, data)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.log.Warn("ipc file remove failed", "path", path, "error", err)
		}
	}
}

func (w *Watcher) consume(ctx context.Context, folder, sub string, data []byte) {
	t, err := ParseTask(data, folder)
	if err != nil {
		w.log.Warn("malformed ipc file dropped", "group", folder, "dir", sub, "error", err)
		return
	}
	// Files in messages/ are send_message tasks under the historical
	// naming; normalize so one handler serves both.
	if sub == MessagesDir && t.Type == "message" {
		t.Type = "send_message"
	}

	if err := Authorize(w.resolver, t); err != nil {
		w.log.Warn("ipc task rejected", "group", folder, "type", t.Type, "chat_jid", t.ChatJID, "error", err)
		return
	}

	w.mu.RLock()
	h, ok := w.handlers[t.Type]
	w.mu.RUnlock()
	if !ok {
		w.log.Warn("ipc task with no handler", "group", folder, "type", t.Type)
		return
	}
	if err := h(ctx, t); err != nil {
		w.log.Warn("ipc task failed", "group", folder, "type", t.Type, "error", err)
	}
}
