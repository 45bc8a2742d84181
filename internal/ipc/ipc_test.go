package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

type fakeResolver struct {
	folders map[string]string // jid -> folder
}

func (f *fakeResolver) FolderForJID(jid string) (string, bool) {
	folder, ok := f.folders[jid]
	return folder, ok
}

func (f *fakeResolver) IsMain(folder string) bool { return folder == store.MainFolder }

func TestAuthorize(t *testing.T) {
	r := &fakeResolver{folders: map[string]string{
		"slack:C123":       "main",
		"signal:group:abc": "family",
		"slack:D234":       "work",
	}}

	tests := []struct {
		name   string
		task   Task
		wantOK bool
	}{
		{"main targets anything", Task{Type: "send_message", ChatJID: "slack:D234", SourceGroup: "main"}, true},
		{"main without chatJid", Task{Type: "list_tasks", SourceGroup: "main"}, true},
		{"own chat allowed", Task{Type: "send_message", ChatJID: "signal:group:abc", SourceGroup: "family"}, true},
		{"foreign chat rejected", Task{Type: "send_message", ChatJID: "slack:D234", SourceGroup: "family"}, false},
		{"missing chatJid rejected", Task{Type: "send_message", SourceGroup: "family"}, false},
		{"unregistered chat rejected", Task{Type: "send_message", ChatJID: "tg:999", SourceGroup: "family"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(r, tt.task)
			if tt.wantOK && err != nil {
				t.Errorf("Authorize() = %v, want nil", err)
			}
			if !tt.wantOK {
				if err == nil {
					t.Fatal("Authorize() = nil, want error")
				}
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("error = %v, want ErrUnauthorized", err)
				}
			}
		})
	}
}

func TestValidateReference(t *testing.T) {
	msgs := []store.Message{
		{ID: "1111", Sender: "+2", Content: "hello"},
		{ID: "2222", Sender: "+1", Content: "mine", IsFromMe: true},
		{ID: "3333", Sender: "+1", Content: "theirs"},
	}

	tests := []struct {
		name      string
		mode      RefMode
		author    string
		ts        string
		wantOK    bool
		wantError string
	}{
		{"exact match", RefExact, "+1", "3333", true, ""},
		{"exact wrong author", RefExact, "+1", "1111", false, "No author='+1' message with timestamp=1111"},
		{"own match", RefOwn, "", "2222", true, ""},
		{"own on foreign message", RefOwn, "", "3333", false, "No own message with timestamp=3333"},
		{"any match", RefAny, "", "1111", true, ""},
		{"any miss", RefAny, "", "9999", false, "No message with timestamp=9999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ValidateReference(msgs, tt.mode, tt.author, tt.ts)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("ValidateReference() error = %v", err)
				}
				if m.ID != tt.ts {
					t.Errorf("matched message id = %s, want %s", m.ID, tt.ts)
				}
				if tt.mode == RefOwn && !m.IsFromMe {
					t.Error("own-mode match is not from me")
				}
				return
			}
			if err == nil {
				t.Fatal("ValidateReference() = nil, want error")
			}
			if err.Error() != tt.wantError {
				t.Errorf("reason = %q, want %q", err.Error(), tt.wantError)
			}
		})
	}
}

func TestNamespaceAtomicWriteAndClose(t *testing.T) {
	ns := NewNamespace(t.TempDir())
	if err := ns.EnsureGroup("family"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if err := ns.EnsureGroup("family"); err != nil {
		t.Fatalf("EnsureGroup not idempotent: %v", err)
	}

	if err := ns.WriteJSON("family", TasksDir, "t1.json", map[string]string{"type": "noop"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ns.Dir("family", TasksDir), "t1.json")); err != nil {
		t.Fatalf("task file missing: %v", err)
	}

	if err := ns.WriteClose("family", ""); err != nil {
		t.Fatalf("WriteClose: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ns.Dir("family", InputDir), CloseSentinel)); err != nil {
		t.Fatalf("close sentinel missing: %v", err)
	}

	// Traversal out of the namespace is rejected.
	if err := ns.WriteFile("family", TasksDir, "../../evil.json", []byte("{}")); err == nil {
		t.Error("traversal write accepted")
	}
	if err := ns.EnsureGroup("../evil"); err == nil {
		t.Error("traversal folder accepted")
	}
}

func TestWatcherDispatchAndConsume(t *testing.T) {
	ns := NewNamespace(t.TempDir())
	if err := ns.EnsureGroup("family"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	resolver := &fakeResolver{folders: map[string]string{"signal:group:abc": "family"}}
	w := NewWatcher(ns, resolver, time.Hour, nil)

	var mu sync.Mutex
	var got []Task
	w.Register("send_message", func(_ context.Context, task Task) error {
		mu.Lock()
		got = append(got, task)
		mu.Unlock()
		return nil
	})

	ok := map[string]string{"type": "send_message", "chatJid": "signal:group:abc", "text": "hi"}
	foreign := map[string]string{"type": "send_message", "chatJid": "slack:C9", "text": "no"}
	if err := ns.WriteJSON("family", TasksDir, "a.json", ok); err != nil {
		t.Fatal(err)
	}
	if err := ns.WriteJSON("family", TasksDir, "b.json", foreign); err != nil {
		t.Fatal(err)
	}

	w.ScanOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("dispatched = %d, want 1 (unauthorized task must be dropped)", len(got))
	}
	if got[0].SourceGroup != "family" || got[0].ChatJID != "signal:group:abc" {
		t.Errorf("task = %+v", got[0])
	}

	// Process-once: files are consumed.
	entries, _ := os.ReadDir(ns.Dir("family", TasksDir))
	if len(entries) != 0 {
		t.Errorf("tasks dir has %d leftover files, want 0", len(entries))
	}
}

func TestBuildRecentMessagesTruncatesAndOrders(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	ts := func(s int) time.Time { return time.Date(2025, 1, 1, 0, 0, s, 0, time.UTC) }
	// Store order: newest first.
	msgs := []store.Message{
		{ID: "2", Sender: "u2", Content: string(long), Timestamp: ts(2)},
		{ID: "1", Sender: "u1", Content: "short", Timestamp: ts(1), IsFromMe: true},
	}
	snap := BuildRecentMessages(msgs, ts(3))
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(snap.Messages))
	}
	if snap.Messages[0].SenderID != "u1" {
		t.Errorf("snapshot not oldest-first: first sender = %s", snap.Messages[0].SenderID)
	}
	if !snap.Messages[0].IsFromMe {
		t.Error("is_from_me lost")
	}
	if len(snap.Messages[1].Content) != snapshotContentCap {
		t.Errorf("content length = %d, want %d", len(snap.Messages[1].Content), snapshotContentCap)
	}
}

func TestBuildRecentMessagesTruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte runes straddling the cap must not be cut mid-sequence, or
	// the snapshot JSON carries invalid UTF-8.
	long := strings.Repeat("é", 150) // 2 bytes each, 300 total
	msgs := []store.Message{
		{ID: "1", Sender: "u1", Content: long, Timestamp: time.Now().UTC()},
	}
	snap := BuildRecentMessages(msgs, time.Now().UTC())

	content := snap.Messages[0].Content
	if !utf8.ValidString(content) {
		t.Fatalf("truncated content is not valid UTF-8: %q", content[len(content)-4:])
	}
	if len(content) > snapshotContentCap {
		t.Errorf("content length = %d, want <= %d", len(content), snapshotContentCap)
	}
	if len(content) < snapshotContentCap-utf8.UTFMax {
		t.Errorf("content length = %d, truncated too far", len(content))
	}
}

func TestBuildGroupsAuthorizationFilter(t *testing.T) {
	all := []store.RegisteredGroup{
		{JID: "slack:C1", Folder: "main", Name: "Main"},
		{JID: "slack:C2", Folder: "family", Name: "Family"},
		{JID: "slack:C3", Folder: "work", Name: "Work"},
	}
	if got := BuildGroups(all, "main", true); len(got) != 3 {
		t.Errorf("main sees %d groups, want 3", len(got))
	}
	got := BuildGroups(all, "family", false)
	if len(got) != 1 || got[0].Folder != "family" {
		t.Errorf("family sees %+v, want only itself", got)
	}
}

func TestAwaitResponse(t *testing.T) {
	ns := NewNamespace(t.TempDir())
	if err := ns.EnsureGroup("family"); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		f := 1704067200.000099
		_ = ns.WriteResponse("family", "r1", SendResponse{Timestamp: &f})
	}()

	var resp SendResponse
	if err := ns.AwaitResponse(context.Background(), "family", "r1", &resp, time.Second); err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if resp.Timestamp == nil {
		t.Fatal("timestamp missing")
	}
	// Consumed after read.
	if _, err := os.Stat(filepath.Join(ns.Dir("family", ResponsesDir), "r1.json")); !os.IsNotExist(err) {
		t.Error("response file not unlinked")
	}
}
