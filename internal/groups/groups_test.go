package groups

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func boolptr(b bool) *bool { return &b }

func TestTriggerMatching(t *testing.T) {
	reqOn := &store.RegisteredGroup{Folder: "family", TriggerPattern: "@Andy"}
	reqOff := &store.RegisteredGroup{Folder: "family", TriggerPattern: "@Andy", RequiresTrigger: boolptr(false)}
	mainGrp := &store.RegisteredGroup{Folder: "main", TriggerPattern: "@Andy"}
	bare := &store.RegisteredGroup{Folder: "family", TriggerPattern: "Andy"}

	tests := []struct {
		name    string
		g       *store.RegisteredGroup
		content string
		want    bool
	}{
		{"mention at start", reqOn, "@Andy what's up", true},
		{"case insensitive", reqOn, "@andy hello", true},
		{"word boundary blocks prefix", reqOn, "@Andyson hello", false},
		{"mid-message mention ignored", reqOn, "hey @Andy", false},
		{"no mention", reqOn, "hello", false},
		{"gate disabled", reqOff, "hello", true},
		{"main group never requires", mainGrp, "hello", true},
		{"at-sign prepended to bare word", bare, "@Andy hi", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.g, tt.content); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestStripTrigger(t *testing.T) {
	g := &store.RegisteredGroup{Folder: "family", TriggerPattern: "@Andy"}
	tests := []struct {
		in, want string
	}{
		{"@Andy run the report", "run the report"},
		{"@andy  spaced", "spaced"},
		{"no mention here", "no mention here"},
	}
	for _, tt := range tests {
		if got := StripTrigger(g, tt.in); got != tt.want {
			t.Errorf("StripTrigger(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeGroupStore struct {
	groups map[string]store.RegisteredGroup
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{groups: make(map[string]store.RegisteredGroup)}
}

func (f *fakeGroupStore) RegisterGroup(_ context.Context, g store.RegisteredGroup) error {
	f.groups[g.JID] = g
	return nil
}

func (f *fakeGroupStore) GroupByJID(_ context.Context, jid string) (*store.RegisteredGroup, error) {
	g, ok := f.groups[jid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (f *fakeGroupStore) GroupByFolder(_ context.Context, folder string) (*store.RegisteredGroup, error) {
	for _, g := range f.groups {
		if g.Folder == folder {
			return &g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeGroupStore) ListGroups(_ context.Context) ([]store.RegisteredGroup, error) {
	var out []store.RegisteredGroup
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeGroupStore) RenameGroup(_ context.Context, jid, name string) error {
	g, ok := f.groups[jid]
	if !ok {
		return store.ErrNotFound
	}
	g.Name = name
	f.groups[jid] = g
	return nil
}

func (f *fakeGroupStore) DeleteGroup(_ context.Context, jid string) error {
	if _, ok := f.groups[jid]; !ok {
		return store.ErrNotFound
	}
	delete(f.groups, jid)
	return nil
}

func TestRegistryFolderUniqueness(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newFakeGroupStore())

	if err := r.Register(ctx, store.RegisteredGroup{JID: "slack:C1", Name: "One", Folder: "main"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, store.RegisteredGroup{JID: "slack:C2", Name: "Two", Folder: "main"}); err == nil {
		t.Error("second JID claimed an owned folder without error")
	}
	if err := r.Register(ctx, store.RegisteredGroup{JID: "slack:C1", Name: "Renamed", Folder: "main"}); err != nil {
		t.Errorf("re-register same jid+folder: %v", err)
	}
	if err := r.Register(ctx, store.RegisteredGroup{JID: "slack:C1", Name: "Moved", Folder: "other"}); err == nil {
		t.Error("folder change on re-register should be rejected")
	}
}

func TestRegistryRejectsUnsafeFolder(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newFakeGroupStore())
	for _, folder := range []string{"../escape", "a/b", "UPPER", ""} {
		if err := r.Register(ctx, store.RegisteredGroup{JID: "tg:1", Folder: folder}); err == nil {
			t.Errorf("folder %q accepted, want rejection", folder)
		}
	}
}

func TestRegistryLookups(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newFakeGroupStore())
	if err := r.Register(ctx, store.RegisteredGroup{JID: "signal:group:abc", Name: "Ops", Folder: "ops"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if g := r.ByJID("signal:group:abc"); g == nil || g.Folder != "ops" {
		t.Errorf("ByJID = %+v, want ops", g)
	}
	if g := r.ByFolder("ops"); g == nil || g.JID != "signal:group:abc" {
		t.Errorf("ByFolder = %+v", g)
	}
	if folder, ok := r.FolderForJID("signal:group:abc"); !ok || folder != "ops" {
		t.Errorf("FolderForJID = %q/%v", folder, ok)
	}
	if _, ok := r.FolderForJID("missing"); ok {
		t.Error("FolderForJID returned ok for unknown jid")
	}
	if !r.IsMain("main") || r.IsMain("ops") {
		t.Error("IsMain misclassified")
	}

	if err := r.Deregister(ctx, "signal:group:abc"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if g := r.ByFolder("ops"); g != nil {
		t.Errorf("folder still resolves after deregister: %+v", g)
	}
}
