package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	if err := AtomicWrite(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("content = %q, want %q", got, `{"a":1}`)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover files in dir: %d entries", len(entries))
	}
}

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{"plain file", "a.txt", false},
		{"nested", "sub/dir/a.txt", false},
		{"dot segments resolved inside", "sub/../a.txt", false},
		{"escape", "../outside", true},
		{"deep escape", "a/../../outside", true},
		{"absolute", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeJoin("/data/groups/main", tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Errorf("SafeJoin(%q) = %q, want error", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Errorf("SafeJoin(%q): %v", tt.rel, err)
			}
		})
	}
}

func TestValidFolder(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"main", true},
		{"family-chat", true},
		{"dev.server_2", true},
		{"", false},
		{"Has-Upper", false},
		{"../escape", false},
		{"a/b", false},
		{".hidden", false},
	}
	for _, tt := range tests {
		if got := ValidFolder(tt.in); got != tt.want {
			t.Errorf("ValidFolder(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Family Chat", "family-chat"},
		{" spaced  out ", "spaced-out"},
		{"Ünïcode!!", "n-code"},
		{"already-good", "already-good"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	for i, w := range want {
		if got := Backoff(base, i+1, 0); got != w {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for range 200 {
		d := Backoff(base, 3, 0.2)
		lo, hi := 320*time.Millisecond, 480*time.Millisecond
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}
